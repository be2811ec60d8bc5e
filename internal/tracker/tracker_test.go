package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ev0r0x/miden-tutorials/internal/protocol"
)

// scriptedStatus serves a transaction whose status flips to committed
// after a set number of lookups, optionally failing the first queries.
type scriptedStatus struct {
	mu          sync.Mutex
	lookups     int
	commitAfter int
	failFirst   int
	unknown     bool
	record      protocol.TransactionRecord
}

func newScriptedStatus(id protocol.TransactionID, commitAfter int) *scriptedStatus {
	return &scriptedStatus{
		commitAfter: commitAfter,
		record: protocol.TransactionRecord{
			ID:     id,
			Status: protocol.TxPending,
		},
	}
}

func (s *scriptedStatus) SyncState(context.Context) (uint64, error) {
	return 1, nil
}

func (s *scriptedStatus) GetTransactions(_ context.Context, filter protocol.TransactionFilter) ([]protocol.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.lookups <= s.failFirst {
		return nil, errors.New("node unreachable")
	}
	if s.unknown || !filter.Matches(s.record.ID) {
		return nil, nil
	}
	rec := s.record
	if s.lookups >= s.commitAfter {
		rec.Status = protocol.TxCommitted
		rec.BlockNum = 7
	}
	return []protocol.TransactionRecord{rec}, nil
}

func (s *scriptedStatus) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

func txID(b byte) protocol.TransactionID {
	return protocol.TransactionID(common.BytesToHash([]byte{b}))
}

func TestAwaitCommitment(t *testing.T) {
	id := txID(1)
	client := newScriptedStatus(id, 3)
	tr := NewTracker(client, time.Millisecond)

	result, err := tr.AwaitCommitment(context.Background(), id)
	if err != nil {
		t.Fatalf("AwaitCommitment failed: %v", err)
	}
	if result.Outcome != OutcomeCommitted {
		t.Errorf("Expected outcome %s, got %s", OutcomeCommitted, result.Outcome)
	}
	if result.BlockNum != 7 {
		t.Errorf("Expected block 7, got %d", result.BlockNum)
	}
	if got := client.lookupCount(); got != 3 {
		t.Errorf("Expected 3 lookups, got %d", got)
	}
}

func TestAwaitCommitmentCancelled(t *testing.T) {
	id := txID(2)
	client := newScriptedStatus(id, 1_000_000)
	tr := NewTracker(client, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result, err := tr.AwaitCommitment(ctx, id)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}
	if result.Outcome != OutcomeCancelled {
		t.Errorf("Expected outcome %s, got %s", OutcomeCancelled, result.Outcome)
	}
}

func TestAwaitCommitmentToleratesQueryFailures(t *testing.T) {
	id := txID(3)
	client := newScriptedStatus(id, 4)
	client.failFirst = 2
	tr := NewTracker(client, time.Millisecond)

	result, err := tr.AwaitCommitment(context.Background(), id)
	if err != nil {
		t.Fatalf("AwaitCommitment failed: %v", err)
	}
	if result.Outcome != OutcomeCommitted {
		t.Errorf("Expected outcome %s, got %s", OutcomeCommitted, result.Outcome)
	}
}

func TestAwaitCommitmentBounded(t *testing.T) {
	t.Run("commits within budget", func(t *testing.T) {
		id := txID(4)
		client := newScriptedStatus(id, 2)
		tr := NewTracker(client, time.Millisecond)

		result, err := tr.AwaitCommitmentBounded(context.Background(), id, 5)
		if err != nil {
			t.Fatalf("AwaitCommitmentBounded failed: %v", err)
		}
		if result.Outcome != OutcomeCommitted {
			t.Errorf("Expected outcome %s, got %s", OutcomeCommitted, result.Outcome)
		}
	})

	t.Run("pending past budget times out", func(t *testing.T) {
		id := txID(5)
		client := newScriptedStatus(id, 1_000_000)
		tr := NewTracker(client, time.Millisecond)

		result, err := tr.AwaitCommitmentBounded(context.Background(), id, 3)
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("Expected ErrTimeout, got %v", err)
		}
		if errors.Is(err, ErrStatusUnavailable) {
			t.Error("Timeout must not also report status unavailable")
		}
		if result.Outcome != OutcomeTimedOut {
			t.Errorf("Expected outcome %s, got %s", OutcomeTimedOut, result.Outcome)
		}
		if got := client.lookupCount(); got != 3 {
			t.Errorf("Expected exactly 3 lookups, got %d", got)
		}
	})

	t.Run("unknown transaction reports unavailable", func(t *testing.T) {
		id := txID(6)
		client := newScriptedStatus(id, 1)
		client.unknown = true
		tr := NewTracker(client, time.Millisecond)

		_, err := tr.AwaitCommitmentBounded(context.Background(), id, 3)
		if !errors.Is(err, ErrStatusUnavailable) {
			t.Fatalf("Expected ErrStatusUnavailable, got %v", err)
		}
		if errors.Is(err, ErrTimeout) {
			t.Error("Unavailable must not also report timeout")
		}
	})

	t.Run("query failures report unavailable with cause", func(t *testing.T) {
		id := txID(7)
		client := newScriptedStatus(id, 1)
		client.failFirst = 100
		tr := NewTracker(client, time.Millisecond)

		_, err := tr.AwaitCommitmentBounded(context.Background(), id, 2)
		if !errors.Is(err, ErrStatusUnavailable) {
			t.Fatalf("Expected ErrStatusUnavailable, got %v", err)
		}
	})

	t.Run("rejects non-positive budget", func(t *testing.T) {
		id := txID(8)
		tr := NewTracker(newScriptedStatus(id, 1), time.Millisecond)

		if _, err := tr.AwaitCommitmentBounded(context.Background(), id, 0); err == nil {
			t.Error("Expected error for zero attempts, got nil")
		}
	})
}

func TestPollValue(t *testing.T) {
	t.Run("reaches target", func(t *testing.T) {
		tr := NewTracker(newScriptedStatus(txID(9), 1), time.Millisecond)

		var calls int
		read := func(context.Context) (protocol.Word, error) {
			calls++
			return protocol.WordFromUint64s(uint64(calls), 0, 0, 0), nil
		}
		reached := func(w protocol.Word) bool { return w[0].Uint64() >= 3 }

		value, ok, err := tr.PollValue(context.Background(), 10, read, reached)
		if err != nil {
			t.Fatalf("PollValue failed: %v", err)
		}
		if !ok {
			t.Fatal("Expected target to be reached")
		}
		if value[0].Uint64() != 3 {
			t.Errorf("Expected final observation 3, got %d", value[0].Uint64())
		}
		if calls != 3 {
			t.Errorf("Expected 3 reads, got %d", calls)
		}
	})

	t.Run("exhaustion returns last observation without error", func(t *testing.T) {
		tr := NewTracker(newScriptedStatus(txID(10), 1), time.Millisecond)

		var calls int
		read := func(context.Context) (protocol.Word, error) {
			calls++
			return protocol.WordFromUint64s(uint64(calls), 0, 0, 0), nil
		}
		never := func(protocol.Word) bool { return false }

		value, ok, err := tr.PollValue(context.Background(), 4, read, never)
		if err != nil {
			t.Fatalf("Expected exhaustion without error, got %v", err)
		}
		if ok {
			t.Fatal("Expected target not reached")
		}
		if value[0].Uint64() != 4 {
			t.Errorf("Expected last observation 4, got %d", value[0].Uint64())
		}
	})

	t.Run("read failures keep last good observation", func(t *testing.T) {
		tr := NewTracker(newScriptedStatus(txID(11), 1), time.Millisecond)

		var calls int
		read := func(context.Context) (protocol.Word, error) {
			calls++
			if calls > 1 {
				return protocol.Word{}, errors.New("read failed")
			}
			return protocol.WordFromUint64s(42, 0, 0, 0), nil
		}
		never := func(protocol.Word) bool { return false }

		value, ok, err := tr.PollValue(context.Background(), 3, read, never)
		if err != nil {
			t.Fatalf("Expected tolerated failures, got %v", err)
		}
		if ok {
			t.Fatal("Expected target not reached")
		}
		if value[0].Uint64() != 42 {
			t.Errorf("Expected last good observation 42, got %d", value[0].Uint64())
		}
	})

	t.Run("cancellation surfaces context error", func(t *testing.T) {
		tr := NewTracker(newScriptedStatus(txID(12), 1), time.Millisecond)
		ctx, cancel := context.WithCancel(context.Background())

		read := func(context.Context) (protocol.Word, error) {
			cancel()
			return protocol.WordFromUint64s(1, 0, 0, 0), nil
		}
		never := func(protocol.Word) bool { return false }

		_, _, err := tr.PollValue(ctx, 5, read, never)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})
}

// multiStatus fans GetTransactions out to one scripted client per
// transaction, so a single tracker can await several at once.
type multiStatus struct {
	clients map[protocol.TransactionID]*scriptedStatus
}

func (m *multiStatus) SyncState(context.Context) (uint64, error) {
	return 1, nil
}

func (m *multiStatus) GetTransactions(ctx context.Context, filter protocol.TransactionFilter) ([]protocol.TransactionRecord, error) {
	var out []protocol.TransactionRecord
	for id, client := range m.clients {
		if !filter.Matches(id) {
			continue
		}
		recs, err := client.GetTransactions(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func TestAwaitAll(t *testing.T) {
	t.Run("all commit", func(t *testing.T) {
		a, b := txID(13), txID(14)
		client := &multiStatus{clients: map[protocol.TransactionID]*scriptedStatus{
			a: newScriptedStatus(a, 2),
			b: newScriptedStatus(b, 3),
		}}
		tr := NewTracker(client, time.Millisecond)

		if err := tr.AwaitAll(context.Background(), 10, a, b); err != nil {
			t.Fatalf("AwaitAll failed: %v", err)
		}
	})

	t.Run("first failure cancels the rest", func(t *testing.T) {
		known, unknown := txID(15), txID(16)
		client := newScriptedStatus(known, 1_000_000)
		client.unknown = true
		tr := NewTracker(client, time.Millisecond)

		start := time.Now()
		err := tr.AwaitAll(context.Background(), 3, known, unknown)
		if err == nil {
			t.Fatal("Expected failure, got nil")
		}
		if !errors.Is(err, ErrStatusUnavailable) {
			t.Errorf("Expected ErrStatusUnavailable, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("Expected prompt cancellation, waited %s", elapsed)
		}
	})
}
