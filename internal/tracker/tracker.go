// Package tracker observes submitted transactions until the network
// commits them. A submission is only provisional: the transaction sits
// in the pending pool until a block includes it, and downstream steps
// (consuming a note the transaction created, reading state it wrote)
// are only safe after that point.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ev0r0x/miden-tutorials/internal/protocol"
)

var (
	// ErrTimeout is returned when a bounded wait saw the transaction
	// but it never reached committed within the attempt budget.
	ErrTimeout = errors.New("timed out waiting for commitment")

	// ErrStatusUnavailable is returned when a bounded wait exhausted
	// its budget without ever observing the transaction's status.
	ErrStatusUnavailable = errors.New("transaction status unavailable")
)

// Outcome reports how a wait ended.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Result carries the outcome of one wait and, when committed, the
// block that included the transaction.
type Result struct {
	Outcome  Outcome
	BlockNum uint64
}

// StatusClient is the slice of the ledger client the tracker polls:
// advancing local state against the node and reading transaction
// records from it.
type StatusClient interface {
	SyncState(ctx context.Context) (uint64, error)
	GetTransactions(ctx context.Context, filter protocol.TransactionFilter) ([]protocol.TransactionRecord, error)
}

// ValueReader fetches one observation of a polled value, typically a
// storage slot of a tracked account.
type ValueReader func(ctx context.Context) (protocol.Word, error)

const (
	defaultInterval    = 500 * time.Millisecond
	maxBackoffMultiple = 8
)

// Tracker polls a status client at a fixed interval, backing off when
// the client itself is failing.
type Tracker struct {
	client   StatusClient
	interval time.Duration
}

func NewTracker(client StatusClient, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Tracker{client: client, interval: interval}
}

// AwaitCommitment blocks until the transaction commits or ctx is done.
// There is no attempt budget: a transaction stuck in the pending pool
// keeps the caller waiting, which is why the context is the only way
// out and cancellation is reported as an outcome rather than buried in
// a generic error.
func (t *Tracker) AwaitCommitment(ctx context.Context, id protocol.TransactionID) (Result, error) {
	delay := t.interval
	for {
		rec, err := t.lookup(ctx, id)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Result{Outcome: OutcomeCancelled}, ctx.Err()
			}
			log.Printf("[Tracker] Status query for %s failed (%v), retrying in %s", id, err, delay)
			delay = nextBackoff(delay, t.interval)
		case rec != nil && rec.Status == protocol.TxCommitted:
			log.Printf("[Tracker] Transaction %s committed at block %d", id, rec.BlockNum)
			return Result{Outcome: OutcomeCommitted, BlockNum: rec.BlockNum}, nil
		default:
			delay = t.interval
		}

		select {
		case <-ctx.Done():
			return Result{Outcome: OutcomeCancelled}, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// AwaitCommitmentBounded is AwaitCommitment with an attempt budget.
// Exhausting the budget distinguishes two failures: the transaction
// was observed but never committed (ErrTimeout), and its status could
// never be read at all (ErrStatusUnavailable).
func (t *Tracker) AwaitCommitmentBounded(ctx context.Context, id protocol.TransactionID, maxAttempts int) (Result, error) {
	if maxAttempts <= 0 {
		return Result{}, fmt.Errorf("maxAttempts must be positive, got %d", maxAttempts)
	}

	delay := t.interval
	seen := false
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rec, err := t.lookup(ctx, id)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Result{Outcome: OutcomeCancelled}, ctx.Err()
			}
			lastErr = err
			delay = nextBackoff(delay, t.interval)
		case rec != nil:
			seen = true
			if rec.Status == protocol.TxCommitted {
				return Result{Outcome: OutcomeCommitted, BlockNum: rec.BlockNum}, nil
			}
			delay = t.interval
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Result{Outcome: OutcomeCancelled}, ctx.Err()
		case <-time.After(delay):
		}
	}

	if !seen {
		if lastErr != nil {
			return Result{Outcome: OutcomeTimedOut}, fmt.Errorf("%w: transaction %s after %d attempts: %v", ErrStatusUnavailable, id, maxAttempts, lastErr)
		}
		return Result{Outcome: OutcomeTimedOut}, fmt.Errorf("%w: transaction %s after %d attempts", ErrStatusUnavailable, id, maxAttempts)
	}
	return Result{Outcome: OutcomeTimedOut}, fmt.Errorf("%w: transaction %s after %d attempts", ErrTimeout, id, maxAttempts)
}

// AwaitAll waits for several transactions concurrently. A maxAttempts
// of zero waits unbounded; otherwise each transaction gets its own
// attempt budget. The first failure cancels the remaining waits.
func (t *Tracker) AwaitAll(ctx context.Context, maxAttempts int, ids ...protocol.TransactionID) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			var err error
			if maxAttempts > 0 {
				_, err = t.AwaitCommitmentBounded(gctx, id, maxAttempts)
			} else {
				_, err = t.AwaitCommitment(gctx, id)
			}
			return err
		})
	}
	return g.Wait()
}

// PollValue reads a value up to maxAttempts times until reached accepts
// an observation. It returns the last observed value either way; running
// out of attempts is an answer, not an error, so callers can act on the
// most recent state. Read failures are tolerated and do not consume the
// last good observation.
func (t *Tracker) PollValue(ctx context.Context, maxAttempts int, read ValueReader, reached func(protocol.Word) bool) (protocol.Word, bool, error) {
	if maxAttempts <= 0 {
		return protocol.Word{}, false, fmt.Errorf("maxAttempts must be positive, got %d", maxAttempts)
	}

	var last protocol.Word
	delay := t.interval
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		value, err := read(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return last, false, ctx.Err()
			}
			log.Printf("[Tracker] Value read failed (%v), retrying in %s", err, delay)
			delay = nextBackoff(delay, t.interval)
		default:
			last = value
			if reached(value) {
				return last, true, nil
			}
			delay = t.interval
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return last, false, ctx.Err()
		case <-time.After(delay):
		}
	}
	return last, false, nil
}

// lookup advances local state once and reads the transaction's record.
// A nil record with nil error means the transaction is not yet known.
func (t *Tracker) lookup(ctx context.Context, id protocol.TransactionID) (*protocol.TransactionRecord, error) {
	if _, err := t.client.SyncState(ctx); err != nil {
		return nil, fmt.Errorf("failed to sync state: %w", err)
	}
	records, err := t.client.GetTransactions(ctx, protocol.FilterIDs(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	for i := range records {
		if records[i].ID == id {
			return &records[i], nil
		}
	}
	return nil, nil
}

func nextBackoff(current, base time.Duration) time.Duration {
	next := current * 2
	if limit := base * maxBackoffMultiple; next > limit {
		return limit
	}
	return next
}
