package store

import (
	"fmt"
	"sync"

	"github.com/ev0r0x/miden-tutorials/internal/protocol"
)

// MemoryStore keeps the projection in process memory. It is the default
// for tests and throwaway runs; durable clients use LevelStore.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[protocol.AccountID]*protocol.AccountRecord
	acctOrder []protocol.AccountID
	notes     map[protocol.NoteID]*protocol.NoteRecord
	noteOrder []protocol.NoteID
	txs       map[protocol.TransactionID]*protocol.TransactionRecord
	txOrder   []protocol.TransactionID
	height    uint64
	closed    bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[protocol.AccountID]*protocol.AccountRecord),
		notes:    make(map[protocol.NoteID]*protocol.NoteRecord),
		txs:      make(map[protocol.TransactionID]*protocol.TransactionRecord),
	}
}

func (s *MemoryStore) PutAccount(rec *protocol.AccountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.accounts[rec.ID]; !ok {
		s.acctOrder = append(s.acctOrder, rec.ID)
	}
	s.accounts[rec.ID] = copyAccountRecord(rec)
	return nil
}

func (s *MemoryStore) Account(id protocol.AccountID) (*protocol.AccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rec, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	return copyAccountRecord(rec), nil
}

func (s *MemoryStore) Accounts() ([]*protocol.AccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*protocol.AccountRecord, 0, len(s.acctOrder))
	for _, id := range s.acctOrder {
		out = append(out, copyAccountRecord(s.accounts[id]))
	}
	return out, nil
}

func (s *MemoryStore) PutNote(rec *protocol.NoteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	id := rec.Note.ID()
	if _, ok := s.notes[id]; !ok {
		s.noteOrder = append(s.noteOrder, id)
	}
	s.notes[id] = rec.Copy()
	return nil
}

func (s *MemoryStore) Note(id protocol.NoteID) (*protocol.NoteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rec, ok := s.notes[id]
	if !ok {
		return nil, nil
	}
	return rec.Copy(), nil
}

func (s *MemoryStore) Notes() ([]*protocol.NoteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*protocol.NoteRecord, 0, len(s.noteOrder))
	for _, id := range s.noteOrder {
		out = append(out, s.notes[id].Copy())
	}
	return out, nil
}

func (s *MemoryStore) ConsumableNotes(target *protocol.AccountID) ([]*protocol.NoteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*protocol.NoteRecord
	for _, id := range s.noteOrder {
		rec := s.notes[id]
		if target == nil {
			if rec.Status == protocol.NoteCommitted {
				out = append(out, rec.Copy())
			}
			continue
		}
		if rec.ConsumableBy(*target) {
			out = append(out, rec.Copy())
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkNoteConsumed(id protocol.NoteID, blockNum uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	rec, ok := s.notes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNote, id)
	}
	if rec.Status == protocol.NoteConsumed {
		return fmt.Errorf("%w: %s", ErrNoteConsumed, id)
	}
	rec.Status = protocol.NoteConsumed
	rec.BlockNum = blockNum
	return nil
}

func (s *MemoryStore) PutTransaction(rec protocol.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.txs[rec.ID]; !ok {
		s.txOrder = append(s.txOrder, rec.ID)
	}
	cp := rec
	s.txs[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) Transaction(id protocol.TransactionID) (*protocol.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rec, ok := s.txs[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Transactions(filter protocol.TransactionFilter) ([]protocol.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []protocol.TransactionRecord
	for _, id := range s.txOrder {
		if filter.Matches(id) {
			out = append(out, *s.txs[id])
		}
	}
	return out, nil
}

func (s *MemoryStore) SetTransactionStatus(id protocol.TransactionID, status protocol.TransactionStatus, blockNum uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	rec, ok := s.txs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	rec.Status = status
	rec.BlockNum = blockNum
	return nil
}

func (s *MemoryStore) SyncHeight() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.height, nil
}

func (s *MemoryStore) SetSyncHeight(height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.height = height
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
