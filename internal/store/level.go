package store

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/ev0r0x/miden-tutorials/internal/protocol"
)

const (
	// LevelStoreCacheMB is the LevelDB block cache size in MB.
	LevelStoreCacheMB = 16

	// LevelStoreHandles is the maximum number of open file handles for LevelDB.
	LevelStoreHandles = 16

	// readCacheBytes sizes the in-memory cache in front of LevelDB.
	readCacheBytes = 32 * 1024 * 1024
)

const (
	acctPrefix = "acct:"
	notePrefix = "note:"
	txPrefix   = "tx:"
)

var heightKey = []byte("meta:height")

// LevelStore persists the projection in LevelDB with an in-memory
// read-through cache. If the path is empty or the database cannot be
// opened, it falls back to in-memory storage.
type LevelStore struct {
	db     ethdb.Database
	cache  *fastcache.Cache
	mu     sync.RWMutex
	closed bool
}

func NewLevelStore(path string) (*LevelStore, error) {
	var db ethdb.Database

	if path != "" {
		if mkErr := os.MkdirAll(path, 0755); mkErr != nil {
			log.Printf("[Store] Failed to create directory %s: %v, using in-memory", path, mkErr)
			db = rawdb.NewMemoryDatabase()
		} else {
			ldb, ldbErr := leveldb.New(path, LevelStoreCacheMB, LevelStoreHandles, "", false)
			if ldbErr != nil {
				log.Printf("[Store] Failed to open LevelDB at %s: %v, using in-memory", path, ldbErr)
				db = rawdb.NewMemoryDatabase()
			} else {
				db = rawdb.NewDatabase(ldb)
				log.Printf("[Store] Opened persistent storage at %s", path)
			}
		}
	} else {
		db = rawdb.NewMemoryDatabase()
		log.Printf("[Store] Using in-memory storage (no path specified)")
	}

	return &LevelStore{
		db:    db,
		cache: fastcache.New(readCacheBytes),
	}, nil
}

func acctKey(id protocol.AccountID) []byte {
	b := id.Bytes()
	return append([]byte(acctPrefix), b[:]...)
}

func noteKey(id protocol.NoteID) []byte {
	return append([]byte(notePrefix), id[:]...)
}

func txKey(id protocol.TransactionID) []byte {
	return append([]byte(txPrefix), id[:]...)
}

// read checks the cache first and falls back to the database, priming
// the cache on a hit. Stored values are never empty, so a zero-length
// result means "not found".
func (s *LevelStore) read(key []byte) ([]byte, bool) {
	if v := s.cache.Get(nil, key); len(v) > 0 {
		return v, true
	}
	v, err := s.db.Get(key)
	if err != nil || len(v) == 0 {
		return nil, false
	}
	s.cache.Set(key, v)
	return v, true
}

func (s *LevelStore) write(key, val []byte) error {
	if err := s.db.Put(key, val); err != nil {
		return err
	}
	s.cache.Set(key, val)
	return nil
}

func (s *LevelStore) PutAccount(rec *protocol.AccountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	data, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return fmt.Errorf("encode account record: %w", err)
	}
	return s.write(acctKey(rec.ID), data)
}

func (s *LevelStore) Account(id protocol.AccountID) (*protocol.AccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	data, ok := s.read(acctKey(id))
	if !ok {
		return nil, nil
	}
	var rec protocol.AccountRecord
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("decode account record: %w", err)
	}
	return &rec, nil
}

func (s *LevelStore) Accounts() ([]*protocol.AccountRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*protocol.AccountRecord
	it := s.db.NewIterator([]byte(acctPrefix), nil)
	defer it.Release()
	for it.Next() {
		var rec protocol.AccountRecord
		if err := rlp.DecodeBytes(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode account record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, it.Error()
}

func (s *LevelStore) PutNote(rec *protocol.NoteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	data, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return fmt.Errorf("encode note record: %w", err)
	}
	return s.write(noteKey(rec.Note.ID()), data)
}

func (s *LevelStore) Note(id protocol.NoteID) (*protocol.NoteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.note(id)
}

func (s *LevelStore) note(id protocol.NoteID) (*protocol.NoteRecord, error) {
	data, ok := s.read(noteKey(id))
	if !ok {
		return nil, nil
	}
	var rec protocol.NoteRecord
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("decode note record: %w", err)
	}
	return &rec, nil
}

func (s *LevelStore) Notes() ([]*protocol.NoteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*protocol.NoteRecord
	it := s.db.NewIterator([]byte(notePrefix), nil)
	defer it.Release()
	for it.Next() {
		var rec protocol.NoteRecord
		if err := rlp.DecodeBytes(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode note record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, it.Error()
}

func (s *LevelStore) ConsumableNotes(target *protocol.AccountID) ([]*protocol.NoteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*protocol.NoteRecord
	it := s.db.NewIterator([]byte(notePrefix), nil)
	defer it.Release()
	for it.Next() {
		var rec protocol.NoteRecord
		if err := rlp.DecodeBytes(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode note record: %w", err)
		}
		if target == nil {
			if rec.Status == protocol.NoteCommitted {
				out = append(out, &rec)
			}
			continue
		}
		if rec.ConsumableBy(*target) {
			out = append(out, &rec)
		}
	}
	return out, it.Error()
}

func (s *LevelStore) MarkNoteConsumed(id protocol.NoteID, blockNum uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	rec, err := s.note(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrUnknownNote, id)
	}
	if rec.Status == protocol.NoteConsumed {
		return fmt.Errorf("%w: %s", ErrNoteConsumed, id)
	}
	rec.Status = protocol.NoteConsumed
	rec.BlockNum = blockNum
	data, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return fmt.Errorf("encode note record: %w", err)
	}
	return s.write(noteKey(id), data)
}

func (s *LevelStore) PutTransaction(rec protocol.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	data, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		return fmt.Errorf("encode transaction record: %w", err)
	}
	return s.write(txKey(rec.ID), data)
}

func (s *LevelStore) Transaction(id protocol.TransactionID) (*protocol.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.transaction(id)
}

func (s *LevelStore) transaction(id protocol.TransactionID) (*protocol.TransactionRecord, error) {
	data, ok := s.read(txKey(id))
	if !ok {
		return nil, nil
	}
	var rec protocol.TransactionRecord
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("decode transaction record: %w", err)
	}
	return &rec, nil
}

func (s *LevelStore) Transactions(filter protocol.TransactionFilter) ([]protocol.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if len(filter.IDs) > 0 {
		var out []protocol.TransactionRecord
		for _, id := range filter.IDs {
			rec, err := s.transaction(id)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				out = append(out, *rec)
			}
		}
		return out, nil
	}
	var out []protocol.TransactionRecord
	it := s.db.NewIterator([]byte(txPrefix), nil)
	defer it.Release()
	for it.Next() {
		var rec protocol.TransactionRecord
		if err := rlp.DecodeBytes(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode transaction record: %w", err)
		}
		out = append(out, rec)
	}
	return out, it.Error()
}

func (s *LevelStore) SetTransactionStatus(id protocol.TransactionID, status protocol.TransactionStatus, blockNum uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	rec, err := s.transaction(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	rec.Status = status
	rec.BlockNum = blockNum
	data, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return fmt.Errorf("encode transaction record: %w", err)
	}
	return s.write(txKey(id), data)
}

func (s *LevelStore) SyncHeight() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	data, ok := s.read(heightKey)
	if !ok {
		return 0, nil
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt sync height entry (%d bytes)", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

func (s *LevelStore) SetSyncHeight(height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	return s.write(heightKey, buf[:])
}

// Close gracefully closes the underlying database.
func (s *LevelStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cache.Reset()
	return s.db.Close()
}
