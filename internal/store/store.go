// Package store holds the client's local projection of ledger state:
// tracked accounts, known notes, submitted transactions, and the height
// the projection was last synchronized to.
package store

import (
	"errors"

	"github.com/ev0r0x/miden-tutorials/internal/protocol"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store is closed")

	// ErrUnknownNote is returned when a note operation names an
	// identifier the store has never seen.
	ErrUnknownNote = errors.New("unknown note")

	// ErrUnknownTransaction is returned when a status update names a
	// transaction the store has never seen.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrNoteConsumed guards against double spends: a note can be marked
	// consumed exactly once.
	ErrNoteConsumed = errors.New("note already consumed")
)

// Store is the projection interface the ledger client works against.
// Implementations return copies; callers may mutate results freely.
// A nil record with a nil error means "not tracked".
type Store interface {
	PutAccount(rec *protocol.AccountRecord) error
	Account(id protocol.AccountID) (*protocol.AccountRecord, error)
	Accounts() ([]*protocol.AccountRecord, error)

	PutNote(rec *protocol.NoteRecord) error
	Note(id protocol.NoteID) (*protocol.NoteRecord, error)
	Notes() ([]*protocol.NoteRecord, error)
	ConsumableNotes(target *protocol.AccountID) ([]*protocol.NoteRecord, error)
	MarkNoteConsumed(id protocol.NoteID, blockNum uint64) error

	PutTransaction(rec protocol.TransactionRecord) error
	Transaction(id protocol.TransactionID) (*protocol.TransactionRecord, error)
	Transactions(filter protocol.TransactionFilter) ([]protocol.TransactionRecord, error)
	SetTransactionStatus(id protocol.TransactionID, status protocol.TransactionStatus, blockNum uint64) error

	SyncHeight() (uint64, error)
	SetSyncHeight(height uint64) error

	Close() error
}

func copyAccountRecord(rec *protocol.AccountRecord) *protocol.AccountRecord {
	out := *rec
	if rec.Account != nil {
		out.Account = rec.Account.Copy()
	}
	return &out
}
