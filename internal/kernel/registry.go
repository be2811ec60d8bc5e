package kernel

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ev0r0x/miden-tutorials/internal/protocol"
)

// NoteEffect applies a note script when the note is consumed. Args are
// the spend-time arguments the consumer attached, nil when none.
type NoteEffect func(env *Env, note protocol.Note, args *protocol.Word) error

// TxEffect applies a transaction script against the executing account.
type TxEffect func(env *Env) error

// Registry maps compiled script roots to their effects. A root with no
// registered effect is an unknown program and cannot execute.
type Registry struct {
	mu    sync.RWMutex
	notes map[common.Hash]NoteEffect
	txs   map[common.Hash]TxEffect
}

func NewRegistry() *Registry {
	return &Registry{
		notes: make(map[common.Hash]NoteEffect),
		txs:   make(map[common.Hash]TxEffect),
	}
}

func (r *Registry) registerNote(root common.Hash, effect NoteEffect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes[root] = effect
}

func (r *Registry) registerTx(root common.Hash, effect TxEffect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs[root] = effect
}

func (r *Registry) noteEffect(root common.Hash) (NoteEffect, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	effect, ok := r.notes[root]
	return effect, ok
}

func (r *Registry) txEffect(root common.Hash) (TxEffect, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	effect, ok := r.txs[root]
	return effect, ok
}

// Env is the state a script effect runs against: the executing
// account's mutable post-state, read-only views of the declared
// foreign accounts, and the notes the script emits.
type Env struct {
	Account *protocol.Account

	foreign map[protocol.AccountID]*protocol.Account
	emitted []protocol.Note
}

// ForeignItem reads a value slot of a declared foreign account.
func (env *Env) ForeignItem(id protocol.AccountID, slot string) (protocol.Word, error) {
	acct, err := env.foreignAccount(id)
	if err != nil {
		return protocol.Word{}, err
	}
	value, err := acct.Storage.Item(slot)
	if err != nil {
		return protocol.Word{}, fmt.Errorf("foreign read %s/%s: %w", id, slot, err)
	}
	return value, nil
}

// ForeignMapItem reads one key of a map slot of a declared foreign
// account. Absent keys read as the empty word.
func (env *Env) ForeignMapItem(id protocol.AccountID, slot string, key protocol.Word) (protocol.Word, error) {
	acct, err := env.foreignAccount(id)
	if err != nil {
		return protocol.Word{}, err
	}
	value, err := acct.Storage.MapItem(slot, key)
	if err != nil {
		return protocol.Word{}, fmt.Errorf("foreign read %s/%s: %w", id, slot, err)
	}
	return value, nil
}

// ForeignStorage returns a detached copy of a declared foreign
// account's storage, for effects that walk slot layouts.
func (env *Env) ForeignStorage(id protocol.AccountID) (protocol.AccountStorage, error) {
	acct, err := env.foreignAccount(id)
	if err != nil {
		return protocol.AccountStorage{}, err
	}
	return acct.Copy().Storage, nil
}

// EmitNote adds a script-created output note. It must match one of the
// request's declared recipients or execution fails.
func (env *Env) EmitNote(n protocol.Note) {
	env.emitted = append(env.emitted, n)
}

func (env *Env) foreignAccount(id protocol.AccountID) (*protocol.Account, error) {
	acct, ok := env.foreign[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUndeclaredForeignRead, id)
	}
	return acct, nil
}
