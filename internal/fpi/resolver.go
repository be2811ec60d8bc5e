// Package fpi resolves the foreign account set a transaction needs
// before it can call into another account's code. The canonical case is
// an oracle whose own storage names the publisher accounts it reads:
// executing against the oracle requires declaring the oracle and every
// publisher up front, otherwise the transaction is unprovable.
package fpi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/ev0r0x/miden-tutorials/internal/protocol"
)

var (
	// ErrNoStorage is returned when the root account has no storage
	// slots to discover dependencies from.
	ErrNoStorage = errors.New("account has no storage slots")

	// ErrInvalidAccountEncoding is returned when a registry word does
	// not decode to a usable account ID.
	ErrInvalidAccountEncoding = errors.New("invalid account id encoding in registry slot")

	// ErrAccountUnavailable is returned when a required account cannot
	// be imported or read.
	ErrAccountUnavailable = errors.New("foreign account unavailable")

	// ErrSchemaMismatch is returned when a slot schema names slots the
	// root account does not carry.
	ErrSchemaMismatch = errors.New("slot schema does not match account storage")
)

// AccountReader is the slice of the ledger client the resolver needs:
// making an account tracked and reading its current record.
type AccountReader interface {
	ImportAccountByID(ctx context.Context, id protocol.AccountID) error
	GetAccount(ctx context.Context, id protocol.AccountID) (*protocol.AccountRecord, error)
}

// SlotSchema names the root account's layout explicitly instead of
// relying on slot-name discovery. When RegistrySlots is set, those
// slots are read as publisher entries directly and CountSlot is
// ignored. Otherwise CountSlot names the count slot and the registry
// is the remaining value slots in declaration order.
type SlotSchema struct {
	CountSlot     string
	RegistrySlots []string
}

// Resolver walks a root account's storage and produces the ordered
// foreign account requirements for executing against it.
type Resolver struct {
	reader AccountReader
}

func NewResolver(reader AccountReader) *Resolver {
	return &Resolver{reader: reader}
}

// DiscoverRegistry applies the publisher registry convention to an
// account's storage: the count slot is the first one whose name
// mentions both "publisher" and "count", falling back to the first
// declared slot. The publisher count N is the first component of the
// count slot's value; the registry is the value slots other than the
// count slot in declaration order, of which the first N-1 are
// returned. Contract code walking the registry at execution time uses
// the same convention, so the two can never disagree about which
// accounts a call touches.
func DiscoverRegistry(storage protocol.AccountStorage) []protocol.Word {
	slots := storage.Slots
	if len(slots) == 0 {
		return nil
	}

	countIdx := 0
	for i, slot := range slots {
		name := strings.ToLower(slot.Name)
		if strings.Contains(name, "publisher") && strings.Contains(name, "count") {
			countIdx = i
			break
		}
	}

	registry := make([]protocol.Word, 0, len(slots))
	for i, slot := range slots {
		if i == countIdx || slot.Kind != protocol.SlotValue {
			continue
		}
		registry = append(registry, slot.Value)
	}

	count := slots[countIdx].Value[0].Uint64()
	take := uint64(0)
	if count > 0 {
		take = count - 1
	}
	if take > uint64(len(registry)) {
		take = uint64(len(registry))
	}
	return registry[:take]
}

// Resolve discovers the root's dependencies through DiscoverRegistry
// and assembles the requirement list: one entry per publisher in
// registry order, then the root itself with no storage requirements,
// duplicates preserved. Each publisher's map slots are listed with
// empty key sets: the proof covers the account and its storage
// commitment, not any particular map entry, because the keys a call
// actually touches are resolved inside the root's own code.
func (r *Resolver) Resolve(ctx context.Context, root protocol.AccountID) ([]protocol.ForeignAccountRequirement, error) {
	acct, err := r.fetch(ctx, root)
	if err != nil {
		return nil, err
	}
	if len(acct.Storage.Slots) == 0 {
		return nil, fmt.Errorf("%w: account %s", ErrNoStorage, root)
	}
	return r.build(ctx, root, DiscoverRegistry(acct.Storage))
}

// ResolveWithSchema is Resolve with the layout pinned by the caller,
// for roots whose slot names do not follow the publisher convention.
func (r *Resolver) ResolveWithSchema(ctx context.Context, root protocol.AccountID, schema SlotSchema) ([]protocol.ForeignAccountRequirement, error) {
	acct, err := r.fetch(ctx, root)
	if err != nil {
		return nil, err
	}

	if len(schema.RegistrySlots) > 0 {
		registry := make([]protocol.Word, 0, len(schema.RegistrySlots))
		for _, name := range schema.RegistrySlots {
			slot, ok := acct.Storage.Slot(name)
			if !ok || slot.Kind != protocol.SlotValue {
				return nil, fmt.Errorf("%w: registry slot %q", ErrSchemaMismatch, name)
			}
			registry = append(registry, slot.Value)
		}
		return r.build(ctx, root, registry)
	}

	countSlot, ok := acct.Storage.Slot(schema.CountSlot)
	if !ok || countSlot.Kind != protocol.SlotValue {
		return nil, fmt.Errorf("%w: count slot %q", ErrSchemaMismatch, schema.CountSlot)
	}
	registry := make([]protocol.Word, 0, len(acct.Storage.Slots))
	for _, slot := range acct.Storage.Slots {
		if slot.Name == schema.CountSlot || slot.Kind != protocol.SlotValue {
			continue
		}
		registry = append(registry, slot.Value)
	}
	count := countSlot.Value[0].Uint64()
	take := uint64(0)
	if count > 0 {
		take = count - 1
	}
	if take > uint64(len(registry)) {
		take = uint64(len(registry))
	}
	return r.build(ctx, root, registry[:take])
}

// fetch makes an account tracked and returns its full state.
func (r *Resolver) fetch(ctx context.Context, id protocol.AccountID) (*protocol.Account, error) {
	if err := r.reader.ImportAccountByID(ctx, id); err != nil {
		return nil, fmt.Errorf("%w: importing %s: %v", ErrAccountUnavailable, id, err)
	}
	rec, err := r.reader.GetAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrAccountUnavailable, id, err)
	}
	if rec == nil || rec.IsPartial() {
		return nil, fmt.Errorf("%w: no full state for %s", ErrAccountUnavailable, id)
	}
	return rec.Account, nil
}

// build decodes the registry words, imports each publisher, and
// assembles the requirement list with the root appended last.
func (r *Resolver) build(ctx context.Context, root protocol.AccountID, registry []protocol.Word) ([]protocol.ForeignAccountRequirement, error) {
	result := make([]protocol.ForeignAccountRequirement, 0, len(registry)+1)
	for _, word := range registry {
		id, err := protocol.AccountIDFromWord(word)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAccountEncoding, word, err)
		}
		acct, err := r.fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		var keys []protocol.StorageKeyRequirement
		for _, slot := range acct.Storage.Slots {
			if slot.Kind == protocol.SlotMap {
				keys = append(keys, protocol.StorageKeyRequirement{Slot: slot.Name})
			}
		}
		result = append(result, protocol.NewForeignAccountRequirement(id, keys...))
	}
	result = append(result, protocol.NewForeignAccountRequirement(root))
	log.Printf("[FPI] Resolved %d foreign dependencies for %s", len(result), root)
	return result, nil
}
