package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2b"

	"github.com/ev0r0x/miden-tutorials/internal/fpi"
	"github.com/ev0r0x/miden-tutorials/internal/notechain"
	"github.com/ev0r0x/miden-tutorials/internal/protocol"
)

// Script program identifiers. Parameters are baked into the compiled
// root, so the same program bound to different accounts or slots
// yields distinct scripts.
const (
	programP2ID          = "note/p2id@1"
	programHashLock      = "note/hash-lock@1"
	programCountChain    = "note/count-chain@1"
	programIncrementNote = "note/increment@1"
	programIncrementTx   = "tx/increment@1"
	programCopyCount     = "tx/copy-foreign-count@1"
	programReadPrice     = "tx/read-oracle-price@1"
)

// priceMapSlot is the map slot publishers keep pair prices in.
const priceMapSlot = "prices"

func scriptRoot(program string, params ...string) common.Hash {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(program))
	for _, p := range params {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// CodeBuilder compiles script programs: each compilation pins the root
// identifying the program with its parameters and registers the effect
// implementing it. Compiling the same program with the same parameters
// always yields the same root.
type CodeBuilder struct {
	registry *Registry
}

func NewCodeBuilder(registry *Registry) *CodeBuilder {
	return &CodeBuilder{registry: registry}
}

// P2IDScript compiles the pay-to-id note program. The note carries its
// target account in the first two inputs and only that account can
// consume it, receiving the note's assets.
func (cb *CodeBuilder) P2IDScript() protocol.NoteScript {
	root := scriptRoot(programP2ID)
	cb.registry.registerNote(root, p2idEffect)
	return protocol.NoteScript{Root: root}
}

// HashLockScript compiles the hash-lock note program. The note inputs
// hold a commitment built by HashLockCommitment; whoever presents the
// secret word as note arguments receives the assets.
func (cb *CodeBuilder) HashLockScript() protocol.NoteScript {
	root := scriptRoot(programHashLock)
	cb.registry.registerNote(root, hashLockEffect)
	return protocol.NoteScript{Root: root}
}

// CountChainScript compiles the self-propagating counter note program:
// consuming the note increments the consumer's count slot and emits
// the successor note with the serial number advanced by one and the
// consumer as sender.
func (cb *CodeBuilder) CountChainScript() protocol.NoteScript {
	root := scriptRoot(programCountChain)
	cb.registry.registerNote(root, chainNoteEffect)
	return protocol.NoteScript{Root: root}
}

// IncrementNoteScript compiles the one-shot counter note program:
// consuming the note increments the consumer's count slot. Used for
// notes aimed at network accounts the node executes on its own.
func (cb *CodeBuilder) IncrementNoteScript() protocol.NoteScript {
	root := scriptRoot(programIncrementNote)
	cb.registry.registerNote(root, func(env *Env, _ protocol.Note, _ *protocol.Word) error {
		return incrementSlot(env.Account, "count")
	})
	return protocol.NoteScript{Root: root}
}

// IncrementScript compiles the transaction program that increments one
// of the executing account's own value slots.
func (cb *CodeBuilder) IncrementScript(slot string) protocol.TransactionScript {
	root := scriptRoot(programIncrementTx, slot)
	cb.registry.registerTx(root, func(env *Env) error {
		return incrementSlot(env.Account, slot)
	})
	return protocol.TransactionScript{Root: root}
}

// CopyCountScript compiles the transaction program that reads a value
// slot of a foreign account and stores it under the same name on the
// executing account. The source account must be declared by the
// request or execution fails.
func (cb *CodeBuilder) CopyCountScript(source protocol.AccountID, slot string) protocol.TransactionScript {
	root := scriptRoot(programCopyCount, source.String(), slot)
	cb.registry.registerTx(root, func(env *Env) error {
		value, err := env.ForeignItem(source, slot)
		if err != nil {
			return err
		}
		return env.Account.Storage.SetItem(slot, value)
	})
	return protocol.TransactionScript{Root: root}
}

// ReadPriceScript compiles the oracle query program: it walks the
// oracle's publisher registry, reads each publisher's price for the
// pair, and stores the median in destSlot of the executing account.
// Every account it touches, the oracle and all publishers, must be
// declared by the request; the resolver produces exactly that set.
func (cb *CodeBuilder) ReadPriceScript(oracle protocol.AccountID, pair protocol.Word, destSlot string) protocol.TransactionScript {
	root := scriptRoot(programReadPrice, oracle.String(), pair.String(), destSlot)
	cb.registry.registerTx(root, func(env *Env) error {
		storage, err := env.ForeignStorage(oracle)
		if err != nil {
			return err
		}
		var prices []uint64
		for _, word := range fpi.DiscoverRegistry(storage) {
			publisher, err := protocol.AccountIDFromWord(word)
			if err != nil {
				return fmt.Errorf("bad registry entry %s: %v", word, err)
			}
			price, err := env.ForeignMapItem(publisher, priceMapSlot, pair)
			if err != nil {
				return err
			}
			prices = append(prices, price[0].Uint64())
		}
		if len(prices) == 0 {
			return errors.New("oracle registry lists no publishers")
		}
		return env.Account.Storage.SetItem(destSlot, protocol.WordFromUint64s(medianOf(prices), 0, 0, 0))
	})
	return protocol.TransactionScript{Root: root}
}

// HashLockCommitment derives the note inputs locking a note to a
// secret word. Spending requires presenting the preimage as note
// arguments.
func HashLockCommitment(secret protocol.Word) []protocol.Felt {
	sb := secret.Bytes()
	digest := blake2b.Sum256(sb[:])
	out := make([]protocol.Felt, 4)
	for i := range out {
		out[i] = protocol.NewFelt(binary.LittleEndian.Uint64(digest[i*8:]))
	}
	return out
}

func p2idEffect(env *Env, note protocol.Note, _ *protocol.Word) error {
	values := note.Recipient.Inputs.Values
	if len(values) < 2 {
		return fmt.Errorf("%w: malformed target inputs", ErrWrongConsumer)
	}
	if !values[0].Equal(env.Account.ID.Suffix) || !values[1].Equal(env.Account.ID.Prefix) {
		return fmt.Errorf("%w: locked to another account", ErrWrongConsumer)
	}
	creditAssets(env, note.Assets)
	return nil
}

func hashLockEffect(env *Env, note protocol.Note, args *protocol.Word) error {
	if args == nil {
		return fmt.Errorf("%w: secret word required", ErrUnlockFailed)
	}
	want := note.Recipient.Inputs.Values
	got := HashLockCommitment(*args)
	if len(want) != len(got) {
		return fmt.Errorf("%w: malformed lock inputs", ErrUnlockFailed)
	}
	for i := range got {
		if !got[i].Equal(want[i]) {
			return fmt.Errorf("%w: wrong secret", ErrUnlockFailed)
		}
	}
	creditAssets(env, note.Assets)
	return nil
}

func chainNoteEffect(env *Env, note protocol.Note, _ *protocol.Word) error {
	if err := incrementSlot(env.Account, "count"); err != nil {
		return err
	}
	next, err := notechain.NextNote(note, env.Account.ID)
	if err != nil {
		return err
	}
	env.EmitNote(next)
	return nil
}

func creditAssets(env *Env, assets protocol.NoteAssets) {
	for _, asset := range assets {
		env.Account.Vault.Add(asset.FaucetID, asset.Amount)
	}
}

func incrementSlot(acct *protocol.Account, slot string) error {
	value, err := acct.Storage.Item(slot)
	if err != nil {
		return err
	}
	value[0] = value[0].Add(protocol.NewFelt(1))
	return acct.Storage.SetItem(slot, value)
}

func medianOf(values []uint64) uint64 {
	sorted := append([]uint64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
