// Package kernel executes transaction requests against local state.
// Script programs compile to roots bound to Go effects, a stand-in for
// the proving VM, but execution applies the same discipline the real
// kernel enforces: inputs must be live notes, foreign reads must be
// declared up front, and script outputs must match pre-declared
// recipients. Client flows therefore fail here the same way they would
// fail at proof time.
package kernel

import (
	"errors"
	"fmt"
	"log"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2b"

	"github.com/ev0r0x/miden-tutorials/internal/protocol"
)

var (
	ErrUnknownAccount = errors.New("executing account not tracked")
	ErrPartialAccount = errors.New("executing account has no full state")
	ErrUnknownScript  = errors.New("no effect registered for script root")

	ErrNoteUnknown      = errors.New("input note not tracked")
	ErrNoteNotCommitted = errors.New("input note not yet committed")
	ErrNoteConsumed     = errors.New("input note already consumed")

	ErrUndeclaredForeignRead = errors.New("foreign account not declared by the request")
	ErrForeignUnavailable    = errors.New("declared foreign account has no local state")

	ErrOutputNotDeclared     = errors.New("script output does not match any declared recipient")
	ErrExpectedOutputMissing = errors.New("declared output recipient was not produced")
	ErrInsufficientFunds     = errors.New("insufficient vault balance for output note")

	ErrUnlockFailed  = errors.New("unlock arguments rejected")
	ErrWrongConsumer = errors.New("note targets a different account")
)

// StateView is the read slice of the store the executor runs against.
type StateView interface {
	Account(id protocol.AccountID) (*protocol.AccountRecord, error)
	Note(id protocol.NoteID) (*protocol.NoteRecord, error)
	SyncHeight() (uint64, error)
}

// Executor runs transaction requests to produce executed transactions.
type Executor struct {
	registry *Registry
}

func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Execute runs one request for the given account against the view.
// The run is purely local: consumed note effects apply first, then the
// custom transaction script, then output settlement debits the vault
// for every asset leaving the account (or records issuance when the
// account is the asset's faucet). The view is never written; the
// caller applies the result after submission.
func (e *Executor) Execute(view StateView, accountID protocol.AccountID, req *protocol.TransactionRequest) (*protocol.ExecutedTransaction, error) {
	rec, err := view.Account(accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	if rec.IsPartial() {
		return nil, fmt.Errorf("%w: %s", ErrPartialAccount, accountID)
	}

	initial := rec.Commitment
	post := rec.Account.Copy()
	env := &Env{Account: post, foreign: make(map[protocol.AccountID]*protocol.Account)}

	for _, foreign := range req.ForeignAccounts() {
		frec, err := view.Account(foreign.Account)
		if err != nil {
			return nil, fmt.Errorf("failed to load foreign account %s: %w", foreign.Account, err)
		}
		if frec == nil || frec.IsPartial() {
			return nil, fmt.Errorf("%w: %s", ErrForeignUnavailable, foreign.Account)
		}
		env.foreign[foreign.Account] = frec.Account
	}

	consumed := make([]protocol.NoteID, 0, len(req.InputNotes()))
	for _, in := range req.InputNotes() {
		note, err := e.resolveInput(view, in)
		if err != nil {
			return nil, err
		}
		effect, ok := e.registry.noteEffect(note.Recipient.Script.Root)
		if !ok {
			return nil, fmt.Errorf("%w: note script %s", ErrUnknownScript, note.Recipient.Script.Root.Hex())
		}
		if err := effect(env, note, in.Args); err != nil {
			return nil, fmt.Errorf("consuming note %s: %w", in.ID, err)
		}
		consumed = append(consumed, in.ID)
	}

	if script := req.Script(); script != nil {
		effect, ok := e.registry.txEffect(script.Root)
		if !ok {
			return nil, fmt.Errorf("%w: transaction script %s", ErrUnknownScript, script.Root.Hex())
		}
		if err := effect(env); err != nil {
			return nil, fmt.Errorf("transaction script: %w", err)
		}
	}

	created := append(append([]protocol.Note(nil), req.OwnOutputNotes()...), env.emitted...)
	if err := checkDeclaredOutputs(req, env.emitted, created); err != nil {
		return nil, err
	}
	if err := settleAssets(post, created); err != nil {
		return nil, err
	}

	post.Nonce++
	final := post.Commitment()

	height, err := view.SyncHeight()
	if err != nil {
		return nil, fmt.Errorf("failed to read sync height: %w", err)
	}

	executed := &protocol.ExecutedTransaction{
		ID:                TransactionDigest(accountID, initial, final, consumed, created),
		AccountID:         accountID,
		InitialCommitment: initial,
		FinalAccount:      post,
		CreatedNotes:      created,
		ConsumedNotes:     consumed,
		BlockRef:          height,
	}
	log.Printf("[Kernel] Executed %s for account %s: %d notes consumed, %d created",
		executed.ID, accountID, len(consumed), len(created))
	return executed, nil
}

// resolveInput returns the full note behind an input entry. Tracked
// notes must be committed and unspent; unauthenticated payloads are
// taken as-is after an ID integrity check.
func (e *Executor) resolveInput(view StateView, in protocol.InputNote) (protocol.Note, error) {
	if in.Unauthenticated != nil {
		if in.Unauthenticated.ID() != in.ID {
			return protocol.Note{}, fmt.Errorf("unauthenticated payload does not match note id %s", in.ID)
		}
		return *in.Unauthenticated, nil
	}
	rec, err := view.Note(in.ID)
	if err != nil {
		return protocol.Note{}, fmt.Errorf("failed to load note %s: %w", in.ID, err)
	}
	if rec == nil {
		return protocol.Note{}, fmt.Errorf("%w: %s", ErrNoteUnknown, in.ID)
	}
	switch rec.Status {
	case protocol.NoteConsumed:
		return protocol.Note{}, fmt.Errorf("%w: %s", ErrNoteConsumed, in.ID)
	case protocol.NoteExpected:
		return protocol.Note{}, fmt.Errorf("%w: %s", ErrNoteNotCommitted, in.ID)
	}
	return rec.Note, nil
}

// checkDeclaredOutputs enforces the output contract in both directions:
// every script-created note must land on a declared recipient, and
// every declared recipient must be produced by some output.
func checkDeclaredOutputs(req *protocol.TransactionRequest, emitted, created []protocol.Note) error {
	declared := make(map[common.Hash]bool)
	for _, r := range req.ExpectedRecipients() {
		declared[r.Digest()] = false
	}
	for _, n := range emitted {
		digest := n.Recipient.Digest()
		if _, ok := declared[digest]; !ok {
			return fmt.Errorf("%w: recipient %s", ErrOutputNotDeclared, digest.Hex())
		}
	}
	for _, n := range created {
		digest := n.Recipient.Digest()
		if _, ok := declared[digest]; ok {
			declared[digest] = true
		}
	}
	for digest, produced := range declared {
		if !produced {
			return fmt.Errorf("%w: recipient %s", ErrExpectedOutputMissing, digest.Hex())
		}
	}
	return nil
}

// settleAssets funds every asset leaving through created notes. An
// account sending another faucet's asset pays from its vault; a faucet
// sending its own asset mints it, with the faucet's vault balance
// doubling as the running supply counter.
func settleAssets(post *protocol.Account, created []protocol.Note) error {
	for _, note := range created {
		for _, asset := range note.Assets {
			if asset.FaucetID.Equal(post.ID) {
				if post.Type != protocol.AccountFaucet {
					return fmt.Errorf("account %s cannot issue assets, not a faucet", post.ID)
				}
				post.Vault.Add(post.ID, asset.Amount)
				continue
			}
			if err := post.Vault.Sub(asset.FaucetID, asset.Amount); err != nil {
				return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
			}
		}
	}
	return nil
}

// TransactionDigest derives the canonical transaction ID from the
// executing account and the transition it performs. Node and client
// compute it independently and must agree.
func TransactionDigest(account protocol.AccountID, initial, final common.Hash, consumed []protocol.NoteID, created []protocol.Note) protocol.TransactionID {
	h, _ := blake2b.New256(nil)
	ab := account.Bytes()
	h.Write(ab[:])
	h.Write(initial[:])
	h.Write(final[:])
	for _, id := range consumed {
		h.Write(id[:])
	}
	for _, n := range created {
		nid := n.ID()
		h.Write(nid[:])
	}
	var out common.Hash
	h.Sum(out[:0])
	return protocol.TransactionID(out)
}
