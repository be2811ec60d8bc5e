// Package notechain derives the recipients of chained notes: sequences
// where each note's serial number follows deterministically from its
// predecessor, so a consumer can pre-declare the exact commitment of the
// next link while spending the current one.
package notechain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ev0r0x/miden-tutorials/internal/protocol"
)

var (
	// ErrSerialOverflow is returned when the serial number's last
	// component has no successor in the field. Chains are expected to
	// stay far below this bound.
	ErrSerialOverflow = errors.New("serial number overflow")

	// ErrMissingPredecessor is returned when a chain is advanced before
	// it has an initial recipient.
	ErrMissingPredecessor = errors.New("chain has no predecessor recipient")
)

// BuildInitial pairs a freshly drawn serial number with the script and
// inputs that fix the chain's spend conditions.
func BuildInitial(script protocol.NoteScript, inputs protocol.NoteInputs, rng protocol.Rng) protocol.NoteRecipient {
	return protocol.NoteRecipient{
		SerialNum: rng.DrawWord(),
		Script:    script,
		Inputs:    inputs.Copy(),
	}
}

// Advance derives the next recipient from prev: script and inputs are
// carried unchanged and the serial number's last component is raised by
// exactly one. The derivation is bit-exact; the consuming transaction
// declares the resulting recipient digest before the note exists, so any
// other derivation would break the lineage.
func Advance(prev protocol.NoteRecipient) (protocol.NoteRecipient, error) {
	last := prev.SerialNum[3]
	if last.Uint64() == protocol.FeltModulus-1 {
		return protocol.NoteRecipient{}, fmt.Errorf("%w: serial %s", ErrSerialOverflow, prev.SerialNum)
	}
	next := prev
	next.SerialNum[3] = last.Add(protocol.NewFelt(1))
	next.Inputs = prev.Inputs.Copy()
	return next, nil
}

// NextNote derives the full successor of a chained note: the advanced
// recipient plus metadata rebound to the consuming party, which becomes
// the new note's sender.
func NextNote(prev protocol.Note, consumer protocol.AccountID) (protocol.Note, error) {
	recipient, err := Advance(prev.Recipient)
	if err != nil {
		return protocol.Note{}, err
	}
	next := protocol.Note{
		Assets:    append(protocol.NoteAssets(nil), prev.Assets...),
		Metadata:  prev.Metadata,
		Recipient: recipient,
	}
	next.Metadata.Sender = consumer
	if prev.Metadata.Attachment != nil {
		att := *prev.Metadata.Attachment
		next.Metadata.Attachment = &att
	}
	return next, nil
}

// Chain is the single-writer handle for one note chain. Exactly one
// party may legitimately advance a chain at a time; routing every
// advance through one Chain enforces that instead of leaving it to
// caller discipline.
type Chain struct {
	mu      sync.Mutex
	current protocol.NoteRecipient
	started bool
}

// NewChain starts a chain at an initial recipient.
func NewChain(initial protocol.NoteRecipient) *Chain {
	return &Chain{current: initial, started: true}
}

// ResumeChain continues a chain from a recipient observed elsewhere,
// e.g. after loading the latest link from the store.
func ResumeChain(current protocol.NoteRecipient) *Chain {
	return NewChain(current)
}

// Current returns the chain's latest recipient.
func (c *Chain) Current() (protocol.NoteRecipient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return protocol.NoteRecipient{}, ErrMissingPredecessor
	}
	return c.current, nil
}

// Advance derives the next recipient and makes it the chain's current
// one. The handle serializes concurrent callers, so two advances can
// never both claim the same successor.
func (c *Chain) Advance() (protocol.NoteRecipient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return protocol.NoteRecipient{}, ErrMissingPredecessor
	}
	next, err := Advance(c.current)
	if err != nil {
		return protocol.NoteRecipient{}, err
	}
	c.current = next
	return next, nil
}
