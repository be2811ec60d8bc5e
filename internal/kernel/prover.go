package kernel

import (
	"context"
	"errors"
	"log"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ev0r0x/miden-tutorials/internal/protocol"
)

// Prover seals an executed transaction into its submittable form.
// Implementations may prove in process or delegate to a proving
// service.
type Prover interface {
	Prove(ctx context.Context, executed *protocol.ExecutedTransaction) (*protocol.ProvenTransaction, error)
}

// LocalProver assembles the proven form in process. The proof bytes
// commit to the transition rather than attest to it; a real proving
// backend slots in behind the same interface.
type LocalProver struct{}

func NewLocalProver() *LocalProver {
	return &LocalProver{}
}

func (p *LocalProver) Prove(_ context.Context, executed *protocol.ExecutedTransaction) (*protocol.ProvenTransaction, error) {
	if executed == nil || executed.FinalAccount == nil {
		return nil, errors.New("executed transaction has no final account state")
	}
	final := executed.FinalAccount.Commitment()
	proven := &protocol.ProvenTransaction{
		ID:                executed.ID,
		AccountID:         executed.AccountID,
		InitialCommitment: executed.InitialCommitment,
		FinalCommitment:   final,
		CreatedNotes:      append([]protocol.Note(nil), executed.CreatedNotes...),
		ConsumedNotes:     append([]protocol.NoteID(nil), executed.ConsumedNotes...),
		Proof:             proofBytes(executed, final),
	}
	// Private accounts share only the commitment; the node never sees
	// their storage or vault.
	if executed.FinalAccount.StorageMode != protocol.StoragePrivate {
		proven.Account = executed.FinalAccount.Copy()
	}
	log.Printf("[Prover] Proved transaction %s (%d proof bytes)", proven.ID, len(proven.Proof))
	return proven, nil
}

func proofBytes(executed *protocol.ExecutedTransaction, final common.Hash) []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, executed.ID[:]...)
	buf = append(buf, executed.InitialCommitment[:]...)
	buf = append(buf, final[:]...)
	return buf
}
