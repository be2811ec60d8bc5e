package protocol

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// TransactionID is a transaction's content hash.
type TransactionID common.Hash

func (id TransactionID) String() string {
	return common.Hash(id).Hex()
}

// MarshalText encodes the identifier as 0x-prefixed hex.
func (id TransactionID) MarshalText() ([]byte, error) {
	return common.Hash(id).MarshalText()
}

// UnmarshalText parses the hex form produced by MarshalText.
func (id *TransactionID) UnmarshalText(text []byte) error {
	return (*common.Hash)(id).UnmarshalText(text)
}

// TransactionStatus is the submission lifecycle. Pending means submitted
// but not yet observed on the synchronized view; Committed is terminal.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCommitted TransactionStatus = "committed"
)

// TransactionRecord is the tracked state of one submitted transaction.
type TransactionRecord struct {
	ID        TransactionID     `json:"id"`
	AccountID AccountID         `json:"account_id"`
	Status    TransactionStatus `json:"status"`
	BlockNum  uint64            `json:"block_num,omitempty"`
}

// TransactionFilter selects which transactions a query returns. The zero
// value selects everything.
type TransactionFilter struct {
	IDs []TransactionID `json:"ids,omitempty"`
}

// FilterAll selects every tracked transaction.
func FilterAll() TransactionFilter {
	return TransactionFilter{}
}

// FilterIDs selects only the named transactions.
func FilterIDs(ids ...TransactionID) TransactionFilter {
	return TransactionFilter{IDs: append([]TransactionID(nil), ids...)}
}

func (f TransactionFilter) Matches(id TransactionID) bool {
	if len(f.IDs) == 0 {
		return true
	}
	for _, want := range f.IDs {
		if want == id {
			return true
		}
	}
	return false
}

// TransactionScript is a compiled transaction script, referenced by its
// root digest.
type TransactionScript struct {
	Root common.Hash `json:"root"`
}

// InputNote names one note a transaction consumes. Synced notes are
// referenced by identifier alone; a note received out of band carries its
// full payload and is consumed unauthenticated. Args holds optional
// unlock arguments for scripts that demand them, such as a hash preimage.
type InputNote struct {
	ID              NoteID `json:"id"`
	Unauthenticated *Note  `json:"unauthenticated,omitempty" rlp:"nil"`
	Args            *Word  `json:"args,omitempty" rlp:"nil"`
}

// ExpectedNote pre-declares a note this transaction will cause to exist
// later, typically the next link of a note chain.
type ExpectedNote struct {
	Details NoteDetails `json:"details"`
	Tag     NoteTag     `json:"tag"`
}

// StorageKeyRequirement names the map-slot keys a foreign read must be
// able to prove. An empty key set proves only the account commitment.
type StorageKeyRequirement struct {
	Slot string `json:"slot"`
	Keys []Word `json:"keys,omitempty"`
}

// ForeignAccountRequirement declares one read-only foreign account whose
// state a transaction's scripts read.
type ForeignAccountRequirement struct {
	Account AccountID               `json:"account"`
	MapKeys []StorageKeyRequirement `json:"map_keys,omitempty"`
}

// NewForeignAccountRequirement builds a requirement for one account.
func NewForeignAccountRequirement(account AccountID, keys ...StorageKeyRequirement) ForeignAccountRequirement {
	return ForeignAccountRequirement{Account: account, MapKeys: append([]StorageKeyRequirement(nil), keys...)}
}

// TransactionRequest is the write-once bundle a transaction executes
// from: an optional custom script, the notes it consumes, the notes it
// emits, pre-declared future outputs, and the foreign accounts its
// scripts read. Requests are built through TransactionRequestBuilder and
// never change after Build.
type TransactionRequest struct {
	script             *TransactionScript
	inputNotes         []InputNote
	ownOutputNotes     []Note
	expectedNotes      []ExpectedNote
	expectedRecipients []NoteRecipient
	foreignAccounts    []ForeignAccountRequirement
}

// Script returns the custom transaction script, nil when none was set.
func (r *TransactionRequest) Script() *TransactionScript {
	if r.script == nil {
		return nil
	}
	s := *r.script
	return &s
}

// InputNotes returns the notes the request consumes.
func (r *TransactionRequest) InputNotes() []InputNote {
	return append([]InputNote(nil), r.inputNotes...)
}

// OwnOutputNotes returns the fully formed notes the request emits.
func (r *TransactionRequest) OwnOutputNotes() []Note {
	return append([]Note(nil), r.ownOutputNotes...)
}

// ExpectedNotes returns the pre-declared future notes.
func (r *TransactionRequest) ExpectedNotes() []ExpectedNote {
	return append([]ExpectedNote(nil), r.expectedNotes...)
}

// ExpectedRecipients returns the pre-declared output recipients.
func (r *TransactionRequest) ExpectedRecipients() []NoteRecipient {
	return append([]NoteRecipient(nil), r.expectedRecipients...)
}

// ForeignAccounts returns the declared foreign-account requirements.
func (r *TransactionRequest) ForeignAccounts() []ForeignAccountRequirement {
	return append([]ForeignAccountRequirement(nil), r.foreignAccounts...)
}

// TransactionRequestBuilder assembles a request step by step. Build
// validates the combination once; the returned request is immutable.
type TransactionRequestBuilder struct {
	req TransactionRequest
}

func NewTransactionRequestBuilder() *TransactionRequestBuilder {
	return &TransactionRequestBuilder{}
}

// WithCustomScript sets the transaction script.
func (b *TransactionRequestBuilder) WithCustomScript(s TransactionScript) *TransactionRequestBuilder {
	b.req.script = &s
	return b
}

// WithInputNotes appends synced notes to consume, by identifier.
func (b *TransactionRequestBuilder) WithInputNotes(ids ...NoteID) *TransactionRequestBuilder {
	for _, id := range ids {
		b.req.inputNotes = append(b.req.inputNotes, InputNote{ID: id})
	}
	return b
}

// WithAuthenticatedInputNote appends a synced note to consume together
// with its unlock arguments.
func (b *TransactionRequestBuilder) WithAuthenticatedInputNote(id NoteID, args *Word) *TransactionRequestBuilder {
	b.req.inputNotes = append(b.req.inputNotes, InputNote{ID: id, Args: args})
	return b
}

// WithUnauthenticatedInputNote appends a note received out of band, to be
// consumed without prior sync.
func (b *TransactionRequestBuilder) WithUnauthenticatedInputNote(n Note, args *Word) *TransactionRequestBuilder {
	b.req.inputNotes = append(b.req.inputNotes, InputNote{ID: n.ID(), Unauthenticated: &n, Args: args})
	return b
}

// WithOwnOutputNotes appends fully formed notes the transaction emits.
func (b *TransactionRequestBuilder) WithOwnOutputNotes(notes ...Note) *TransactionRequestBuilder {
	b.req.ownOutputNotes = append(b.req.ownOutputNotes, notes...)
	return b
}

// WithExpectedFutureNotes appends pre-declared future notes.
func (b *TransactionRequestBuilder) WithExpectedFutureNotes(notes ...ExpectedNote) *TransactionRequestBuilder {
	b.req.expectedNotes = append(b.req.expectedNotes, notes...)
	return b
}

// WithExpectedOutputRecipients appends pre-declared output recipients.
func (b *TransactionRequestBuilder) WithExpectedOutputRecipients(recipients ...NoteRecipient) *TransactionRequestBuilder {
	b.req.expectedRecipients = append(b.req.expectedRecipients, recipients...)
	return b
}

// WithForeignAccounts appends foreign-account requirements.
func (b *TransactionRequestBuilder) WithForeignAccounts(reqs ...ForeignAccountRequirement) *TransactionRequestBuilder {
	b.req.foreignAccounts = append(b.req.foreignAccounts, reqs...)
	return b
}

// Build validates the assembled request and returns it. A request that
// consumes the same note twice is rejected, as is one that declares an
// expected future note without declaring its recipient digest among the
// expected output recipients.
func (b *TransactionRequestBuilder) Build() (TransactionRequest, error) {
	seen := make(map[NoteID]bool, len(b.req.inputNotes))
	for _, in := range b.req.inputNotes {
		if seen[in.ID] {
			return TransactionRequest{}, fmt.Errorf("request consumes note %s twice", in.ID)
		}
		seen[in.ID] = true
	}
	for _, expected := range b.req.expectedNotes {
		digest := expected.Details.Recipient.Digest()
		found := false
		for _, recipient := range b.req.expectedRecipients {
			if recipient.Digest() == digest {
				found = true
				break
			}
		}
		if !found {
			return TransactionRequest{}, fmt.Errorf("expected future note %s has no matching expected output recipient", digest.Hex())
		}
	}
	req := TransactionRequest{
		script:             b.req.Script(),
		inputNotes:         b.req.InputNotes(),
		ownOutputNotes:     b.req.OwnOutputNotes(),
		expectedNotes:      b.req.ExpectedNotes(),
		expectedRecipients: b.req.ExpectedRecipients(),
		foreignAccounts:    b.req.ForeignAccounts(),
	}
	return req, nil
}

// ExecutedTransaction is the outcome of running a request locally: the
// updated account state plus the notes the run created and consumed.
// Proving and submission happen afterwards.
type ExecutedTransaction struct {
	ID                TransactionID
	AccountID         AccountID
	InitialCommitment common.Hash
	FinalAccount      *Account
	CreatedNotes      []Note
	ConsumedNotes     []NoteID
	BlockRef          uint64
}

// ProvenTransaction is an executed transaction plus its proof, ready for
// submission to the node. Account carries the full post-state for public
// accounts so the node can register ones it has never seen.
type ProvenTransaction struct {
	ID                TransactionID `json:"id"`
	AccountID         AccountID     `json:"account_id"`
	InitialCommitment common.Hash   `json:"initial_commitment"`
	FinalCommitment   common.Hash   `json:"final_commitment"`
	Account           *Account      `json:"account,omitempty" rlp:"nil"`
	CreatedNotes      []Note        `json:"created_notes,omitempty"`
	ConsumedNotes     []NoteID      `json:"consumed_notes,omitempty"`
	Proof             []byte        `json:"proof,omitempty"`
}
