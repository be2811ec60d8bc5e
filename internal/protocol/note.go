package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/blake2b"
)

// NoteType is note visibility on chain. Public notes travel with their
// full payload; private notes surface only their identity commitment.
type NoteType string

const (
	NotePublic  NoteType = "public"
	NotePrivate NoteType = "private"
)

// NoteTag routes a note to interested consumers.
type NoteTag uint32

// TagForAccount derives the tag that targets one specific account: the
// high 32 bits of the account prefix.
func TagForAccount(id AccountID) NoteTag {
	return NoteTag(id.Prefix.Uint64() >> 32)
}

// NetworkAccountTarget asks the network to execute the note against the
// given account instead of waiting for a client to consume it.
type NetworkAccountTarget struct {
	Account AccountID `json:"account"`
}

// NoteMetadata describes who created a note and how it is routed.
type NoteMetadata struct {
	Sender     AccountID             `json:"sender"`
	Type       NoteType              `json:"type"`
	Tag        NoteTag               `json:"tag"`
	Attachment *NetworkAccountTarget `json:"attachment,omitempty" rlp:"nil"`
}

// FungibleAsset is an amount of one faucet's token.
type FungibleAsset struct {
	FaucetID AccountID `json:"faucet_id"`
	Amount   uint64    `json:"amount"`
}

// NoteAssets is the ordered asset list carried by a note. Empty for pure
// signal notes.
type NoteAssets []FungibleAsset

// Commitment hashes the asset list in order.
func (a NoteAssets) Commitment() common.Hash {
	buf := make([]byte, 0, len(a)*24)
	for _, asset := range a {
		fb := asset.FaucetID.Bytes()
		buf = append(buf, fb[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, asset.Amount)
	}
	return common.Hash(blake2b.Sum256(buf))
}

// NoteScript is a compiled spend script, referenced by its root digest.
// Compilation happens in the code builder; the core only passes roots
// around.
type NoteScript struct {
	Root common.Hash `json:"root"`
}

const maxNoteInputs = 128

// NoteInputs is the felt list a note's script reads at spend time.
type NoteInputs struct {
	Values []Felt `json:"values"`
}

// NewNoteInputs builds an input list, bounded at 128 felts.
func NewNoteInputs(values ...Felt) (NoteInputs, error) {
	if len(values) > maxNoteInputs {
		return NoteInputs{}, fmt.Errorf("note inputs limited to %d felts, got %d", maxNoteInputs, len(values))
	}
	return NoteInputs{Values: append([]Felt(nil), values...)}, nil
}

// Commitment hashes the input list in order.
func (in NoteInputs) Commitment() common.Hash {
	buf := make([]byte, 0, len(in.Values)*8)
	for _, f := range in.Values {
		buf = binary.LittleEndian.AppendUint64(buf, f.Uint64())
	}
	return common.Hash(blake2b.Sum256(buf))
}

// Copy returns an independent clone of the inputs.
func (in NoteInputs) Copy() NoteInputs {
	return NoteInputs{Values: append([]Felt(nil), in.Values...)}
}

// NoteRecipient fixes a note's spend conditions: serial number, script
// and inputs. Its digest is what a transaction commits to before the
// note itself exists on chain.
type NoteRecipient struct {
	SerialNum Word       `json:"serial_num"`
	Script    NoteScript `json:"script"`
	Inputs    NoteInputs `json:"inputs"`
}

// Digest returns the recipient commitment.
func (r NoteRecipient) Digest() common.Hash {
	sb := r.SerialNum.Bytes()
	ic := r.Inputs.Commitment()
	buf := make([]byte, 0, 96)
	buf = append(buf, sb[:]...)
	buf = append(buf, r.Script.Root[:]...)
	buf = append(buf, ic[:]...)
	return common.Hash(blake2b.Sum256(buf))
}

// NoteID is a note's content hash.
type NoteID common.Hash

func (id NoteID) String() string {
	return common.Hash(id).Hex()
}

// MarshalText encodes the identifier as 0x-prefixed hex.
func (id NoteID) MarshalText() ([]byte, error) {
	return common.Hash(id).MarshalText()
}

// UnmarshalText parses the hex form produced by MarshalText.
func (id *NoteID) UnmarshalText(text []byte) error {
	return (*common.Hash)(id).UnmarshalText(text)
}

// Note is a value container created by one transaction and destroyed by
// exactly one later transaction.
type Note struct {
	Assets    NoteAssets    `json:"assets"`
	Metadata  NoteMetadata  `json:"metadata"`
	Recipient NoteRecipient `json:"recipient"`
}

// ID returns the content hash. Assets, metadata and recipient all
// contribute, so two notes with identical fields share one identity and
// changing any field produces a new one.
func (n Note) ID() NoteID {
	ac := n.Assets.Commitment()
	rc := n.Recipient.Digest()
	mb := n.metadataBytes()
	buf := make([]byte, 0, 64+len(mb))
	buf = append(buf, ac[:]...)
	buf = append(buf, mb...)
	buf = append(buf, rc[:]...)
	return NoteID(blake2b.Sum256(buf))
}

func (n Note) metadataBytes() []byte {
	sb := n.Metadata.Sender.Bytes()
	buf := make([]byte, 0, 44)
	buf = append(buf, sb[:]...)
	buf = append(buf, []byte(n.Metadata.Type)...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(n.Metadata.Tag))
	if n.Metadata.Attachment != nil {
		ab := n.Metadata.Attachment.Account.Bytes()
		buf = append(buf, ab[:]...)
	}
	return buf
}

// Details strips the metadata, leaving the declarable part of a note
// that does not exist yet.
func (n Note) Details() NoteDetails {
	return NoteDetails{Assets: n.Assets, Recipient: n.Recipient}
}

// NoteDetails is the payload a transaction pre-declares for a future
// note: assets plus recipient, without metadata.
type NoteDetails struct {
	Assets    NoteAssets    `json:"assets"`
	Recipient NoteRecipient `json:"recipient"`
}

// EncodeNote renders the note in its canonical binary form, used when a
// note travels out of band instead of through the node.
func EncodeNote(n Note) ([]byte, error) {
	return rlp.EncodeToBytes(n)
}

// DecodeNote parses the canonical binary form.
func DecodeNote(b []byte) (Note, error) {
	var n Note
	if err := rlp.DecodeBytes(b, &n); err != nil {
		return Note{}, fmt.Errorf("decode note: %w", err)
	}
	return n, nil
}

// NewP2IDNote builds a pay-to-identity note carrying assets from sender
// to target. The inputs encode the target the way the spend script reads
// them: suffix first, then prefix.
func NewP2IDNote(script NoteScript, sender, target AccountID, assets NoteAssets, typ NoteType, attachment *NetworkAccountTarget, rng Rng) (Note, error) {
	inputs, err := NewNoteInputs(target.Suffix, target.Prefix)
	if err != nil {
		return Note{}, err
	}
	return Note{
		Assets: assets,
		Metadata: NoteMetadata{
			Sender:     sender,
			Type:       typ,
			Tag:        TagForAccount(target),
			Attachment: attachment,
		},
		Recipient: NoteRecipient{
			SerialNum: rng.DrawWord(),
			Script:    script,
			Inputs:    inputs,
		},
	}, nil
}

// NoteRecordStatus tracks a note's lifecycle in the local projection.
type NoteRecordStatus string

const (
	NoteExpected  NoteRecordStatus = "expected"
	NoteCommitted NoteRecordStatus = "committed"
	NoteConsumed  NoteRecordStatus = "consumed"
)

// NoteRecord is the local projection of one note.
type NoteRecord struct {
	Note     Note             `json:"note"`
	Status   NoteRecordStatus `json:"status"`
	BlockNum uint64           `json:"block_num,omitempty"`
}

// ConsumableBy reports whether the note is currently spendable by the
// given account, routed either through its tag or through a network
// attachment.
func (r *NoteRecord) ConsumableBy(id AccountID) bool {
	if r.Status != NoteCommitted {
		return false
	}
	if r.Note.Metadata.Attachment != nil && r.Note.Metadata.Attachment.Account.Equal(id) {
		return true
	}
	return r.Note.Metadata.Tag == TagForAccount(id)
}

// Copy deep-clones the record so callers can mutate the result freely.
func (r *NoteRecord) Copy() *NoteRecord {
	out := *r
	out.Note.Assets = append(NoteAssets(nil), r.Note.Assets...)
	out.Note.Recipient.Inputs = r.Note.Recipient.Inputs.Copy()
	if r.Note.Metadata.Attachment != nil {
		att := *r.Note.Metadata.Attachment
		out.Note.Metadata.Attachment = &att
	}
	return &out
}
