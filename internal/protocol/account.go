package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/blake2b"
)

// AccountID identifies a ledger account: two felts, prefix and suffix.
// The prefix of a valid identifier is never zero. Equality and ordering
// are byte-wise over the canonical encoding.
type AccountID struct {
	Prefix Felt
	Suffix Felt
}

// NewAccountID validates and builds an identifier from its two parts.
func NewAccountID(prefix, suffix Felt) (AccountID, error) {
	if prefix.IsZero() {
		return AccountID{}, fmt.Errorf("account prefix must be nonzero")
	}
	return AccountID{Prefix: prefix, Suffix: suffix}, nil
}

// AccountIDFromUint64s builds an identifier from raw integer parts.
func AccountIDFromUint64s(prefix, suffix uint64) (AccountID, error) {
	return NewAccountID(NewFelt(prefix), NewFelt(suffix))
}

// NewRandomAccountID draws a fresh identifier from the supplied
// randomness source.
func NewRandomAccountID(rng Rng) AccountID {
	prefix := rng.DrawFelt()
	for prefix.IsZero() {
		prefix = rng.DrawFelt()
	}
	return AccountID{Prefix: prefix, Suffix: rng.DrawFelt()}
}

// AccountIDFromWord decodes an identifier stored in a word's trailing two
// components: prefix in the last, suffix in the one before it.
func AccountIDFromWord(w Word) (AccountID, error) {
	id, err := NewAccountID(w[3], w[2])
	if err != nil {
		return AccountID{}, fmt.Errorf("word %s does not encode an account id: %w", w, err)
	}
	return id, nil
}

// Word returns the storage-word encoding read back by AccountIDFromWord.
func (id AccountID) Word() Word {
	return Word{NewFelt(0), NewFelt(0), id.Suffix, id.Prefix}
}

// Bytes returns the canonical 16-byte encoding, prefix then suffix, each
// little-endian.
func (id AccountID) Bytes() [16]byte {
	var out [16]byte
	binary.LittleEndian.PutUint64(out[:8], id.Prefix.Uint64())
	binary.LittleEndian.PutUint64(out[8:], id.Suffix.Uint64())
	return out
}

// AccountIDFromBytes parses the canonical 16-byte encoding.
func AccountIDFromBytes(b []byte) (AccountID, error) {
	if len(b) != 16 {
		return AccountID{}, fmt.Errorf("account id must be 16 bytes, got %d", len(b))
	}
	prefix := binary.LittleEndian.Uint64(b[:8])
	suffix := binary.LittleEndian.Uint64(b[8:])
	if prefix >= FeltModulus || suffix >= FeltModulus {
		return AccountID{}, fmt.Errorf("account id component exceeds field modulus")
	}
	return NewAccountID(NewFelt(prefix), NewFelt(suffix))
}

func (id AccountID) Equal(other AccountID) bool {
	return id.Prefix.Equal(other.Prefix) && id.Suffix.Equal(other.Suffix)
}

// Cmp orders identifiers byte-wise over their canonical encoding.
func (id AccountID) Cmp(other AccountID) int {
	a, b := id.Bytes(), other.Bytes()
	return bytes.Compare(a[:], b[:])
}

// IsZero reports whether id is the zero value, which is never a valid
// identifier.
func (id AccountID) IsZero() bool {
	return id.Prefix.IsZero() && id.Suffix.IsZero()
}

func (id AccountID) String() string {
	b := id.Bytes()
	return "0x" + hex.EncodeToString(b[:])
}

// ParseAccountID parses the hex form produced by String.
func ParseAccountID(s string) (AccountID, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return AccountID{}, fmt.Errorf("invalid account id %q: %w", s, err)
	}
	return AccountIDFromBytes(b)
}

// Bech32 renders the identifier in the human-readable address form.
func (id AccountID) Bech32(hrp string) (string, error) {
	b := id.Bytes()
	conv, err := bech32.ConvertBits(b[:], 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("encode address: %w", err)
	}
	return bech32.Encode(hrp, conv)
}

// AccountIDFromBech32 parses a bech32 address back into an identifier,
// returning the human-readable part alongside it.
func AccountIDFromBech32(addr string) (string, AccountID, error) {
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return "", AccountID{}, fmt.Errorf("decode address: %w", err)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", AccountID{}, fmt.Errorf("decode address: %w", err)
	}
	id, err := AccountIDFromBytes(raw)
	if err != nil {
		return "", AccountID{}, err
	}
	return hrp, id, nil
}

// MarshalText encodes the identifier as 0x-prefixed hex.
func (id AccountID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses the hex form produced by MarshalText.
func (id *AccountID) UnmarshalText(text []byte) error {
	parsed, err := ParseAccountID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// EncodeRLP implements rlp.Encoder.
func (id AccountID) EncodeRLP(w io.Writer) error {
	b := id.Bytes()
	return rlp.Encode(w, b[:])
}

// DecodeRLP implements rlp.Decoder.
func (id *AccountID) DecodeRLP(s *rlp.Stream) error {
	b, err := s.Bytes()
	if err != nil {
		return err
	}
	parsed, err := AccountIDFromBytes(b)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// AccountType distinguishes what an account is for.
type AccountType string

const (
	AccountWallet   AccountType = "wallet"
	AccountFaucet   AccountType = "faucet"
	AccountContract AccountType = "contract"
)

// StorageMode controls where an account's full state lives. Network
// accounts additionally opt in to node-driven note consumption.
type StorageMode string

const (
	StoragePublic  StorageMode = "public"
	StoragePrivate StorageMode = "private"
	StorageNetwork StorageMode = "network"
)

// SlotKind is the storage slot variant.
type SlotKind string

const (
	SlotValue SlotKind = "value"
	SlotMap   SlotKind = "map"
)

// MapEntry is one key/value pair of a map slot.
type MapEntry struct {
	Key   Word `json:"key"`
	Value Word `json:"value"`
}

// StorageSlot is a named cell of account storage. Value slots hold a
// single word; map slots hold a sparse word-keyed mapping with entries
// kept sorted by key bytes.
type StorageSlot struct {
	Name    string     `json:"name"`
	Kind    SlotKind   `json:"kind"`
	Value   Word       `json:"value"`
	Entries []MapEntry `json:"entries,omitempty"`
}

// NewValueSlot declares a value slot.
func NewValueSlot(name string, value Word) StorageSlot {
	return StorageSlot{Name: name, Kind: SlotValue, Value: value}
}

// NewMapSlot declares an empty map slot.
func NewMapSlot(name string) StorageSlot {
	return StorageSlot{Name: name, Kind: SlotMap}
}

// AccountStorage is the ordered set of an account's storage slots. Slot
// order is the declaration order from account creation; dependency
// resolution depends on it, so it is never re-sorted.
type AccountStorage struct {
	Slots []StorageSlot `json:"slots"`
}

// Slot returns a pointer to the named slot, or false if absent.
func (s *AccountStorage) Slot(name string) (*StorageSlot, bool) {
	for i := range s.Slots {
		if s.Slots[i].Name == name {
			return &s.Slots[i], true
		}
	}
	return nil, false
}

// Item reads the word held by a value slot.
func (s *AccountStorage) Item(name string) (Word, error) {
	slot, ok := s.Slot(name)
	if !ok {
		return Word{}, fmt.Errorf("storage slot %q not found", name)
	}
	if slot.Kind != SlotValue {
		return Word{}, fmt.Errorf("storage slot %q is not a value slot", name)
	}
	return slot.Value, nil
}

// SetItem writes the word held by a value slot.
func (s *AccountStorage) SetItem(name string, value Word) error {
	slot, ok := s.Slot(name)
	if !ok {
		return fmt.Errorf("storage slot %q not found", name)
	}
	if slot.Kind != SlotValue {
		return fmt.Errorf("storage slot %q is not a value slot", name)
	}
	slot.Value = value
	return nil
}

// MapItem reads one entry of a map slot. Absent keys read as the empty
// word.
func (s *AccountStorage) MapItem(name string, key Word) (Word, error) {
	slot, ok := s.Slot(name)
	if !ok {
		return Word{}, fmt.Errorf("storage slot %q not found", name)
	}
	if slot.Kind != SlotMap {
		return Word{}, fmt.Errorf("storage slot %q is not a map slot", name)
	}
	kb := key.Bytes()
	for _, e := range slot.Entries {
		eb := e.Key.Bytes()
		if bytes.Equal(eb[:], kb[:]) {
			return e.Value, nil
		}
	}
	return Word{}, nil
}

// SetMapItem writes one entry of a map slot, keeping entries sorted by
// key bytes.
func (s *AccountStorage) SetMapItem(name string, key, value Word) error {
	slot, ok := s.Slot(name)
	if !ok {
		return fmt.Errorf("storage slot %q not found", name)
	}
	if slot.Kind != SlotMap {
		return fmt.Errorf("storage slot %q is not a map slot", name)
	}
	kb := key.Bytes()
	for i, e := range slot.Entries {
		eb := e.Key.Bytes()
		switch bytes.Compare(eb[:], kb[:]) {
		case 0:
			slot.Entries[i].Value = value
			return nil
		case 1:
			entries := append(slot.Entries[:i:i], MapEntry{Key: key, Value: value})
			slot.Entries = append(entries, slot.Entries[i:]...)
			return nil
		}
	}
	slot.Entries = append(slot.Entries, MapEntry{Key: key, Value: value})
	return nil
}

// AssetBalance is one fungible entry of a vault. Amounts are 256-bit so
// aggregated balances cannot overflow the 64-bit per-note amounts.
type AssetBalance struct {
	FaucetID AccountID    `json:"faucet_id"`
	Amount   *uint256.Int `json:"amount"`
}

// Vault holds an account's fungible assets keyed by issuing faucet,
// sorted by faucet identifier.
type Vault struct {
	Assets []AssetBalance `json:"assets,omitempty"`
}

// Balance returns the held amount for one faucet, zero when absent.
func (v *Vault) Balance(faucet AccountID) *uint256.Int {
	for _, a := range v.Assets {
		if a.FaucetID.Equal(faucet) {
			return new(uint256.Int).Set(a.Amount)
		}
	}
	return new(uint256.Int)
}

// Add credits amount of the faucet's asset to the vault.
func (v *Vault) Add(faucet AccountID, amount uint64) {
	add := uint256.NewInt(amount)
	for i, a := range v.Assets {
		switch a.FaucetID.Cmp(faucet) {
		case 0:
			v.Assets[i].Amount = new(uint256.Int).Add(a.Amount, add)
			return
		case 1:
			assets := append(v.Assets[:i:i], AssetBalance{FaucetID: faucet, Amount: add})
			v.Assets = append(assets, v.Assets[i:]...)
			return
		}
	}
	v.Assets = append(v.Assets, AssetBalance{FaucetID: faucet, Amount: add})
}

// Sub debits amount of the faucet's asset, failing when the vault does
// not cover it.
func (v *Vault) Sub(faucet AccountID, amount uint64) error {
	sub := uint256.NewInt(amount)
	for i, a := range v.Assets {
		if !a.FaucetID.Equal(faucet) {
			continue
		}
		if a.Amount.Lt(sub) {
			return fmt.Errorf("vault holds %s of asset %s, need %d", a.Amount, faucet, amount)
		}
		v.Assets[i].Amount = new(uint256.Int).Sub(a.Amount, sub)
		return nil
	}
	return fmt.Errorf("vault holds no asset of faucet %s", faucet)
}

// Account is the full local projection of a ledger account.
type Account struct {
	ID             AccountID      `json:"id"`
	Type           AccountType    `json:"type"`
	StorageMode    StorageMode    `json:"storage_mode"`
	Nonce          uint64         `json:"nonce"`
	Storage        AccountStorage `json:"storage"`
	Vault          Vault          `json:"vault"`
	CodeCommitment common.Hash    `json:"code_commitment"`
}

// Commitment returns the blake2b commitment to the full account state.
func (a *Account) Commitment() common.Hash {
	data, _ := rlp.EncodeToBytes(a)
	return common.Hash(blake2b.Sum256(data))
}

// Copy deep-clones the account so callers can mutate the result freely.
func (a *Account) Copy() *Account {
	out := *a
	out.Storage.Slots = make([]StorageSlot, len(a.Storage.Slots))
	for i, slot := range a.Storage.Slots {
		out.Storage.Slots[i] = slot
		if slot.Entries != nil {
			out.Storage.Slots[i].Entries = append([]MapEntry(nil), slot.Entries...)
		}
	}
	if a.Vault.Assets != nil {
		out.Vault.Assets = make([]AssetBalance, len(a.Vault.Assets))
		for i, asset := range a.Vault.Assets {
			out.Vault.Assets[i] = AssetBalance{FaucetID: asset.FaucetID, Amount: new(uint256.Int).Set(asset.Amount)}
		}
	}
	return &out
}

// AccountRecord is what an account lookup returns: the identifier, the
// current commitment, and the full account when the node shares it. A nil
// Account means the record is partial: storage detail is withheld and the
// caller must treat it as insufficient data, never as default values.
type AccountRecord struct {
	ID         AccountID   `json:"id"`
	Commitment common.Hash `json:"commitment"`
	Account    *Account    `json:"account,omitempty" rlp:"nil"`
}

// IsPartial reports whether the record withholds the account detail.
func (r *AccountRecord) IsPartial() bool {
	return r.Account == nil
}
