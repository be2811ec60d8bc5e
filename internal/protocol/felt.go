package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/consensys/gnark-crypto/field/goldilocks"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/blake2b"
)

// FeltModulus is the order of the base field, 2^64 - 2^32 + 1.
const FeltModulus uint64 = 0xffffffff00000001

// Felt is one element of the ledger's 64-bit prime field. Account
// identifiers, storage words and note serial numbers are all built from
// felts.
type Felt struct {
	inner goldilocks.Element
}

// NewFelt builds a field element from v, reduced modulo the field order.
func NewFelt(v uint64) Felt {
	var f Felt
	f.inner.SetUint64(v % FeltModulus)
	return f
}

// Uint64 returns the canonical integer value of the element.
func (f Felt) Uint64() uint64 {
	b := f.inner.Bytes()
	return binary.BigEndian.Uint64(b[:])
}

// Add returns f + other in the field.
func (f Felt) Add(other Felt) Felt {
	var out Felt
	out.inner.Add(&f.inner, &other.inner)
	return out
}

func (f Felt) IsZero() bool {
	return f.inner.IsZero()
}

func (f Felt) Equal(other Felt) bool {
	return f.inner.Equal(&other.inner)
}

func (f Felt) String() string {
	return strconv.FormatUint(f.Uint64(), 10)
}

// MarshalText encodes the element as its decimal value.
func (f Felt) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText parses a decimal value and rejects anything outside the field.
func (f *Felt) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid felt %q: %w", text, err)
	}
	if v >= FeltModulus {
		return fmt.Errorf("felt %d exceeds field modulus", v)
	}
	*f = NewFelt(v)
	return nil
}

// EncodeRLP implements rlp.Encoder.
func (f Felt) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, f.Uint64())
}

// DecodeRLP implements rlp.Decoder.
func (f *Felt) DecodeRLP(s *rlp.Stream) error {
	v, err := s.Uint64()
	if err != nil {
		return err
	}
	if v >= FeltModulus {
		return fmt.Errorf("felt %d exceeds field modulus", v)
	}
	*f = NewFelt(v)
	return nil
}

// Word is the basic unit of ledger data: four felts. Storage slots hold
// words, serial numbers are words, and map keys are words.
type Word [4]Felt

// WordFromUint64s builds a word from four integers, each reduced into the
// field.
func WordFromUint64s(a, b, c, d uint64) Word {
	return Word{NewFelt(a), NewFelt(b), NewFelt(c), NewFelt(d)}
}

// Bytes returns the canonical 32-byte encoding, each felt little-endian.
func (w Word) Bytes() [32]byte {
	var out [32]byte
	for i, f := range w {
		binary.LittleEndian.PutUint64(out[i*8:], f.Uint64())
	}
	return out
}

// WordFromBytes parses the canonical 32-byte encoding.
func WordFromBytes(b []byte) (Word, error) {
	if len(b) != 32 {
		return Word{}, fmt.Errorf("word must be 32 bytes, got %d", len(b))
	}
	var w Word
	for i := 0; i < 4; i++ {
		v := binary.LittleEndian.Uint64(b[i*8:])
		if v >= FeltModulus {
			return Word{}, fmt.Errorf("word component %d exceeds field modulus", i)
		}
		w[i] = NewFelt(v)
	}
	return w, nil
}

// Digest returns the blake2b commitment to the word.
func (w Word) Digest() common.Hash {
	b := w.Bytes()
	return common.Hash(blake2b.Sum256(b[:]))
}

func (w Word) Equal(other Word) bool {
	for i := range w {
		if !w[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

func (w Word) String() string {
	b := w.Bytes()
	return "0x" + hex.EncodeToString(b[:])
}

// ParseWord parses the hex form produced by String.
func ParseWord(s string) (Word, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Word{}, fmt.Errorf("invalid word %q: %w", s, err)
	}
	return WordFromBytes(b)
}

// MarshalText encodes the word as 0x-prefixed hex.
func (w Word) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

// UnmarshalText parses the hex form produced by MarshalText.
func (w *Word) UnmarshalText(text []byte) error {
	parsed, err := ParseWord(string(text))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// EncodeRLP implements rlp.Encoder.
func (w Word) EncodeRLP(out io.Writer) error {
	b := w.Bytes()
	return rlp.Encode(out, b[:])
}

// DecodeRLP implements rlp.Decoder.
func (w *Word) DecodeRLP(s *rlp.Stream) error {
	b, err := s.Bytes()
	if err != nil {
		return err
	}
	parsed, err := WordFromBytes(b)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}
