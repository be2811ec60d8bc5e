package protocol

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
)

// Rng supplies the randomness the core draws for serial numbers and
// fresh identifiers. It is passed explicitly rather than read from
// global state so note construction stays deterministic under test.
type Rng interface {
	DrawFelt() Felt
	DrawWord() Word
	FillBytes(b []byte)
}

// CryptoRng draws from the operating system entropy source.
type CryptoRng struct{}

func NewCryptoRng() CryptoRng {
	return CryptoRng{}
}

func (CryptoRng) FillBytes(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
}

func (r CryptoRng) DrawFelt() Felt {
	var b [8]byte
	r.FillBytes(b[:])
	return NewFelt(binary.LittleEndian.Uint64(b[:]))
}

func (r CryptoRng) DrawWord() Word {
	return Word{r.DrawFelt(), r.DrawFelt(), r.DrawFelt(), r.DrawFelt()}
}

// SeededRng is a deterministic source for tests and reproducible runs.
// Not safe for concurrent use.
type SeededRng struct {
	src *mrand.Rand
}

func NewSeededRng(seed int64) *SeededRng {
	return &SeededRng{src: mrand.New(mrand.NewSource(seed))}
}

func (r *SeededRng) DrawFelt() Felt {
	return NewFelt(r.src.Uint64())
}

func (r *SeededRng) DrawWord() Word {
	return Word{r.DrawFelt(), r.DrawFelt(), r.DrawFelt(), r.DrawFelt()}
}

func (r *SeededRng) FillBytes(b []byte) {
	_, _ = r.src.Read(b)
}
