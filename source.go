package fastbernoulli

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"

	"golang.org/x/crypto/chacha20"
)

/*
BitSource supplies uniformly distributed random words. Every bit of every
word is treated as one fair coin flip. Implementations need not be safe
for concurrent use.
*/
type BitSource interface {
	Uint64() uint64
}

/*
SourceFactory creates the bit source for one stream of a seed. Distinct
streams of the same seed must not overlap, which is what lets parallel
partitions stay independent.
*/
type SourceFactory func(seed, stream uint64) BitSource

// NewPCGSource returns a PCG generator. Seed and stream are the two halves
// of its 128-bit state; the increment is fixed.
func NewPCGSource(seed, stream uint64) BitSource {
	return rand.New(rand.NewPCG(seed, stream))
}

// chachaBlock is how much keystream is generated per refill.
const chachaBlock = 512

// chachaSource reads words from a ChaCha20 keystream.
type chachaSource struct {
	cipher *chacha20.Cipher
	buf    [chachaBlock]byte
	off    int
}

/*
NewChaChaSource returns a ChaCha20 keystream generator. The seed is spread
over the 256-bit key with splitmix64 and the stream is the nonce. A single
stream runs out after 256 GiB of output, where the cipher's block counter
wraps.
*/
func NewChaChaSource(seed, stream uint64) BitSource {
	var (
		key   [chacha20.KeySize]byte
		nonce [chacha20.NonceSize]byte
	)

	state := seed
	for i := 0; i < chacha20.KeySize; i += 8 {
		binary.LittleEndian.PutUint64(key[i:], splitmix64(&state))
	}
	binary.LittleEndian.PutUint64(nonce[:], stream)

	// Key and nonce sizes are fixed above, so this cannot fail.
	cipher, _ := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])

	return &chachaSource{cipher: cipher, off: chachaBlock}
}

func (s *chachaSource) Uint64() uint64 {
	if s.off == chachaBlock {
		clear(s.buf[:])
		s.cipher.XORKeyStream(s.buf[:], s.buf[:])
		s.off = 0
	}

	v := binary.LittleEndian.Uint64(s.buf[s.off:])
	s.off += 8
	return v
}

// splitmix64 advances state and returns the next output.
func splitmix64(state *uint64) uint64 {
	*state += 0x9e3779b97f4a7c15
	z := *state
	z = (z ^ z>>30) * 0xbf58476d1ce4e5b9
	z = (z ^ z>>27) * 0x94d049bb133111eb
	return z ^ z>>31
}

// SourceByName resolves the names accepted in Config.Source.
func SourceByName(name string) (SourceFactory, error) {
	switch name {
	case "", "pcg":
		return NewPCGSource, nil
	case "chacha", "chacha20":
		return NewChaChaSource, nil
	default:
		return nil, fmt.Errorf("%w: unknown bit source %q", ErrDomain, name)
	}
}
