package fastbernoulli

// coin hands out the bits of a random word one at a time, so the scalar path
// makes one call to the source per 64 flips.
type coin struct {
	src  BitSource
	val  uint64
	bits int
}

func (c *coin) toss() uint8 {
	if c.bits == 0 {
		c.val = c.src.Uint64()
		c.bits = 64
	}
	c.bits--
	bit := uint8(c.val & 1)
	c.val >>= 1
	return bit
}

// fill replaces every entry of dst with a fresh flip.
func (c *coin) fill(dst []uint8) {
	for i := range dst {
		dst[i] = c.toss()
	}
}
