package aggregation

// Bitmap records which validators (by index) contributed to an aggregate.
type Bitmap []byte

// NewBitmap creates an empty bitmap sized for total validators.
func NewBitmap(total int) Bitmap {
	return make(Bitmap, (total+7)/8)
}

// Set marks index i. Out of range indices are ignored.
func (b Bitmap) Set(i int) {
	if i < 0 || i >= len(b)*8 {
		return
	}
	b[i/8] |= 1 << (i % 8)
}

// Has reports whether index i is marked.
func (b Bitmap) Has(i int) bool {
	if i < 0 || i >= len(b)*8 {
		return false
	}
	return b[i/8]&(1<<(i%8)) != 0
}

// Indices returns the marked indices in ascending order.
func (b Bitmap) Indices() []int {
	var out []int

	for byteIdx, v := range b {
		for bit := 0; bit < 8; bit++ {
			if v&(1<<bit) != 0 {
				out = append(out, byteIdx*8+bit)
			}
		}
	}

	return out
}

// Count returns the number of marked indices.
func (b Bitmap) Count() int {
	n := 0
	for _, v := range b {
		for ; v != 0; v &= v - 1 {
			n++
		}
	}
	return n
}
