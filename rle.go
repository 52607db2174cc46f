package cocoloader

// Run-length encoding of binary masks, compatible with the COCO mask format.

import (
	"fmt"
	"strings"
)

// RLE is a run-length encoded binary mask. Pixels are visited in column-major order and the
// runs alternate between 0s and 1s, starting with a (possibly empty) run of 0s.
type RLE struct {
	Height int
	Width  int
	Counts []uint32
}

// Area returns the number of pixels that are set.
func (r RLE) Area() int {
	area := 0
	for i := 1; i < len(r.Counts); i += 2 {
		area += int(r.Counts[i])
	}
	return area
}

// Validate checks that the runs cover exactly Height*Width pixels.
func (r RLE) Validate() error {
	if r.Height < 0 || r.Width < 0 {
		return fmt.Errorf("invalid mask size %dx%d", r.Width, r.Height)
	}
	total := 0
	for _, c := range r.Counts {
		total += int(c)
	}
	if total != r.Height*r.Width {
		return fmt.Errorf("runs cover %d pixels, expected %d", total, r.Height*r.Width)
	}
	return nil
}

// Mask decodes r into a column-major mask of Height*Width bytes with values 0 or 1.
func (r RLE) Mask() []byte {
	mask := make([]byte, r.Height*r.Width)
	pos := 0
	var v byte
	for _, c := range r.Counts {
		end := pos + int(c)
		if end > len(mask) {
			end = len(mask)
		}
		if v == 1 {
			for i := pos; i < end; i++ {
				mask[i] = 1
			}
		}
		pos = end
		v ^= 1
	}
	return mask
}

// RLEFromMask encodes a column-major mask, treating all non-zero values as set.
func RLEFromMask(mask []byte, height, width int) RLE {
	counts := make([]uint32, 0, 16)
	var prev byte
	var run uint32
	for _, m := range mask[:height*width] {
		if m != 0 {
			m = 1
		}
		if m != prev {
			counts = append(counts, run)
			run = 0
			prev = m
		}
		run++
	}
	counts = append(counts, run)
	return RLE{Height: height, Width: width, Counts: counts}
}

// MergeRLEs returns the union of the masks, which must all have the same size.
func MergeRLEs(rles []RLE) (RLE, error) {
	switch len(rles) {
	case 0:
		return RLE{}, nil
	case 1:
		return rles[0], nil
	}

	h, w := rles[0].Height, rles[0].Width
	union := make([]byte, h*w)
	for _, r := range rles {
		if r.Height != h || r.Width != w {
			return RLE{}, fmt.Errorf("cannot merge %dx%d mask into %dx%d", r.Width, r.Height, w, h)
		}
		for i, m := range r.Mask() {
			union[i] |= m
		}
	}
	return RLEFromMask(union, h, w), nil
}

// String returns the compact COCO string form of the counts.
func (r RLE) String() string {
	return EncodeRLEString(r.Counts)
}

// EncodeRLEString encodes counts in the compact COCO form: each count from the third on is
// stored as the difference to the count two positions earlier, and every value is written as
// a little-endian sequence of 5-bit groups with a continuation bit, offset by 48 into
// printable ASCII.
func EncodeRLEString(counts []uint32) string {
	var sb strings.Builder
	for i := range counts {
		x := int64(counts[i])
		if i > 2 {
			x -= int64(counts[i-2])
		}
		for more := true; more; {
			c := x & 0x1f
			x >>= 5
			if c&0x10 != 0 {
				more = x != -1
			} else {
				more = x != 0
			}
			if more {
				c |= 0x20
			}
			sb.WriteByte(byte(c + 48))
		}
	}
	return sb.String()
}

// DecodeRLEString is the inverse of EncodeRLEString.
func DecodeRLEString(s string) ([]uint32, error) {
	counts := make([]uint32, 0, len(s)/2)
	for p := 0; p < len(s); {
		var x int64
		k := uint(0)
		for more := true; more; {
			if p >= len(s) {
				return nil, fmt.Errorf("truncated RLE string %q", s)
			}
			c := int64(s[p]) - 48
			if c < 0 || c > 0x3f {
				return nil, fmt.Errorf("invalid character %q in RLE string", s[p])
			}
			x |= (c & 0x1f) << (5 * k)
			more = c&0x20 != 0
			p++
			k++
			if !more && c&0x10 != 0 {
				x |= -1 << (5 * k)
			}
		}
		if m := len(counts); m > 2 {
			x += int64(counts[m-2])
		}
		if x < 0 || x > 1<<32-1 {
			return nil, fmt.Errorf("RLE count out of range in %q", s)
		}
		counts = append(counts, uint32(x))
	}
	return counts, nil
}

// ParseRLEString decodes a compact COCO string into an RLE of the given size.
func ParseRLEString(s string, height, width int) (RLE, error) {
	counts, err := DecodeRLEString(s)
	if err != nil {
		return RLE{}, err
	}
	r := RLE{Height: height, Width: width, Counts: counts}
	if err := r.Validate(); err != nil {
		return RLE{}, err
	}
	return r, nil
}
