// Package region holds the region-data vocabulary the tracing core is
// written against: field masks, access usages, dependence kinds,
// index-space expressions, and the view handles that name physical state.
//
// The core never walks a region tree; it only compares the handles and
// masks recorded here. Everything in this package is identity-comparable
// and value-semantic so recorded structures can be merged and diffed
// without aliasing surprises.
package region

import (
	"fmt"
	"math/bits"
	"strings"
)

// MaxFields is the number of distinct fields a mask can address.
const MaxFields = 64

// FieldMask is a set of field indices in [0, MaxFields).
//
// The zero value is the empty mask. FieldMask is a value type: all
// operations return a new mask and never mutate the receiver.
type FieldMask uint64

// MaskOf builds a mask from individual field indices.
// Indices outside [0, MaxFields) panic: field numbering is static in a
// recorded trace, so an out-of-range index is a caller bug.
func MaskOf(fields ...uint) FieldMask {
	var m FieldMask
	for _, f := range fields {
		if f >= MaxFields {
			panic(fmt.Sprintf("region: field index %d out of range", f))
		}
		m |= 1 << f
	}
	return m
}

// Union returns the fields in either mask.
func (m FieldMask) Union(o FieldMask) FieldMask { return m | o }

// Intersect returns the fields in both masks.
func (m FieldMask) Intersect(o FieldMask) FieldMask { return m & o }

// Subtract returns the fields in m but not in o.
func (m FieldMask) Subtract(o FieldMask) FieldMask { return m &^ o }

// SubsetOf reports whether every field in m is also in o.
func (m FieldMask) SubsetOf(o FieldMask) bool { return m&^o == 0 }

// Disjoint reports whether the masks share no fields.
func (m FieldMask) Disjoint(o FieldMask) bool { return m&o == 0 }

// Empty reports whether the mask has no fields.
func (m FieldMask) Empty() bool { return m == 0 }

// Contains reports whether field f is in the mask.
func (m FieldMask) Contains(f uint) bool { return f < MaxFields && m&(1<<f) != 0 }

// Count returns the number of fields in the mask.
func (m FieldMask) Count() int { return bits.OnesCount64(uint64(m)) }

// Fields returns the field indices in ascending order.
func (m FieldMask) Fields() []uint {
	out := make([]uint, 0, m.Count())
	for v := uint64(m); v != 0; {
		f := uint(bits.TrailingZeros64(v))
		out = append(out, f)
		v &^= 1 << f
	}
	return out
}

// String renders the mask as "{0,3,17}" for logs and template dumps.
func (m FieldMask) String() string {
	if m == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range m.Fields() {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", f)
	}
	b.WriteByte('}')
	return b.String()
}
