package vm

import (
	"fmt"
	"math"
	"strconv"
)

// Value is the typed value carried in a frame's return slot.
//
// Values are NaN-boxed 64-bit words. Non-float values live in the quiet NaN
// space with a 3-bit tag:
//   - Float: native IEEE 754 double
//   - SmallInt: quiet NaN + tagInt + 48-bit signed payload
//   - Special: quiet NaN + tagSpecial + nil/true/false
//   - Symbol: quiet NaN + tagSymbol + interned string id
//   - Handle: quiet NaN + tagHandle + opaque object-model handle
//
// The hook layer never interprets handles; the object model owns them.
type Value uint64

const (
	nanBits     uint64 = 0x7FF8000000000000
	tagMask     uint64 = 0x0007000000000000
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagHandle  uint64 = 0x0001000000000000
	tagInt     uint64 = 0x0002000000000000
	tagSpecial uint64 = 0x0003000000000000
	tagSymbol  uint64 = 0x0004000000000000

	intSignBit    uint64 = 0x0000800000000000
	intSignExtend uint64 = 0xFFFF000000000000
)

const (
	specialNil   uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values
const (
	Nil   Value = Value(nanBits | tagSpecial | specialNil)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// SmallInt range (48-bit signed)
const (
	MaxSmallInt int64 = (1 << 47) - 1
	MinSmallInt int64 = -(1 << 47)
)

// ValueTag is the type tag of a Value.
type ValueTag uint8

const (
	TagFloat ValueTag = iota
	TagInt
	TagNil
	TagBool
	TagSymbol
	TagHandle
)

func (t ValueTag) String() string {
	switch t {
	case TagFloat:
		return "float"
	case TagInt:
		return "int"
	case TagNil:
		return "nil"
	case TagBool:
		return "bool"
	case TagSymbol:
		return "symbol"
	case TagHandle:
		return "handle"
	}
	return "tag(" + strconv.Itoa(int(t)) + ")"
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsFloat returns true if v represents a float64 value.
// Infinities and untagged NaNs are floats.
func (v Value) IsFloat() bool {
	bits := uint64(v)
	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		return true
	}
	if bits&0x000FFFFFFFFFFFFF == 0 {
		return true
	}
	if (bits & nanBits) != nanBits {
		return true
	}
	return bits&tagMask == 0
}

// IsSmallInt returns true if v represents a small integer.
func (v Value) IsSmallInt() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagInt)
}

// IsSymbol returns true if v represents an interned string.
func (v Value) IsSymbol() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagSymbol)
}

// IsHandle returns true if v is an object-model handle.
func (v Value) IsHandle() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagHandle)
}

// IsNil returns true if v is the nil value.
func (v Value) IsNil() bool {
	return v == Nil
}

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// Tag returns the type tag of v.
func (v Value) Tag() ValueTag {
	switch {
	case v.IsFloat():
		return TagFloat
	case v.IsSmallInt():
		return TagInt
	case v == Nil:
		return TagNil
	case v.IsBool():
		return TagBool
	case v.IsSymbol():
		return TagSymbol
	case v.IsHandle():
		return TagHandle
	}
	panic(fmt.Sprintf("Value.Tag: malformed value %#x", uint64(v)))
}

// ---------------------------------------------------------------------------
// Constructors and accessors
// ---------------------------------------------------------------------------

// Float64 returns v as a float64.
// Panics if v is not a float.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic("Value.Float64: not a float")
	}
	return math.Float64frombits(uint64(v))
}

// FromFloat64 creates a Value from a float64.
// Every NaN becomes the untagged quiet NaN so its payload cannot be read
// as a tag.
func FromFloat64(f float64) Value {
	if f != f {
		return Value(nanBits)
	}
	return Value(math.Float64bits(f))
}

// SmallInt returns v as an int64.
// Panics if v is not a small integer.
func (v Value) SmallInt() int64 {
	if !v.IsSmallInt() {
		panic("Value.SmallInt: not a small integer")
	}
	payload := uint64(v) & payloadMask
	if (payload & intSignBit) != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// FromSmallInt creates a Value from an int64.
// Panics if n is outside the SmallInt range.
func FromSmallInt(n int64) Value {
	if n > MaxSmallInt || n < MinSmallInt {
		panic("FromSmallInt: value out of range")
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// TryFromSmallInt creates a Value from an int64, returning false if out of range.
func TryFromSmallInt(n int64) (Value, bool) {
	if n > MaxSmallInt || n < MinSmallInt {
		return Nil, false
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask)), true
}

// Bool returns v as a bool.
// Panics if v is not true or false.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	default:
		panic("Value.Bool: not a boolean")
	}
}

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// SymbolID returns the interned string id encoded in v.
func (v Value) SymbolID() uint32 {
	if !v.IsSymbol() {
		panic("Value.SymbolID: not a symbol")
	}
	return uint32(uint64(v) & payloadMask)
}

// FromSymbolID creates a Value from an interned string id.
func FromSymbolID(id uint32) Value {
	return Value(nanBits | tagSymbol | uint64(id))
}

// Handle returns the object-model handle encoded in v.
func (v Value) Handle() uint64 {
	if !v.IsHandle() {
		panic("Value.Handle: not a handle")
	}
	return uint64(v) & payloadMask
}

// FromHandle creates a Value from an object-model handle.
// Handles must fit in 48 bits.
func FromHandle(h uint64) Value {
	return Value(nanBits | tagHandle | (h & payloadMask))
}

// String renders v for logs and debug events.
func (v Value) String() string {
	switch v.Tag() {
	case TagFloat:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case TagInt:
		return strconv.FormatInt(v.SmallInt(), 10)
	case TagNil:
		return "nil"
	case TagBool:
		return strconv.FormatBool(v.Bool())
	case TagSymbol:
		return "#" + strconv.FormatUint(uint64(v.SymbolID()), 10)
	default:
		return "<handle " + strconv.FormatUint(v.Handle(), 10) + ">"
	}
}
