package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Value is the payload of an attribute read, a command result or a ring
// entry. It is a closed set: only the array types declared in this file
// implement it, so a type switch over them is exhaustive.
type Value interface {
	DataType() DataType
	Len() int
	// Slice returns the elements [lo, hi) as a new value sharing no memory
	// with the receiver.
	Slice(lo, hi int) Value
	sealed()
}

// Encoded is one DevEncoded element.
type Encoded struct {
	Format string `json:"format"`
	Data   []byte `json:"data"`
}

type (
	BooleanArray []bool
	ShortArray   []int16
	LongArray    []int32
	FloatArray   []float32
	DoubleArray  []float64
	UShortArray  []uint16
	ULongArray   []uint32
	StringArray  []string
	StateArray   []State
	UCharArray   []uint8
	Long64Array  []int64
	ULong64Array []uint64
	EncodedArray []Encoded
)

func (BooleanArray) DataType() DataType { return DevBoolean }
func (ShortArray) DataType() DataType   { return DevShort }
func (LongArray) DataType() DataType    { return DevLong }
func (FloatArray) DataType() DataType   { return DevFloat }
func (DoubleArray) DataType() DataType  { return DevDouble }
func (UShortArray) DataType() DataType  { return DevUShort }
func (ULongArray) DataType() DataType   { return DevULong }
func (StringArray) DataType() DataType  { return DevString }
func (StateArray) DataType() DataType   { return DevState }
func (UCharArray) DataType() DataType   { return DevUChar }
func (Long64Array) DataType() DataType  { return DevLong64 }
func (ULong64Array) DataType() DataType { return DevULong64 }
func (EncodedArray) DataType() DataType { return DevEncoded }

func (v BooleanArray) Len() int { return len(v) }
func (v ShortArray) Len() int   { return len(v) }
func (v LongArray) Len() int    { return len(v) }
func (v FloatArray) Len() int   { return len(v) }
func (v DoubleArray) Len() int  { return len(v) }
func (v UShortArray) Len() int  { return len(v) }
func (v ULongArray) Len() int   { return len(v) }
func (v StringArray) Len() int  { return len(v) }
func (v StateArray) Len() int   { return len(v) }
func (v UCharArray) Len() int   { return len(v) }
func (v Long64Array) Len() int  { return len(v) }
func (v ULong64Array) Len() int { return len(v) }
func (v EncodedArray) Len() int { return len(v) }

func (v BooleanArray) Slice(lo, hi int) Value { return append(BooleanArray(nil), v[lo:hi]...) }
func (v ShortArray) Slice(lo, hi int) Value   { return append(ShortArray(nil), v[lo:hi]...) }
func (v LongArray) Slice(lo, hi int) Value    { return append(LongArray(nil), v[lo:hi]...) }
func (v FloatArray) Slice(lo, hi int) Value   { return append(FloatArray(nil), v[lo:hi]...) }
func (v DoubleArray) Slice(lo, hi int) Value  { return append(DoubleArray(nil), v[lo:hi]...) }
func (v UShortArray) Slice(lo, hi int) Value  { return append(UShortArray(nil), v[lo:hi]...) }
func (v ULongArray) Slice(lo, hi int) Value   { return append(ULongArray(nil), v[lo:hi]...) }
func (v StringArray) Slice(lo, hi int) Value  { return append(StringArray(nil), v[lo:hi]...) }
func (v StateArray) Slice(lo, hi int) Value   { return append(StateArray(nil), v[lo:hi]...) }
func (v UCharArray) Slice(lo, hi int) Value   { return append(UCharArray(nil), v[lo:hi]...) }
func (v Long64Array) Slice(lo, hi int) Value  { return append(Long64Array(nil), v[lo:hi]...) }
func (v ULong64Array) Slice(lo, hi int) Value { return append(ULong64Array(nil), v[lo:hi]...) }
func (v EncodedArray) Slice(lo, hi int) Value {
	out := make(EncodedArray, 0, hi-lo)
	for _, e := range v[lo:hi] {
		out = append(out, Encoded{Format: e.Format, Data: append([]byte(nil), e.Data...)})
	}
	return out
}

func (BooleanArray) sealed() {}
func (ShortArray) sealed()   {}
func (LongArray) sealed()    {}
func (FloatArray) sealed()   {}
func (DoubleArray) sealed()  {}
func (UShortArray) sealed()  {}
func (ULongArray) sealed()   {}
func (StringArray) sealed()  {}
func (StateArray) sealed()   {}
func (UCharArray) sealed()   {}
func (Long64Array) sealed()  {}
func (ULong64Array) sealed() {}
func (EncodedArray) sealed() {}

// NewValue returns an empty value able to hold elements of type t. DevEnum
// is stored as ShortArray and DevVoid (state read as attribute) as
// StateArray.
func NewValue(t DataType, capacity int) Value {
	switch t {
	case DevBoolean:
		return make(BooleanArray, 0, capacity)
	case DevShort, DevEnum:
		return make(ShortArray, 0, capacity)
	case DevLong:
		return make(LongArray, 0, capacity)
	case DevFloat:
		return make(FloatArray, 0, capacity)
	case DevDouble:
		return make(DoubleArray, 0, capacity)
	case DevUShort:
		return make(UShortArray, 0, capacity)
	case DevULong:
		return make(ULongArray, 0, capacity)
	case DevString:
		return make(StringArray, 0, capacity)
	case DevState, DevVoid:
		return make(StateArray, 0, capacity)
	case DevUChar:
		return make(UCharArray, 0, capacity)
	case DevLong64:
		return make(Long64Array, 0, capacity)
	case DevULong64:
		return make(ULong64Array, 0, capacity)
	case DevEncoded:
		return make(EncodedArray, 0, capacity)
	}
	panic(fmt.Sprintf("types: no value representation for %s", t))
}

// Append concatenates src onto dst. Both must be the same variant.
func Append(dst, src Value) (Value, error) {
	switch d := dst.(type) {
	case BooleanArray:
		if s, ok := src.(BooleanArray); ok {
			return append(d, s...), nil
		}
	case ShortArray:
		if s, ok := src.(ShortArray); ok {
			return append(d, s...), nil
		}
	case LongArray:
		if s, ok := src.(LongArray); ok {
			return append(d, s...), nil
		}
	case FloatArray:
		if s, ok := src.(FloatArray); ok {
			return append(d, s...), nil
		}
	case DoubleArray:
		if s, ok := src.(DoubleArray); ok {
			return append(d, s...), nil
		}
	case UShortArray:
		if s, ok := src.(UShortArray); ok {
			return append(d, s...), nil
		}
	case ULongArray:
		if s, ok := src.(ULongArray); ok {
			return append(d, s...), nil
		}
	case StringArray:
		if s, ok := src.(StringArray); ok {
			return append(d, s...), nil
		}
	case StateArray:
		if s, ok := src.(StateArray); ok {
			return append(d, s...), nil
		}
	case UCharArray:
		if s, ok := src.(UCharArray); ok {
			return append(d, s...), nil
		}
	case Long64Array:
		if s, ok := src.(Long64Array); ok {
			return append(d, s...), nil
		}
	case ULong64Array:
		if s, ok := src.(ULong64Array); ok {
			return append(d, s...), nil
		}
	case EncodedArray:
		if s, ok := src.(EncodedArray); ok {
			return append(d, s.Slice(0, len(s)).(EncodedArray)...), nil
		}
	}
	return dst, Throw(ReasonIncompatibleAttrDataType,
		fmt.Sprintf("cannot append %T to %T", src, dst), "types.Append")
}

// CopyValue returns a deep copy of v. A nil value copies to nil.
func CopyValue(v Value) Value {
	if v == nil {
		return nil
	}
	return v.Slice(0, v.Len())
}

// EqualValues compares two values element by element. NaN equals NaN so
// that a stuck NaN reading is not reported as a change.
func EqualValues(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.DataType() != b.DataType() || a.Len() != b.Len() {
		return false
	}
	switch x := a.(type) {
	case FloatArray:
		y := b.(FloatArray)
		for i := range x {
			if x[i] != y[i] && !(isNaN32(x[i]) && isNaN32(y[i])) {
				return false
			}
		}
		return true
	case DoubleArray:
		y := b.(DoubleArray)
		for i := range x {
			if x[i] != y[i] && !(math.IsNaN(x[i]) && math.IsNaN(y[i])) {
				return false
			}
		}
		return true
	case EncodedArray:
		y := b.(EncodedArray)
		for i := range x {
			if x[i].Format != y[i].Format || string(x[i].Data) != string(y[i].Data) {
				return false
			}
		}
		return true
	}
	fa, fb := Float64s(a), Float64s(b)
	if fa != nil && fb != nil {
		for i := range fa {
			if fa[i] != fb[i] {
				return false
			}
		}
		return true
	}
	switch x := a.(type) {
	case BooleanArray:
		y := b.(BooleanArray)
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
	case StringArray:
		y := b.(StringArray)
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
	case StateArray:
		y := b.(StateArray)
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
	}
	return true
}

func isNaN32(f float32) bool { return math.IsNaN(float64(f)) }

// Float64s converts a numeric value to float64 elements. Non numeric values
// return nil.
func Float64s(v Value) []float64 {
	switch x := v.(type) {
	case ShortArray:
		return convert(x)
	case LongArray:
		return convert(x)
	case FloatArray:
		return convert(x)
	case DoubleArray:
		return append([]float64(nil), x...)
	case UShortArray:
		return convert(x)
	case ULongArray:
		return convert(x)
	case UCharArray:
		return convert(x)
	case Long64Array:
		return convert(x)
	case ULong64Array:
		return convert(x)
	}
	return nil
}

type number interface {
	~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32
}

func convert[T number](in []T) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

// typedValue is the JSON envelope of a Value.
type typedValue struct {
	Type DataType        `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalValue encodes v with its type tag. Non finite floats are written
// as strings so the document stays valid JSON.
func MarshalValue(v Value) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	var payload any = v
	switch x := v.(type) {
	case FloatArray:
		payload = floatsToJSON(convert(x))
	case DoubleArray:
		payload = floatsToJSON(x)
	case UCharArray:
		payload = convert(x)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s value: %w", v.DataType(), err)
	}
	return json.Marshal(typedValue{Type: v.DataType(), Data: data})
}

// UnmarshalValue decodes a document produced by MarshalValue.
func UnmarshalValue(data []byte) (Value, error) {
	if string(data) == "null" || len(data) == 0 {
		return nil, nil
	}
	var tv typedValue
	if err := json.Unmarshal(data, &tv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value envelope: %w", err)
	}
	var (
		out Value
		err error
	)
	switch tv.Type {
	case DevBoolean:
		var v BooleanArray
		err = json.Unmarshal(tv.Data, &v)
		out = v
	case DevShort, DevEnum:
		var v ShortArray
		err = json.Unmarshal(tv.Data, &v)
		out = v
	case DevLong:
		var v LongArray
		err = json.Unmarshal(tv.Data, &v)
		out = v
	case DevFloat:
		var f []float64
		f, err = floatsFromJSON(tv.Data)
		v := make(FloatArray, len(f))
		for i := range f {
			v[i] = float32(f[i])
		}
		out = v
	case DevDouble:
		var f []float64
		f, err = floatsFromJSON(tv.Data)
		out = DoubleArray(f)
	case DevUShort:
		var v UShortArray
		err = json.Unmarshal(tv.Data, &v)
		out = v
	case DevULong:
		var v ULongArray
		err = json.Unmarshal(tv.Data, &v)
		out = v
	case DevString:
		var v StringArray
		err = json.Unmarshal(tv.Data, &v)
		out = v
	case DevState, DevVoid:
		var v StateArray
		err = json.Unmarshal(tv.Data, &v)
		out = v
	case DevUChar:
		var raw []uint16
		err = json.Unmarshal(tv.Data, &raw)
		v := make(UCharArray, len(raw))
		for i := range raw {
			v[i] = uint8(raw[i])
		}
		out = v
	case DevLong64:
		var v Long64Array
		err = json.Unmarshal(tv.Data, &v)
		out = v
	case DevULong64:
		var v ULong64Array
		err = json.Unmarshal(tv.Data, &v)
		out = v
	case DevEncoded:
		var v EncodedArray
		err = json.Unmarshal(tv.Data, &v)
		out = v
	default:
		return nil, fmt.Errorf("unknown value type %d", int(tv.Type))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s value: %w", tv.Type, err)
	}
	return out, nil
}

func floatsToJSON(in []float64) []any {
	out := make([]any, len(in))
	for i, f := range in {
		switch {
		case math.IsNaN(f):
			out[i] = "NaN"
		case math.IsInf(f, 1):
			out[i] = "+Inf"
		case math.IsInf(f, -1):
			out[i] = "-Inf"
		default:
			out[i] = f
		}
	}
	return out
}

func floatsFromJSON(data []byte) ([]float64, error) {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]float64, len(raw))
	for i, r := range raw {
		switch x := r.(type) {
		case float64:
			out[i] = x
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return nil, err
			}
			out[i] = f
		default:
			return nil, fmt.Errorf("element %d: unexpected %T", i, r)
		}
	}
	return out, nil
}
