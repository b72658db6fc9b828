package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/tango/pkg/types"
)

type memory struct {
	mu      sync.Mutex
	value   types.Value
	quality types.Quality
	err     *types.DevFailed
}

// NewMemorized returns an attribute backed by an in memory value. Writes
// replace the value.
func NewMemorized(name string, dt types.DataType, format types.DataFormat, writable bool, initial types.Value) *Attribute {
	if initial == nil {
		initial = types.NewValue(dt, 1)
	}
	mem := &memory{value: initial, quality: types.AttrValid}
	a := NewAttribute(name, dt, format, func(context.Context) (*types.AttributeValue, error) {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		if mem.err != nil {
			return nil, mem.err
		}
		v := &types.AttributeValue{Value: types.CopyValue(mem.value), Quality: mem.quality, Time: time.Now()}
		if mem.quality != types.AttrInvalid {
			v.RDim = types.AttrDim{X: mem.value.Len()}
		}
		return v, nil
	})
	a.mem = mem
	a.Writable = writable
	a.MaxDimX = initial.Len()
	if writable {
		a.Write = func(_ context.Context, v *types.AttributeValue) error {
			return a.Set(v.Value)
		}
	}
	return a
}

func (a *Attribute) memorized() (*memory, error) {
	if a.mem == nil {
		return nil, types.Throw(types.ReasonNotSupported,
			fmt.Sprintf("attribute %s is not memorized", a.Name), "Attribute.memorized")
	}
	return a.mem, nil
}

// Set replaces the value of a memorized attribute.
func (a *Attribute) Set(v types.Value) error {
	mem, err := a.memorized()
	if err != nil {
		return err
	}
	if v == nil || v.DataType() != mem.value.DataType() {
		return types.Throw(types.ReasonIncompatibleAttrDataType,
			fmt.Sprintf("attribute %s expects %s", a.Name, mem.value.DataType()), "Attribute.Set")
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.value = types.CopyValue(v)
	return nil
}

// Value returns the value of a memorized attribute.
func (a *Attribute) Value() types.Value {
	if a.mem == nil {
		return nil
	}
	a.mem.mu.Lock()
	defer a.mem.mu.Unlock()
	return types.CopyValue(a.mem.value)
}

// SetQuality changes the quality reported by a memorized attribute.
func (a *Attribute) SetQuality(q types.Quality) error {
	mem, err := a.memorized()
	if err != nil {
		return err
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.quality = q
	return nil
}

// SetError makes reads of a memorized attribute fail with err until cleared
// with nil.
func (a *Attribute) SetError(err *types.DevFailed) error {
	mem, mErr := a.memorized()
	if mErr != nil {
		return mErr
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.err = err
	return nil
}

// Increment adds step to every element of a numeric memorized value.
func (a *Attribute) Increment(step float64) error {
	mem, err := a.memorized()
	if err != nil {
		return err
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	switch v := mem.value.(type) {
	case types.DoubleArray:
		for i := range v {
			v[i] += step
		}
	case types.FloatArray:
		for i := range v {
			v[i] += float32(step)
		}
	case types.LongArray:
		for i := range v {
			v[i] += int32(step)
		}
	case types.ShortArray:
		for i := range v {
			v[i] += int16(step)
		}
	case types.Long64Array:
		for i := range v {
			v[i] += int64(step)
		}
	default:
		return types.Throw(types.ReasonIncompatibleAttrDataType,
			fmt.Sprintf("cannot increment %s attribute %s", mem.value.DataType(), a.Name), "Attribute.Increment")
	}
	return nil
}

// AddIncrement registers an Increment command adding step (or the double
// argument when given) to the memorized attribute attr.
func AddIncrement(d *Device, attr string, step float64) error {
	a, err := d.Attr(attr)
	if err != nil {
		return err
	}
	if _, err := a.memorized(); err != nil {
		return err
	}
	return d.AddCommand(&Command{
		Name: "Increment",
		In:   types.DevDouble,
		Out:  types.DevVoid,
		Exec: func(_ context.Context, argin *types.CommandData) (*types.CommandData, error) {
			s := step
			if argin != nil && argin.Kind == types.CmdValue {
				if f := types.Float64s(argin.Value); len(f) > 0 {
					s = f[0]
				}
			}
			return types.VoidData(), a.Increment(s)
		},
	})
}
