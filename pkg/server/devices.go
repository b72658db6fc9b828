package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cuemby/tango/pkg/config"
	"github.com/cuemby/tango/pkg/device"
	"github.com/cuemby/tango/pkg/event"
	"github.com/cuemby/tango/pkg/types"
)

// RootReader reads the root attribute of a forwarded attribute.
type RootReader interface {
	ReadRoot(ctx context.Context, dev, attr string) (*types.AttributeValue, error)
}

// builder turns configured devices into simulated devices. Attributes
// declaring pushed events push them after every write and increment.
type builder struct {
	server   string
	supplier *event.Supplier
	roots    RootReader
}

// build creates the device declared by dc.
func (b *builder) build(dc config.Device) (*device.Device, error) {
	idl := dc.IDL
	if idl == 0 {
		idl = event.ClientRelease
	}
	class := dc.Class
	if class == "" {
		class = "TangoTest"
	}
	dev := device.New(dc.Name, class, b.server, idl)
	for _, ac := range dc.Attributes {
		a, err := b.attribute(dev, ac)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s/%s: %w", dc.Name, ac.Name, err)
		}
		if err := dev.AddAttribute(a); err != nil {
			return nil, err
		}
		if ac.Increment != 0 {
			if err := b.addIncrement(dev, ac); err != nil {
				return nil, fmt.Errorf("failed to build %s/%s: %w", dc.Name, ac.Name, err)
			}
		}
	}
	return dev, nil
}

func (b *builder) attribute(dev *device.Device, ac config.Attribute) (*device.Attribute, error) {
	dt, err := types.ParseDataType(ac.Type)
	if err != nil {
		return nil, err
	}
	format, err := types.ParseDataFormat(ac.Format)
	if err != nil {
		return nil, err
	}

	if ac.Fwd != "" {
		i := strings.LastIndex(ac.Fwd, "/")
		root := &device.FwdRoot{Device: ac.Fwd[:i], Attr: ac.Fwd[i+1:]}
		a := device.NewAttribute(ac.Name, dt, format, func(ctx context.Context) (*types.AttributeValue, error) {
			if b.roots == nil {
				return nil, types.Throw(types.ReasonCantConnectToDevice,
					fmt.Sprintf("no access to root attribute %s", root.Name()), "ForwardedAttribute.Read")
			}
			return b.roots.ReadRoot(ctx, root.Device, root.Attr)
		})
		a.Fwd = root
		return a, nil
	}

	initial, err := ParseValue(dt, ac.Initial)
	if err != nil {
		return nil, err
	}
	a := device.NewMemorized(ac.Name, dt, format, ac.Writable, initial)

	var ctr atomic.Int64
	for _, p := range ac.Push {
		switch strings.ToLower(p) {
		case event.ChangeEvent:
			a.SetChangeEvent(true, ac.Detect)
		case event.ArchiveEvent:
			a.SetArchiveEvent(true, ac.Detect)
		case event.AlarmEvent:
			a.SetAlarmEvent(true, ac.Detect)
		case event.DataReadyEvent:
			a.SetDataReadyEvent(true)
		}
	}
	if len(ac.Push) > 0 && a.Write != nil {
		write := a.Write
		a.Write = func(ctx context.Context, v *types.AttributeValue) error {
			if err := write(ctx, v); err != nil {
				return err
			}
			b.pushAfterUpdate(ctx, dev, a, ac.Push, &ctr)
			return nil
		}
	}
	return a, nil
}

func (b *builder) addIncrement(dev *device.Device, ac config.Attribute) error {
	if err := device.AddIncrement(dev, ac.Name, ac.Increment); err != nil {
		return err
	}
	if len(ac.Push) == 0 {
		return nil
	}
	cmd, err := dev.Command("Increment")
	if err != nil {
		return err
	}
	a, err := dev.Attr(ac.Name)
	if err != nil {
		return err
	}
	var ctr atomic.Int64
	exec := cmd.Exec
	cmd.Exec = func(ctx context.Context, argin *types.CommandData) (*types.CommandData, error) {
		out, err := exec(ctx, argin)
		if err != nil {
			return nil, err
		}
		b.pushAfterUpdate(ctx, dev, a, ac.Push, &ctr)
		return out, nil
	}
	return nil
}

// pushAfterUpdate plays the device code of an attribute pushing its own
// events. Failures are logged by the supplier.
func (b *builder) pushAfterUpdate(ctx context.Context, dev *device.Device, a *device.Attribute, push []string, ctr *atomic.Int64) {
	if b.supplier == nil {
		return
	}
	v, readErr := a.Read(ctx)
	if v != nil {
		v.Name = a.Name
		v.DataType = a.DataType
		v.DataFormat = a.Format
	}
	for _, p := range push {
		switch strings.ToLower(p) {
		case event.ChangeEvent:
			_ = b.supplier.PushChangeEvent(dev, a.Name, v, readErr)
		case event.ArchiveEvent:
			_ = b.supplier.PushArchiveEvent(dev, a.Name, v, readErr)
		case event.AlarmEvent:
			_ = b.supplier.PushAlarmEvent(dev, a.Name, v, readErr)
		case event.DataReadyEvent:
			_ = b.supplier.PushDataReadyEvent(dev, a.Name, int(ctr.Add(1)))
		}
	}
}

// ParseValue converts configuration strings into a value of type dt. No
// strings gives one zero element.
func ParseValue(dt types.DataType, vals []string) (types.Value, error) {
	if len(vals) == 0 {
		vals = []string{zeroLiteral(dt)}
	}
	switch out := types.NewValue(dt, len(vals)).(type) {
	case types.BooleanArray:
		for _, s := range vals {
			b, err := strconv.ParseBool(strings.TrimSpace(s))
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
		return out, nil
	case types.ShortArray:
		n, err := parseSigned[int16](vals, 16)
		return types.ShortArray(n), err
	case types.LongArray:
		n, err := parseSigned[int32](vals, 32)
		return types.LongArray(n), err
	case types.Long64Array:
		n, err := parseSigned[int64](vals, 64)
		return types.Long64Array(n), err
	case types.UShortArray:
		n, err := parseUnsigned[uint16](vals, 16)
		return types.UShortArray(n), err
	case types.ULongArray:
		n, err := parseUnsigned[uint32](vals, 32)
		return types.ULongArray(n), err
	case types.ULong64Array:
		n, err := parseUnsigned[uint64](vals, 64)
		return types.ULong64Array(n), err
	case types.UCharArray:
		n, err := parseUnsigned[uint8](vals, 8)
		return types.UCharArray(n), err
	case types.FloatArray:
		n, err := parseFloats[float32](vals, 32)
		return types.FloatArray(n), err
	case types.DoubleArray:
		n, err := parseFloats[float64](vals, 64)
		return types.DoubleArray(n), err
	case types.StringArray:
		return append(out, vals...), nil
	case types.StateArray:
		for _, s := range vals {
			st, err := parseState(s)
			if err != nil {
				return nil, err
			}
			out = append(out, st)
		}
		return out, nil
	case types.EncodedArray:
		for _, s := range vals {
			out = append(out, types.Encoded{Format: "raw", Data: []byte(s)})
		}
		return out, nil
	}
	return nil, fmt.Errorf("no initial value for %s", dt)
}

func zeroLiteral(dt types.DataType) string {
	switch dt {
	case types.DevBoolean:
		return "false"
	case types.DevString, types.DevEncoded:
		return ""
	case types.DevState, types.DevVoid:
		return types.Unknown.String()
	}
	return "0"
}

func parseSigned[T ~int16 | ~int32 | ~int64](vals []string, bits int) ([]T, error) {
	out := make([]T, 0, len(vals))
	for _, s := range vals {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, bits)
		if err != nil {
			return nil, err
		}
		out = append(out, T(n))
	}
	return out, nil
}

func parseUnsigned[T ~uint8 | ~uint16 | ~uint32 | ~uint64](vals []string, bits int) ([]T, error) {
	out := make([]T, 0, len(vals))
	for _, s := range vals {
		n, err := strconv.ParseUint(strings.TrimSpace(s), 10, bits)
		if err != nil {
			return nil, err
		}
		out = append(out, T(n))
	}
	return out, nil
}

func parseFloats[T ~float32 | ~float64](vals []string, bits int) ([]T, error) {
	out := make([]T, 0, len(vals))
	for _, s := range vals {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), bits)
		if err != nil {
			return nil, err
		}
		out = append(out, T(f))
	}
	return out, nil
}

func parseState(s string) (types.State, error) {
	for st := types.On; st <= types.Unknown; st++ {
		if strings.EqualFold(st.String(), strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return types.Unknown, fmt.Errorf("unknown state %q", s)
}
