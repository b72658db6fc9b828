package event

import (
	"math"
	"testing"
	"time"

	"github.com/cuemby/tango/pkg/device"
	"github.com/cuemby/tango/pkg/types"
	"github.com/stretchr/testify/assert"
)

func snapshot(v types.Value, q types.Quality) *device.Snapshot {
	return &device.Snapshot{Inited: true, Value: v, Quality: q, Dim: types.AttrDim{X: v.Len()}}
}

func reading(v types.Value, q types.Quality) *types.AttributeValue {
	return &types.AttributeValue{Value: v, Quality: q, RDim: types.AttrDim{X: v.Len()}}
}

func threshold(v float64) device.Threshold {
	return device.Threshold{Neg: -v, Pos: v, Set: true}
}

// TestDetectChange tests change detection against the last sent value
func TestDetectChange(t *testing.T) {
	errA := types.Throw("R", "a", "o")
	errB := types.Throw("R", "b", "o")
	valid, invalid, alarm := types.AttrValid, types.AttrInvalid, types.AttrAlarm

	tests := []struct {
		name     string
		ref      *device.Snapshot
		cur      *types.AttributeValue
		err      *types.DevFailed
		abs, rel device.Threshold
		changed  bool
		forced   bool
		quality  bool
	}{
		{name: "abs below", ref: snapshot(types.DoubleArray{1}, valid), cur: reading(types.DoubleArray{1.5}, valid), abs: threshold(1)},
		{name: "abs reached", ref: snapshot(types.DoubleArray{1}, valid), cur: reading(types.DoubleArray{2}, valid), abs: threshold(1), changed: true},
		{name: "abs negative", ref: snapshot(types.DoubleArray{1}, valid), cur: reading(types.DoubleArray{0}, valid), abs: threshold(1), changed: true},
		{name: "rel reached", ref: snapshot(types.LongArray{10}, valid), cur: reading(types.LongArray{11}, valid), rel: threshold(5), changed: true},
		{name: "rel below", ref: snapshot(types.DoubleArray{10}, valid), cur: reading(types.DoubleArray{10.2}, valid), rel: threshold(5)},
		{name: "rel from zero", ref: snapshot(types.DoubleArray{0}, valid), cur: reading(types.DoubleArray{1}, valid), rel: threshold(5), changed: true},
		{name: "second element", ref: snapshot(types.DoubleArray{1, 1}, valid), cur: reading(types.DoubleArray{1, 3}, valid), abs: threshold(1), changed: true},
		{name: "nan appears", ref: snapshot(types.DoubleArray{1}, valid), cur: reading(types.DoubleArray{math.NaN()}, valid), abs: threshold(1), changed: true},
		{name: "nan stays", ref: snapshot(types.DoubleArray{math.NaN()}, valid), cur: reading(types.DoubleArray{math.NaN()}, valid), abs: threshold(1)},
		{name: "string differs", ref: snapshot(types.StringArray{"a"}, valid), cur: reading(types.StringArray{"b"}, valid), changed: true},
		{name: "string same", ref: snapshot(types.StringArray{"a"}, valid), cur: reading(types.StringArray{"a"}, valid)},
		{name: "state differs", ref: snapshot(types.StateArray{types.On}, valid), cur: reading(types.StateArray{types.Fault}, valid), changed: true},
		{name: "size change", ref: snapshot(types.DoubleArray{1}, valid), cur: reading(types.DoubleArray{1, 1}, valid), abs: threshold(1), changed: true, forced: true},
		{name: "quality change", ref: snapshot(types.DoubleArray{1}, valid), cur: reading(types.DoubleArray{1}, alarm), abs: threshold(1), changed: true, quality: true},
		{name: "becomes invalid", ref: snapshot(types.DoubleArray{1}, valid), cur: reading(types.DoubleArray{1}, invalid), abs: threshold(1), changed: true, forced: true},
		{name: "stays invalid", ref: snapshot(types.DoubleArray{1}, invalid), cur: reading(types.DoubleArray{5}, invalid), abs: threshold(1)},
		{name: "leaves invalid", ref: snapshot(types.DoubleArray{1}, invalid), cur: reading(types.DoubleArray{1}, valid), abs: threshold(1), changed: true, forced: true},
		{name: "error appears", ref: snapshot(types.DoubleArray{1}, valid), err: errA, abs: threshold(1), changed: true, forced: true},
		{name: "same error", ref: &device.Snapshot{Inited: true, Err: errA}, err: errA, abs: threshold(1)},
		{name: "other error", ref: &device.Snapshot{Inited: true, Err: errA}, err: errB, abs: threshold(1), changed: true, forced: true},
		{name: "error gone", ref: &device.Snapshot{Inited: true, Err: errA}, cur: reading(types.DoubleArray{1}, valid), abs: threshold(1), changed: true, forced: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := detectChange(tt.ref, tt.cur, tt.err, tt.abs, tt.rel)
			assert.Equal(t, tt.changed, d.changed, "changed")
			assert.Equal(t, tt.forced, d.forced, "forced")
			assert.Equal(t, tt.quality, d.qualityChanged, "quality")
		})
	}
}

// TestDetectChangeDeltas tests the filterable deltas of a change
func TestDetectChangeDeltas(t *testing.T) {
	d := detectChange(snapshot(types.DoubleArray{4}, types.AttrValid), reading(types.DoubleArray{6}, types.AttrValid),
		nil, threshold(1), threshold(100))
	assert.True(t, d.changed)
	assert.InDelta(t, 2.0, d.deltaAbs, 1e-9)
	assert.InDelta(t, 50.0, d.deltaRel, 1e-9)

	f := d.filterable()
	assert.Equal(t, 0.0, f["forced_event"])
	assert.Equal(t, 0.0, f["quality"])
	assert.Equal(t, 2.0, f["delta_change_abs"])
}

// TestDetectAlarm tests alarm event detection
func TestDetectAlarm(t *testing.T) {
	errA := types.Throw("R", "a", "o")

	assert.True(t, detectAlarm(&device.Snapshot{}, reading(types.DoubleArray{1}, types.AttrValid), nil))
	assert.False(t, detectAlarm(snapshot(types.DoubleArray{1}, types.AttrValid), reading(types.DoubleArray{9}, types.AttrValid), nil))
	assert.True(t, detectAlarm(snapshot(types.DoubleArray{1}, types.AttrValid), reading(types.DoubleArray{1}, types.AttrAlarm), nil))
	assert.True(t, detectAlarm(snapshot(types.DoubleArray{1}, types.AttrWarning), reading(types.DoubleArray{1}, types.AttrValid), nil))
	assert.False(t, detectAlarm(snapshot(types.DoubleArray{1}, types.AttrValid), reading(types.DoubleArray{1}, types.AttrChanging), nil))
	assert.True(t, detectAlarm(snapshot(types.DoubleArray{1}, types.AttrValid), nil, errA))
	assert.False(t, detectAlarm(&device.Snapshot{Inited: true, Err: errA}, nil, errA))
	assert.True(t, detectAlarm(&device.Snapshot{Inited: true, Err: errA}, reading(types.DoubleArray{1}, types.AttrValid), nil))
}

// TestMinimalPeriod tests the tolerance applied to periodic events
func TestMinimalPeriod(t *testing.T) {
	assert.Equal(t, 980*time.Millisecond, minimalPeriod(time.Second))
	assert.Equal(t, 9900*time.Millisecond, minimalPeriod(10*time.Second))
	assert.Equal(t, 4900*time.Millisecond, minimalPeriod(5*time.Second))
}
