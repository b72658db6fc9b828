package event

import (
	"math"
	"time"

	"github.com/cuemby/tango/pkg/device"
	"github.com/cuemby/tango/pkg/types"
)

// detection is the outcome of comparing a read with the last sent value.
type detection struct {
	changed        bool
	forced         bool
	qualityChanged bool
	deltaAbs       float64
	deltaRel       float64
}

func (d detection) filterable() map[string]float64 {
	return map[string]float64{
		"delta_change_rel": d.deltaRel,
		"delta_change_abs": d.deltaAbs,
		"forced_event":     boolFloat(d.forced),
		"quality":          boolFloat(d.qualityChanged),
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// detectChange compares a read (v, or err when the read failed) against the
// reference snapshot. ref must be initialised.
func detectChange(ref *device.Snapshot, v *types.AttributeValue, err *types.DevFailed, abs, rel device.Threshold) detection {
	var d detection
	if err != nil {
		if ref.Err != nil && ref.Err.Equal(err) {
			return d
		}
		d.changed, d.forced = true, true
		return d
	}
	if ref.Err != nil {
		d.changed, d.forced = true, true
		return d
	}
	if v.Quality == types.AttrInvalid {
		if ref.Quality != types.AttrInvalid {
			d.changed, d.forced = true, true
		}
		return d
	}
	if ref.Quality == types.AttrInvalid {
		d.changed, d.forced = true, true
		return d
	}

	d = compareValues(ref, v, abs, rel)
	if ref.Quality != v.Quality {
		d.changed = true
		d.qualityChanged = true
	}
	return d
}

func compareValues(ref *device.Snapshot, v *types.AttributeValue, abs, rel device.Threshold) detection {
	var d detection
	cur := v.ReadPart()
	prev := ref.Value
	if prev == nil || cur == nil || prev.Len() != cur.Len() || ref.Dim != v.RDim || prev.DataType() != cur.DataType() {
		d.changed, d.forced = true, true
		return d
	}

	switch cur.(type) {
	case types.StringArray, types.BooleanArray, types.StateArray, types.EncodedArray:
		if !types.EqualValues(prev, cur) {
			d.changed = true
			d.deltaAbs, d.deltaRel = 100, 100
		}
		return d
	}

	pf, cf := types.Float64s(prev), types.Float64s(cur)
	for i := range cf {
		p, c := pf[i], cf[i]
		if math.IsNaN(p) || math.IsNaN(c) {
			if math.IsNaN(p) != math.IsNaN(c) {
				d.changed = true
				d.deltaAbs, d.deltaRel = 100, 100
				return d
			}
			continue
		}
		if rel.Set {
			var r float64
			switch {
			case p != 0:
				r = (c - p) * 100 / p
			case c != 0:
				r = 100
			}
			d.deltaRel = r
			if r <= rel.Neg || r >= rel.Pos {
				d.changed = true
				return d
			}
		}
		if abs.Set {
			a := c - p
			d.deltaAbs = a
			if a <= abs.Neg || a >= abs.Pos {
				d.changed = true
				return d
			}
		}
	}
	return d
}

func isAlarmQuality(q types.Quality) bool {
	return q == types.AttrAlarm || q == types.AttrWarning
}

// detectAlarm reports whether a read must raise an alarm event: errors
// appearing, changing or going away, or a move into or out of an alarm or
// warning quality.
func detectAlarm(ref *device.Snapshot, v *types.AttributeValue, err *types.DevFailed) bool {
	if !ref.Inited {
		return true
	}
	if err != nil {
		return ref.Err == nil || !ref.Err.Equal(err)
	}
	if ref.Err != nil {
		return true
	}
	if v.Quality != ref.Quality && (isAlarmQuality(v.Quality) || isAlarmQuality(ref.Quality)) {
		return true
	}
	return false
}

// minimalPeriod is the period after which a periodic event is due. Short
// periods get a 2% tolerance, long ones 100ms.
func minimalPeriod(p time.Duration) time.Duration {
	if p < 5*time.Second {
		return time.Duration(float64(p) * 0.98)
	}
	return p - 100*time.Millisecond
}
