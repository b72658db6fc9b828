package pollring

import (
	"testing"
	"time"

	"github.com/cuemby/tango/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func attr(v float64, q types.Quality, sec int) *types.AttributeValue {
	return &types.AttributeValue{
		Name:    "value",
		Value:   types.DoubleArray{v},
		Quality: q,
		Time:    t0.Add(time.Duration(sec) * time.Second),
		RDim:    types.AttrDim{X: 1},
	}
}

// TestRingWrapAround tests that the newest depth elements survive in order
func TestRingWrapAround(t *testing.T) {
	r := New(5)
	for i := 1; i <= 7; i++ {
		require.NoError(t, r.InsertAttr(attr(float64(i), types.AttrValid, i), t0.Add(time.Duration(i)*time.Second)))
	}

	assert.Equal(t, 5, r.Len())
	for age := 0; age < 5; age++ {
		e, err := r.EltAt(age)
		require.NoError(t, err)
		assert.Equal(t, types.DoubleArray{float64(7 - age)}, e.Attr.Value, "age %d", age)
	}

	_, err := r.EltAt(5)
	require.Error(t, err)
	assert.Equal(t, types.ReasonNotEnoughData, types.ReasonOf(err))
}

func TestEltAtBounds(t *testing.T) {
	tests := []struct {
		name    string
		depth   int
		inserts int
		age     int
		wantErr bool
	}{
		{"empty ring", 3, 0, 0, true},
		{"beyond count", 5, 2, 2, true},
		{"beyond depth", 3, 10, 3, true},
		{"negative", 3, 3, -1, true},
		{"newest", 3, 1, 0, false},
		{"oldest of full ring", 3, 10, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.depth)
			for i := 0; i < tt.inserts; i++ {
				require.NoError(t, r.InsertAttr(attr(float64(i), types.AttrValid, i), time.Time{}))
			}
			_, err := r.EltAt(tt.age)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInsertRequiresOnePayload(t *testing.T) {
	r := New(2)

	assert.Error(t, r.Insert(Element{}))
	assert.Error(t, r.Insert(Element{
		Attr: attr(1, types.AttrValid, 0),
		Err:  types.Throw("R", "d", "o"),
	}))
	assert.True(t, r.IsEmpty())
}

func TestLastAccessors(t *testing.T) {
	r := New(3)

	res := r.LastAttr()
	assert.Equal(t, types.ResultNotYetAvailable, res.Kind)
	assert.True(t, r.LastInsertDate().IsZero())

	when := t0.Add(time.Minute)
	require.NoError(t, r.InsertAttr(attr(4, types.AttrValid, 60), when))
	res = r.LastAttr()
	require.Equal(t, types.ResultOk, res.Kind)
	assert.Equal(t, types.DoubleArray{4}, res.Value.Value)
	assert.Equal(t, when, r.LastInsertDate())
	assert.False(t, r.IsLastAnError())

	require.NoError(t, r.InsertError(types.Throw("API_Boom", "read failed", "read"), when.Add(time.Second)))
	assert.True(t, r.IsLastAnError())
	assert.Equal(t, "API_Boom", r.LastError().Reason())
	assert.Equal(t, types.ResultFatal, r.LastAttr().Kind)
}

func TestDeltaT(t *testing.T) {
	r := New(4)
	for _, sec := range []int{0, 1, 3, 6} {
		require.NoError(t, r.InsertAttr(attr(0, types.AttrValid, sec), t0.Add(time.Duration(sec)*time.Second)))
	}

	assert.Equal(t, []time.Duration{3 * time.Second, 2 * time.Second, time.Second}, r.DeltaT(10))
	assert.Equal(t, []time.Duration{3 * time.Second}, r.DeltaT(1))
	assert.Nil(t, New(2).DeltaT(3))
}

func TestCmdHistory(t *testing.T) {
	r := New(3)
	for i := int32(1); i <= 4; i++ {
		require.NoError(t, r.InsertCmd(types.ValueData(types.LongArray{i}), t0.Add(time.Duration(i)*time.Second)))
	}

	hist, err := r.CmdHistory(3)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, types.LongArray{2}, hist[0].Data.Value)
	assert.Equal(t, types.LongArray{4}, hist[2].Data.Value)

	_, err = r.CmdHistory(4)
	assert.Error(t, err)
}
