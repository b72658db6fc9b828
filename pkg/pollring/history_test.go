package pollring

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/tango/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(t *testing.T, r *Ring, entries []Element) {
	t.Helper()
	for _, e := range entries {
		require.NoError(t, r.Insert(e))
	}
}

func errElt(reason string, sec int) Element {
	return Element{When: t0.Add(time.Duration(sec) * time.Second), Err: types.Throw(reason, "read failed", "poller")}
}

func valElt(v float64, q types.Quality, sec int) Element {
	return Element{When: t0.Add(time.Duration(sec) * time.Second), Attr: attr(v, q, sec)}
}

// assertPartition checks that runs cover [0, n) contiguously and that
// neighbouring runs carry different values.
func assertPartition[T comparable](t *testing.T, vals []T, runs []Run, n int) {
	t.Helper()
	require.Len(t, vals, len(runs))
	next := 0
	for i, r := range runs {
		assert.Equal(t, next, r.Start, "run %d start", i)
		assert.Positive(t, r.Count)
		next += r.Count
		if i > 0 {
			assert.NotEqual(t, vals[i-1], vals[i], "runs %d and %d should have merged", i-1, i)
		}
	}
	assert.Equal(t, n, next)
}

// TestAttrHistoryRunLengthEncoding tests runs of repeated qualities, dims and errors
func TestAttrHistoryRunLengthEncoding(t *testing.T) {
	r := New(10)
	fill(t, r, []Element{
		valElt(1, types.AttrValid, 1),
		valElt(2, types.AttrValid, 2),
		errElt("API_Boom", 3),
		errElt("API_Boom", 4),
		valElt(5, types.AttrAlarm, 5),
		valElt(6, types.AttrAlarm, 6),
	})

	h, err := r.AttrHistory(6, types.DevDouble)
	require.NoError(t, err)

	assert.Equal(t, []types.Quality{types.AttrValid, types.AttrInvalid, types.AttrAlarm}, h.Quals)
	assert.Equal(t, []Run{{0, 2}, {2, 2}, {4, 2}}, h.QualsRuns)
	assert.Equal(t, []types.AttrDim{{X: 1}, {}, {X: 1}}, h.RDims)
	assert.Equal(t, []Run{{0, 2}, {2, 2}, {4, 2}}, h.RDimsRuns)
	assert.Equal(t, []types.AttrDim{{}}, h.WDims)
	assert.Equal(t, []Run{{0, 6}}, h.WDimsRuns)

	require.Len(t, h.Errors, 1)
	assert.Equal(t, "API_Boom", h.Errors[0].Reason())
	assert.Equal(t, []Run{{2, 2}}, h.ErrorsRuns)

	assert.Equal(t, types.DoubleArray{6, 5, 2, 1}, h.Value, "values are newest first")
	assert.Equal(t, t0.Add(time.Second), h.Dates[0], "index 0 is the oldest entry")
	assert.Equal(t, t0.Add(6*time.Second), h.Dates[5])
	assert.Equal(t, "value", h.Name)
}

// TestAttrHistoryPartitionProperty tests that runs partition the entries for any depth
func TestAttrHistoryPartitionProperty(t *testing.T) {
	qualities := []types.Quality{types.AttrValid, types.AttrAlarm, types.AttrInvalid, types.AttrWarning}
	r := New(20)
	for i := 0; i < 37; i++ {
		switch {
		case i%7 == 3:
			fill(t, r, []Element{errElt("API_Boom", i)})
		case i%11 == 5:
			fill(t, r, []Element{errElt("API_Other", i)})
		default:
			fill(t, r, []Element{valElt(float64(i), qualities[(i/3)%len(qualities)], i)})
		}
	}

	for _, n := range []int{1, 2, 7, 20} {
		h, err := r.AttrHistory(n, types.DevDouble)
		require.NoError(t, err)
		assertPartition(t, h.Quals, h.QualsRuns, n)
		assertPartition(t, h.RDims, h.RDimsRuns, n)
		assertPartition(t, h.WDims, h.WDimsRuns, n)
		assert.Len(t, h.Dates, n)
	}
}

// TestAttrHistoryDistinctErrors tests that a valid read splits error runs
func TestAttrHistoryDistinctErrors(t *testing.T) {
	r := New(4)
	fill(t, r, []Element{
		errElt("API_A", 1),
		errElt("API_B", 2),
		valElt(3, types.AttrValid, 3),
		errElt("API_B", 4),
	})

	h, err := r.AttrHistory(4, types.DevDouble)
	require.NoError(t, err)
	require.Len(t, h.Errors, 3)
	assert.Equal(t, []Run{{0, 1}, {1, 1}, {3, 1}}, h.ErrorsRuns)
	assert.Equal(t, []types.Quality{types.AttrInvalid, types.AttrValid, types.AttrInvalid}, h.Quals)
}

// TestAttrHistoryInvalidCarriesNoData tests that INVALID entries add no values
func TestAttrHistoryInvalidCarriesNoData(t *testing.T) {
	r := New(3)
	fill(t, r, []Element{
		valElt(1, types.AttrValid, 1),
		valElt(2, types.AttrInvalid, 2),
		valElt(3, types.AttrValid, 3),
	})

	h, err := r.AttrHistory(3, types.DevDouble)
	require.NoError(t, err)
	assert.Equal(t, types.DoubleArray{3, 1}, h.Value)
}

// TestAttrHistoryWritableAndState tests write parts and the state attribute
func TestAttrHistoryWritableAndState(t *testing.T) {
	r := New(2)
	require.NoError(t, r.InsertAttr(&types.AttributeValue{
		Name:  "setpoint",
		Value: types.LongArray{10, 11},
		RDim:  types.AttrDim{X: 1},
		WDim:  types.AttrDim{X: 1},
	}, t0))

	h, err := r.AttrHistory(1, types.DevLong)
	require.NoError(t, err)
	assert.Equal(t, types.LongArray{10, 11}, h.Value)

	s := New(2)
	require.NoError(t, s.InsertAttr(&types.AttributeValue{
		Name:  "State",
		Value: types.StateArray{types.Fault},
		RDim:  types.AttrDim{X: 1},
	}, t0))
	h, err = s.AttrHistory(1, types.DevVoid)
	require.NoError(t, err)
	assert.Equal(t, types.StateArray{types.Fault}, h.Value)
}

// TestAttrHistoryErrors tests depth and type failures
func TestAttrHistoryErrors(t *testing.T) {
	r := New(3)
	fill(t, r, []Element{valElt(1, types.AttrValid, 1)})

	_, err := r.AttrHistory(2, types.DevDouble)
	assert.Equal(t, types.ReasonNotEnoughData, types.ReasonOf(err))

	_, err = r.AttrHistory(1, types.DevLong)
	assert.Equal(t, types.ReasonIncompatibleAttrDataType, types.ReasonOf(err))

	assert.Panics(t, func() { _, _ = r.AttrHistory(1, types.DataType(42)) })
}

// TestAttrHistoryJSON tests the typed value envelope
func TestAttrHistoryJSON(t *testing.T) {
	r := New(2)
	fill(t, r, []Element{valElt(1, types.AttrValid, 1), valElt(2, types.AttrValid, 2)})
	h, err := r.AttrHistory(2, types.DevDouble)
	require.NoError(t, err)

	data, err := json.Marshal(h)
	require.NoError(t, err)
	var out AttrHistory
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, h.Value, out.Value)
	assert.Equal(t, h.QualsRuns, out.QualsRuns)
}

// TestAttrHistoryWraparoundOrder tests the newest values first after the ring wrapped
func TestAttrHistoryWraparoundOrder(t *testing.T) {
	r := New(3)
	for i := 1; i <= 5; i++ {
		fill(t, r, []Element{valElt(float64(i), types.AttrValid, i)})
	}

	h, err := r.AttrHistory(3, types.DevDouble)
	require.NoError(t, err)
	assert.Equal(t, types.DoubleArray{5, 4, 3}, h.Value)
	assert.Equal(t, t0.Add(3*time.Second), h.Dates[0])
	assert.Equal(t, t0.Add(5*time.Second), h.Dates[2])
}

// TestAttrHistoryErrorRunSpansInvalid tests that an INVALID read does not
// split identical errors
func TestAttrHistoryErrorRunSpansInvalid(t *testing.T) {
	r := New(5)
	fill(t, r, []Element{
		errElt("API_Boom", 1),
		valElt(2, types.AttrInvalid, 2),
		errElt("API_Boom", 3),
		valElt(4, types.AttrValid, 4),
		errElt("API_Boom", 5),
	})

	h, err := r.AttrHistory(5, types.DevDouble)
	require.NoError(t, err)
	require.Len(t, h.Errors, 2)
	assert.Equal(t, []Run{{0, 3}, {4, 1}}, h.ErrorsRuns)
	assert.Equal(t, []types.Quality{types.AttrInvalid, types.AttrValid, types.AttrInvalid}, h.Quals)
	assert.Equal(t, []Run{{0, 3}, {3, 1}, {4, 1}}, h.QualsRuns)
	assert.Equal(t, types.DoubleArray{4}, h.Value)
}
