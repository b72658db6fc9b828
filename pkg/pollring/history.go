package pollring

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/tango/pkg/types"
)

// Run is one run of identical values: Dates[Start : Start+Count] share the
// value at the same index in the companion slice.
type Run struct {
	Start int `json:"start"`
	Count int `json:"count"`
}

// AttrHistory is the run length encoded history of a polled attribute.
// Index 0 of Dates is the oldest entry. Quals, RDims and WDims runs each
// partition [0, len(Dates)). Errors runs cover failed entries, and an
// INVALID entry between two failures with the same stack joins their run.
// Value holds the read then write elements of every entry that is neither
// failed nor INVALID, newest first.
type AttrHistory struct {
	Name       string             `json:"name"`
	DataType   types.DataType     `json:"data_type"`
	Dates      []time.Time        `json:"dates"`
	Quals      []types.Quality    `json:"quals"`
	QualsRuns  []Run              `json:"quals_runs"`
	RDims      []types.AttrDim    `json:"r_dims"`
	RDimsRuns  []Run              `json:"r_dims_runs"`
	WDims      []types.AttrDim    `json:"w_dims"`
	WDimsRuns  []Run              `json:"w_dims_runs"`
	Errors     []*types.DevFailed `json:"errors"`
	ErrorsRuns []Run              `json:"errors_runs"`
	Value      types.Value        `json:"-"`
}

// runs accumulates run length encoded values of a comparable type.
type runs[T comparable] struct {
	vals []T
	runs []Run
}

func (r *runs[T]) add(v T, idx int) {
	if n := len(r.runs); n > 0 && r.vals[n-1] == v && r.runs[n-1].Start+r.runs[n-1].Count == idx {
		r.runs[n-1].Count++
		return
	}
	r.vals = append(r.vals, v)
	r.runs = append(r.runs, Run{Start: idx, Count: 1})
}

// AttrHistory builds the history of the n newest elements. dataType is the
// attribute type; DevVoid selects the state read as attribute. An
// attribute type without a value representation panics.
func (r *Ring) AttrHistory(n int, dataType types.DataType) (*AttrHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.count {
		return nil, types.Throw(types.ReasonNotEnoughData,
			fmt.Sprintf("requested %d elements, %d stored", n, r.count), "PollRing.AttrHistory")
	}

	h := &AttrHistory{
		DataType: dataType,
		Dates:    make([]time.Time, n),
	}
	var (
		quals runs[types.Quality]
		rdims runs[types.AttrDim]
		wdims runs[types.AttrDim]
		parts = make([]types.Value, n)
		size  int
		// noDataSinceError is true while every entry after the last
		// failure carried no data.
		noDataSinceError bool
	)

	for idx := 0; idx < n; idx++ {
		e := r.elts[r.index(n-1-idx)]

		if e.Err != nil {
			h.Dates[idx] = e.When
			quals.add(types.AttrInvalid, idx)
			rdims.add(types.AttrDim{}, idx)
			wdims.add(types.AttrDim{}, idx)

			last := len(h.Errors) - 1
			if noDataSinceError && last >= 0 && h.Errors[last].Equal(e.Err) {
				h.ErrorsRuns[last].Count = idx - h.ErrorsRuns[last].Start + 1
			} else {
				h.Errors = append(h.Errors, e.Err.Clone())
				h.ErrorsRuns = append(h.ErrorsRuns, Run{Start: idx, Count: 1})
			}
			noDataSinceError = true
			continue
		}

		av := e.Attr
		if av == nil {
			return nil, types.Throw(types.ReasonIncompatibleAttrDataType,
				"polling buffer holds command results", "PollRing.AttrHistory")
		}
		if h.Name == "" {
			h.Name = av.Name
		}
		h.Dates[idx] = av.Time
		if av.Time.IsZero() {
			h.Dates[idx] = e.When
		}
		quals.add(av.Quality, idx)
		rdims.add(av.RDim, idx)
		wdims.add(av.WDim, idx)

		if av.Quality == types.AttrInvalid || av.Value == nil {
			continue
		}
		noDataSinceError = false
		want := av.RDim.Len() + av.WDim.Len()
		if want > av.Value.Len() {
			want = av.Value.Len()
		}
		parts[idx] = av.Value.Slice(0, want)
		size += want
	}

	h.Value = types.NewValue(dataType, size)
	for idx := n - 1; idx >= 0; idx-- {
		if parts[idx] == nil {
			continue
		}
		var err error
		if h.Value, err = types.Append(h.Value, parts[idx]); err != nil {
			return nil, types.Rethrow(err, types.ReasonIncompatibleAttrDataType,
				fmt.Sprintf("attribute %s history holds mixed types", h.Name), "PollRing.AttrHistory")
		}
	}

	h.Quals, h.QualsRuns = quals.vals, quals.runs
	h.RDims, h.RDimsRuns = rdims.vals, rdims.runs
	h.WDims, h.WDimsRuns = wdims.vals, wdims.runs
	return h, nil
}

// MarshalJSON embeds the typed value envelope.
func (h AttrHistory) MarshalJSON() ([]byte, error) {
	type plain AttrHistory
	data, err := types.MarshalValue(h.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		plain
		Data json.RawMessage `json:"value"`
	}{plain(h), data})
}

// UnmarshalJSON decodes the typed value envelope.
func (h *AttrHistory) UnmarshalJSON(b []byte) error {
	type plain AttrHistory
	var aux struct {
		plain
		Data json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*h = AttrHistory(aux.plain)
	v, err := types.UnmarshalValue(aux.Data)
	if err != nil {
		return err
	}
	h.Value = v
	return nil
}
