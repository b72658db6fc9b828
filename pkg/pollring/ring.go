package pollring

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/tango/pkg/types"
)

// DefaultDepth is the ring depth used when a polled object has no
// poll_ring_depth property.
const DefaultDepth = 10

// Element is one polling result. Exactly one of Attr, Cmd and Err is set.
type Element struct {
	When time.Time
	Attr *types.AttributeValue
	Cmd  *types.CommandData
	Err  *types.DevFailed
}

// IsError reports whether the element stores a failed read.
func (e Element) IsError() bool { return e.Err != nil }

// Ring is a fixed depth circular buffer of polling results. The newest
// element is at logical age 0.
type Ring struct {
	mu     sync.RWMutex
	elts   []Element
	insert int
	count  int
}

// New creates an empty ring holding at most depth elements.
func New(depth int) *Ring {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Ring{elts: make([]Element, depth)}
}

// Insert stores e, evicting the oldest element once the ring is full.
func (r *Ring) Insert(e Element) error {
	set := 0
	for _, ok := range []bool{e.Attr != nil, e.Cmd != nil, e.Err != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("ring element must carry exactly one payload, got %d", set)
	}
	if e.When.IsZero() {
		e.When = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.elts[r.insert] = e
	r.insert = (r.insert + 1) % len(r.elts)
	if r.count < len(r.elts) {
		r.count++
	}
	return nil
}

// InsertAttr stores an attribute read.
func (r *Ring) InsertAttr(v *types.AttributeValue, when time.Time) error {
	return r.Insert(Element{When: when, Attr: v})
}

// InsertCmd stores a command result.
func (r *Ring) InsertCmd(d *types.CommandData, when time.Time) error {
	return r.Insert(Element{When: when, Cmd: d})
}

// InsertError stores a failed read or command execution.
func (r *Ring) InsertError(err *types.DevFailed, when time.Time) error {
	return r.Insert(Element{When: when, Err: err})
}

// Depth returns the ring capacity.
func (r *Ring) Depth() int { return len(r.elts) }

// Len returns the number of stored elements.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// IsEmpty reports whether nothing was inserted yet.
func (r *Ring) IsEmpty() bool { return r.Len() == 0 }

// index maps a logical age to a slot. Callers hold the lock and have
// checked age < count.
func (r *Ring) index(age int) int {
	depth := len(r.elts)
	return ((r.insert-1-age)%depth + depth) % depth
}

// EltAt returns the element of logical age i.
func (r *Ring) EltAt(i int) (Element, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i < 0 || i >= len(r.elts) || i >= r.count {
		return Element{}, types.Throw(types.ReasonNotEnoughData,
			fmt.Sprintf("ring index %d out of range (depth %d, %d stored)", i, len(r.elts), r.count),
			"PollRing.EltAt")
	}
	return r.elts[r.index(i)], nil
}

// LastInsertDate returns the date of the newest element or the zero time.
func (r *Ring) LastInsertDate() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return time.Time{}
	}
	return r.elts[r.index(0)].When
}

// IsLastAnError reports whether the newest element is a failure.
func (r *Ring) IsLastAnError() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count > 0 && r.elts[r.index(0)].Err != nil
}

// LastError returns the newest element's error, if any.
func (r *Ring) LastError() *types.DevFailed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return nil
	}
	return r.elts[r.index(0)].Err.Clone()
}

// LastAttr returns a copy of the newest attribute value.
func (r *Ring) LastAttr() types.Result[*types.AttributeValue] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return types.NotYetAvailable[*types.AttributeValue](
			types.Throw(types.ReasonNotEnoughData, "no data in polling buffer", "PollRing.LastAttr"))
	}
	e := r.elts[r.index(0)]
	if e.Err != nil {
		return types.Fatal[*types.AttributeValue](e.Err.Clone())
	}
	if e.Attr == nil {
		return types.Fatal[*types.AttributeValue](
			types.Throw(types.ReasonIncompatibleAttrDataType, "polling buffer holds command results", "PollRing.LastAttr"))
	}
	return types.Ok(e.Attr.Clone())
}

// LastCmd returns a copy of the newest command result.
func (r *Ring) LastCmd() types.Result[*types.CommandData] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return types.NotYetAvailable[*types.CommandData](
			types.Throw(types.ReasonNotEnoughData, "no data in polling buffer", "PollRing.LastCmd"))
	}
	e := r.elts[r.index(0)]
	if e.Err != nil {
		return types.Fatal[*types.CommandData](e.Err.Clone())
	}
	return types.Ok(e.Cmd.Clone())
}

// DeltaT returns up to n intervals between consecutive insertions, newest
// first.
func (r *Ring) DeltaT(n int) []time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count-1 {
		n = r.count - 1
	}
	if n <= 0 {
		return nil
	}
	out := make([]time.Duration, n)
	for i := 0; i < n; i++ {
		out[i] = r.elts[r.index(i)].When.Sub(r.elts[r.index(i+1)].When)
	}
	return out
}

// CmdHistoryEntry is one element of a command history, oldest first.
type CmdHistoryEntry struct {
	When time.Time          `json:"when"`
	Data *types.CommandData `json:"data,omitempty"`
	Err  *types.DevFailed   `json:"err,omitempty"`
}

// CmdHistory returns the n newest command results ordered oldest first.
func (r *Ring) CmdHistory(n int) ([]CmdHistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.count {
		return nil, types.Throw(types.ReasonNotEnoughData,
			fmt.Sprintf("requested %d elements, %d stored", n, r.count), "PollRing.CmdHistory")
	}
	out := make([]CmdHistoryEntry, n)
	for i := 0; i < n; i++ {
		e := r.elts[r.index(i)]
		out[n-1-i] = CmdHistoryEntry{When: e.When, Data: e.Cmd.Clone(), Err: e.Err.Clone()}
	}
	return out, nil
}
