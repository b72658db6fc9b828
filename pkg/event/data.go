package event

import (
	"sync"
	"time"

	"github.com/cuemby/tango/pkg/types"
)

// EventData is what a subscriber receives. Err is set when Errors carries
// the failure instead of a payload.
type EventData struct {
	// Device is the fully qualified device name.
	Device string
	// AttrName is the fully qualified object name ("device/attr").
	AttrName string
	// Event is the event name without IDL prefix.
	Event         string
	ReceptionDate time.Time
	Err           bool
	Errors        *types.DevFailed

	AttrValue  *types.AttributeValue
	AttrConf   *types.AttributeConfig
	DataReady  *types.DataReady
	IntrChange *types.DevIntrChange
	Pipe       *types.PipeData
}

// Clone returns a deep copy so that each subscriber owns its data.
func (e *EventData) Clone() *EventData {
	out := *e
	out.Errors = e.Errors.Clone()
	out.AttrValue = e.AttrValue.Clone()
	if e.AttrConf != nil {
		c := *e.AttrConf
		out.AttrConf = &c
	}
	if e.DataReady != nil {
		d := *e.DataReady
		out.DataReady = &d
	}
	if e.IntrChange != nil {
		ic := cloneIntrChange(e.IntrChange)
		out.IntrChange = &ic
	}
	if e.Pipe != nil {
		p := clonePipe(e.Pipe)
		out.Pipe = &p
	}
	return &out
}

func errorEvent(device, attr, event string, err error) *EventData {
	return &EventData{
		Device:        device,
		AttrName:      attr,
		Event:         event,
		ReceptionDate: time.Now(),
		Err:           true,
		Errors:        types.AsDevFailed(err),
	}
}

// Callback receives events of one subscription.
type Callback interface {
	Push(ev *EventData)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(ev *EventData)

// Push calls f.
func (f CallbackFunc) Push(ev *EventData) { f(ev) }

// Queue buffers events of a subscription without callback. When full, the
// oldest event is dropped.
type Queue struct {
	mu    sync.Mutex
	size  int
	items []*EventData
	last  time.Time
}

// NewQueue creates a queue holding at most size events. Zero or negative
// means unbounded.
func NewQueue(size int) *Queue {
	return &Queue{size: size}
}

// Insert appends ev.
func (q *Queue) Insert(ev *EventData) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size > 0 && len(q.items) >= q.size {
		q.items = q.items[1:]
	}
	q.items = append(q.items, ev)
	q.last = ev.ReceptionDate
}

// Drain returns and removes every buffered event, oldest first.
func (q *Queue) Drain() []*EventData {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// LastDate returns the reception date of the newest inserted event.
func (q *Queue) LastDate() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}
