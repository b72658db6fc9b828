package device

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/tango/pkg/types"
)

// ReadFunc reads the current value of an attribute.
type ReadFunc func(ctx context.Context) (*types.AttributeValue, error)

// WriteFunc applies a written value.
type WriteFunc func(ctx context.Context, v *types.AttributeValue) error

// PushFlags describe an event kind the device code pushes itself. With
// Detect set, pushed values still go through change detection.
type PushFlags struct {
	Implemented bool
	Detect      bool
}

// FwdRoot names the root of a forwarded attribute.
type FwdRoot struct {
	Device string
	Attr   string
}

// Name returns device/attr.
func (f FwdRoot) Name() string { return strings.ToLower(f.Device + "/" + f.Attr) }

// Transports records which event systems an attribute has been subscribed
// through. Flags are set on first use and kept until the device restarts.
type Transports struct {
	Zmq    bool
	Notifd bool
}

// Snapshot is the last value sent for one event kind, used as reference by
// change detection.
type Snapshot struct {
	Inited  bool
	Value   types.Value
	Quality types.Quality
	Dim     types.AttrDim
	Err     *types.DevFailed
}

// Store records v (or err) as the new reference.
func (s *Snapshot) Store(v *types.AttributeValue, err *types.DevFailed) {
	s.Inited = true
	s.Err = err.Clone()
	if err != nil || v == nil {
		s.Value, s.Quality, s.Dim = nil, types.AttrInvalid, types.AttrDim{}
		return
	}
	s.Value = types.CopyValue(v.ReadPart())
	s.Quality = v.Quality
	s.Dim = v.RDim
}

// EventState is the per attribute detection state.
type EventState struct {
	Change              Snapshot
	Archive             Snapshot
	Alarm               Snapshot
	LastPeriodic        time.Time
	LastArchive         time.Time
	LastArchivePeriodic time.Time
	PeriodicCtr         int
	DataReadyCtr        int
}

// Attribute is one attribute of a device together with its event
// configuration and bookkeeping.
type Attribute struct {
	Name        string
	DataType    types.DataType
	Format      types.DataFormat
	Writable    bool
	MaxDimX     int
	MaxDimY     int
	Description string
	Label       string
	Unit        string
	Read        ReadFunc
	Write       WriteFunc
	Fwd         *FwdRoot

	mem *memory

	mu         sync.Mutex
	props      EventProperties
	change     PushFlags
	archive    PushFlags
	alarm      PushFlags
	dataReady  bool
	polled     bool
	pollPeriod time.Duration
	transports Transports
	subs       map[string]map[int]time.Time
	state      EventState
}

// NewAttribute creates an attribute read through read.
func NewAttribute(name string, dt types.DataType, format types.DataFormat, read ReadFunc) *Attribute {
	return &Attribute{
		Name:     name,
		DataType: dt,
		Format:   format,
		Read:     read,
		MaxDimX:  1,
		props:    DefaultEventProperties(),
		subs:     make(map[string]map[int]time.Time),
	}
}

// IsForwarded reports whether the attribute mirrors a root attribute.
func (a *Attribute) IsForwarded() bool { return a.Fwd != nil }

// Properties returns the event configuration.
func (a *Attribute) Properties() EventProperties {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.props
}

// SetProperties replaces the event configuration.
func (a *Attribute) SetProperties(p EventProperties) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.props = p
}

// SetChangeEvent declares that the device pushes change events.
func (a *Attribute) SetChangeEvent(implemented, detect bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.change = PushFlags{Implemented: implemented, Detect: detect}
}

// ChangeEvent returns the change push flags.
func (a *Attribute) ChangeEvent() PushFlags {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.change
}

// SetArchiveEvent declares that the device pushes archive events.
func (a *Attribute) SetArchiveEvent(implemented, detect bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archive = PushFlags{Implemented: implemented, Detect: detect}
}

// ArchiveEvent returns the archive push flags.
func (a *Attribute) ArchiveEvent() PushFlags {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.archive
}

// SetAlarmEvent declares that the device pushes alarm events.
func (a *Attribute) SetAlarmEvent(implemented, detect bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alarm = PushFlags{Implemented: implemented, Detect: detect}
}

// AlarmEvent returns the alarm push flags.
func (a *Attribute) AlarmEvent() PushFlags {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alarm
}

// SetDataReadyEvent enables data_ready events.
func (a *Attribute) SetDataReadyEvent(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dataReady = enabled
}

// DataReadyEvent reports whether data_ready events are enabled.
func (a *Attribute) DataReadyEvent() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dataReady
}

// SetPolled records the polling state.
func (a *Attribute) SetPolled(polled bool, period time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.polled, a.pollPeriod = polled, period
}

// Polled returns the polling state and period.
func (a *Attribute) Polled() (bool, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.polled, a.pollPeriod
}

// UseTransport marks the attribute as subscribed through t.
func (a *Attribute) UseTransport(t types.ChannelType) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch t {
	case types.Zmq:
		a.transports.Zmq = true
	case types.Notifd:
		a.transports.Notifd = true
	}
}

// Transports returns the transports in use.
func (a *Attribute) Transports() Transports {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transports
}

// RecordSubscription notes that a client of release clientLib (re)subscribed
// to event at now.
func (a *Attribute) RecordSubscription(event string, clientLib int, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	libs, ok := a.subs[event]
	if !ok {
		libs = make(map[int]time.Time)
		a.subs[event] = libs
	}
	libs[clientLib] = now
}

// ClientLibs returns the client releases subscribed to event, sorted. Those
// that did not confirm their subscription within resubscribe are dropped.
func (a *Attribute) ClientLibs(event string, now time.Time, resubscribe time.Duration) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	libs := a.subs[event]
	out := make([]int, 0, len(libs))
	for lib, at := range libs {
		if resubscribe > 0 && now.Sub(at) >= resubscribe {
			delete(libs, lib)
			continue
		}
		out = append(out, lib)
	}
	sort.Ints(out)
	return out
}

// LastSubscription returns the most recent subscription time for event.
func (a *Attribute) LastSubscription(event string) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	var last time.Time
	for _, at := range a.subs[event] {
		if at.After(last) {
			last = at
		}
	}
	return last
}

// WithEventState runs fn with exclusive access to the detection state.
func (a *Attribute) WithEventState(fn func(st *EventState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.state)
}

// Config returns the attribute configuration as sent in attr_conf events.
func (a *Attribute) Config(idl int) types.AttributeConfig {
	p := a.Properties()
	cfg := types.AttributeConfig{
		Name:             a.Name,
		DataType:         a.DataType,
		DataFormat:       a.Format,
		Writable:         a.Writable,
		MaxDimX:          a.MaxDimX,
		MaxDimY:          a.MaxDimY,
		Description:      a.Description,
		Label:            a.Label,
		Unit:             a.Unit,
		AbsChange:        p.AbsChange.String(),
		RelChange:        p.RelChange.String(),
		ArchiveAbsChange: p.ArchiveAbsChange.String(),
		ArchiveRelChange: p.ArchiveRelChange.String(),
		ArchivePeriod:    notSpecified,
		EventPeriod:      formatMillis(p.EventPeriod),
		IDL:              idl,
	}
	if p.ArchivePeriod > 0 {
		cfg.ArchivePeriod = formatMillis(p.ArchivePeriod)
	}
	if cfg.Label == "" {
		cfg.Label = a.Name
	}
	return cfg
}

func formatMillis(d time.Duration) string {
	return strconv.Itoa(int(d / time.Millisecond))
}
