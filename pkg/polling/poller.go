package polling

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/tango/pkg/device"
	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/metrics"
	"github.com/cuemby/tango/pkg/pollring"
	"github.com/cuemby/tango/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultHeartbeatPeriod is the period of the heartbeat job.
const DefaultHeartbeatPeriod = 9 * time.Second

// MinPeriod is the shortest accepted polling period.
const MinPeriod = 20 * time.Millisecond

// Kind is the kind of a polled object.
type Kind int

const (
	Attribute Kind = iota
	Command
)

func (k Kind) String() string {
	if k == Command {
		return "command"
	}
	return "attribute"
}

// ParseKind parses "attribute" or "command".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "attribute", "attr":
		return Attribute, nil
	case "command", "cmd":
		return Command, nil
	}
	return 0, types.Throw(types.ReasonInvalidArgs,
		fmt.Sprintf("polled object type %q is neither attribute nor command", s), "polling.ParseKind")
}

// Detector receives every attribute read.
type Detector interface {
	DetectAndPushEvents(dev *device.Device, attr *device.Attribute, v *types.AttributeValue, err error, now time.Time)
}

// HeartbeatSource sends the server heartbeat when due.
type HeartbeatSource interface {
	PushHeartbeat(now time.Time) bool
}

// Object is one polled attribute or command.
type Object struct {
	Device *device.Device
	Kind   Kind
	Name   string
	Period time.Duration
	Ring   *pollring.Ring

	attr     *device.Attribute
	next     time.Time
	lastPoll time.Time
	lastTook time.Duration
}

type key struct {
	device string
	kind   Kind
	name   string
}

func keyOf(dev string, kind Kind, name string) key {
	return key{device: strings.ToLower(dev), kind: kind, name: strings.ToLower(name)}
}

// Config tunes a Poller.
type Config struct {
	// Depth is the ring depth of new objects.
	Depth           int
	HeartbeatPeriod time.Duration
	// ReadTimeout bounds one read.
	ReadTimeout time.Duration
}

// Poller is the polling thread of a device server. One goroutine reads
// every object when due, fills its ring and hands attribute reads to the
// detector.
type Poller struct {
	cfg      Config
	detector Detector
	logger   zerolog.Logger

	mu        sync.Mutex
	objects   map[key]*Object
	enabled   bool
	heartbeat HeartbeatSource
	hbNext    time.Time

	wake    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	now     func() time.Time
}

// New creates a poller. detector may be nil.
func New(cfg Config, detector Detector) *Poller {
	if cfg.Depth <= 0 {
		cfg.Depth = pollring.DefaultDepth
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	return &Poller{
		cfg:      cfg,
		detector: detector,
		logger:   log.WithComponent("polling"),
		objects:  make(map[key]*Object),
		enabled:  true,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the polling loop
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	go p.run()
	metrics.Default().Update(metrics.ComponentPolling, true, "running")
}

// Stop stops the polling loop and waits for the current cycle.
func (p *Poller) Stop() {
	p.mu.Lock()
	started := p.started
	p.started = false
	p.mu.Unlock()
	if !started {
		return
	}
	close(p.stopCh)
	<-p.doneCh
	metrics.Default().Update(metrics.ComponentPolling, false, "stopped")
}

func (p *Poller) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// run is the main polling loop
func (p *Poller) run() {
	defer close(p.doneCh)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := p.RunDue(p.now())
		wait := time.Hour
		if !next.IsZero() {
			wait = max(time.Until(next), time.Millisecond)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-p.wake:
		case <-p.stopCh:
			return
		}
	}
}

// RunDue polls every object due at now, sends the heartbeat when due and
// returns the next due time, zero when nothing is scheduled.
func (p *Poller) RunDue(now time.Time) time.Time {
	p.mu.Lock()
	var due []*Object
	if p.enabled {
		for _, o := range p.objects {
			if !o.next.After(now) {
				due = append(due, o)
			}
		}
	}
	hb := p.heartbeat
	hbDue := hb != nil && !p.hbNext.After(now)
	if hbDue {
		p.hbNext = now.Add(p.cfg.HeartbeatPeriod)
	}
	p.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].next.Before(due[j].next) })
	for _, o := range due {
		p.poll(o, now)
	}
	if hbDue {
		hb.PushHeartbeat(now)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var next time.Time
	if p.enabled {
		for _, o := range p.objects {
			if next.IsZero() || o.next.Before(next) {
				next = o.next
			}
		}
	}
	if p.heartbeat != nil && (next.IsZero() || p.hbNext.Before(next)) {
		next = p.hbNext
	}
	return next
}

func (p *Poller) poll(o *Object, now time.Time) {
	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ReadTimeout)
	defer cancel()

	switch o.Kind {
	case Attribute:
		v, err := o.Device.ReadAttribute(ctx, o.Name)
		if err != nil {
			metrics.PollErrors.WithLabelValues(o.Kind.String()).Inc()
			_ = o.Ring.InsertError(types.AsDevFailed(err), now)
		} else {
			_ = o.Ring.InsertAttr(v, now)
		}
		if p.detector != nil {
			p.detector.DetectAndPushEvents(o.Device, o.attr, v, err, now)
		}
	case Command:
		out, err := o.Device.CommandInout(ctx, o.Name, types.VoidData())
		if err != nil {
			metrics.PollErrors.WithLabelValues(o.Kind.String()).Inc()
			_ = o.Ring.InsertError(types.AsDevFailed(err), now)
		} else {
			_ = o.Ring.InsertCmd(out, now)
		}
	}
	timer.ObserveDurationVec(metrics.PollDuration, o.Kind.String())

	p.mu.Lock()
	o.lastPoll = now
	o.lastTook = timer.Duration()
	o.next = now.Add(o.Period)
	p.mu.Unlock()
}

// Add polls name of dev every period.
func (p *Poller) Add(dev *device.Device, kind Kind, name string, period time.Duration) error {
	if period < MinPeriod {
		return types.Throw(types.ReasonInvalidArgs,
			fmt.Sprintf("polling period %s below %s", period, MinPeriod), "Poller.Add")
	}
	o := &Object{Device: dev, Kind: kind, Period: period, Ring: pollring.New(p.cfg.Depth)}
	switch kind {
	case Attribute:
		a, err := dev.Attr(name)
		if err != nil {
			return err
		}
		o.attr, o.Name = a, a.Name
	case Command:
		c, err := dev.Command(name)
		if err != nil {
			return err
		}
		if c.In != types.DevVoid {
			return types.Throw(types.ReasonInvalidArgs,
				fmt.Sprintf("command %s takes an argument and cannot be polled", c.Name), "Poller.Add")
		}
		o.Name = c.Name
	}

	k := keyOf(dev.Name(), kind, name)
	p.mu.Lock()
	if _, ok := p.objects[k]; ok {
		p.mu.Unlock()
		return types.Throw(types.ReasonAlreadyPolled,
			fmt.Sprintf("%s %s of %s is already polled", kind, name, dev.Name()), "Poller.Add")
	}
	o.next = p.now()
	p.objects[k] = o
	p.mu.Unlock()

	if o.attr != nil {
		o.attr.SetPolled(true, period)
	}
	metrics.PolledObjects.Inc()
	p.logger.Info().Str("device", dev.Name()).Str("object", o.Name).Str("kind", kind.String()).
		Dur("period", period).Msg("Object polled")
	p.signal()
	return nil
}

// Remove stops polling an object.
func (p *Poller) Remove(dev string, kind Kind, name string) error {
	p.mu.Lock()
	k := keyOf(dev, kind, name)
	o, ok := p.objects[k]
	if ok {
		delete(p.objects, k)
	}
	p.mu.Unlock()
	if !ok {
		return notPolled(dev, kind, name, "Poller.Remove")
	}
	if o.attr != nil {
		o.attr.SetPolled(false, 0)
	}
	metrics.PolledObjects.Dec()
	p.signal()
	return nil
}

// UpdatePeriod changes the period of a polled object.
func (p *Poller) UpdatePeriod(dev string, kind Kind, name string, period time.Duration) error {
	if period < MinPeriod {
		return types.Throw(types.ReasonInvalidArgs,
			fmt.Sprintf("polling period %s below %s", period, MinPeriod), "Poller.UpdatePeriod")
	}
	p.mu.Lock()
	o, ok := p.objects[keyOf(dev, kind, name)]
	if ok {
		o.Period = period
		o.next = p.now()
	}
	p.mu.Unlock()
	if !ok {
		return notPolled(dev, kind, name, "Poller.UpdatePeriod")
	}
	if o.attr != nil {
		o.attr.SetPolled(true, period)
	}
	p.signal()
	return nil
}

func notPolled(dev string, kind Kind, name, origin string) error {
	return types.Throw(types.ReasonPollObjNotFound,
		fmt.Sprintf("%s %s of %s is not polled", kind, name, dev), origin)
}

// Object returns a polled object.
func (p *Poller) Object(dev string, kind Kind, name string) (*Object, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.objects[keyOf(dev, kind, name)]
	if !ok {
		return nil, notPolled(dev, kind, name, "Poller.Object")
	}
	return o, nil
}

// Devices returns the names of the devices with polled objects.
func (p *Poller) Devices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for k := range p.objects {
		if !seen[k.device] {
			seen[k.device] = true
			out = append(out, k.device)
		}
	}
	sort.Strings(out)
	return out
}

// Status describes every polled object of dev, one string per object.
func (p *Poller) Status(dev string) []string {
	p.mu.Lock()
	var objs []*Object
	for k, o := range p.objects {
		if k.device == strings.ToLower(dev) {
			objs = append(objs, o)
		}
	}
	enabled := p.enabled
	p.mu.Unlock()

	sort.Slice(objs, func(i, j int) bool {
		if objs[i].Kind != objs[j].Kind {
			return objs[i].Kind < objs[j].Kind
		}
		return objs[i].Name < objs[j].Name
	})
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		var b strings.Builder
		fmt.Fprintf(&b, "Polled %s name = %s\n", o.Kind, o.Name)
		fmt.Fprintf(&b, "Polling period (mS) = %d\n", o.Period.Milliseconds())
		fmt.Fprintf(&b, "Polling ring buffer depth = %d", o.Ring.Depth())
		if !enabled {
			b.WriteString("\nPolling thread is stopped")
		}
		if last := o.Ring.LastInsertDate(); !last.IsZero() {
			fmt.Fprintf(&b, "\nTime needed for the last %s reading (mS) = %.3f", o.Kind, float64(o.lastTook.Microseconds())/1000)
			fmt.Fprintf(&b, "\nLast record = %s", last.Format(time.RFC3339Nano))
		}
		if df := o.Ring.LastError(); df != nil && o.Ring.IsLastAnError() {
			fmt.Fprintf(&b, "\nLast %s read FAILED: %s", o.Kind, df.Error())
		}
		out = append(out, b.String())
	}
	return out
}

// SetEnabled starts or stops reading objects. The heartbeat job keeps
// running.
func (p *Poller) SetEnabled(on bool) {
	p.mu.Lock()
	p.enabled = on
	if on {
		now := p.now()
		for _, o := range p.objects {
			o.next = now
		}
	}
	p.mu.Unlock()
	p.signal()
}

// Enabled reports whether objects are read.
func (p *Poller) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// StartHeartbeat schedules the heartbeat job. Later calls do nothing.
func (p *Poller) StartHeartbeat(src HeartbeatSource) {
	p.mu.Lock()
	if p.heartbeat != nil {
		p.mu.Unlock()
		return
	}
	p.heartbeat = src
	p.hbNext = p.now()
	p.mu.Unlock()
	p.logger.Debug().Dur("period", p.cfg.HeartbeatPeriod).Msg("Heartbeat job started")
	p.signal()
}

// HeartbeatStarted reports whether the heartbeat job runs.
func (p *Poller) HeartbeatStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heartbeat != nil
}

// AttributeHistory returns up to n entries of a polled attribute.
func (p *Poller) AttributeHistory(dev, attr string, n int) (*pollring.AttrHistory, error) {
	o, err := p.Object(dev, Attribute, attr)
	if err != nil {
		return nil, err
	}
	if l := o.Ring.Len(); n > l {
		n = l
	}
	return o.Ring.AttrHistory(n, o.attr.DataType)
}

// CommandHistory returns up to n entries of a polled command.
func (p *Poller) CommandHistory(dev, cmd string, n int) ([]pollring.CmdHistoryEntry, error) {
	o, err := p.Object(dev, Command, cmd)
	if err != nil {
		return nil, err
	}
	if l := o.Ring.Len(); n > l {
		n = l
	}
	return o.Ring.CmdHistory(n)
}
