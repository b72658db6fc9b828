package event

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/tango/pkg/device"
	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/metrics"
	"github.com/cuemby/tango/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultHeartbeatThreshold is the minimal interval between two heartbeats
// of one server.
const DefaultHeartbeatThreshold = 8 * time.Second

// SupplierConfig tunes a Supplier. Zero durations select the defaults.
type SupplierConfig struct {
	// Prefix is the "tango://host:port/" of the server database.
	Prefix string
	// AdmName is the admin device name, "dserver/<server>".
	AdmName            string
	HeartbeatThreshold time.Duration
	ResubscribePeriod  time.Duration
	// AutoAlarmOnChange raises an alarm event with every change event.
	AutoAlarmOnChange bool
}

// Supplier detects and pushes the events of one device server.
type Supplier struct {
	cfg SupplierConfig

	mu              sync.Mutex
	publishers      []Publisher
	lastHeartbeat   time.Time
	heartbeatCtr    int
	oneSubscription bool

	// pushMu serialises pushes across every publisher.
	pushMu sync.Mutex

	now    func() time.Time
	logger zerolog.Logger
}

// NewSupplier creates a supplier sending through pubs.
func NewSupplier(cfg SupplierConfig, pubs ...Publisher) *Supplier {
	if cfg.HeartbeatThreshold <= 0 {
		cfg.HeartbeatThreshold = DefaultHeartbeatThreshold
	}
	if cfg.ResubscribePeriod <= 0 {
		cfg.ResubscribePeriod = DefaultResubscribePeriod
	}
	cfg.AdmName = strings.ToLower(cfg.AdmName)
	return &Supplier{
		cfg:        cfg,
		publishers: pubs,
		now:        time.Now,
		logger:     log.WithDevice("event-supplier", cfg.AdmName),
	}
}

// Config returns the supplier configuration.
func (s *Supplier) Config() SupplierConfig { return s.cfg }

// AddPublisher registers another transport.
func (s *Supplier) AddPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishers = append(s.publishers, p)
}

// Publisher returns the publisher of a transport, nil if none.
func (s *Supplier) Publisher(t types.ChannelType) Publisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.publishers {
		if p.Type() == t {
			return p
		}
	}
	return nil
}

func (s *Supplier) snapshot() []Publisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Publisher(nil), s.publishers...)
}

// SubscriptionReceived records that a client subscribed; heartbeats are
// only sent from then on.
func (s *Supplier) SubscriptionReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oneSubscription = true
}

// HasSubscription reports whether a client ever subscribed.
func (s *Supplier) HasSubscription() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oneSubscription
}

// SetLastHeartbeat overrides the time of the last heartbeat.
func (s *Supplier) SetLastHeartbeat(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = t
}

// PushHeartbeat sends a heartbeat when the previous one is older than the
// heartbeat threshold. It reports whether a heartbeat was sent.
func (s *Supplier) PushHeartbeat(now time.Time) bool {
	s.mu.Lock()
	if !s.oneSubscription || now.Sub(s.lastHeartbeat) < s.cfg.HeartbeatThreshold {
		s.mu.Unlock()
		return false
	}
	ctr := s.heartbeatCtr
	s.heartbeatCtr++
	s.lastHeartbeat = now
	pubs := append([]Publisher(nil), s.publishers...)
	s.mu.Unlock()

	msg := NewHeartbeat(s.cfg.Prefix, s.cfg.AdmName, ctr)
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	for _, p := range pubs {
		if err := p.PushHeartbeat(msg); err != nil {
			metrics.EventPushFailures.WithLabelValues(p.Type().String()).Inc()
			s.logger.Warn().Err(err).Str("transport", p.Type().String()).Msg("Failed to push heartbeat")
			s.reconnect(p)
			continue
		}
		metrics.HeartbeatsPushed.WithLabelValues(p.Type().String()).Inc()
	}
	return true
}

func (s *Supplier) reconnect(p Publisher) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	metrics.SupplierReconnects.WithLabelValues(p.Type().String()).Inc()
	if err := p.Reconnect(ctx); err != nil {
		s.logger.Error().Err(err).Str("transport", p.Type().String()).Msg("Failed to reconnect event publisher")
	}
}

func usesTransport(tr device.Transports, t types.ChannelType) bool {
	switch t {
	case types.Zmq:
		return tr.Zmq
	case types.Notifd:
		return tr.Notifd
	}
	return false
}

// publish sends msg through every publisher, or only through those the
// attribute was subscribed with when scoped.
func (s *Supplier) publish(msg *Message, tr device.Transports, scoped bool) error {
	pubs := s.snapshot()
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	var firstErr error
	for _, p := range pubs {
		if scoped && !usesTransport(tr, p.Type()) {
			continue
		}
		if err := p.PushEvent(msg); err != nil {
			if types.IsReason(err, types.ReasonNotSupported) {
				s.logger.Debug().Str("event", msg.Key()).Str("transport", p.Type().String()).
					Msg("Event not supported by transport")
				continue
			}
			metrics.EventPushFailures.WithLabelValues(p.Type().String()).Inc()
			s.logger.Warn().Err(err).Str("event", msg.Key()).Str("transport", p.Type().String()).
				Msg("Failed to push event")
			s.reconnect(p)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.EventsPushed.WithLabelValues(RemoveIDLPrefix(msg.Event), p.Type().String()).Inc()
	}
	return firstErr
}

// payloadIDL is the interface release used for a client of release lib.
func payloadIDL(lib, devIDL int) int {
	if lib < 5 {
		return MinClientRelease
	}
	if devIDL < lib {
		return devIDL
	}
	return lib
}

func attrDomain(dev *device.Device, attr *device.Attribute) string {
	return dev.Name() + "/" + strings.ToLower(attr.Name)
}

// pushAttr sends one attribute event to every subscribed client release.
func (s *Supplier) pushAttr(dev *device.Device, attr *device.Attribute, event string, libs []int,
	filterable map[string]float64, v *types.AttributeValue, err *types.DevFailed) error {
	var firstErr error
	for _, lib := range libs {
		if !ReceivesEvent(event, lib) {
			continue
		}
		msg := &Message{
			Prefix:     s.cfg.Prefix,
			Domain:     attrDomain(dev, attr),
			Event:      WireName(event, lib),
			Filterable: filterable,
		}
		if err != nil {
			msg.Err = err.Clone()
		} else if v != nil {
			av := v.Clone()
			av.IDL = payloadIDL(lib, dev.IDL())
			msg.AttrValue = av
		}
		if pErr := s.publish(msg, attr.Transports(), true); pErr != nil && firstErr == nil {
			firstErr = pErr
		}
	}
	return firstErr
}

// DetectAndPushEvents runs change, alarm, archive and periodic detection on
// a polled read of attr (v, or err when the read failed).
func (s *Supplier) DetectAndPushEvents(dev *device.Device, attr *device.Attribute, v *types.AttributeValue, err error, now time.Time) {
	df := types.AsDevFailed(err)
	resub := s.cfg.ResubscribePeriod

	alarmSent := false
	if libs := attr.ClientLibs(AlarmEvent, now, resub); len(libs) > 0 && !attr.AlarmEvent().Implemented {
		alarmSent = s.detectAndPushAlarm(dev, attr, v, df, libs)
	}
	if libs := attr.ClientLibs(ChangeEvent, now, resub); len(libs) > 0 && !attr.ChangeEvent().Implemented {
		if s.detectAndPushChange(dev, attr, v, df, libs) && !alarmSent {
			s.autoAlarm(dev, attr, v, df, now)
		}
	}
	if libs := attr.ClientLibs(ArchiveEvent, now, resub); len(libs) > 0 && !attr.ArchiveEvent().Implemented {
		s.detectAndPushArchive(dev, attr, v, df, libs, now)
	}
	if libs := attr.ClientLibs(PeriodicEvent, now, resub); len(libs) > 0 {
		s.detectAndPushPeriodic(dev, attr, v, df, libs, now)
	}
}

func (s *Supplier) detectAndPushChange(dev *device.Device, attr *device.Attribute, v *types.AttributeValue, df *types.DevFailed, libs []int) bool {
	props := attr.Properties()
	var d detection
	attr.WithEventState(func(st *device.EventState) {
		if !st.Change.Inited {
			d.changed = true
		} else {
			d = detectChange(&st.Change, v, df, props.AbsChange, props.RelChange)
		}
		if d.changed {
			st.Change.Store(v, df)
		}
	})
	if !d.changed {
		return false
	}
	_ = s.pushAttr(dev, attr, ChangeEvent, libs, d.filterable(), v, df)
	return true
}

func (s *Supplier) autoAlarm(dev *device.Device, attr *device.Attribute, v *types.AttributeValue, df *types.DevFailed, now time.Time) {
	if !s.cfg.AutoAlarmOnChange {
		return
	}
	libs := attr.ClientLibs(AlarmEvent, now, s.cfg.ResubscribePeriod)
	if len(libs) == 0 {
		return
	}
	attr.WithEventState(func(st *device.EventState) { st.Alarm.Store(v, df) })
	_ = s.pushAttr(dev, attr, AlarmEvent, libs, detection{}.filterable(), v, df)
}

func (s *Supplier) detectAndPushAlarm(dev *device.Device, attr *device.Attribute, v *types.AttributeValue, df *types.DevFailed, libs []int) bool {
	fire := false
	attr.WithEventState(func(st *device.EventState) {
		fire = detectAlarm(&st.Alarm, v, df)
		if fire {
			st.Alarm.Store(v, df)
		}
	})
	if !fire {
		return false
	}
	_ = s.pushAttr(dev, attr, AlarmEvent, libs, detection{forced: df != nil}.filterable(), v, df)
	return true
}

func (s *Supplier) detectAndPushArchive(dev *device.Device, attr *device.Attribute, v *types.AttributeValue, df *types.DevFailed, libs []int, now time.Time) bool {
	props := attr.Properties()
	var (
		d          detection
		deltaEvent time.Duration
	)
	attr.WithEventState(func(st *device.EventState) {
		if !st.Archive.Inited {
			d.changed = true
			st.LastArchivePeriodic = now
		} else {
			d = detectChange(&st.Archive, v, df, props.ArchiveAbsChange, props.ArchiveRelChange)
			if props.ArchivePeriod > 0 && now.Sub(st.LastArchivePeriodic) >= minimalPeriod(props.ArchivePeriod) {
				d.changed = true
				st.LastArchivePeriodic = now
			}
		}
		if d.changed {
			if !st.LastArchive.IsZero() {
				deltaEvent = now.Sub(st.LastArchive)
			}
			st.LastArchive = now
			st.Archive.Store(v, df)
		}
	})
	if !d.changed {
		return false
	}
	f := d.filterable()
	f["delta_event"] = float64(deltaEvent / time.Millisecond)
	_ = s.pushAttr(dev, attr, ArchiveEvent, libs, f, v, df)
	return true
}

func (s *Supplier) detectAndPushPeriodic(dev *device.Device, attr *device.Attribute, v *types.AttributeValue, df *types.DevFailed, libs []int, now time.Time) bool {
	period := attr.Properties().EventPeriod
	if period <= 0 {
		period = device.DefaultEventPeriod
	}
	fire, ctr := false, 0
	attr.WithEventState(func(st *device.EventState) {
		if st.LastPeriodic.IsZero() || now.Sub(st.LastPeriodic) >= minimalPeriod(period) {
			fire = true
			st.PeriodicCtr++
			ctr = st.PeriodicCtr
			st.LastPeriodic = now
		}
	})
	if !fire {
		return false
	}
	_ = s.pushAttr(dev, attr, PeriodicEvent, libs, map[string]float64{"counter": float64(ctr)}, v, df)
	return true
}

func (s *Supplier) lookup(dev *device.Device, name string) (*device.Attribute, error) {
	attr, err := dev.Attr(name)
	if err != nil {
		return nil, err
	}
	return attr, nil
}

// manualPush pushes a value the device code produced itself, through
// detection when the flags ask for it.
func (s *Supplier) manualPush(dev *device.Device, attrName, event string, v *types.AttributeValue, err error,
	flags func(*device.Attribute) device.PushFlags, detect func(*device.Attribute, []int) bool,
	store func(*device.EventState, *types.DevFailed)) error {
	attr, lErr := s.lookup(dev, attrName)
	if lErr != nil {
		return lErr
	}
	libs := attr.ClientLibs(event, s.now(), s.cfg.ResubscribePeriod)
	if len(libs) == 0 {
		return nil
	}
	if flags(attr).Detect {
		detect(attr, libs)
		return nil
	}
	df := types.AsDevFailed(err)
	attr.WithEventState(func(st *device.EventState) { store(st, df) })
	return s.pushAttr(dev, attr, event, libs, detection{forced: true}.filterable(), v, df)
}

// PushChangeEvent pushes a change event from device code.
func (s *Supplier) PushChangeEvent(dev *device.Device, attrName string, v *types.AttributeValue, err error) error {
	df := types.AsDevFailed(err)
	return s.manualPush(dev, attrName, ChangeEvent, v, err,
		(*device.Attribute).ChangeEvent,
		func(a *device.Attribute, libs []int) bool { return s.detectAndPushChange(dev, a, v, df, libs) },
		func(st *device.EventState, df *types.DevFailed) { st.Change.Store(v, df) })
}

// PushArchiveEvent pushes an archive event from device code.
func (s *Supplier) PushArchiveEvent(dev *device.Device, attrName string, v *types.AttributeValue, err error) error {
	df := types.AsDevFailed(err)
	return s.manualPush(dev, attrName, ArchiveEvent, v, err,
		(*device.Attribute).ArchiveEvent,
		func(a *device.Attribute, libs []int) bool {
			return s.detectAndPushArchive(dev, a, v, df, libs, s.now())
		},
		func(st *device.EventState, df *types.DevFailed) { st.Archive.Store(v, df) })
}

// PushAlarmEvent pushes an alarm event from device code.
func (s *Supplier) PushAlarmEvent(dev *device.Device, attrName string, v *types.AttributeValue, err error) error {
	df := types.AsDevFailed(err)
	return s.manualPush(dev, attrName, AlarmEvent, v, err,
		(*device.Attribute).AlarmEvent,
		func(a *device.Attribute, libs []int) bool { return s.detectAndPushAlarm(dev, a, v, df, libs) },
		func(st *device.EventState, df *types.DevFailed) { st.Alarm.Store(v, df) })
}

// PushUserEvent pushes a user event with caller supplied filterable data.
func (s *Supplier) PushUserEvent(dev *device.Device, attrName string, names []string, values []float64,
	v *types.AttributeValue, err error) error {
	if len(names) != len(values) {
		return types.Throw(types.ReasonInvalidArgs,
			fmt.Sprintf("%d filterable names for %d values", len(names), len(values)), "Supplier.PushUserEvent")
	}
	attr, lErr := s.lookup(dev, attrName)
	if lErr != nil {
		return lErr
	}
	libs := attr.ClientLibs(UserEvent, s.now(), s.cfg.ResubscribePeriod)
	if len(libs) == 0 {
		return nil
	}
	f := make(map[string]float64, len(names))
	for i, n := range names {
		f[n] = values[i]
	}
	return s.pushAttr(dev, attr, UserEvent, libs, f, v, types.AsDevFailed(err))
}

// PushDataReadyEvent signals that new data is available for attrName.
func (s *Supplier) PushDataReadyEvent(dev *device.Device, attrName string, ctr int) error {
	attr, err := s.lookup(dev, attrName)
	if err != nil {
		return err
	}
	if !attr.DataReadyEvent() {
		return types.Throw(types.ReasonAttributeNotDataReady,
			fmt.Sprintf("attribute %s is not data ready event enabled", attr.Name), "Supplier.PushDataReadyEvent")
	}
	attr.WithEventState(func(st *device.EventState) { st.DataReadyCtr = ctr })
	libs := attr.ClientLibs(DataReadyEvent, s.now(), s.cfg.ResubscribePeriod)
	if len(libs) == 0 {
		return nil
	}
	msg := &Message{
		Prefix:    s.cfg.Prefix,
		Domain:    attrDomain(dev, attr),
		Event:     DataReadyEvent,
		DataReady: &types.DataReady{Name: attr.Name, DataType: attr.DataType, Ctr: ctr},
	}
	return s.publish(msg, attr.Transports(), true)
}

// PushAttrConfEvent sends the current configuration of attrName.
func (s *Supplier) PushAttrConfEvent(dev *device.Device, attrName string) error {
	attr, err := s.lookup(dev, attrName)
	if err != nil {
		return err
	}
	var firstErr error
	for _, lib := range attr.ClientLibs(AttrConfEvent, s.now(), s.cfg.ResubscribePeriod) {
		conf := attr.Config(payloadIDL(lib, dev.IDL()))
		msg := &Message{
			Prefix:   s.cfg.Prefix,
			Domain:   attrDomain(dev, attr),
			Event:    WireName(AttrConfEvent, lib),
			AttrConf: &conf,
		}
		if pErr := s.publish(msg, attr.Transports(), true); pErr != nil && firstErr == nil {
			firstErr = pErr
		}
	}
	return firstErr
}

// PushIntrChangeEvent sends the device interface.
func (s *Supplier) PushIntrChangeEvent(dev *device.Device, started bool) error {
	ic := dev.InterfaceSnapshot(started)
	msg := &Message{
		Prefix:     s.cfg.Prefix,
		Domain:     dev.Name(),
		Event:      IntrChangeEvent,
		IntrChange: &ic,
	}
	return s.publish(msg, device.Transports{}, false)
}

// PushPipeEvent sends a pipe event.
func (s *Supplier) PushPipeEvent(dev *device.Device, pipeName string, data *types.PipeData, err error) error {
	if _, pErr := dev.Pipe(pipeName); pErr != nil {
		return pErr
	}
	msg := &Message{
		Prefix: s.cfg.Prefix,
		Domain: dev.Name() + "/" + strings.ToLower(pipeName),
		Event:  PipeEvent,
		Err:    types.AsDevFailed(err),
	}
	if msg.Err == nil && data != nil {
		p := clonePipe(data)
		msg.Pipe = &p
	}
	return s.publish(msg, device.Transports{}, false)
}

// Close closes every publisher.
func (s *Supplier) Close() error {
	var errs []string
	for _, p := range s.snapshot() {
		if err := p.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close event publishers: %s", strings.Join(errs, "; "))
	}
	return nil
}
