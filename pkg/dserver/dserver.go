package dserver

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/tango/pkg/api"
	"github.com/cuemby/tango/pkg/database"
	"github.com/cuemby/tango/pkg/device"
	"github.com/cuemby/tango/pkg/event"
	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/metrics"
	"github.com/cuemby/tango/pkg/polling"
	"github.com/cuemby/tango/pkg/pollring"
	"github.com/cuemby/tango/pkg/transport/zmq"
	"github.com/cuemby/tango/pkg/types"
	"github.com/rs/zerolog"
)

// AdminClass and AdminIDL describe the admin device itself.
const (
	AdminClass = "DServer"
	AdminIDL   = 6
)

// Admin commands besides the event ones declared by the event package.
const (
	CmdQueryEventSystem    = "QueryEventSystem"
	CmdAddObjPolling       = "AddObjPolling"
	CmdRemObjPolling       = "RemObjPolling"
	CmdUpdObjPollingPeriod = "UpdObjPollingPeriod"
	CmdPolledDevice        = "PolledDevice"
	CmdDevPollStatus       = "DevPollStatus"
	CmdStartPolling        = "StartPolling"
	CmdStopPolling         = "StopPolling"
	CmdQueryDevice         = "QueryDevice"
)

// Config describes the device server process.
type Config struct {
	// Server is "Executable/instance".
	Server string
	// Host is reported in device info.
	Host string
	// SubHWM is advertised to ZMQ clients as their receive queue bound.
	SubHWM int
	// McastRate (kbit/s) and McastIvl are the multicast defaults used when
	// an mcast_event entry does not set them.
	McastRate int
	McastIvl  time.Duration
}

// ZmqPublisher is the ZMQ side of the supplier as seen by the admin device.
type ZmqPublisher interface {
	event.Publisher
	Endpoints() (heartbeat, ev string)
	AlternateEndpoints() []string
	EnableMulticast(topic, endpoint string, rateKbit int, ivl time.Duration) (string, error)
}

// NotifdPublisher is the notifd side of the supplier as seen by the admin
// device.
type NotifdPublisher interface {
	event.Publisher
	ChannelIOR() (string, error)
}

// Option configures a DServer.
type Option func(*DServer)

// WithZmq enables ZmqEventSubscriptionChange.
func WithZmq(p ZmqPublisher) Option {
	return func(d *DServer) { d.zmq = p }
}

// WithNotifd enables EventSubscriptionChange.
func WithNotifd(p NotifdPublisher) Option {
	return func(d *DServer) { d.notifd = p }
}

// WithDatabase stores polling changes in the polled_attr property.
func WithDatabase(db database.Database) Option {
	return func(d *DServer) { d.db = db }
}

// WithRootRegistry enables events on forwarded attributes.
func WithRootRegistry(r *RootAttRegistry) Option {
	return func(d *DServer) { d.roots = r }
}

// DServer is the admin device of a device server process. It routes device
// calls to the served devices and answers the admin commands.
type DServer struct {
	cfg      Config
	admin    *device.Device
	supplier *event.Supplier
	poller   *polling.Poller
	zmq      ZmqPublisher
	notifd   NotifdPublisher
	db       database.Database
	roots    *RootAttRegistry

	mu      sync.RWMutex
	devices map[string]*device.Device
	order   []string

	closing atomic.Bool
	now     func() time.Time
	logger  zerolog.Logger
}

// New creates the admin device of cfg.Server. Publishers passed as options
// are added to supplier when it does not already have one of their kind.
func New(cfg Config, supplier *event.Supplier, poller *polling.Poller, opts ...Option) *DServer {
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	if cfg.SubHWM <= 0 {
		cfg.SubHWM = zmq.DefaultHWM
	}
	if cfg.McastRate <= 0 {
		cfg.McastRate = zmq.DefaultMcastRate
	}
	if cfg.McastIvl <= 0 {
		cfg.McastIvl = zmq.DefaultMcastIvl * time.Second
	}
	d := &DServer{
		cfg:      cfg,
		supplier: supplier,
		poller:   poller,
		devices:  make(map[string]*device.Device),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.admin = device.New(device.AdmName(cfg.Server), AdminClass, cfg.Server, AdminIDL)
	d.logger = log.WithDevice("dserver", d.admin.Name())
	if d.zmq != nil && supplier.Publisher(types.Zmq) == nil {
		supplier.AddPublisher(d.zmq)
	}
	if d.notifd != nil && supplier.Publisher(types.Notifd) == nil {
		supplier.AddPublisher(d.notifd)
	}
	d.addCommands()
	d.register(d.admin)
	return d
}

// Name returns the admin device name.
func (d *DServer) Name() string { return d.admin.Name() }

// Admin returns the admin device.
func (d *DServer) Admin() *device.Device { return d.admin }

// Supplier returns the event supplier.
func (d *DServer) Supplier() *event.Supplier { return d.supplier }

// Poller returns the polling thread.
func (d *DServer) Poller() *polling.Poller { return d.poller }

func (d *DServer) register(dev *device.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.devices[dev.Name()]; !ok {
		d.order = append(d.order, dev.Name())
	}
	d.devices[dev.Name()] = dev
}

// AddDevice serves dev. With a database, the event properties of its
// attributes are loaded and the objects listed in polled_attr are polled.
func (d *DServer) AddDevice(ctx context.Context, dev *device.Device) error {
	if _, err := d.Device(dev.Name()); err == nil {
		return types.Throw(types.ReasonInvalidArgs,
			fmt.Sprintf("device %s already served", dev.Name()), "DServer.AddDevice")
	}
	if d.db != nil {
		periods, err := dev.ApplyProperties(ctx, d.db)
		if err != nil {
			return fmt.Errorf("failed to configure %s: %w", dev.Name(), err)
		}
		names := make([]string, 0, len(periods))
		for name := range periods {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := d.poller.Add(dev, polling.Attribute, name, periods[name]); err != nil {
				d.logger.Warn().Err(err).Str("device", dev.Name()).Str("attribute", name).
					Msg("Failed to start configured polling")
			}
		}
	}
	d.register(dev)
	d.logger.Info().Str("device", dev.Name()).Str("class", dev.Class()).Msg("Device added")
	return nil
}

// Device returns a served device, the admin device included. Fully
// qualified names are accepted.
func (d *DServer) Device(name string) (*device.Device, error) {
	_, bare := event.SplitPrefix(name)
	bare = strings.ToLower(strings.TrimSuffix(bare, "#dbase=no"))
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.devices[bare]
	if !ok {
		return nil, types.Throw(types.ReasonDeviceNotFound,
			fmt.Sprintf("device %s not served by %s", name, d.admin.Name()), "DServer.Device")
	}
	return dev, nil
}

// Devices returns the served devices in registration order, admin first.
func (d *DServer) Devices() []*device.Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*device.Device, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.devices[name])
	}
	return out
}

// CommandInout implements api.Backend.
func (d *DServer) CommandInout(ctx context.Context, name, command string, argin *types.CommandData) (*types.CommandData, error) {
	dev, err := d.Device(name)
	if err != nil {
		return nil, err
	}
	return dev.CommandInout(ctx, command, argin)
}

// ReadAttribute implements api.Backend.
func (d *DServer) ReadAttribute(ctx context.Context, name, attr string) (*types.AttributeValue, error) {
	dev, err := d.Device(name)
	if err != nil {
		return nil, err
	}
	return dev.ReadAttribute(ctx, attr)
}

// WriteAttribute implements api.Backend.
func (d *DServer) WriteAttribute(ctx context.Context, name, attr string, v *types.AttributeValue) error {
	dev, err := d.Device(name)
	if err != nil {
		return err
	}
	return dev.WriteAttribute(ctx, attr, v)
}

// AttributeHistory implements api.Backend from the polling ring.
func (d *DServer) AttributeHistory(_ context.Context, name, attr string, n int) (*pollring.AttrHistory, error) {
	dev, err := d.Device(name)
	if err != nil {
		return nil, err
	}
	return d.poller.AttributeHistory(dev.Name(), attr, n)
}

// CommandHistory implements api.Backend from the polling ring.
func (d *DServer) CommandHistory(_ context.Context, name, command string, n int) ([]pollring.CmdHistoryEntry, error) {
	dev, err := d.Device(name)
	if err != nil {
		return nil, err
	}
	return d.poller.CommandHistory(dev.Name(), command, n)
}

// Info implements api.Backend.
func (d *DServer) Info(_ context.Context, name string) (*api.DeviceInfo, error) {
	dev, err := d.Device(name)
	if err != nil {
		return nil, err
	}
	return &api.DeviceInfo{
		Name:    dev.Name(),
		Class:   dev.Class(),
		Server:  d.cfg.Server,
		Host:    d.cfg.Host,
		IDL:     dev.IDL(),
		AdmName: d.admin.Name(),
	}, nil
}

var _ api.Backend = (*DServer)(nil)

// markSubscribed records the first subscription of the process, which
// starts the heartbeat job.
func (d *DServer) markSubscribed() {
	if d.supplier.HasSubscription() {
		return
	}
	d.supplier.SubscriptionReceived()
	d.poller.StartHeartbeat(d.supplier)
	metrics.Default().Update(metrics.ComponentEvents, true, "first subscription received")
	d.logger.Info().Msg("First event subscription, heartbeat started")
}

// Shutdown refuses new subscriptions, pushes the device stopped interface
// events and releases root subscriptions. Publishers are closed by the
// supplier owner.
func (d *DServer) Shutdown() {
	if !d.closing.CompareAndSwap(false, true) {
		return
	}
	for _, dev := range d.Devices() {
		if dev == d.admin {
			continue
		}
		if err := d.supplier.PushIntrChangeEvent(dev, false); err != nil {
			d.logger.Debug().Err(err).Str("device", dev.Name()).Msg("Failed to push interface change")
		}
	}
	if d.roots != nil {
		d.roots.Close()
	}
	d.logger.Info().Msg("Device server shutting down")
}

func (d *DServer) shuttingDown(origin string) error {
	if d.closing.Load() {
		return types.Throw(types.ReasonShutdownInProgress,
			"the device server is shutting down, you can no longer subscribe for events", origin)
	}
	return nil
}

// addCommands registers the admin commands on the admin device.
func (d *DServer) addCommands() {
	cmds := []*device.Command{
		{Name: event.CmdEventSubscriptionChange, In: types.DevString, Out: types.DevLong, Exec: d.eventSubscriptionChange},
		{Name: event.CmdZmqEventSubscriptionChange, In: types.DevString, Out: types.DevLong, Exec: d.zmqEventSubscriptionChange},
		{Name: event.CmdEventConfirmSubscription, In: types.DevString, Out: types.DevVoid, Exec: d.eventConfirmSubscription},
		{Name: event.CmdQueryEventChannelIOR, In: types.DevVoid, Out: types.DevString, Exec: d.queryEventChannelIOR},
		{Name: CmdQueryEventSystem, In: types.DevVoid, Out: types.DevString, Exec: d.queryEventSystem},
		{Name: CmdAddObjPolling, In: types.DevLong, Out: types.DevVoid, Exec: d.addObjPolling},
		{Name: CmdRemObjPolling, In: types.DevString, Out: types.DevVoid, Exec: d.remObjPolling},
		{Name: CmdUpdObjPollingPeriod, In: types.DevLong, Out: types.DevVoid, Exec: d.updObjPollingPeriod},
		{Name: CmdPolledDevice, In: types.DevVoid, Out: types.DevString, Exec: d.polledDevice},
		{Name: CmdDevPollStatus, In: types.DevString, Out: types.DevString, Exec: d.devPollStatus},
		{Name: CmdStartPolling, In: types.DevVoid, Out: types.DevVoid, Exec: d.startPolling},
		{Name: CmdStopPolling, In: types.DevVoid, Out: types.DevVoid, Exec: d.stopPolling},
		{Name: CmdQueryDevice, In: types.DevVoid, Out: types.DevString, Exec: d.queryDevice},
	}
	for _, c := range cmds {
		if err := d.admin.AddCommand(c); err != nil {
			d.logger.Error().Err(err).Str("command", c.Name).Msg("Failed to register admin command")
		}
	}
	if d.zmq == nil {
		d.disable(event.CmdZmqEventSubscriptionChange)
		d.disable(event.CmdEventConfirmSubscription)
	}
	if d.notifd == nil {
		d.disable(event.CmdEventSubscriptionChange)
		d.disable(event.CmdQueryEventChannelIOR)
	}
}

// disable makes a registered command answer API_CommandNotFound so that
// clients fall back to the other transport.
func (d *DServer) disable(name string) {
	c, err := d.admin.Command(name)
	if err != nil {
		return
	}
	c.Exec = func(context.Context, *types.CommandData) (*types.CommandData, error) {
		return nil, types.Throw(types.ReasonCommandNotFound,
			fmt.Sprintf("command %s not found, transport not enabled", name), "DServer."+name)
	}
}

func (d *DServer) queryDevice(context.Context, *types.CommandData) (*types.CommandData, error) {
	var out []string
	for _, dev := range d.Devices() {
		if dev == d.admin {
			continue
		}
		out = append(out, dev.Class()+"::"+dev.Name())
	}
	return types.StringsData(out...), nil
}
