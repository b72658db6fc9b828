package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/tango/pkg/api"
	"github.com/cuemby/tango/pkg/client"
	"github.com/cuemby/tango/pkg/config"
	"github.com/cuemby/tango/pkg/database"
	"github.com/cuemby/tango/pkg/device"
	"github.com/cuemby/tango/pkg/dserver"
	"github.com/cuemby/tango/pkg/event"
	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/metrics"
	"github.com/cuemby/tango/pkg/polling"
	"github.com/cuemby/tango/pkg/pollring"
	"github.com/cuemby/tango/pkg/storage"
	"github.com/cuemby/tango/pkg/transport/notifd"
	"github.com/cuemby/tango/pkg/transport/zmq"
	"github.com/cuemby/tango/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Disabled turns a transport off in Events.ZmqBind or Events.NotifdURL.
const Disabled = "none"

const stopTimeout = 5 * time.Second

// Runtime is a running device server: the admin device, the served
// devices, the polling thread and both event transports.
type Runtime struct {
	cfg  *config.Config
	host string
	addr string

	store    *storage.BoltStore
	db       database.Database
	router   *router
	factory  *client.Factory
	supplier *event.Supplier
	poller   *polling.Poller
	zmq      *zmq.Publisher
	notifd   *notifd.Supplier
	consumer *event.Consumer
	roots    *dserver.RootAttRegistry
	ds       *dserver.DServer
	api      *api.Server
	metrics  *metrics.HTTPServer

	stopOnce sync.Once
	logger   zerolog.Logger
}

// New creates the runtime of cfg. Start brings it up.
func New(cfg *config.Config) *Runtime {
	host := cfg.Server.Host
	if host == "" {
		host, _ = os.Hostname()
	}
	return &Runtime{
		cfg:    cfg,
		host:   host,
		router: &router{},
		logger: log.WithComponent("runtime"),
	}
}

// Addr returns the advertised address of the device RPC listener.
func (r *Runtime) Addr() string { return r.addr }

// DServer returns the admin device.
func (r *Runtime) DServer() *dserver.DServer { return r.ds }

// Database returns the database the runtime exports itself to.
func (r *Runtime) Database() database.Database { return r.db }

// ZmqPublisher returns the ZMQ publisher, nil when disabled.
func (r *Runtime) ZmqPublisher() *zmq.Publisher { return r.zmq }

// Start opens the listeners, builds the configured devices, exports them
// and starts polling. Requests are served by Run.
func (r *Runtime) Start(ctx context.Context) error {
	cfg := r.cfg
	if cfg.Server.Name == "" {
		return fmt.Errorf("server name is required")
	}

	if cfg.Server.FileDB != "" {
		store, err := storage.NewBoltStore(cfg.Server.FileDB)
		if err != nil {
			return fmt.Errorf("failed to open file database: %w", err)
		}
		r.store = store
		r.router.db = database.NewService(store, r.host)
		r.db = database.NewLocal(store)
	}

	r.api = api.NewServer(r.router)
	if err := r.api.Listen(net.JoinHostPort("", strconv.Itoa(cfg.Server.Port))); err != nil {
		return err
	}
	_, port, _ := net.SplitHostPort(r.api.Addr())
	r.addr = net.JoinHostPort(r.host, port)

	tangoHost := cfg.Server.TangoHost
	if tangoHost == "" && r.store != nil {
		tangoHost = r.addr
	}
	if tangoHost == "" {
		return fmt.Errorf("no database: set server.tango_host, %s or server.file_db", config.EnvTangoHost)
	}
	r.factory = client.NewFactory(tangoHost)
	if r.db == nil {
		proxy, err := r.factory.Database("")
		if err != nil {
			return err
		}
		r.db = database.NewRetrying(proxy, cfg.Database.StartRetries, cfg.Database.RetryDelay)
	}

	prefix := "tango://" + strings.ToLower(tangoHost) + "/"
	admName := device.AdmName(cfg.Server.Name)
	r.supplier = event.NewSupplier(event.SupplierConfig{
		Prefix:             prefix,
		AdmName:            admName,
		HeartbeatThreshold: cfg.Events.HeartbeatThreshold,
		ResubscribePeriod:  cfg.Events.ResubscribePeriod,
		AutoAlarmOnChange:  cfg.Events.AutoAlarmOnChange,
	})
	r.poller = polling.New(polling.Config{
		Depth:           cfg.Polling.DefaultDepth,
		HeartbeatPeriod: cfg.Events.HeartbeatPollPeriod,
	}, r.supplier)

	opts := []dserver.Option{dserver.WithDatabase(r.db)}
	if err := r.startTransports(ctx, prefix, admName, &opts); err != nil {
		return err
	}

	r.consumer = event.NewConsumer(event.ConsumerConfig{
		TangoHost:         tangoHost,
		AlternateHosts:    cfg.Server.AlternateHosts,
		HeartbeatTimeout:  cfg.Events.HeartbeatTimeout,
		KeepAlivePeriod:   cfg.Events.KeepAlivePeriod,
		ResubscribePeriod: cfg.Events.ResubscribePeriod,
		MonitorTimeout:    cfg.Events.MonitorTimeout,
	}, event.NewFactoryConnector(r.factory),
		zmq.NewConsumerTransport(zmq.WithSubHWM(cfg.Events.SubHWM)),
		notifd.NewConsumerTransport(notifd.WithDatabase(r.db)))
	r.consumer.Start()
	r.roots = dserver.NewRootAttRegistry(r.consumer, r.supplier)
	opts = append(opts, dserver.WithRootRegistry(r.roots))

	r.ds = dserver.New(dserver.Config{
		Server:    cfg.Server.Name,
		Host:      r.host,
		SubHWM:    cfg.Events.SubHWM,
		McastRate: cfg.Events.McastRate,
		McastIvl:  cfg.Events.McastIvl,
	}, r.supplier, r.poller, opts...)
	r.router.ds = r.ds

	if err := r.addDevices(ctx); err != nil {
		return err
	}
	if err := r.export(ctx); err != nil {
		return err
	}
	r.poller.Start()

	if cfg.Metrics.Addr != "" {
		r.metrics = metrics.NewHTTPServer(metrics.Default())
		if err := r.metrics.Start(cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	metrics.Default().Update(metrics.ComponentDatabase, true, "connected")
	r.logger.Info().Str("server", cfg.Server.Name).Str("addr", r.addr).Str("tango_host", tangoHost).
		Int("devices", len(cfg.Devices)).Msg("Device server started")
	return nil
}

// startTransports brings up the configured publishers. A notifd broker
// that cannot be reached leaves the server on ZMQ only.
func (r *Runtime) startTransports(ctx context.Context, prefix, admName string, opts *[]dserver.Option) error {
	ev := r.cfg.Events
	if ev.ZmqBind != Disabled {
		r.zmq = zmq.NewPublisher(zmq.PublisherConfig{
			Addr:       ev.ZmqBind,
			Host:       r.host,
			PubHWM:     ev.PubHWM,
			Alternates: true,
		})
		if err := r.zmq.Listen(); err != nil {
			return fmt.Errorf("failed to start zmq publisher: %w", err)
		}
		*opts = append(*opts, dserver.WithZmq(r.zmq))
	}
	if ev.NotifdURL != Disabled {
		ns := notifd.NewSupplier(notifd.SupplierConfig{
			URL:     ev.NotifdURL,
			Host:    r.host,
			AdmName: admName,
			Prefix:  prefix,
			DB:      r.db,
		})
		if err := ns.Connect(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Notifd transport unavailable")
		} else {
			r.notifd = ns
			*opts = append(*opts, dserver.WithNotifd(ns))
		}
	}
	if r.zmq == nil && r.notifd == nil {
		r.logger.Warn().Msg("No event transport, subscriptions will be refused")
	}
	return nil
}

// addDevices stores the configured properties, builds the devices and
// starts their configured polling.
func (r *Runtime) addDevices(ctx context.Context) error {
	b := &builder{server: r.cfg.Server.Name, supplier: r.supplier, roots: r}
	for _, dc := range r.cfg.Devices {
		for _, ac := range dc.Attributes {
			for name, vals := range ac.PropertyValues() {
				if err := r.db.PutAttributeProperty(ctx, dc.Name, ac.Name, name, vals); err != nil {
					return fmt.Errorf("failed to store properties of %s/%s: %w", dc.Name, ac.Name, err)
				}
			}
		}
		dev, err := b.build(dc)
		if err != nil {
			return err
		}
		if err := r.ds.AddDevice(ctx, dev); err != nil {
			return err
		}
		for _, ac := range dc.Attributes {
			if ac.Polling == 0 {
				continue
			}
			if _, err := r.poller.Object(dev.Name(), polling.Attribute, ac.Name); err == nil {
				continue
			}
			if err := r.ds.PollObject(ctx, dev.Name(), polling.Attribute, ac.Name, ac.Polling); err != nil {
				return err
			}
		}
	}
	return nil
}

// export registers the admin device and the served devices.
func (r *Runtime) export(ctx context.Context) error {
	now := time.Now()
	for _, dev := range r.ds.Devices() {
		rec := &types.DbDevice{
			Name:      dev.Name(),
			Class:     dev.Class(),
			Server:    r.cfg.Server.Name,
			Host:      r.host,
			Address:   r.addr,
			IDL:       dev.IDL(),
			PID:       os.Getpid(),
			Exported:  true,
			StartedAt: now,
		}
		if err := r.db.ExportDevice(ctx, rec); err != nil {
			return fmt.Errorf("failed to export %s: %w", dev.Name(), err)
		}
	}
	return nil
}

// ReadRoot implements RootReader through the client factory.
func (r *Runtime) ReadRoot(ctx context.Context, dev, attr string) (*types.AttributeValue, error) {
	proxy, err := r.factory.Device(ctx, dev)
	if err != nil {
		return nil, err
	}
	return proxy.ReadAttribute(ctx, attr)
}

// Run serves requests until ctx is done, then stops the runtime.
func (r *Runtime) Run(ctx context.Context) error {
	if r.ds == nil {
		if err := r.Start(ctx); err != nil {
			r.Stop()
			return err
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.api.Serve(); err != nil {
			return fmt.Errorf("device RPC server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.Stop()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop unexports the server and releases everything Start acquired.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()

		if r.ds != nil {
			r.ds.Shutdown()
			if err := r.db.UnexportServer(ctx, r.cfg.Server.Name); err != nil {
				r.logger.Warn().Err(err).Msg("Failed to unexport server")
			}
		}
		if r.poller != nil {
			r.poller.Stop()
		}
		if r.consumer != nil {
			r.consumer.Shutdown()
		}
		if r.supplier != nil {
			if err := r.supplier.Close(); err != nil {
				r.logger.Warn().Err(err).Msg("Failed to close event publishers")
			}
		}
		if r.api != nil {
			r.api.Stop()
		}
		if r.metrics != nil {
			if err := r.metrics.Stop(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("Failed to stop metrics server")
			}
		}
		if r.factory != nil {
			_ = r.factory.Close()
		}
		if r.store != nil {
			_ = r.store.Close()
		}
		r.logger.Info().Str("server", r.cfg.Server.Name).Msg("Device server stopped")
	})
}

// router serves the database device next to the devices of a file
// database server.
type router struct {
	db *database.Service
	ds *dserver.DServer
}

func (rt *router) backend(name string) (api.Backend, error) {
	_, bare := event.SplitPrefix(name)
	if rt.db != nil && strings.EqualFold(bare, database.DeviceName) {
		return rt.db, nil
	}
	if rt.ds == nil {
		return nil, types.Throw(types.ReasonDeviceNotFound,
			fmt.Sprintf("device %s not served yet", name), "server.router")
	}
	return rt.ds, nil
}

func (rt *router) CommandInout(ctx context.Context, dev, command string, argin *types.CommandData) (*types.CommandData, error) {
	b, err := rt.backend(dev)
	if err != nil {
		return nil, err
	}
	return b.CommandInout(ctx, dev, command, argin)
}

func (rt *router) ReadAttribute(ctx context.Context, dev, attr string) (*types.AttributeValue, error) {
	b, err := rt.backend(dev)
	if err != nil {
		return nil, err
	}
	return b.ReadAttribute(ctx, dev, attr)
}

func (rt *router) WriteAttribute(ctx context.Context, dev, attr string, v *types.AttributeValue) error {
	b, err := rt.backend(dev)
	if err != nil {
		return err
	}
	return b.WriteAttribute(ctx, dev, attr, v)
}

func (rt *router) AttributeHistory(ctx context.Context, dev, attr string, n int) (*pollring.AttrHistory, error) {
	b, err := rt.backend(dev)
	if err != nil {
		return nil, err
	}
	return b.AttributeHistory(ctx, dev, attr, n)
}

func (rt *router) CommandHistory(ctx context.Context, dev, command string, n int) ([]pollring.CmdHistoryEntry, error) {
	b, err := rt.backend(dev)
	if err != nil {
		return nil, err
	}
	return b.CommandHistory(ctx, dev, command, n)
}

func (rt *router) Info(ctx context.Context, dev string) (*api.DeviceInfo, error) {
	b, err := rt.backend(dev)
	if err != nil {
		return nil, err
	}
	return b.Info(ctx, dev)
}
