package client

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/types"
	"github.com/rs/zerolog"
)

// Factory resolves device names and shares one connection per process
// address.
type Factory struct {
	tangoHost string
	opts      []Option

	mu    sync.Mutex
	conns map[string]*Conn
	dbs   map[string]*DatabaseProxy

	logger zerolog.Logger
}

// NewFactory creates a factory. tangoHost ("host:port") is the default
// database used for names without a tango:// prefix.
func NewFactory(tangoHost string, opts ...Option) *Factory {
	return &Factory{
		tangoHost: tangoHost,
		opts:      opts,
		conns:     make(map[string]*Conn),
		dbs:       make(map[string]*DatabaseProxy),
		logger:    log.WithComponent("client"),
	}
}

// TangoHost returns the default database address.
func (f *Factory) TangoHost() string { return f.tangoHost }

func (f *Factory) conn(addr string) (*Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.conns[addr]; ok {
		return c, nil
	}
	c, err := Dial(addr, f.opts...)
	if err != nil {
		return nil, types.Rethrow(err, types.ReasonCantConnectToDevice,
			fmt.Sprintf("failed to connect to %s", addr), "Factory.conn")
	}
	f.conns[addr] = c
	return c, nil
}

// Database returns the proxy of the database at addr, or of the default
// database when addr is empty.
func (f *Factory) Database(addr string) (*DatabaseProxy, error) {
	if addr == "" {
		addr = f.tangoHost
	}
	if addr == "" {
		return nil, types.Throw(types.ReasonInvalidArgs, "no database address and no TANGO_HOST", "Factory.Database")
	}
	c, err := f.conn(addr)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if db, ok := f.dbs[addr]; ok {
		return db, nil
	}
	db := NewDatabaseProxy(c)
	f.dbs[addr] = db
	return db, nil
}

// Device resolves name through its database (or directly for #dbase=no
// names) and returns a proxy to it.
func (f *Factory) Device(ctx context.Context, name string) (*DeviceProxy, error) {
	trl, err := types.ParseTRL(name, f.tangoHost)
	if err != nil {
		return nil, err
	}
	if trl.Host == "" {
		return nil, types.Throw(types.ReasonInvalidArgs,
			fmt.Sprintf("cannot resolve %s: no TANGO_HOST", name), "Factory.Device")
	}

	addr := trl.Addr()
	if trl.DBase {
		db, err := f.Database(addr)
		if err != nil {
			return nil, err
		}
		rec, err := db.ImportDevice(ctx, trl.Device)
		if err != nil {
			return nil, types.Rethrow(err, types.ReasonCantConnectToDevice,
				fmt.Sprintf("failed to import %s", trl.Device), "Factory.Device")
		}
		if !rec.Exported {
			return nil, types.Throw(types.ReasonCantConnectToDevice,
				fmt.Sprintf("device %s is not exported", trl.Device), "Factory.Device")
		}
		addr = rec.Address
	}

	c, err := f.conn(addr)
	if err != nil {
		return nil, err
	}
	f.logger.Debug().Str("device", trl.String()).Str("addr", addr).Msg("Resolved device")
	return NewDeviceProxy(trl, c), nil
}

// Close closes every pooled connection.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []string
	for addr, c := range f.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		delete(f.conns, addr)
	}
	f.dbs = make(map[string]*DatabaseProxy)
	if len(errs) > 0 {
		return fmt.Errorf("failed to close connections: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitAddr(addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, ""
	}
	return host, port
}
