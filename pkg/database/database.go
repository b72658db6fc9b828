package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/tango/pkg/storage"
	"github.com/cuemby/tango/pkg/types"
)

// DeviceName is the name of the database device.
const DeviceName = "sys/database/2"

// Database is the naming and property service used by servers to export
// themselves and by clients to locate devices and event channels.
type Database interface {
	ImportDevice(ctx context.Context, name string) (*types.DbDevice, error)
	ExportDevice(ctx context.Context, dev *types.DbDevice) error
	UnexportServer(ctx context.Context, server string) error

	ImportEvent(ctx context.Context, name string) (*types.DbEventChannel, error)
	ExportEvent(ctx context.Context, ch *types.DbEventChannel) error
	UnexportEvent(ctx context.Context, name string) error

	GetDeviceProperties(ctx context.Context, device string) (types.Properties, error)
	PutDeviceProperty(ctx context.Context, device, name string, values []string) error
	GetAttributeProperties(ctx context.Context, device, attr string) (types.Properties, error)
	PutAttributeProperty(ctx context.Context, device, attr, name string, values []string) error
}

// Local serves the database from a Store in process.
type Local struct {
	store storage.Store
}

var _ Database = (*Local)(nil)

// NewLocal wraps store.
func NewLocal(store storage.Store) *Local {
	return &Local{store: store}
}

func (l *Local) ImportDevice(_ context.Context, name string) (*types.DbDevice, error) {
	return l.store.GetDevice(name)
}

func (l *Local) ExportDevice(_ context.Context, dev *types.DbDevice) error {
	if dev.Name == "" {
		return types.Throw(types.ReasonInvalidArgs, "device name is empty", "Database.ExportDevice")
	}
	out := *dev
	out.Exported = true
	if out.StartedAt.IsZero() {
		out.StartedAt = time.Now()
	}
	if err := l.store.PutDevice(&out); err != nil {
		return types.Rethrow(err, types.ReasonDatabaseAccess,
			fmt.Sprintf("failed to export device %s", dev.Name), "Database.ExportDevice")
	}
	return nil
}

func (l *Local) UnexportServer(_ context.Context, server string) error {
	devices, err := l.store.ListDevices()
	if err != nil {
		return types.Rethrow(err, types.ReasonDatabaseAccess, "failed to list devices", "Database.UnexportServer")
	}
	for _, dev := range devices {
		if !strings.EqualFold(dev.Server, server) {
			continue
		}
		dev.Exported = false
		dev.StoppedAt = time.Now()
		if err := l.store.PutDevice(dev); err != nil {
			return types.Rethrow(err, types.ReasonDatabaseAccess,
				fmt.Sprintf("failed to unexport device %s", dev.Name), "Database.UnexportServer")
		}
	}
	return nil
}

func (l *Local) ImportEvent(_ context.Context, name string) (*types.DbEventChannel, error) {
	return l.store.GetEventChannel(name)
}

func (l *Local) ExportEvent(_ context.Context, ch *types.DbEventChannel) error {
	out := *ch
	out.Exported = true
	out.Updated = time.Now()
	if err := l.store.PutEventChannel(&out); err != nil {
		return types.Rethrow(err, types.ReasonDatabaseAccess,
			fmt.Sprintf("failed to export event channel %s", ch.Name), "Database.ExportEvent")
	}
	return nil
}

func (l *Local) UnexportEvent(_ context.Context, name string) error {
	ch, err := l.store.GetEventChannel(name)
	if err != nil {
		return err
	}
	ch.Exported = false
	ch.Updated = time.Now()
	return l.store.PutEventChannel(ch)
}

func (l *Local) GetDeviceProperties(_ context.Context, device string) (types.Properties, error) {
	return l.store.GetDeviceProperties(device)
}

func (l *Local) PutDeviceProperty(_ context.Context, device, name string, values []string) error {
	return l.store.PutDeviceProperty(device, name, values)
}

func (l *Local) GetAttributeProperties(_ context.Context, device, attr string) (types.Properties, error) {
	return l.store.GetAttributeProperties(device, attr)
}

func (l *Local) PutAttributeProperty(_ context.Context, device, attr, name string, values []string) error {
	return l.store.PutAttributeProperty(device, attr, name, values)
}
