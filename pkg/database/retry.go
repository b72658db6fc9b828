package database

import (
	"context"
	"time"

	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/types"
	"github.com/rs/zerolog"
)

// Start phase defaults: a device server started together with its database
// keeps retrying for a while before giving up.
const (
	DefaultStartRetries = 3
	DefaultRetryDelay   = time.Second
)

// Retrying retries calls failing with a transient reason (database
// unreachable or timed out). Other errors are returned at once.
type Retrying struct {
	db      Database
	retries int
	delay   time.Duration
	logger  zerolog.Logger
}

// NewRetrying wraps db. retries <= 0 selects DefaultStartRetries.
func NewRetrying(db Database, retries int, delay time.Duration) *Retrying {
	if retries <= 0 {
		retries = DefaultStartRetries
	}
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return &Retrying{
		db:      db,
		retries: retries,
		delay:   delay,
		logger:  log.WithComponent("database"),
	}
}

var _ Database = (*Retrying)(nil)

func transient(err error) bool {
	return types.IsReason(err, types.ReasonCantConnectToDevice) || types.IsReason(err, types.ReasonCommandTimeout)
}

func do[T any](ctx context.Context, r *Retrying, op string, call func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	for attempt := 0; attempt <= r.retries; attempt++ {
		if out, err = call(); err == nil || !transient(err) {
			return out, err
		}
		if attempt == r.retries {
			break
		}
		r.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("Database call failed, retrying")
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(r.delay):
		}
	}
	return out, err
}

func doErr(ctx context.Context, r *Retrying, op string, call func() error) error {
	_, err := do(ctx, r, op, func() (struct{}, error) { return struct{}{}, call() })
	return err
}

func (r *Retrying) ImportDevice(ctx context.Context, name string) (*types.DbDevice, error) {
	return do(ctx, r, "ImportDevice", func() (*types.DbDevice, error) { return r.db.ImportDevice(ctx, name) })
}

func (r *Retrying) ExportDevice(ctx context.Context, dev *types.DbDevice) error {
	return doErr(ctx, r, "ExportDevice", func() error { return r.db.ExportDevice(ctx, dev) })
}

func (r *Retrying) UnexportServer(ctx context.Context, server string) error {
	return doErr(ctx, r, "UnexportServer", func() error { return r.db.UnexportServer(ctx, server) })
}

func (r *Retrying) ImportEvent(ctx context.Context, name string) (*types.DbEventChannel, error) {
	return do(ctx, r, "ImportEvent", func() (*types.DbEventChannel, error) { return r.db.ImportEvent(ctx, name) })
}

func (r *Retrying) ExportEvent(ctx context.Context, ch *types.DbEventChannel) error {
	return doErr(ctx, r, "ExportEvent", func() error { return r.db.ExportEvent(ctx, ch) })
}

func (r *Retrying) UnexportEvent(ctx context.Context, name string) error {
	return doErr(ctx, r, "UnexportEvent", func() error { return r.db.UnexportEvent(ctx, name) })
}

func (r *Retrying) GetDeviceProperties(ctx context.Context, device string) (types.Properties, error) {
	return do(ctx, r, "GetDeviceProperties", func() (types.Properties, error) { return r.db.GetDeviceProperties(ctx, device) })
}

func (r *Retrying) PutDeviceProperty(ctx context.Context, device, name string, values []string) error {
	return doErr(ctx, r, "PutDeviceProperty", func() error { return r.db.PutDeviceProperty(ctx, device, name, values) })
}

func (r *Retrying) GetAttributeProperties(ctx context.Context, device, attr string) (types.Properties, error) {
	return do(ctx, r, "GetAttributeProperties", func() (types.Properties, error) {
		return r.db.GetAttributeProperties(ctx, device, attr)
	})
}

func (r *Retrying) PutAttributeProperty(ctx context.Context, device, attr, name string, values []string) error {
	return doErr(ctx, r, "PutAttributeProperty", func() error {
		return r.db.PutAttributeProperty(ctx, device, attr, name, values)
	})
}
