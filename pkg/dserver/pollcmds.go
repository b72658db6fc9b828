package dserver

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/tango/pkg/device"
	"github.com/cuemby/tango/pkg/polling"
	"github.com/cuemby/tango/pkg/types"
)

// pollTarget is the {device, type, name} part of a polling command.
type pollTarget struct {
	dev  *device.Device
	kind polling.Kind
	name string
}

func (d *DServer) pollTarget(s []string, origin string) (pollTarget, error) {
	if len(s) != 3 {
		return pollTarget{}, types.Throw(types.ReasonWrongNumberOfArgs,
			"wrong number of input arguments: device, object type and object name needed", origin)
	}
	dev, err := d.Device(s[0])
	if err != nil {
		return pollTarget{}, err
	}
	kind, err := polling.ParseKind(s[1])
	if err != nil {
		return pollTarget{}, err
	}
	return pollTarget{dev: dev, kind: kind, name: s[2]}, nil
}

// periodArgs reads the {period ms} {device, type, name} argument of
// AddObjPolling and UpdObjPollingPeriod.
func (d *DServer) periodArgs(argin *types.CommandData, origin string) (pollTarget, time.Duration, error) {
	if argin == nil || argin.Kind != types.CmdLongString || len(argin.L) != 1 {
		return pollTarget{}, 0, types.Throw(types.ReasonWrongNumberOfArgs,
			"argument must hold one period and three strings", origin)
	}
	t, err := d.pollTarget(argin.S, origin)
	if err != nil {
		return pollTarget{}, 0, err
	}
	return t, time.Duration(argin.L[0]) * time.Millisecond, nil
}

func (d *DServer) addObjPolling(ctx context.Context, argin *types.CommandData) (*types.CommandData, error) {
	t, period, err := d.periodArgs(argin, "DServer.AddObjPolling")
	if err != nil {
		return nil, err
	}
	if err := d.poller.Add(t.dev, t.kind, t.name, period); err != nil {
		return nil, err
	}
	d.persistPolling(ctx, t.dev)
	return types.VoidData(), nil
}

func (d *DServer) updObjPollingPeriod(ctx context.Context, argin *types.CommandData) (*types.CommandData, error) {
	t, period, err := d.periodArgs(argin, "DServer.UpdObjPollingPeriod")
	if err != nil {
		return nil, err
	}
	if err := d.poller.UpdatePeriod(t.dev.Name(), t.kind, t.name, period); err != nil {
		return nil, err
	}
	d.persistPolling(ctx, t.dev)
	return types.VoidData(), nil
}

func (d *DServer) remObjPolling(ctx context.Context, argin *types.CommandData) (*types.CommandData, error) {
	args, err := stringArgs(argin, "DServer.RemObjPolling")
	if err != nil {
		return nil, err
	}
	t, err := d.pollTarget(args, "DServer.RemObjPolling")
	if err != nil {
		return nil, err
	}
	if err := d.poller.Remove(t.dev.Name(), t.kind, t.name); err != nil {
		return nil, err
	}
	d.persistPolling(ctx, t.dev)
	return types.VoidData(), nil
}

// persistPolling writes the polled attributes of dev to polled_attr so
// that polling restarts with the server. Failures are logged.
func (d *DServer) persistPolling(ctx context.Context, dev *device.Device) {
	if d.db == nil {
		return
	}
	var vals []string
	for _, a := range dev.Attributes() {
		if polled, period := a.Polled(); polled {
			vals = append(vals, a.Name, strconv.FormatInt(period.Milliseconds(), 10))
		}
	}
	if err := d.db.PutDeviceProperty(ctx, dev.Name(), device.PropPolledAttr, vals); err != nil {
		d.logger.Warn().Err(err).Str("device", dev.Name()).Msg("Failed to store polling configuration")
	}
}

func (d *DServer) polledDevice(context.Context, *types.CommandData) (*types.CommandData, error) {
	return types.StringsData(d.poller.Devices()...), nil
}

func (d *DServer) devPollStatus(_ context.Context, argin *types.CommandData) (*types.CommandData, error) {
	args, err := stringArgs(argin, "DServer.DevPollStatus")
	if err != nil {
		return nil, err
	}
	if len(args) != 1 {
		return nil, types.Throw(types.ReasonWrongNumberOfArgs, "one device name needed", "DServer.DevPollStatus")
	}
	dev, err := d.Device(args[0])
	if err != nil {
		return nil, err
	}
	return types.StringsData(d.poller.Status(dev.Name())...), nil
}

func (d *DServer) startPolling(context.Context, *types.CommandData) (*types.CommandData, error) {
	d.poller.SetEnabled(true)
	d.logger.Info().Msg("Polling started")
	return types.VoidData(), nil
}

func (d *DServer) stopPolling(context.Context, *types.CommandData) (*types.CommandData, error) {
	d.poller.SetEnabled(false)
	d.logger.Info().Msg("Polling stopped")
	return types.VoidData(), nil
}

// PollObject is AddObjPolling for in process callers.
func (d *DServer) PollObject(ctx context.Context, devName string, kind polling.Kind, name string, period time.Duration) error {
	_, err := d.addObjPolling(ctx, types.LongStringData(
		[]int32{int32(period.Milliseconds())}, []string{devName, kind.String(), name}))
	if err != nil {
		return fmt.Errorf("failed to poll %s/%s: %w", devName, name, err)
	}
	return nil
}
