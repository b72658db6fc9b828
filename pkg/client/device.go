package client

import (
	"context"

	"github.com/cuemby/tango/pkg/api"
	"github.com/cuemby/tango/pkg/pollring"
	"github.com/cuemby/tango/pkg/types"
)

// DeviceProxy is the client side of one device.
type DeviceProxy struct {
	trl  types.TRL
	conn *Conn
}

// NewDeviceProxy binds a device name to an open connection.
func NewDeviceProxy(trl types.TRL, conn *Conn) *DeviceProxy {
	return &DeviceProxy{trl: trl, conn: conn}
}

// Name returns the domain/family/member name.
func (d *DeviceProxy) Name() string { return d.trl.Device }

// TRL returns the parsed full name.
func (d *DeviceProxy) TRL() types.TRL { return d.trl }

// Addr returns the address of the device server.
func (d *DeviceProxy) Addr() string { return d.conn.Addr() }

// CommandInout executes a command.
func (d *DeviceProxy) CommandInout(ctx context.Context, command string, argin *types.CommandData) (*types.CommandData, error) {
	var reply api.CommandReply
	err := d.conn.invoke(ctx, api.MethodCommandInout,
		api.CommandRequest{Device: d.trl.Device, Command: command, Argin: argin}, &reply)
	if err != nil {
		return nil, err
	}
	if reply.Argout == nil {
		return types.VoidData(), nil
	}
	return reply.Argout, nil
}

// ReadAttribute reads one attribute.
func (d *DeviceProxy) ReadAttribute(ctx context.Context, attr string) (*types.AttributeValue, error) {
	var reply api.AttributeReply
	err := d.conn.invoke(ctx, api.MethodReadAttribute,
		api.AttributeRequest{Device: d.trl.Device, Attribute: attr}, &reply)
	if err != nil {
		return nil, err
	}
	return reply.Value, nil
}

// WriteAttribute writes one attribute.
func (d *DeviceProxy) WriteAttribute(ctx context.Context, attr string, v *types.AttributeValue) error {
	return d.conn.invoke(ctx, api.MethodWriteAttribute,
		api.AttributeRequest{Device: d.trl.Device, Attribute: attr, Value: v}, nil)
}

// AttributeHistory reads the last n polled values of an attribute.
func (d *DeviceProxy) AttributeHistory(ctx context.Context, attr string, n int) (*pollring.AttrHistory, error) {
	var reply api.AttrHistoryReply
	err := d.conn.invoke(ctx, api.MethodAttributeHistory,
		api.HistoryRequest{Device: d.trl.Device, Object: attr, N: n}, &reply)
	if err != nil {
		return nil, err
	}
	return reply.History, nil
}

// CommandHistory reads the last n polled results of a command.
func (d *DeviceProxy) CommandHistory(ctx context.Context, command string, n int) ([]pollring.CmdHistoryEntry, error) {
	var reply api.CmdHistoryReply
	err := d.conn.invoke(ctx, api.MethodCommandHistory,
		api.HistoryRequest{Device: d.trl.Device, Object: command, N: n}, &reply)
	if err != nil {
		return nil, err
	}
	return reply.History, nil
}

// Info describes the device.
func (d *DeviceProxy) Info(ctx context.Context) (*api.DeviceInfo, error) {
	var info api.DeviceInfo
	if err := d.conn.invoke(ctx, api.MethodInfo, api.InfoRequest{Device: d.trl.Device}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
