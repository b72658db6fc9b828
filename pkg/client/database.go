package client

import (
	"context"
	"strconv"

	"github.com/cuemby/tango/pkg/database"
	"github.com/cuemby/tango/pkg/types"
)

// DatabaseProxy talks to a remote database device. It implements
// database.Database.
type DatabaseProxy struct {
	dev *DeviceProxy
}

var _ database.Database = (*DatabaseProxy)(nil)

// NewDatabaseProxy wraps a connection to a database server.
func NewDatabaseProxy(conn *Conn) *DatabaseProxy {
	host, port := splitAddr(conn.Addr())
	trl := types.TRL{Host: host, Port: port, Device: database.DeviceName, DBase: false}
	return &DatabaseProxy{dev: NewDeviceProxy(trl, conn)}
}

// Addr returns the database address.
func (p *DatabaseProxy) Addr() string { return p.dev.Addr() }

func (p *DatabaseProxy) ImportDevice(ctx context.Context, name string) (*types.DbDevice, error) {
	out, err := p.dev.CommandInout(ctx, database.CmdImportDevice, types.StringsData(name))
	if err != nil {
		return nil, err
	}
	return database.DecodeDevice(out)
}

func (p *DatabaseProxy) ExportDevice(ctx context.Context, dev *types.DbDevice) error {
	_, err := p.dev.CommandInout(ctx, database.CmdExportDevice, database.EncodeDevice(dev))
	return err
}

func (p *DatabaseProxy) UnexportServer(ctx context.Context, server string) error {
	_, err := p.dev.CommandInout(ctx, database.CmdUnexportServer, types.StringsData(server))
	return err
}

func (p *DatabaseProxy) ImportEvent(ctx context.Context, name string) (*types.DbEventChannel, error) {
	out, err := p.dev.CommandInout(ctx, database.CmdImportEvent, types.StringsData(name))
	if err != nil {
		return nil, err
	}
	return database.DecodeEventChannel(out)
}

func (p *DatabaseProxy) ExportEvent(ctx context.Context, ch *types.DbEventChannel) error {
	_, err := p.dev.CommandInout(ctx, database.CmdExportEvent,
		types.StringsData(ch.Name, ch.IOR, ch.Host, strconv.Itoa(ch.PID), "6"))
	return err
}

func (p *DatabaseProxy) UnexportEvent(ctx context.Context, name string) error {
	_, err := p.dev.CommandInout(ctx, database.CmdUnexportEvent, types.StringsData(name))
	return err
}

func (p *DatabaseProxy) GetDeviceProperties(ctx context.Context, device string) (types.Properties, error) {
	out, err := p.dev.CommandInout(ctx, database.CmdGetDeviceProperty, types.StringsData(device))
	if err != nil {
		return nil, err
	}
	args, err := out.Strings()
	if err != nil {
		return nil, err
	}
	return database.DecodeProperties(args, 1)
}

func (p *DatabaseProxy) PutDeviceProperty(ctx context.Context, device, name string, values []string) error {
	args := database.EncodeProperties([]string{device}, types.Properties{name: values})
	_, err := p.dev.CommandInout(ctx, database.CmdPutDeviceProperty, types.StringsData(args...))
	return err
}

func (p *DatabaseProxy) GetAttributeProperties(ctx context.Context, device, attr string) (types.Properties, error) {
	out, err := p.dev.CommandInout(ctx, database.CmdGetAttributeProperty, types.StringsData(device, attr))
	if err != nil {
		return nil, err
	}
	args, err := out.Strings()
	if err != nil {
		return nil, err
	}
	return database.DecodeProperties(args, 2)
}

func (p *DatabaseProxy) PutAttributeProperty(ctx context.Context, device, attr, name string, values []string) error {
	args := database.EncodeProperties([]string{device, attr}, types.Properties{name: values})
	_, err := p.dev.CommandInout(ctx, database.CmdPutAttributeProperty, types.StringsData(args...))
	return err
}
