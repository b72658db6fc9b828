package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/tango/pkg/api"
	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/pollring"
	"github.com/cuemby/tango/pkg/storage"
	"github.com/cuemby/tango/pkg/types"
	"github.com/rs/zerolog"
)

// Service exposes a Store as the database device over the device RPC.
type Service struct {
	db     *Local
	store  storage.Store
	host   string
	logger zerolog.Logger
}

// NewService creates the database device backend.
func NewService(store storage.Store, host string) *Service {
	return &Service{
		db:     NewLocal(store),
		store:  store,
		host:   host,
		logger: log.WithDevice("database", DeviceName),
	}
}

func (s *Service) checkDevice(device string) error {
	if !strings.EqualFold(device, DeviceName) {
		return types.Throw(types.ReasonDeviceNotFound,
			fmt.Sprintf("device %s is not served here", device), "database.Service")
	}
	return nil
}

// CommandInout runs one of the Db* commands.
func (s *Service) CommandInout(ctx context.Context, device, command string, argin *types.CommandData) (*types.CommandData, error) {
	if err := s.checkDevice(device); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("command", command).Msg("Database command")

	switch command {
	case CmdImportDevice:
		name, err := singleString(argin, command)
		if err != nil {
			return nil, err
		}
		dev, err := s.db.ImportDevice(ctx, name)
		if err != nil {
			return nil, err
		}
		return EncodeDevice(dev), nil

	case CmdExportDevice:
		dev, err := DecodeDevice(argin)
		if err != nil {
			return nil, err
		}
		return types.VoidData(), s.db.ExportDevice(ctx, dev)

	case CmdUnexportServer:
		name, err := singleString(argin, command)
		if err != nil {
			return nil, err
		}
		return types.VoidData(), s.db.UnexportServer(ctx, name)

	case CmdImportEvent:
		name, err := singleString(argin, command)
		if err != nil {
			return nil, err
		}
		ch, err := s.db.ImportEvent(ctx, name)
		if err != nil {
			return nil, err
		}
		return EncodeEventChannel(ch), nil

	case CmdExportEvent:
		args, err := argin.Strings()
		if err != nil {
			return nil, err
		}
		ch, err := parseExportEvent(args)
		if err != nil {
			return nil, err
		}
		return types.VoidData(), s.db.ExportEvent(ctx, ch)

	case CmdUnexportEvent:
		name, err := singleString(argin, command)
		if err != nil {
			return nil, err
		}
		return types.VoidData(), s.db.UnexportEvent(ctx, name)

	case CmdGetDeviceProperty:
		args, err := argin.Strings()
		if err != nil || len(args) == 0 {
			return nil, types.Throw(types.ReasonWrongNumberOfArgs, "expected device name", command)
		}
		props, err := s.db.GetDeviceProperties(ctx, args[0])
		if err != nil {
			return nil, err
		}
		return types.StringsData(EncodeProperties([]string{args[0]}, filter(props, args[1:]))...), nil

	case CmdPutDeviceProperty:
		args, err := argin.Strings()
		if err != nil || len(args) == 0 {
			return nil, types.Throw(types.ReasonWrongNumberOfArgs, "expected device name", command)
		}
		props, err := DecodeProperties(args, 1)
		if err != nil {
			return nil, err
		}
		for name, vals := range props {
			if err := s.db.PutDeviceProperty(ctx, args[0], name, vals); err != nil {
				return nil, err
			}
		}
		return types.VoidData(), nil

	case CmdGetAttributeProperty:
		args, err := argin.Strings()
		if err != nil || len(args) < 2 {
			return nil, types.Throw(types.ReasonWrongNumberOfArgs, "expected device and attribute names", command)
		}
		props, err := s.db.GetAttributeProperties(ctx, args[0], args[1])
		if err != nil {
			return nil, err
		}
		return types.StringsData(EncodeProperties(args[:2], filter(props, args[2:]))...), nil

	case CmdPutAttributeProperty:
		args, err := argin.Strings()
		if err != nil || len(args) < 2 {
			return nil, types.Throw(types.ReasonWrongNumberOfArgs, "expected device and attribute names", command)
		}
		props, err := DecodeProperties(args, 2)
		if err != nil {
			return nil, err
		}
		for name, vals := range props {
			if err := s.db.PutAttributeProperty(ctx, args[0], args[1], name, vals); err != nil {
				return nil, err
			}
		}
		return types.VoidData(), nil

	case CmdGetDeviceList:
		devices, err := s.store.ListDevices()
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(devices))
		for _, d := range devices {
			names = append(names, d.Name)
		}
		return types.StringsData(names...), nil

	case CmdGetEventChannelList:
		channels, err := s.store.ListEventChannels()
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(channels))
		for _, ch := range channels {
			names = append(names, ch.Name)
		}
		return types.StringsData(names...), nil
	}

	return nil, types.Throw(types.ReasonCommandNotFound,
		fmt.Sprintf("command %s not found", command), "database.Service")
}

// ReadAttribute is not supported by the database device.
func (s *Service) ReadAttribute(_ context.Context, device, attr string) (*types.AttributeValue, error) {
	if err := s.checkDevice(device); err != nil {
		return nil, err
	}
	return nil, types.Throw(types.ReasonAttrNotFound, fmt.Sprintf("attribute %s not found", attr), "database.Service")
}

// WriteAttribute is not supported by the database device.
func (s *Service) WriteAttribute(ctx context.Context, device, attr string, _ *types.AttributeValue) error {
	_, err := s.ReadAttribute(ctx, device, attr)
	return err
}

// AttributeHistory is not supported by the database device.
func (s *Service) AttributeHistory(_ context.Context, device, attr string, _ int) (*pollring.AttrHistory, error) {
	return nil, types.Throw(types.ReasonPollObjNotFound,
		fmt.Sprintf("%s/%s is not polled", device, attr), "database.Service")
}

// CommandHistory is not supported by the database device.
func (s *Service) CommandHistory(_ context.Context, device, command string, _ int) ([]pollring.CmdHistoryEntry, error) {
	return nil, types.Throw(types.ReasonPollObjNotFound,
		fmt.Sprintf("%s/%s is not polled", device, command), "database.Service")
}

// Info describes the database device.
func (s *Service) Info(_ context.Context, device string) (*api.DeviceInfo, error) {
	if err := s.checkDevice(device); err != nil {
		return nil, err
	}
	return &api.DeviceInfo{
		Name:    DeviceName,
		Class:   "DataBase",
		Server:  "DataBaseds/2",
		Host:    s.host,
		IDL:     6,
		AdmName: "dserver/databaseds/2",
	}, nil
}

func singleString(argin *types.CommandData, command string) (string, error) {
	args, err := argin.Strings()
	if err != nil || len(args) != 1 {
		return "", types.Throw(types.ReasonWrongNumberOfArgs, "expected one string argument", command)
	}
	return args[0], nil
}

func filter(props types.Properties, names []string) types.Properties {
	if len(names) == 0 {
		return props
	}
	out := make(types.Properties, len(names))
	for _, n := range names {
		for k, v := range props {
			if strings.EqualFold(k, n) {
				out[k] = v
			}
		}
	}
	return out
}
