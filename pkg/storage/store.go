package storage

import (
	"github.com/cuemby/tango/pkg/types"
)

// Store defines the interface for naming database storage.
// This is implemented by BoltDB-backed storage.
type Store interface {
	// Devices
	PutDevice(dev *types.DbDevice) error
	GetDevice(name string) (*types.DbDevice, error)
	ListDevices() ([]*types.DbDevice, error)
	DeleteDevice(name string) error

	// Event channels and broker factories
	PutEventChannel(ch *types.DbEventChannel) error
	GetEventChannel(name string) (*types.DbEventChannel, error)
	ListEventChannels() ([]*types.DbEventChannel, error)
	DeleteEventChannel(name string) error

	// Device properties
	PutDeviceProperty(device, name string, values []string) error
	GetDeviceProperties(device string) (types.Properties, error)
	DeleteDeviceProperty(device, name string) error

	// Attribute properties
	PutAttributeProperty(device, attr, name string, values []string) error
	GetAttributeProperties(device, attr string) (types.Properties, error)
	DeleteAttributeProperty(device, attr, name string) error

	// Utility
	Close() error
}
