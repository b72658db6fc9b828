package event

import (
	"context"

	"github.com/cuemby/tango/pkg/client"
)

// FactoryConnector resolves devices through a client factory.
type FactoryConnector struct {
	Factory *client.Factory
}

// NewFactoryConnector wraps f.
func NewFactoryConnector(f *client.Factory) *FactoryConnector {
	return &FactoryConnector{Factory: f}
}

// Connect returns a proxy to name.
func (c *FactoryConnector) Connect(ctx context.Context, name string) (DeviceClient, error) {
	dev, err := c.Factory.Device(ctx, name)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

var _ DeviceClient = (*client.DeviceProxy)(nil)
