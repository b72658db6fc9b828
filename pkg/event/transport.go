package event

import (
	"context"

	"github.com/cuemby/tango/pkg/api"
	"github.com/cuemby/tango/pkg/types"
)

// DeviceClient is the part of a device proxy the event system needs.
type DeviceClient interface {
	// Name returns the bare device name.
	Name() string
	TRL() types.TRL
	CommandInout(ctx context.Context, command string, argin *types.CommandData) (*types.CommandData, error)
	ReadAttribute(ctx context.Context, attr string) (*types.AttributeValue, error)
	Info(ctx context.Context) (*api.DeviceInfo, error)
}

// Connector resolves device names into clients.
type Connector interface {
	Connect(ctx context.Context, name string) (DeviceClient, error)
}

// Sink receives the messages read by a consumer transport.
type Sink interface {
	Deliver(msg *Message)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(msg *Message)

// Deliver calls f.
func (f SinkFunc) Deliver(msg *Message) { f(msg) }

// ChannelInfo describes the channel of one admin device.
type ChannelInfo struct {
	// Name is the channel key, the fully qualified admin device name.
	Name string
	Adm  DeviceClient
	// HeartbeatEndpoints and EventEndpoints come from the subscription
	// reply, primary endpoint first.
	HeartbeatEndpoints []string
	EventEndpoints     []string
	ZmqRelease         int
	SubHWM             int
}

// EventInfo describes one subscribed event.
type EventInfo struct {
	// Key is the topic (zmq) or callback key (notifd) of the event.
	Key string
	// Domain is "device/object", Event the wire name.
	Domain     string
	Event      string
	Constraint string
	// Endpoint is the event endpoint chosen for this event. Multicast
	// endpoints use the udp scheme.
	Endpoint string
}

// ConsumerTransport connects channels on the client side.
type ConsumerTransport interface {
	Type() types.ChannelType
	ConnectChannel(ctx context.Context, info *ChannelInfo, sink Sink) (ChannelHandle, error)
}

// ChannelHandle is one connected channel.
type ChannelHandle interface {
	ConnectEvent(ctx context.Context, ev *EventInfo) error
	DisconnectEvent(ev *EventInfo) error
	// Ping checks that the transport is still usable.
	Ping(ctx context.Context) error
	Close() error
}

// Publisher sends events on the supplier side.
type Publisher interface {
	Type() types.ChannelType
	PushEvent(msg *Message) error
	PushHeartbeat(msg *Message) error
	Reconnect(ctx context.Context) error
	Close() error
}
