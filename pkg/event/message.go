package event

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/tango/pkg/types"
)

// Message is the unit carried by every transport. Exactly one payload (or
// Err) is set for data events; heartbeats carry none.
type Message struct {
	// Prefix is the fully qualified "tango://host:port/" of the supplier.
	Prefix string `json:"prefix"`
	// Domain is "device/object" for attribute and pipe events, the device
	// for interface changes and the admin device for heartbeats.
	Domain string `json:"domain"`
	// Event is the wire event name, HeartbeatEvent for heartbeats.
	Event string `json:"event"`
	// Counter numbers the messages of one topic, zero when unused.
	Counter    uint64             `json:"counter,omitempty"`
	Filterable map[string]float64 `json:"filterable,omitempty"`

	AttrValue  *types.AttributeValue  `json:"attr_value,omitempty"`
	AttrConf   *types.AttributeConfig `json:"attr_conf,omitempty"`
	DataReady  *types.DataReady       `json:"data_ready,omitempty"`
	IntrChange *types.DevIntrChange   `json:"intr_change,omitempty"`
	Pipe       *types.PipeData        `json:"pipe,omitempty"`
	Err        *types.DevFailed       `json:"err,omitempty"`
}

// NewHeartbeat builds the heartbeat message of an admin device.
func NewHeartbeat(prefix, admName string, counter int) *Message {
	return &Message{
		Prefix:     prefix,
		Domain:     admName,
		Event:      HeartbeatEvent,
		Filterable: map[string]float64{"heartbeat_counter": float64(counter)},
	}
}

// IsHeartbeat reports whether m is a heartbeat.
func (m *Message) IsHeartbeat() bool { return m.Event == HeartbeatEvent }

// Key returns the topic of a data message or the channel name of a
// heartbeat.
func (m *Message) Key() string {
	if m.IsHeartbeat() {
		return m.Prefix + m.Domain
	}
	return Topic(m.Prefix, m.Domain, m.Event)
}

// IDL returns the interface release of the payload. Brokers only carry
// releases below 5.
func (m *Message) IDL() int {
	switch {
	case m.AttrValue != nil:
		return m.AttrValue.IDL
	case m.AttrConf != nil:
		return m.AttrConf.IDL
	case m.IntrChange != nil, m.Pipe != nil:
		return 5
	}
	if v, ok := ExtractIDLVersion(m.Event); ok {
		return v
	}
	return MinClientRelease
}

// Vars returns the filter variables of the message.
func (m *Message) Vars() map[string]any {
	vars := make(map[string]any, len(m.Filterable)+2)
	for k, v := range m.Filterable {
		vars[k] = v
	}
	vars[VarDomainName] = m.Domain
	vars[VarEventName] = m.Event
	return vars
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	out := *m
	if m.Filterable != nil {
		out.Filterable = make(map[string]float64, len(m.Filterable))
		for k, v := range m.Filterable {
			out.Filterable[k] = v
		}
	}
	out.AttrValue = m.AttrValue.Clone()
	out.Err = m.Err.Clone()
	if m.AttrConf != nil {
		c := *m.AttrConf
		out.AttrConf = &c
	}
	if m.DataReady != nil {
		d := *m.DataReady
		out.DataReady = &d
	}
	if m.IntrChange != nil {
		ic := cloneIntrChange(m.IntrChange)
		out.IntrChange = &ic
	}
	if m.Pipe != nil {
		p := clonePipe(m.Pipe)
		out.Pipe = &p
	}
	return &out
}

func cloneIntrChange(in *types.DevIntrChange) types.DevIntrChange {
	return types.DevIntrChange{
		Commands:   append([]types.CommandInfo(nil), in.Commands...),
		Attributes: append([]types.AttributeConfig(nil), in.Attributes...),
		DevStarted: in.DevStarted,
	}
}

func clonePipe(in *types.PipeData) types.PipeData {
	out := types.PipeData{Name: in.Name, Time: in.Time}
	for _, b := range in.Blobs {
		out.Blobs = append(out.Blobs, types.PipeBlob{Name: b.Name, Value: types.CopyValue(b.Value)})
	}
	return out
}

// Marshal encodes m for a transport.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", m.Key(), err)
	}
	return data, nil
}

// UnmarshalMessage decodes a transport payload.
func UnmarshalMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return &m, nil
}
