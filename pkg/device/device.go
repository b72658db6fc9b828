package device

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/tango/pkg/database"
	"github.com/cuemby/tango/pkg/types"
)

// Command is one device command.
type Command struct {
	Name string
	In   types.DataType
	Out  types.DataType
	Exec func(ctx context.Context, argin *types.CommandData) (*types.CommandData, error)
}

// Pipe is one device pipe.
type Pipe struct {
	Name string
	Read func(ctx context.Context) (*types.PipeData, error)
}

// Device is a device served by this process.
type Device struct {
	name   string
	class  string
	server string
	idl    int

	mu       sync.RWMutex
	attrs    map[string]*Attribute
	order    []string
	commands map[string]*Command
	pipes    map[string]*Pipe
	state    types.State
	status   string
}

// New creates a device with the State and Status attributes and commands.
func New(name, class, server string, idl int) *Device {
	d := &Device{
		name:     strings.ToLower(name),
		class:    class,
		server:   server,
		idl:      idl,
		attrs:    make(map[string]*Attribute),
		commands: make(map[string]*Command),
		pipes:    make(map[string]*Pipe),
		state:    types.On,
	}

	state := NewAttribute("State", types.DevState, types.Scalar, func(context.Context) (*types.AttributeValue, error) {
		return &types.AttributeValue{Value: types.StateArray{d.State()}, Quality: types.AttrValid, RDim: types.AttrDim{X: 1}}, nil
	})
	status := NewAttribute("Status", types.DevString, types.Scalar, func(context.Context) (*types.AttributeValue, error) {
		return &types.AttributeValue{Value: types.StringArray{d.Status()}, Quality: types.AttrValid, RDim: types.AttrDim{X: 1}}, nil
	})
	_ = d.AddAttribute(state)
	_ = d.AddAttribute(status)

	_ = d.AddCommand(&Command{Name: "State", In: types.DevVoid, Out: types.DevState,
		Exec: func(context.Context, *types.CommandData) (*types.CommandData, error) {
			return types.ValueData(types.StateArray{d.State()}), nil
		}})
	_ = d.AddCommand(&Command{Name: "Status", In: types.DevVoid, Out: types.DevString,
		Exec: func(context.Context, *types.CommandData) (*types.CommandData, error) {
			return types.StringsData(d.Status()), nil
		}})
	return d
}

// Name returns the lower case domain/family/member name.
func (d *Device) Name() string { return d.name }

// Class returns the device class.
func (d *Device) Class() string { return d.class }

// Server returns the server executable/instance name.
func (d *Device) Server() string { return d.server }

// IDL returns the interface release of the device.
func (d *Device) IDL() int { return d.idl }

// AdmName returns the name of the admin device of the hosting server.
func (d *Device) AdmName() string { return AdmName(d.server) }

// AdmName returns "dserver/<server>" in lower case.
func AdmName(server string) string { return "dserver/" + strings.ToLower(server) }

// State returns the device state.
func (d *Device) State() types.State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// SetState changes the device state.
func (d *Device) SetState(s types.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

// Status returns the status string, derived from the state when unset.
func (d *Device) Status() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.status != "" {
		return d.status
	}
	return fmt.Sprintf("The device is in %s state.", d.state)
}

// SetStatus changes the status string.
func (d *Device) SetStatus(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = s
}

// AddAttribute registers a. Names are case insensitive.
func (d *Device) AddAttribute(a *Attribute) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToLower(a.Name)
	if _, ok := d.attrs[key]; ok {
		return types.Throw(types.ReasonInvalidArgs,
			fmt.Sprintf("attribute %s already defined on %s", a.Name, d.name), "Device.AddAttribute")
	}
	d.attrs[key] = a
	d.order = append(d.order, key)
	return nil
}

// Attr returns the attribute called name.
func (d *Device) Attr(name string) (*Attribute, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.attrs[strings.ToLower(name)]
	if !ok {
		return nil, types.Throw(types.ReasonAttrNotFound,
			fmt.Sprintf("attribute %s not found on device %s", name, d.name), "Device.Attr")
	}
	return a, nil
}

// Attributes returns the attributes in definition order.
func (d *Device) Attributes() []*Attribute {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Attribute, 0, len(d.order))
	for _, key := range d.order {
		out = append(out, d.attrs[key])
	}
	return out
}

// AddCommand registers c.
func (d *Device) AddCommand(c *Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToLower(c.Name)
	if _, ok := d.commands[key]; ok {
		return types.Throw(types.ReasonInvalidArgs,
			fmt.Sprintf("command %s already defined on %s", c.Name, d.name), "Device.AddCommand")
	}
	d.commands[key] = c
	return nil
}

// Command returns the command called name.
func (d *Device) Command(name string) (*Command, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.commands[strings.ToLower(name)]
	if !ok {
		return nil, types.Throw(types.ReasonCommandNotFound,
			fmt.Sprintf("command %s not found on device %s", name, d.name), "Device.Command")
	}
	return c, nil
}

// AddPipe registers p.
func (d *Device) AddPipe(p *Pipe) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pipes[strings.ToLower(p.Name)] = p
}

// Pipe returns the pipe called name.
func (d *Device) Pipe(name string) (*Pipe, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.pipes[strings.ToLower(name)]
	if !ok {
		return nil, types.Throw(types.ReasonAttrNotFound,
			fmt.Sprintf("pipe %s not found on device %s", name, d.name), "Device.Pipe")
	}
	return p, nil
}

// ReadAttribute reads an attribute and fills in the metadata the read
// function left out.
func (d *Device) ReadAttribute(ctx context.Context, name string) (*types.AttributeValue, error) {
	a, err := d.Attr(name)
	if err != nil {
		return nil, err
	}
	if a.Read == nil {
		return nil, types.Throw(types.ReasonAttrNotFound,
			fmt.Sprintf("attribute %s is not readable", a.Name), "Device.ReadAttribute")
	}
	v, err := a.Read(ctx)
	if err != nil {
		return nil, types.AsDevFailed(err)
	}
	v.Name = a.Name
	v.DataType = a.DataType
	v.DataFormat = a.Format
	v.IDL = d.idl
	if v.Time.IsZero() {
		v.Time = time.Now()
	}
	if v.RDim.X == 0 && v.Value != nil && v.Quality != types.AttrInvalid {
		v.RDim = types.AttrDim{X: v.Value.Len()}
	}
	return v, nil
}

// WriteAttribute writes an attribute.
func (d *Device) WriteAttribute(ctx context.Context, name string, v *types.AttributeValue) error {
	a, err := d.Attr(name)
	if err != nil {
		return err
	}
	if !a.Writable || a.Write == nil {
		return types.Throw(types.ReasonAttrNotWritable,
			fmt.Sprintf("attribute %s is not writable", a.Name), "Device.WriteAttribute")
	}
	return a.Write(ctx, v)
}

// CommandInout executes a command.
func (d *Device) CommandInout(ctx context.Context, name string, argin *types.CommandData) (*types.CommandData, error) {
	c, err := d.Command(name)
	if err != nil {
		return nil, err
	}
	out, err := c.Exec(ctx, argin)
	if err != nil {
		return nil, types.AsDevFailed(err)
	}
	if out == nil {
		out = types.VoidData()
	}
	return out, nil
}

// InterfaceSnapshot describes commands and attributes for intr_change
// events.
func (d *Device) InterfaceSnapshot(started bool) types.DevIntrChange {
	d.mu.RLock()
	cmds := make([]types.CommandInfo, 0, len(d.commands))
	for _, c := range d.commands {
		cmds = append(cmds, types.CommandInfo{Name: c.Name, InType: c.In, OutType: c.Out})
	}
	d.mu.RUnlock()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })

	attrs := d.Attributes()
	confs := make([]types.AttributeConfig, 0, len(attrs))
	for _, a := range attrs {
		confs = append(confs, a.Config(d.idl))
	}
	return types.DevIntrChange{Commands: cmds, Attributes: confs, DevStarted: started}
}

// ApplyProperties loads the event configuration of every attribute from db
// and returns the polling periods configured in polled_attr.
func (d *Device) ApplyProperties(ctx context.Context, db database.Database) (map[string]time.Duration, error) {
	for _, a := range d.Attributes() {
		props, err := db.GetAttributeProperties(ctx, d.name, a.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to get properties of %s/%s: %w", d.name, a.Name, err)
		}
		if len(props) == 0 {
			continue
		}
		ep, err := ParseEventProperties(props)
		if err != nil {
			return nil, fmt.Errorf("failed to parse properties of %s/%s: %w", d.name, a.Name, err)
		}
		a.SetProperties(ep)
	}

	devProps, err := db.GetDeviceProperties(ctx, d.name)
	if err != nil {
		return nil, fmt.Errorf("failed to get properties of %s: %w", d.name, err)
	}
	return ParsePolledAttr(devProps[PropPolledAttr])
}
