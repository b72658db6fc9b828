package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// AttributeValue is one attribute read. IDL selects the wire shape: readers
// at IDL 5 and above also receive DataFormat and DataType.
type AttributeValue struct {
	Name       string     `json:"name"`
	Value      Value      `json:"-"`
	Quality    Quality    `json:"quality"`
	Time       time.Time  `json:"time"`
	RDim       AttrDim    `json:"r_dim"`
	WDim       AttrDim    `json:"w_dim"`
	DataFormat DataFormat `json:"data_format"`
	DataType   DataType   `json:"data_type"`
	IDL        int        `json:"idl"`
	Err        *DevFailed `json:"err,omitempty"`
}

// IsIDL5 reports whether the value carries the IDL 5 type information.
func (a *AttributeValue) IsIDL5() bool { return a.IDL >= 5 }

// ReadPart returns the read elements of the value.
func (a *AttributeValue) ReadPart() Value {
	if a.Value == nil {
		return nil
	}
	n := a.RDim.Len()
	if n > a.Value.Len() {
		n = a.Value.Len()
	}
	return a.Value.Slice(0, n)
}

// Clone returns a deep copy.
func (a *AttributeValue) Clone() *AttributeValue {
	if a == nil {
		return nil
	}
	out := *a
	out.Value = CopyValue(a.Value)
	out.Err = a.Err.Clone()
	return &out
}

// MarshalJSON embeds the typed value envelope.
func (a AttributeValue) MarshalJSON() ([]byte, error) {
	type plain AttributeValue
	data, err := MarshalValue(a.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		plain
		Data json.RawMessage `json:"value"`
	}{plain(a), data})
}

// UnmarshalJSON decodes the typed value envelope.
func (a *AttributeValue) UnmarshalJSON(b []byte) error {
	type plain AttributeValue
	var aux struct {
		plain
		Data json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*a = AttributeValue(aux.plain)
	v, err := UnmarshalValue(aux.Data)
	if err != nil {
		return err
	}
	a.Value = v
	return nil
}

// AttributeConfig is the configuration payload of an attr_conf event.
type AttributeConfig struct {
	Name             string            `json:"name"`
	DataType         DataType          `json:"data_type"`
	DataFormat       DataFormat        `json:"data_format"`
	Writable         bool              `json:"writable"`
	MaxDimX          int               `json:"max_dim_x"`
	MaxDimY          int               `json:"max_dim_y"`
	Description      string            `json:"description"`
	Label            string            `json:"label"`
	Unit             string            `json:"unit"`
	Format           string            `json:"format"`
	AbsChange        string            `json:"abs_change"`
	RelChange        string            `json:"rel_change"`
	ArchiveAbsChange string            `json:"archive_abs_change"`
	ArchiveRelChange string            `json:"archive_rel_change"`
	ArchivePeriod    string            `json:"archive_period"`
	EventPeriod      string            `json:"event_period"`
	Extensions       map[string]string `json:"extensions,omitempty"`
	IDL              int               `json:"idl"`
}

// DataReady is the payload of a data_ready event.
type DataReady struct {
	Name     string   `json:"name"`
	DataType DataType `json:"data_type"`
	Ctr      int      `json:"ctr"`
}

// CommandInfo describes one command of a device interface.
type CommandInfo struct {
	Name    string   `json:"name"`
	InType  DataType `json:"in_type"`
	OutType DataType `json:"out_type"`
}

// DevIntrChange is the payload of an intr_change event.
type DevIntrChange struct {
	Commands   []CommandInfo     `json:"commands"`
	Attributes []AttributeConfig `json:"attributes"`
	DevStarted bool              `json:"dev_started"`
}

// PipeBlob is one named element of a pipe.
type PipeBlob struct {
	Name  string `json:"name"`
	Value Value  `json:"-"`
}

// MarshalJSON embeds the typed value envelope.
func (p PipeBlob) MarshalJSON() ([]byte, error) {
	data, err := MarshalValue(p.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Name string          `json:"name"`
		Data json.RawMessage `json:"value"`
	}{p.Name, data})
}

// UnmarshalJSON decodes the typed value envelope.
func (p *PipeBlob) UnmarshalJSON(b []byte) error {
	var aux struct {
		Name string          `json:"name"`
		Data json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	v, err := UnmarshalValue(aux.Data)
	if err != nil {
		return err
	}
	p.Name, p.Value = aux.Name, v
	return nil
}

// PipeData is the payload of a pipe event.
type PipeData struct {
	Name  string     `json:"name"`
	Time  time.Time  `json:"time"`
	Blobs []PipeBlob `json:"blobs"`
}

// CommandKind discriminates the CommandData variants.
type CommandKind int

const (
	CmdVoid CommandKind = iota
	CmdValue
	CmdLongString
	CmdDoubleString
)

// CommandData is a command argument or result. Kind selects which fields
// are meaningful: Value for CmdValue, L/S for CmdLongString, D/S for
// CmdDoubleString.
type CommandData struct {
	Kind  CommandKind `json:"kind"`
	Value Value       `json:"-"`
	L     []int32     `json:"lvalue,omitempty"`
	D     []float64   `json:"dvalue,omitempty"`
	S     []string    `json:"svalue,omitempty"`
}

// VoidData returns an empty argument.
func VoidData() *CommandData { return &CommandData{Kind: CmdVoid} }

// StringsData wraps a string array argument.
func StringsData(s ...string) *CommandData {
	return &CommandData{Kind: CmdValue, Value: StringArray(s)}
}

// LongStringData wraps a DevVarLongStringArray argument.
func LongStringData(l []int32, s []string) *CommandData {
	return &CommandData{Kind: CmdLongString, L: l, S: s}
}

// ValueData wraps a single value argument.
func ValueData(v Value) *CommandData { return &CommandData{Kind: CmdValue, Value: v} }

// Strings returns the string array carried by a CmdValue argument.
func (c *CommandData) Strings() ([]string, error) {
	if c == nil || c.Kind != CmdValue {
		return nil, Throw(ReasonIncompatibleAttrDataType, "argument is not a string array", "CommandData.Strings")
	}
	s, ok := c.Value.(StringArray)
	if !ok {
		return nil, Throw(ReasonIncompatibleAttrDataType,
			fmt.Sprintf("argument is %s, not a string array", c.Value.DataType()), "CommandData.Strings")
	}
	return s, nil
}

// Clone returns a deep copy.
func (c *CommandData) Clone() *CommandData {
	if c == nil {
		return nil
	}
	return &CommandData{
		Kind:  c.Kind,
		Value: CopyValue(c.Value),
		L:     append([]int32(nil), c.L...),
		D:     append([]float64(nil), c.D...),
		S:     append([]string(nil), c.S...),
	}
}

// MarshalJSON embeds the typed value envelope.
func (c CommandData) MarshalJSON() ([]byte, error) {
	type plain CommandData
	data, err := MarshalValue(c.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		plain
		Data json.RawMessage `json:"value"`
	}{plain(c), data})
}

// UnmarshalJSON decodes the typed value envelope.
func (c *CommandData) UnmarshalJSON(b []byte) error {
	type plain CommandData
	var aux struct {
		plain
		Data json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*c = CommandData(aux.plain)
	v, err := UnmarshalValue(aux.Data)
	if err != nil {
		return err
	}
	c.Value = v
	return nil
}
