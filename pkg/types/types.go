package types

import (
	"fmt"
	"strings"
)

// DataType is the element type carried by an attribute, command argument or
// polling ring entry.
type DataType int

const (
	DevVoid DataType = iota
	DevBoolean
	DevShort
	DevLong
	DevFloat
	DevDouble
	DevUShort
	DevULong
	DevString
	DevState
	DevUChar
	DevLong64
	DevULong64
	DevEncoded
	DevEnum
)

var dataTypeNames = map[DataType]string{
	DevVoid:    "DevVoid",
	DevBoolean: "DevBoolean",
	DevShort:   "DevShort",
	DevLong:    "DevLong",
	DevFloat:   "DevFloat",
	DevDouble:  "DevDouble",
	DevUShort:  "DevUShort",
	DevULong:   "DevULong",
	DevString:  "DevString",
	DevState:   "DevState",
	DevUChar:   "DevUChar",
	DevLong64:  "DevLong64",
	DevULong64: "DevULong64",
	DevEncoded: "DevEncoded",
	DevEnum:    "DevEnum",
}

func (t DataType) String() string {
	if s, ok := dataTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// ParseDataType converts a configuration name ("DevDouble" or "double") into
// a DataType.
func ParseDataType(s string) (DataType, error) {
	for t, name := range dataTypeNames {
		if strings.EqualFold(name, s) || strings.EqualFold(strings.TrimPrefix(name, "Dev"), s) {
			return t, nil
		}
	}
	return DevVoid, fmt.Errorf("unknown data type %q", s)
}

// IsNumeric reports whether change detection thresholds apply to the type.
func (t DataType) IsNumeric() bool {
	switch t {
	case DevShort, DevLong, DevFloat, DevDouble, DevUShort, DevULong,
		DevUChar, DevLong64, DevULong64:
		return true
	}
	return false
}

// DataFormat is the shape of an attribute value.
type DataFormat int

const (
	Scalar DataFormat = iota
	Spectrum
	Image
)

func (f DataFormat) String() string {
	switch f {
	case Scalar:
		return "SCALAR"
	case Spectrum:
		return "SPECTRUM"
	case Image:
		return "IMAGE"
	}
	return fmt.Sprintf("DataFormat(%d)", int(f))
}

// ParseDataFormat converts a configuration name into a DataFormat.
func ParseDataFormat(s string) (DataFormat, error) {
	switch strings.ToLower(s) {
	case "", "scalar":
		return Scalar, nil
	case "spectrum":
		return Spectrum, nil
	case "image":
		return Image, nil
	}
	return Scalar, fmt.Errorf("unknown data format %q", s)
}

// Quality is the attribute quality factor attached to every read.
type Quality int

const (
	AttrValid Quality = iota
	AttrInvalid
	AttrAlarm
	AttrChanging
	AttrWarning
)

func (q Quality) String() string {
	switch q {
	case AttrValid:
		return "ATTR_VALID"
	case AttrInvalid:
		return "ATTR_INVALID"
	case AttrAlarm:
		return "ATTR_ALARM"
	case AttrChanging:
		return "ATTR_CHANGING"
	case AttrWarning:
		return "ATTR_WARNING"
	}
	return fmt.Sprintf("Quality(%d)", int(q))
}

// State is the device state machine value.
type State int

const (
	On State = iota
	Off
	Close
	Open
	Insert
	Extract
	Moving
	Standby
	Fault
	Init
	Running
	Alarm
	Disable
	Unknown
)

var stateNames = [...]string{
	"ON", "OFF", "CLOSE", "OPEN", "INSERT", "EXTRACT", "MOVING",
	"STANDBY", "FAULT", "INIT", "RUNNING", "ALARM", "DISABLE", "UNKNOWN",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// AttrDim is the (x, y) dimension of a read or write value. Y is zero for
// scalars and spectra.
type AttrDim struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Len returns the number of elements described by the dimension.
func (d AttrDim) Len() int {
	if d.Y != 0 {
		return d.X * d.Y
	}
	return d.X
}

// ChannelType identifies the event transport family.
type ChannelType int

const (
	Notifd ChannelType = iota
	Zmq
)

func (c ChannelType) String() string {
	switch c {
	case Notifd:
		return "notifd"
	case Zmq:
		return "zmq"
	}
	return fmt.Sprintf("ChannelType(%d)", int(c))
}

// ParseChannelType converts a configuration name into a ChannelType.
func ParseChannelType(s string) (ChannelType, error) {
	switch strings.ToLower(s) {
	case "notifd", "nats":
		return Notifd, nil
	case "zmq", "":
		return Zmq, nil
	}
	return Zmq, fmt.Errorf("unknown event transport %q", s)
}

// ErrSeverity mirrors the severity carried by a DevError.
type ErrSeverity int

const (
	Warn ErrSeverity = iota
	Err
	Panic
)

func (s ErrSeverity) String() string {
	switch s {
	case Warn:
		return "WARN"
	case Err:
		return "ERR"
	case Panic:
		return "PANIC"
	}
	return fmt.Sprintf("ErrSeverity(%d)", int(s))
}
