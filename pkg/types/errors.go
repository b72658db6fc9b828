package types

import (
	"errors"
	"fmt"
	"strings"
)

// Reason codes shared between servers and clients. Tools match on these
// strings, so they must not change.
const (
	ReasonAttrNotFound                = "API_AttrNotFound"
	ReasonDeviceNotFound              = "API_DeviceNotFound"
	ReasonCommandNotFound             = "API_CommandNotFound"
	ReasonWrongNumberOfArgs           = "API_WrongNumberOfArgs"
	ReasonEventPropertiesNotSet       = "API_EventPropertiesNotSet"
	ReasonAttributePollingNotStarted  = "API_AttributePollingNotStarted"
	ReasonAttributeNotDataReady       = "API_AttributeNotDataReadyEnabled"
	ReasonNotSupportedFeature         = "API_NotSupportedFeature"
	ReasonNotSupported                = "API_NotSupported"
	ReasonNotificationServiceFailed   = "API_NotificationServiceFailed"
	ReasonEventChannelNotExported     = "API_EventChannelNotExported"
	ReasonEventTimeout                = "API_EventTimeout"
	ReasonEventNotFound               = "API_EventNotFound"
	ReasonMissedEvents                = "API_MissedEvents"
	ReasonShutdownInProgress          = "API_ShutdownInProgress"
	ReasonNotEnoughData               = "API_NotEnoughData"
	ReasonPollObjNotFound             = "API_PollObjNotFound"
	ReasonAlreadyPolled               = "API_AlreadyPolled"
	ReasonInvalidArgs                 = "API_InvalidArgs"
	ReasonCantConnectToDevice         = "API_CantConnectToDevice"
	ReasonIncompatibleAttrDataType    = "API_IncompatibleAttrDataType"
	ReasonAttrNotWritable             = "API_AttrNotWritable"
	ReasonDeviceNotDefined            = "DB_DeviceNotDefined"
	ReasonDatabaseAccess              = "API_DatabaseAccess"
	ReasonBadConfigurationProperty    = "API_BadConfigurationProperty"
	ReasonEventSupplierNotConstructed = "API_EventSupplierNotConstructed"
	ReasonCommandTimeout              = "API_DeviceTimedOut"
)

// DevError is one frame of a DevFailed error stack.
type DevError struct {
	Reason   string      `json:"reason"`
	Desc     string      `json:"desc"`
	Origin   string      `json:"origin"`
	Severity ErrSeverity `json:"severity"`
}

// DevFailed is the error type raised by device operations. Errors[0] is the
// innermost cause; later frames are added by Rethrow.
type DevFailed struct {
	Errors []DevError `json:"errors"`
}

func (e *DevFailed) Error() string {
	if len(e.Errors) == 0 {
		return "device failed"
	}
	parts := make([]string, 0, len(e.Errors))
	for i := len(e.Errors) - 1; i >= 0; i-- {
		f := e.Errors[i]
		parts = append(parts, fmt.Sprintf("%s: %s (%s)", f.Reason, f.Desc, f.Origin))
	}
	return strings.Join(parts, ": ")
}

// Reason returns the reason of the outermost frame.
func (e *DevFailed) Reason() string {
	if len(e.Errors) == 0 {
		return ""
	}
	return e.Errors[len(e.Errors)-1].Reason
}

// Clone returns a deep copy of the error stack.
func (e *DevFailed) Clone() *DevFailed {
	if e == nil {
		return nil
	}
	errs := make([]DevError, len(e.Errors))
	copy(errs, e.Errors)
	return &DevFailed{Errors: errs}
}

// Equal reports whether both stacks carry the same frames.
func (e *DevFailed) Equal(o *DevFailed) bool {
	if e == nil || o == nil {
		return e == o
	}
	if len(e.Errors) != len(o.Errors) {
		return false
	}
	for i := range e.Errors {
		if e.Errors[i] != o.Errors[i] {
			return false
		}
	}
	return true
}

// Throw builds a single frame DevFailed.
func Throw(reason, desc, origin string) *DevFailed {
	return &DevFailed{Errors: []DevError{{
		Reason:   reason,
		Desc:     desc,
		Origin:   origin,
		Severity: Err,
	}}}
}

// Rethrow pushes a new frame on top of err. Non DevFailed errors become the
// inner frame with reason API_CantConnectToDevice.
func Rethrow(err error, reason, desc, origin string) *DevFailed {
	out := AsDevFailed(err).Clone()
	out.Errors = append(out.Errors, DevError{
		Reason:   reason,
		Desc:     desc,
		Origin:   origin,
		Severity: Err,
	})
	return out
}

// AsDevFailed extracts a DevFailed from err, wrapping foreign errors.
func AsDevFailed(err error) *DevFailed {
	if err == nil {
		return nil
	}
	var df *DevFailed
	if errors.As(err, &df) {
		return df
	}
	return Throw(ReasonCantConnectToDevice, err.Error(), "unknown")
}

// ReasonOf returns the outermost reason of err or "" when err is not a
// DevFailed.
func ReasonOf(err error) string {
	var df *DevFailed
	if errors.As(err, &df) {
		return df.Reason()
	}
	return ""
}

// IsReason reports whether any frame of err carries reason.
func IsReason(err error, reason string) bool {
	var df *DevFailed
	if !errors.As(err, &df) {
		return false
	}
	for _, f := range df.Errors {
		if f.Reason == reason {
			return true
		}
	}
	return false
}
