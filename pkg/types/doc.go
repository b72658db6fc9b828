/*
Package types defines the data model shared by servers, clients and the
event system.

Everything that crosses a package or process boundary lives here: attribute
values, command arguments, event payloads, enumerations and the DevFailed
error type.

# Values

Attribute and command payloads are carried by Value, a closed sum type with
one array variant per element type:

	┌──────────── Value ────────────┐
	│ BooleanArray   []bool         │
	│ ShortArray     []int16        │  DevShort, DevEnum
	│ LongArray      []int32        │
	│ FloatArray     []float32      │
	│ DoubleArray    []float64      │
	│ UShortArray    []uint16       │
	│ ULongArray     []uint32       │
	│ StringArray    []string       │
	│ StateArray     []State        │  DevState, DevVoid
	│ UCharArray     []uint8        │
	│ Long64Array    []int64        │
	│ ULong64Array   []uint64       │
	│ EncodedArray   []Encoded      │
	└───────────────────────────────┘

Scalars are one element arrays. Read and write parts of a writable
attribute are concatenated in a single value; AttributeValue.RDim and WDim
tell where the split is.

Values are encoded to JSON as {"type": <DataType>, "data": [...]}.
Non finite floats are written as the strings "NaN", "+Inf" and "-Inf".

# Errors

DevFailed is a stack of DevError frames. Reason codes are stable strings
(API_EventTimeout, API_EventPropertiesNotSet, ...) that clients match on:

	if types.IsReason(err, types.ReasonCommandNotFound) {
		// fall back to the older subscription command
	}

Rethrow adds a frame on top of an existing error, keeping the root cause
at index 0.

# Results

Result is used by lookups where "not there yet" is an expected outcome
rather than a failure, for example reading the last value of an empty
polling ring:

	res := ring.LastAttr()
	switch res.Kind {
	case types.ResultOk:
	case types.ResultNotYetAvailable:
	case types.ResultFatal:
	}
*/
package types
