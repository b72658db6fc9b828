package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuemby/tango/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct converts a JSON serialisable Go value into a protobuf Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("message must encode to an object: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}
	return s, nil
}

// FromStruct decodes a protobuf Struct into v.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("failed to encode struct: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

// toStatus maps a DevFailed onto codes.Aborted with the JSON encoded stack
// as message. Other errors become codes.Internal.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var df *types.DevFailed
	if errors.As(err, &df) {
		data, mErr := json.Marshal(df)
		if mErr == nil {
			return status.Error(codes.Aborted, string(data))
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus converts an RPC error back into a DevFailed.
func FromStatus(err error, origin string) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return types.Throw(types.ReasonCantConnectToDevice, err.Error(), origin)
	}
	switch st.Code() {
	case codes.Aborted:
		var df types.DevFailed
		if json.Unmarshal([]byte(st.Message()), &df) == nil && len(df.Errors) > 0 {
			return &df
		}
	case codes.DeadlineExceeded:
		return types.Throw(types.ReasonCommandTimeout, st.Message(), origin)
	case codes.Unimplemented:
		return types.Throw(types.ReasonCommandNotFound, st.Message(), origin)
	}
	return types.Throw(types.ReasonCantConnectToDevice, st.Message(), origin)
}
