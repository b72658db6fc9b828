package api

import (
	"context"

	"github.com/cuemby/tango/pkg/pollring"
	"github.com/cuemby/tango/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service and method names of the device RPC.
const (
	ServiceName = "tango.Device"

	MethodCommandInout     = "/tango.Device/CommandInout"
	MethodReadAttribute    = "/tango.Device/ReadAttribute"
	MethodWriteAttribute   = "/tango.Device/WriteAttribute"
	MethodAttributeHistory = "/tango.Device/AttributeHistory"
	MethodCommandHistory   = "/tango.Device/CommandHistory"
	MethodInfo             = "/tango.Device/Info"
)

// CommandRequest executes a command on a device.
type CommandRequest struct {
	Device  string             `json:"device"`
	Command string             `json:"command"`
	Argin   *types.CommandData `json:"argin,omitempty"`
}

// CommandReply carries the command result.
type CommandReply struct {
	Argout *types.CommandData `json:"argout,omitempty"`
}

// AttributeRequest reads or writes one attribute.
type AttributeRequest struct {
	Device    string                `json:"device"`
	Attribute string                `json:"attribute"`
	Value     *types.AttributeValue `json:"value,omitempty"`
}

// AttributeReply carries an attribute read.
type AttributeReply struct {
	Value *types.AttributeValue `json:"value,omitempty"`
}

// HistoryRequest reads the polling buffer of an attribute or command.
type HistoryRequest struct {
	Device string `json:"device"`
	Object string `json:"object"`
	N      int    `json:"n"`
}

// AttrHistoryReply carries an attribute history.
type AttrHistoryReply struct {
	History *pollring.AttrHistory `json:"history"`
}

// CmdHistoryReply carries a command history.
type CmdHistoryReply struct {
	History []pollring.CmdHistoryEntry `json:"history"`
}

// InfoRequest asks for the description of a device.
type InfoRequest struct {
	Device string `json:"device"`
}

// DeviceInfo describes a device and the server hosting it.
type DeviceInfo struct {
	Name    string `json:"name"`
	Class   string `json:"class"`
	Server  string `json:"server"`
	Host    string `json:"host"`
	IDL     int    `json:"idl"`
	AdmName string `json:"adm_name"`
}

// Backend executes device calls. A device server routes them to its
// devices; the database server to the database device.
type Backend interface {
	CommandInout(ctx context.Context, device, command string, argin *types.CommandData) (*types.CommandData, error)
	ReadAttribute(ctx context.Context, device, attr string) (*types.AttributeValue, error)
	WriteAttribute(ctx context.Context, device, attr string, value *types.AttributeValue) error
	AttributeHistory(ctx context.Context, device, attr string, n int) (*pollring.AttrHistory, error)
	CommandHistory(ctx context.Context, device, command string, n int) ([]pollring.CmdHistoryEntry, error)
	Info(ctx context.Context, device string) (*DeviceInfo, error)
}

// deviceServer is the handler type checked by grpc.RegisterService.
type deviceServer interface {
	call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error)
}

// unary builds the handler of one method. All methods take and return a
// structpb.Struct.
func unary(method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return srv.(deviceServer).call(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return srv.(deviceServer).call(ctx, method, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func methodDesc(full string) grpc.MethodDesc {
	return grpc.MethodDesc{MethodName: full[len("/"+ServiceName+"/"):], Handler: unary(full)}
}

// serviceDesc describes the tango.Device service.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*deviceServer)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc(MethodCommandInout),
		methodDesc(MethodReadAttribute),
		methodDesc(MethodWriteAttribute),
		methodDesc(MethodAttributeHistory),
		methodDesc(MethodCommandHistory),
		methodDesc(MethodInfo),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tango/device.proto",
}
