package api

import (
	"context"
	"fmt"
	"net"

	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server implements the tango.Device gRPC service on top of a Backend
type Server struct {
	backend Backend
	grpc    *grpc.Server
	lis     net.Listener
	logger  zerolog.Logger
}

// NewServer creates a new API server
func NewServer(backend Backend, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(ClientInterceptor(), MetricsInterceptor())}, opts...)
	s := &Server{
		backend: backend,
		grpc:    grpc.NewServer(opts...),
		logger:  log.WithComponent("api"),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Listen binds the server address. Port 0 picks a free port, see Addr.
func (s *Server) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}
	s.lis = lis
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Serve blocks serving requests on the bound listener
func (s *Server) Serve() error {
	if s.lis == nil {
		return fmt.Errorf("server not listening")
	}
	s.logger.Info().Str("addr", s.Addr()).Msg("gRPC API listening")
	return s.grpc.Serve(s.lis)
}

// Start binds addr and serves in the calling goroutine
func (s *Server) Start(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// call decodes the request of method, runs it on the backend and encodes
// the reply.
func (s *Server) call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	reply, err := s.dispatch(ctx, method, in)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := ToStruct(reply)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func (s *Server) dispatch(ctx context.Context, method string, in *structpb.Struct) (any, error) {
	switch method {
	case MethodCommandInout:
		var req CommandRequest
		if err := FromStruct(in, &req); err != nil {
			return nil, err
		}
		argin := req.Argin
		if argin == nil {
			argin = types.VoidData()
		}
		out, err := s.backend.CommandInout(ctx, req.Device, req.Command, argin)
		if err != nil {
			return nil, err
		}
		return CommandReply{Argout: out}, nil

	case MethodReadAttribute:
		var req AttributeRequest
		if err := FromStruct(in, &req); err != nil {
			return nil, err
		}
		v, err := s.backend.ReadAttribute(ctx, req.Device, req.Attribute)
		if err != nil {
			return nil, err
		}
		return AttributeReply{Value: v}, nil

	case MethodWriteAttribute:
		var req AttributeRequest
		if err := FromStruct(in, &req); err != nil {
			return nil, err
		}
		if req.Value == nil {
			return nil, types.Throw(types.ReasonInvalidArgs, "write without value", "api.WriteAttribute")
		}
		return AttributeReply{}, s.backend.WriteAttribute(ctx, req.Device, req.Attribute, req.Value)

	case MethodAttributeHistory:
		var req HistoryRequest
		if err := FromStruct(in, &req); err != nil {
			return nil, err
		}
		h, err := s.backend.AttributeHistory(ctx, req.Device, req.Object, req.N)
		if err != nil {
			return nil, err
		}
		return AttrHistoryReply{History: h}, nil

	case MethodCommandHistory:
		var req HistoryRequest
		if err := FromStruct(in, &req); err != nil {
			return nil, err
		}
		h, err := s.backend.CommandHistory(ctx, req.Device, req.Object, req.N)
		if err != nil {
			return nil, err
		}
		return CmdHistoryReply{History: h}, nil

	case MethodInfo:
		var req InfoRequest
		if err := FromStruct(in, &req); err != nil {
			return nil, err
		}
		return s.backend.Info(ctx, req.Device)
	}
	return nil, types.Throw(types.ReasonCommandNotFound, "unknown method "+method, "api.Server")
}
