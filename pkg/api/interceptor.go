package api

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/tango/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// ClientInterceptor creates a gRPC unary interceptor that attaches the
// caller identity (client id, library release, peer address) to the
// request context. Handlers read it back with ClientFromContext.
func ClientInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		return handler(WithClient(ctx, clientFromIncoming(ctx)), req)
	}
}

// MetricsInterceptor records request counts and durations per method.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		name := methodName(info.FullMethod)
		timer := metrics.NewTimer()
		resp, err := handler(ctx, req)
		timer.ObserveDurationVec(metrics.APIRequestDuration, name)
		metrics.APIRequestsTotal.WithLabelValues(name, status.Code(err).String()).Inc()
		return resp, err
	}
}

// methodName extracts the method from a full path
// ("/tango.Device/CommandInout" -> "CommandInout")
func methodName(method string) string {
	parts := strings.Split(method, "/")
	if len(parts) < 2 {
		return method
	}
	return parts[len(parts)-1]
}

// callTimeout bounds calls made without a deadline.
const callTimeout = 3 * time.Second

// WithDefaultTimeout returns ctx bounded by the default call timeout when it
// has no deadline yet.
func WithDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, callTimeout)
}
