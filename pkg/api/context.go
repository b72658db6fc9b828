package api

import (
	"context"
	"net"
	"strconv"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// Metadata keys carried by every call.
const (
	MetadataClientID  = "tango-client-id"
	MetadataClientLib = "tango-client-lib"
)

// ClientInfo identifies the caller of an RPC.
type ClientInfo struct {
	ID   string
	Lib  int
	Addr string
}

// IsLocal reports whether the caller runs on this host.
func (c ClientInfo) IsLocal() bool {
	host, _, err := net.SplitHostPort(c.Addr)
	if err != nil {
		host = c.Addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host == "" || host == "localhost"
	}
	if ip.IsLoopback() {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok && n.IP.Equal(ip) {
			return true
		}
	}
	return false
}

type clientKey struct{}

// WithClient attaches caller identity to ctx.
func WithClient(ctx context.Context, c ClientInfo) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// ClientFromContext returns the caller identity. Calls made in process
// report an empty, local ClientInfo.
func ClientFromContext(ctx context.Context) ClientInfo {
	if c, ok := ctx.Value(clientKey{}).(ClientInfo); ok {
		return c
	}
	return ClientInfo{}
}

// clientFromIncoming builds ClientInfo from gRPC metadata and peer data.
func clientFromIncoming(ctx context.Context) ClientInfo {
	var c ClientInfo
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(MetadataClientID); len(v) > 0 {
			c.ID = v[0]
		}
		if v := md.Get(MetadataClientLib); len(v) > 0 {
			c.Lib, _ = strconv.Atoi(v[0])
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		c.Addr = p.Addr.String()
	}
	return c
}
