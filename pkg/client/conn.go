package client

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cuemby/tango/pkg/api"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// LibVersion is the client library release announced to servers.
const LibVersion = 6

// Conn is a connection to one device server (or database) process.
type Conn struct {
	addr string
	id   string
	lib  int
	conn *grpc.ClientConn
}

// Option configures a Conn.
type Option func(*Conn)

// WithClientID overrides the generated client identity.
func WithClientID(id string) Option {
	return func(c *Conn) { c.id = id }
}

// WithLibVersion overrides the announced client library release.
func WithLibVersion(v int) Option {
	return func(c *Conn) { c.lib = v }
}

// Dial creates a connection to addr. The connection is established lazily
// by the first call.
func Dial(addr string, opts ...Option) (*Conn, error) {
	c := &Conn{addr: addr, id: uuid.New().String(), lib: LibVersion}
	for _, opt := range opts {
		opt(c)
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	c.conn = conn
	return c, nil
}

// Addr returns the target address.
func (c *Conn) Addr() string { return c.addr }

// ID returns the client identity sent with every call.
func (c *Conn) ID() string { return c.id }

// Close closes the connection.
func (c *Conn) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// invoke sends req to method and decodes the answer into reply. RPC
// failures come back as DevFailed.
func (c *Conn) invoke(ctx context.Context, method string, req, reply any) error {
	in, err := api.ToStruct(req)
	if err != nil {
		return err
	}
	ctx, cancel := api.WithDefaultTimeout(ctx)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx,
		api.MetadataClientID, c.id,
		api.MetadataClientLib, strconv.Itoa(c.lib),
	)

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return api.FromStatus(err, c.addr+" "+method)
	}
	if reply == nil {
		return nil
	}
	return api.FromStruct(out, reply)
}
