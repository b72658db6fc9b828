package notifd

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/tango/pkg/api"
	"github.com/cuemby/tango/pkg/database"
	"github.com/cuemby/tango/pkg/event"
	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/storage"
	"github.com/cuemby/tango/pkg/types"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPrefix = "tango://localhost:10000/"
	testAdmin  = "dserver/test/1"
	testDomain = "test/evt/1/value"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS server not ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func newDatabase(t *testing.T) database.Database {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return database.NewLocal(store)
}

func registerFactory(t *testing.T, db database.Database, host, url string) {
	t.Helper()
	require.NoError(t, db.ExportEvent(context.Background(), &types.DbEventChannel{
		Name: FactoryPrefix + host, IOR: url, Host: host, Exported: true,
	}))
}

type recorder struct {
	mu   sync.Mutex
	msgs []*event.Message
}

func (r *recorder) Deliver(msg *event.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) received() []*event.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*event.Message(nil), r.msgs...)
}

func (r *recorder) wait(t *testing.T, n int) []*event.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.received()) >= n }, 5*time.Second, 10*time.Millisecond)
	return r.received()
}

// split separates heartbeats from data messages. Each travels on its own
// subscription, so their relative order is not fixed.
func split(msgs []*event.Message) (heartbeats, data []*event.Message) {
	for _, m := range msgs {
		if m.IsHeartbeat() {
			heartbeats = append(heartbeats, m)
		} else {
			data = append(data, m)
		}
	}
	return heartbeats, data
}

// waitSplit waits for at least hb heartbeats and n data messages.
func (r *recorder) waitSplit(t *testing.T, hb, n int) (heartbeats, data []*event.Message) {
	t.Helper()
	require.Eventually(t, func() bool {
		h, d := split(r.received())
		return len(h) >= hb && len(d) >= n
	}, 5*time.Second, 10*time.Millisecond)
	return split(r.received())
}

type fakeAdmin struct {
	ior string
	err error
}

func (f *fakeAdmin) Name() string { return testAdmin }

func (f *fakeAdmin) TRL() types.TRL {
	return types.TRL{Host: "localhost", Port: "10000", Device: testAdmin, DBase: true}
}

func (f *fakeAdmin) CommandInout(_ context.Context, command string, _ *types.CommandData) (*types.CommandData, error) {
	if f.err != nil {
		return nil, f.err
	}
	if command != event.CmdQueryEventChannelIOR {
		return nil, types.Throw(types.ReasonCommandNotFound, command, "fakeAdmin")
	}
	return types.StringsData(f.ior), nil
}

func (f *fakeAdmin) ReadAttribute(context.Context, string) (*types.AttributeValue, error) {
	return nil, types.Throw(types.ReasonAttrNotFound, "none", "fakeAdmin")
}

func (f *fakeAdmin) Info(context.Context) (*api.DeviceInfo, error) {
	return &api.DeviceInfo{Name: testAdmin, IDL: 6, AdmName: testAdmin}, nil
}

func changeMsg(idl int, delta float64) *event.Message {
	return &event.Message{
		Prefix:     testPrefix,
		Domain:     testDomain,
		Event:      event.ChangeEvent,
		Filterable: map[string]float64{"delta_change_abs": delta, "forced_event": 0},
		AttrValue: &types.AttributeValue{
			Name: "value", Value: types.DoubleArray{delta}, Quality: types.AttrValid,
			RDim: types.AttrDim{X: 1}, IDL: idl, Time: time.Now(),
		},
	}
}

func connectedSupplier(t *testing.T, db database.Database) *Supplier {
	t.Helper()
	s := NewSupplier(SupplierConfig{Host: "h1", AdmName: testAdmin, Prefix: testPrefix, DB: db})
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestIOR tests encoding channel locations
func TestIOR(t *testing.T) {
	in := IOR{URL: "nats://127.0.0.1:4222", Subject: "tango.notifd.localhost:10000.dserver/test/1"}
	out, err := DecodeIOR(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	for _, bad := range []string{"", "not json", `{"url":"nats://x"}`} {
		_, err := DecodeIOR(bad)
		require.Error(t, err, bad)
		assert.True(t, types.IsReason(err, types.ReasonEventChannelNotExported), bad)
	}
}

// TestSubjects tests subject naming
func TestSubjects(t *testing.T) {
	root := ChannelSubject("tango://Host.example.org:10000/", "dserver/Test/1")
	assert.Equal(t, "tango.notifd.host_example_org:10000.dserver/test/1", root)
	assert.Equal(t, "tango.notifd.local.dserver/test/1", ChannelSubject("", "dserver/test/1"))
	assert.Equal(t, root+".heartbeat", HeartbeatSubject(root))
	assert.Equal(t, root+".ev.test/evt/1/value.idl5_change", EventSubject(root, "Test/Evt/1/Value", "idl5_change"))
	assert.Equal(t, root+".ev.a_b.x_y", EventSubject(root, "a.b", "x*y"))
}

// TestResolveFactory tests finding the broker of a host
func TestResolveFactory(t *testing.T) {
	ctx := context.Background()
	db := newDatabase(t)
	registerFactory(t, db, "h1", "nats://h1:4222")

	url, err := ResolveFactory(ctx, db, "h1")
	require.NoError(t, err)
	assert.Equal(t, "nats://h1:4222", url)

	url, err = ResolveFactory(ctx, db, "h1.example.org")
	require.NoError(t, err)
	assert.Equal(t, "nats://h1:4222", url)

	_, err = ResolveFactory(ctx, db, "h2")
	require.Error(t, err)
	assert.Equal(t, types.ReasonNotificationServiceFailed, types.ReasonOf(err))

	require.NoError(t, db.UnexportEvent(ctx, FactoryPrefix+"h1"))
	_, err = ResolveFactory(ctx, db, "h1")
	assert.True(t, types.IsReason(err, types.ReasonNotificationServiceFailed))
}

// TestSupplierNotConnected tests pushing before connecting
func TestSupplierNotConnected(t *testing.T) {
	s := NewSupplier(SupplierConfig{AdmName: testAdmin, Prefix: testPrefix})
	err := s.PushHeartbeat(event.NewHeartbeat(testPrefix, testAdmin, 1))
	assert.True(t, types.IsReason(err, types.ReasonEventSupplierNotConstructed))

	_, err = s.ChannelIOR()
	assert.Error(t, err)

	err = s.Connect(context.Background())
	assert.True(t, types.IsReason(err, types.ReasonNotificationServiceFailed))
}

// TestSupplierExportsChannel tests the database entries of a connected supplier
func TestSupplierExportsChannel(t *testing.T) {
	srv := runServer(t)
	db := newDatabase(t)
	registerFactory(t, db, "h1", srv.ClientURL())

	s := NewSupplier(SupplierConfig{Host: "h1", AdmName: testAdmin, Prefix: testPrefix, DB: db})
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, srv.ClientURL(), s.URL())
	assert.Equal(t, types.Notifd, s.Type())

	ch, err := db.ImportEvent(context.Background(), testAdmin)
	require.NoError(t, err)
	assert.True(t, ch.Exported)
	ior, err := DecodeIOR(ch.IOR)
	require.NoError(t, err)
	assert.Equal(t, s.Subject(), ior.Subject)

	encoded, err := s.ChannelIOR()
	require.NoError(t, err)
	assert.Equal(t, ch.IOR, encoded)

	require.NoError(t, s.Reconnect(context.Background()))

	require.NoError(t, s.Close())
	ch, err = db.ImportEvent(context.Background(), testAdmin)
	require.NoError(t, err)
	assert.False(t, ch.Exported)
	assert.True(t, types.IsReason(s.Reconnect(context.Background()), types.ReasonShutdownInProgress))
}

// TestPublishAndConsume tests heartbeats and events from supplier to consumer
func TestPublishAndConsume(t *testing.T) {
	srv := runServer(t)
	db := newDatabase(t)
	registerFactory(t, db, "h1", srv.ClientURL())
	s := connectedSupplier(t, db)

	rec := &recorder{}
	tr := NewConsumerTransport(WithDatabase(db))
	assert.Equal(t, types.Notifd, tr.Type())
	h, err := tr.ConnectChannel(context.Background(), &event.ChannelInfo{Name: testPrefix + testAdmin}, rec)
	require.NoError(t, err)
	defer h.Close()

	ev := &event.EventInfo{
		Key:        event.Topic(testPrefix, testDomain, event.ChangeEvent),
		Domain:     testDomain,
		Event:      event.ChangeEvent,
		Constraint: event.BuildConstraint(testDomain, event.ChangeEvent, nil),
	}
	require.NoError(t, h.ConnectEvent(context.Background(), ev))

	require.NoError(t, s.PushHeartbeat(event.NewHeartbeat(testPrefix, testAdmin, 1)))
	require.NoError(t, s.PushEvent(changeMsg(4, 2)))

	heartbeats, data := rec.waitSplit(t, 1, 1)
	assert.Equal(t, testPrefix+testAdmin, heartbeats[0].Key())
	require.Len(t, data, 1)
	assert.Equal(t, ev.Key, data[0].Key())
	assert.Equal(t, types.DoubleArray{2}, data[0].AttrValue.Value)

	require.NoError(t, h.Ping(context.Background()))

	require.NoError(t, h.DisconnectEvent(ev))
	require.NoError(t, h.DisconnectEvent(ev))
	require.NoError(t, s.PushEvent(changeMsg(4, 3)))
	require.NoError(t, s.PushHeartbeat(event.NewHeartbeat(testPrefix, testAdmin, 2)))
	rec.waitSplit(t, 2, 1)
	time.Sleep(100 * time.Millisecond)
	_, data = split(rec.received())
	assert.Len(t, data, 1, "no event after disconnect")
}

// TestPushEventRejectsNewReleases tests that the broker only carries old payloads
func TestPushEventRejectsNewReleases(t *testing.T) {
	srv := runServer(t)
	db := newDatabase(t)
	registerFactory(t, db, "h1", srv.ClientURL())
	s := connectedSupplier(t, db)

	err := s.PushEvent(changeMsg(5, 1))
	assert.True(t, types.IsReason(err, types.ReasonNotSupported))
	require.NoError(t, s.PushEvent(changeMsg(4, 1)))
}

// TestConsumerFilter tests constraints evaluated before delivery
func TestConsumerFilter(t *testing.T) {
	srv := runServer(t)
	db := newDatabase(t)
	registerFactory(t, db, "h1", srv.ClientURL())
	s := connectedSupplier(t, db)

	rec := &recorder{}
	h, err := NewConsumerTransport(WithDatabase(db)).ConnectChannel(context.Background(),
		&event.ChannelInfo{Name: testPrefix + testAdmin}, rec)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.ConnectEvent(context.Background(), &event.EventInfo{
		Key:        event.Topic(testPrefix, testDomain, event.ChangeEvent),
		Domain:     testDomain,
		Event:      event.ChangeEvent,
		Constraint: event.BuildConstraint(testDomain, event.ChangeEvent, []string{"$delta_change_abs > 5"}),
	}))

	require.NoError(t, s.PushEvent(changeMsg(4, 1)))
	require.NoError(t, s.PushEvent(changeMsg(4, 6)))

	msgs := rec.wait(t, 1)
	assert.Equal(t, types.DoubleArray{6}, msgs[0].AttrValue.Value)

	err = h.ConnectEvent(context.Background(), &event.EventInfo{Key: "k", Domain: testDomain, Event: "change", Constraint: "$a = 1"})
	assert.True(t, types.IsReason(err, types.ReasonInvalidArgs))
}

// TestChannelIORFromAdmin tests the admin device fallback when the database has no entry
func TestChannelIORFromAdmin(t *testing.T) {
	srv := runServer(t)
	db := newDatabase(t)
	registerFactory(t, db, "h1", srv.ClientURL())
	s := connectedSupplier(t, db)
	ior, err := s.ChannelIOR()
	require.NoError(t, err)

	rec := &recorder{}
	tr := NewConsumerTransport()
	h, err := tr.ConnectChannel(context.Background(),
		&event.ChannelInfo{Name: testPrefix + testAdmin + "#dbase=no", Adm: &fakeAdmin{ior: ior}}, rec)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, s.PushHeartbeat(event.NewHeartbeat(testPrefix, testAdmin, 1)))
	rec.wait(t, 1)

	_, err = tr.ConnectChannel(context.Background(),
		&event.ChannelInfo{Name: testPrefix + testAdmin, Adm: &fakeAdmin{err: types.Throw(types.ReasonCommandTimeout, "t", "o")}}, rec)
	assert.True(t, types.IsReason(err, types.ReasonEventChannelNotExported))

	_, err = tr.ConnectChannel(context.Background(), &event.ChannelInfo{Name: testPrefix + testAdmin}, rec)
	assert.True(t, types.IsReason(err, types.ReasonEventChannelNotExported))
}

// TestPingAfterBrokerLoss tests detecting a dead broker
func TestPingAfterBrokerLoss(t *testing.T) {
	srv := runServer(t)
	db := newDatabase(t)
	registerFactory(t, db, "h1", srv.ClientURL())
	connectedSupplier(t, db)

	h, err := NewConsumerTransport(WithDatabase(db)).ConnectChannel(context.Background(),
		&event.ChannelInfo{Name: testPrefix + testAdmin}, &recorder{})
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Ping(context.Background()))

	srv.Shutdown()
	require.Eventually(t, func() bool {
		return h.Ping(context.Background()) != nil
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	err = h.ConnectEvent(context.Background(), &event.EventInfo{Key: "k"})
	assert.Error(t, err)
}

type failingSub struct{ err error }

func (s failingSub) Unsubscribe() error { return s.err }

// stubConn hands out subscriptions whose Unsubscribe fails.
type stubConn struct {
	mu       sync.Mutex
	subjects []string
	closed   bool
}

func (c *stubConn) Publish(string, []byte) error { return nil }

func (c *stubConn) Subscribe(subject string, _ func(string, []byte)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	return failingSub{err: errors.New("connection draining")}, nil
}

func (c *stubConn) FlushTimeout(time.Duration) error { return nil }
func (c *stubConn) IsConnected() bool                { return true }

func (c *stubConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// TestCloseLogsUnsubscribeErrors tests that broker errors on close are logged, not returned
func TestCloseLogsUnsubscribeErrors(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: &buf})
	t.Cleanup(func() { log.Init(log.Config{Level: log.InfoLevel}) })

	conn := &stubConn{}
	tr := NewConsumerTransport(WithDialer(func(string, string) (Conn, error) { return conn, nil }))
	ior := IOR{URL: "nats://stub:4222", Subject: ChannelSubject(testPrefix, testAdmin)}.Encode()
	h, err := tr.ConnectChannel(context.Background(),
		&event.ChannelInfo{Name: testPrefix + testAdmin + "#dbase=no", Adm: &fakeAdmin{ior: ior}}, &recorder{})
	require.NoError(t, err)

	ev := &event.EventInfo{Key: event.Topic(testPrefix, testDomain, event.ChangeEvent), Domain: testDomain, Event: event.ChangeEvent}
	require.NoError(t, h.ConnectEvent(context.Background(), ev))
	require.NoError(t, h.ConnectEvent(context.Background(), ev))
	require.NoError(t, h.Close())

	conn.mu.Lock()
	assert.True(t, conn.closed)
	assert.Len(t, conn.subjects, 3)
	conn.mu.Unlock()

	out := buf.String()
	assert.Contains(t, out, "Failed to drop previous subscription")
	assert.Contains(t, out, "Failed to unsubscribe event")
	assert.Contains(t, out, "Failed to unsubscribe heartbeat")
	assert.Contains(t, out, "connection draining")
}
