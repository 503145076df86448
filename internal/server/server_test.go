package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"respkv/internal/config"
	"respkv/internal/metrics"
	"respkv/internal/pubsub"
	"respkv/internal/resp"
	"respkv/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Limits: config.LimitsConfig{MaxConnections: 100},
		Replication: config.ReplicationConfig{
			Role: config.RoleMaster,
			ID:   strings.Repeat("a", 40),
		},
	}
}

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	srv := New(cfg, zap.NewNop(), store.New(), pubsub.NewRegistry(), metrics.NewRegistry())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)
	return srv
}

type testClient struct {
	t    *testing.T
	sock net.Conn
	r    *resp.Reader
	w    *resp.Writer
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	sock, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })
	return &testClient{t: t, sock: sock, r: resp.NewReader(sock), w: resp.NewWriter(sock)}
}

func (c *testClient) send(args ...string) {
	c.t.Helper()
	elems := make([]resp.Value, len(args))
	for i, a := range args {
		elems[i] = resp.Bulk(a)
	}
	require.NoError(c.t, c.w.WriteValue(resp.Array(elems...)))
}

func (c *testClient) recv() resp.Value {
	c.t.Helper()
	require.NoError(c.t, c.sock.SetReadDeadline(time.Now().Add(5*time.Second)))
	v, err := c.r.ReadValue()
	require.NoError(c.t, err)
	return v
}

func (c *testClient) roundTrip(args ...string) resp.Value {
	c.t.Helper()
	c.send(args...)
	return c.recv()
}

func TestPingEcho(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	assert.Equal(t, resp.Simple("PONG"), c.roundTrip("PING"))
	assert.Equal(t, resp.Bulk("hello"), c.roundTrip("ECHO", "hello"))
	assert.Equal(t, resp.KindError, c.roundTrip("ECHO").Kind)
}

func TestSetGetWithExpiry(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	assert.Equal(t, resp.Simple("OK"), c.roundTrip("SET", "foo", "bar"))
	assert.Equal(t, resp.Bulk("bar"), c.roundTrip("GET", "foo"))

	assert.Equal(t, resp.Simple("OK"), c.roundTrip("SET", "foo", "baz", "PX", "50"))
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, resp.NilBulk(), c.roundTrip("GET", "foo"))

	assert.Equal(t, resp.NilBulk(), c.roundTrip("GET", "never-set"))
}

func TestTypeAndWrongType(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	c.roundTrip("SET", "s", "x")
	c.roundTrip("RPUSH", "l", "a")
	c.roundTrip("XADD", "st", "1-1", "f", "v")

	assert.Equal(t, resp.Simple("string"), c.roundTrip("TYPE", "s"))
	assert.Equal(t, resp.Simple("list"), c.roundTrip("TYPE", "l"))
	assert.Equal(t, resp.Simple("stream"), c.roundTrip("TYPE", "st"))
	assert.Equal(t, resp.Simple("none"), c.roundTrip("TYPE", "missing"))

	reply := c.roundTrip("GET", "l")
	require.Equal(t, resp.KindError, reply.Kind)
	assert.Contains(t, reply.Str, "WRONGTYPE")
}

func TestIncr(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	c.roundTrip("SET", "n", "10")
	assert.Equal(t, resp.Int(11), c.roundTrip("INCR", "n"))
	assert.Equal(t, resp.Int(1), c.roundTrip("INCR", "fresh"))

	c.roundTrip("SET", "word", "abc")
	reply := c.roundTrip("INCR", "word")
	require.Equal(t, resp.KindError, reply.Kind)
	assert.Equal(t, "ERR value is not an integer or out of range", reply.Str)
}

func TestListCommands(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	assert.Equal(t, resp.Int(3), c.roundTrip("RPUSH", "q", "a", "b", "c"))
	assert.Equal(t, resp.Int(5), c.roundTrip("LPUSH", "q", "x", "y"))
	assert.Equal(t, resp.Int(5), c.roundTrip("LLEN", "q"))

	all := c.roundTrip("LRANGE", "q", "0", "-1")
	require.Equal(t, resp.KindArray, all.Kind)
	got := make([]string, len(all.Elems))
	for i, e := range all.Elems {
		got[i] = e.Str
	}
	assert.Equal(t, []string{"y", "x", "a", "b", "c"}, got)

	assert.Len(t, c.roundTrip("LRANGE", "q", "-100", "-1").Elems, 5)
	assert.Empty(t, c.roundTrip("LRANGE", "q", "7", "10").Elems)

	assert.Equal(t, resp.Bulk("y"), c.roundTrip("LPOP", "q"))
	popped := c.roundTrip("LPOP", "q", "2")
	require.Equal(t, resp.KindArray, popped.Kind)
	require.Len(t, popped.Elems, 2)
	assert.Equal(t, resp.Bulk("x"), popped.Elems[0])

	assert.Equal(t, resp.NilBulk(), c.roundTrip("LPOP", "empty"))
	assert.Empty(t, c.roundTrip("LPOP", "empty", "3").Elems)
}

func TestBLPopHandOff(t *testing.T) {
	srv := newTestServer(t, testConfig())
	blocked := dial(t, srv)
	pusher := dial(t, srv)

	blocked.send("BLPOP", "q", "0")
	time.Sleep(100 * time.Millisecond) // let the waiter register

	assert.Equal(t, resp.Int(1), pusher.roundTrip("RPUSH", "q", "v"))

	reply := blocked.recv()
	assert.Equal(t, resp.Array(resp.Bulk("q"), resp.Bulk("v")), reply)

	// The value went to the waiter, never into the list.
	assert.Equal(t, resp.Int(0), pusher.roundTrip("LLEN", "q"))
}

func TestBLPopTimeout(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	start := time.Now()
	reply := c.roundTrip("BLPOP", "q", "0.1")
	elapsed := time.Since(start)

	assert.Equal(t, resp.NilArray(), reply)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestStreamScenario(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	reply := c.roundTrip("XADD", "s", "*", "a", "1")
	require.Equal(t, resp.KindBulkString, reply.Kind)
	require.True(t, strings.HasSuffix(reply.Str, "-0"), "auto id starts the sequence at 0: %s", reply.Str)
	ms := strings.TrimSuffix(reply.Str, "-0")
	_, err := strconv.ParseUint(ms, 10, 64)
	require.NoError(t, err)

	reply = c.roundTrip("XADD", "s", ms+"-*", "b", "2")
	assert.Equal(t, resp.Bulk(ms+"-1"), reply)

	reply = c.roundTrip("XADD", "s", "0-0", "c", "3")
	assert.Equal(t, resp.KindError, reply.Kind)

	reply = c.roundTrip("XADD", "s", ms+"-1", "d", "4")
	require.Equal(t, resp.KindError, reply.Kind)
	assert.Equal(t, "ERR The ID specified in XADD is equal or smaller than the target stream top item", reply.Str)
}

func TestXRange(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	c.roundTrip("XADD", "s", "1-1", "f", "a")
	c.roundTrip("XADD", "s", "2-1", "f", "b")

	reply := c.roundTrip("XRANGE", "s", "-", "+")
	require.Equal(t, resp.KindArray, reply.Kind)
	require.Len(t, reply.Elems, 2)
	assert.Equal(t,
		resp.Array(resp.Bulk("1-1"), resp.Array(resp.Bulk("f"), resp.Bulk("a"))),
		reply.Elems[0])

	assert.Len(t, c.roundTrip("XRANGE", "s", "2", "2").Elems, 1)
	assert.Empty(t, c.roundTrip("XRANGE", "nothing", "-", "+").Elems)
}

func TestXReadNonBlocking(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	c.roundTrip("XADD", "s", "1-1", "f", "a")
	c.roundTrip("XADD", "s", "2-1", "f", "b")

	reply := c.roundTrip("XREAD", "STREAMS", "s", "1-1")
	require.Equal(t, resp.KindArray, reply.Kind)
	require.Len(t, reply.Elems, 1)
	streamReply := reply.Elems[0]
	assert.Equal(t, resp.Bulk("s"), streamReply.Elems[0])
	require.Len(t, streamReply.Elems[1].Elems, 1)
	assert.Equal(t, resp.Bulk("2-1"), streamReply.Elems[1].Elems[0].Elems[0])

	assert.Empty(t, c.roundTrip("XREAD", "STREAMS", "s", "2-1").Elems)
}

func TestXReadBlock(t *testing.T) {
	srv := newTestServer(t, testConfig())
	blocked := dial(t, srv)
	producer := dial(t, srv)

	blocked.send("XREAD", "BLOCK", "0", "STREAMS", "s", "$")
	time.Sleep(100 * time.Millisecond)

	id := producer.roundTrip("XADD", "s", "*", "f", "v")
	require.Equal(t, resp.KindBulkString, id.Kind)

	reply := blocked.recv()
	expected := resp.Array(resp.Array(
		resp.Bulk("s"),
		resp.Array(resp.Array(resp.Bulk(id.Str), resp.Array(resp.Bulk("f"), resp.Bulk("v")))),
	))
	assert.Equal(t, expected, reply)
}

func TestXReadBlockTimeout(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	start := time.Now()
	reply := c.roundTrip("XREAD", "BLOCK", "100", "STREAMS", "s", "$")
	assert.Equal(t, resp.NilArray(), reply)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestPubSubScenario(t *testing.T) {
	srv := newTestServer(t, testConfig())
	sub := dial(t, srv)
	pub := dial(t, srv)

	reply := sub.roundTrip("SUBSCRIBE", "news")
	assert.Equal(t,
		resp.Array(resp.Bulk("subscribe"), resp.Bulk("news"), resp.Int(1)),
		reply)

	assert.Equal(t, resp.Int(1), pub.roundTrip("PUBLISH", "news", "hello"))

	msg := sub.recv()
	assert.Equal(t,
		resp.Array(resp.Bulk("message"), resp.Bulk("news"), resp.Bulk("hello")),
		msg)

	assert.Equal(t, resp.Int(0), pub.roundTrip("PUBLISH", "nobody-listens", "x"))
}

func TestSubscribeModeRestriction(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	c.roundTrip("SUBSCRIBE", "news")

	reply := c.roundTrip("GET", "foo")
	require.Equal(t, resp.KindError, reply.Kind)
	assert.Equal(t, "ERR Can't execute 'GET' in subscribed mode", reply.Str)

	assert.Equal(t, resp.Array(resp.Bulk("pong"), resp.Bulk("")), c.roundTrip("PING"))

	reply = c.roundTrip("UNSUBSCRIBE", "news")
	assert.Equal(t,
		resp.Array(resp.Bulk("unsubscribe"), resp.Bulk("news"), resp.Int(0)),
		reply)

	// Back to normal mode.
	assert.Equal(t, resp.NilBulk(), c.roundTrip("GET", "foo"))
}

func TestMultiExecScenario(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	assert.Equal(t, resp.Simple("OK"), c.roundTrip("MULTI"))
	assert.Equal(t, resp.Simple("QUEUED"), c.roundTrip("SET", "k", "1"))
	assert.Equal(t, resp.Simple("QUEUED"), c.roundTrip("INCR", "k"))

	reply := c.roundTrip("EXEC")
	assert.Equal(t, resp.Array(resp.Simple("OK"), resp.Int(2)), reply)

	assert.Equal(t, resp.Bulk("2"), c.roundTrip("GET", "k"))
}

func TestExecWithoutMulti(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	reply := c.roundTrip("EXEC")
	require.Equal(t, resp.KindError, reply.Kind)
	assert.Equal(t, "ERR EXEC without MULTI", reply.Str)

	reply = c.roundTrip("DISCARD")
	assert.Equal(t, resp.KindError, reply.Kind)
}

func TestDiscard(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	c.roundTrip("MULTI")
	c.roundTrip("SET", "k", "v")
	assert.Equal(t, resp.Simple("OK"), c.roundTrip("DISCARD"))
	assert.Equal(t, resp.NilBulk(), c.roundTrip("GET", "k"))
}

func TestExecContinuesPastErrors(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	c.roundTrip("SET", "word", "abc")
	c.roundTrip("MULTI")
	c.roundTrip("INCR", "word")     // semantic error at exec time
	c.roundTrip("GET")              // arity error, validated at exec time
	c.roundTrip("SET", "done", "1") // still runs

	reply := c.roundTrip("EXEC")
	require.Equal(t, resp.KindArray, reply.Kind)
	require.Len(t, reply.Elems, 3)
	assert.Equal(t, resp.KindError, reply.Elems[0].Kind)
	assert.Equal(t, resp.KindError, reply.Elems[1].Kind)
	assert.Equal(t, resp.Simple("OK"), reply.Elems[2])

	assert.Equal(t, resp.Bulk("1"), c.roundTrip("GET", "done"))
}

func TestNestedMulti(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	c.roundTrip("MULTI")
	reply := c.roundTrip("MULTI")
	require.Equal(t, resp.KindError, reply.Kind)
}

func TestUnknownCommand(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	reply := c.roundTrip("FROBNICATE", "x")
	require.Equal(t, resp.KindError, reply.Kind)
	assert.Equal(t, "ERR unknown command 'FROBNICATE'", reply.Str)
}

func TestQuitClosesConnection(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	assert.Equal(t, resp.Simple("OK"), c.roundTrip("QUIT"))

	require.NoError(t, c.sock.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.r.ReadValue()
	assert.Error(t, err, "server closes the connection after QUIT")
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	srv := newTestServer(t, testConfig())
	c := dial(t, srv)

	_, err := c.sock.Write([]byte("!bogus\r\n"))
	require.NoError(t, err)

	require.NoError(t, c.sock.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = c.r.ReadValue()
	assert.Error(t, err)
}

func TestPSyncHandshakeReplies(t *testing.T) {
	cfg := testConfig()
	srv := newTestServer(t, cfg)
	c := dial(t, srv)

	assert.Equal(t, resp.Simple("OK"), c.roundTrip("REPLCONF", "listening-port", "6380"))
	assert.Equal(t, resp.Simple("OK"), c.roundTrip("REPLCONF", "capa", "psync2"))

	reply := c.roundTrip("PSYNC", "?", "-1")
	require.Equal(t, resp.KindSimpleString, reply.Kind)
	assert.Equal(t, "FULLRESYNC "+cfg.Replication.ID+" 0", reply.Str)
}

func TestReplicaHandshakeClient(t *testing.T) {
	srv := newTestServer(t, testConfig())

	sock, err := Handshake(context.Background(), srv.Addr().String(), 6380, zap.NewNop())
	require.NoError(t, err)
	defer sock.Close()
}

func TestGracefulShutdownUnblocksWaiter(t *testing.T) {
	srv := New(testConfig(), zap.NewNop(), store.New(), pubsub.NewRegistry(), metrics.NewRegistry())
	require.NoError(t, srv.Start(context.Background()))

	c := dial(t, srv)
	c.send("BLPOP", "q", "0")
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()

	reply := c.recv()
	assert.Equal(t, resp.NilArray(), reply, "shutdown resolves blocked readers with their timeout shape")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestConnectionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxConnections = 1
	srv := newTestServer(t, cfg)

	first := dial(t, srv)
	assert.Equal(t, resp.Simple("PONG"), first.roundTrip("PING"))

	second := dial(t, srv)
	require.NoError(t, second.sock.SetReadDeadline(time.Now().Add(2*time.Second)))
	v, err := second.r.ReadValue()
	require.NoError(t, err)
	require.Equal(t, resp.KindError, v.Kind)
	assert.Contains(t, v.Str, "max number of clients")
}

func TestConcurrentClientsIsolatedState(t *testing.T) {
	srv := newTestServer(t, testConfig())

	// Multi-mode on one connection must not leak into another.
	a := dial(t, srv)
	b := dial(t, srv)

	a.roundTrip("MULTI")
	assert.Equal(t, resp.Simple("QUEUED"), a.roundTrip("SET", "k", "a"))
	assert.Equal(t, resp.Simple("OK"), b.roundTrip("SET", "k", "b"))
	assert.Equal(t, resp.Bulk("b"), b.roundTrip("GET", "k"))

	a.roundTrip("EXEC")
	assert.Equal(t, resp.Bulk("a"), b.roundTrip("GET", "k"))
}

func TestManyClientsHammerStore(t *testing.T) {
	srv := newTestServer(t, testConfig())

	const clients = 8
	errCh := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(n int) {
			sock, err := net.Dial("tcp", srv.Addr().String())
			if err != nil {
				errCh <- err
				return
			}
			defer sock.Close()
			r := resp.NewReader(sock)
			w := resp.NewWriter(sock)
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("k%d", n)
				if err := w.WriteValue(resp.Array(resp.Bulk("INCR"), resp.Bulk(key))); err != nil {
					errCh <- err
					return
				}
				if _, err := r.ReadValue(); err != nil {
					errCh <- err
					return
				}
			}
			errCh <- nil
		}(i)
	}
	for i := 0; i < clients; i++ {
		require.NoError(t, <-errCh)
	}

	c := dial(t, srv)
	for i := 0; i < clients; i++ {
		assert.Equal(t, resp.Bulk("50"), c.roundTrip("GET", fmt.Sprintf("k%d", i)))
	}
}
