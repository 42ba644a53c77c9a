package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/hostbridge/internal/dispatch"
	"github.com/danmuck/hostbridge/internal/proc"
	"github.com/danmuck/hostbridge/internal/protocol/frame"
	"github.com/danmuck/hostbridge/internal/protocol/schema"
	"github.com/danmuck/hostbridge/internal/protocol/tlv"
	"github.com/danmuck/hostbridge/internal/registry"
	"github.com/danmuck/hostbridge/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSocketPath stays well under the sun_path limit; t.TempDir can exceed it.
func testSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "hb")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "b.sock")
}

type running struct {
	srv    *Server
	table  *proc.Table
	path   string
	cancel context.CancelFunc
	done   chan error
}

// startServer runs a server on a fresh table; setup runs before it serves.
func startServer(t *testing.T, setup ...func(*Server, *proc.Table)) *running {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SocketPath = testSocketPath(t)
	cfg.AdminAddr = ""
	cfg.ReapInterval = 0

	table := proc.NewTable()
	srv, err := New(cfg, table, nil)
	require.NoError(t, err)
	for _, fn := range setup {
		fn(srv, table)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{srv: srv, table: table, path: cfg.SocketPath, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-r.done
	})
	return r
}

func (r *running) dial(t *testing.T) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := DialRetry(ctx, r.path, 50, BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1.5, MaxDelay: 100 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustU64(t *testing.T, fields []tlv.Field, id uint16) uint64 {
	t.Helper()
	f, ok := tlv.GetField(fields, id)
	require.True(t, ok, "field %d missing", id)
	v, err := f.U64()
	require.NoError(t, err)
	return v
}

func mustBool(t *testing.T, fields []tlv.Field, id uint16) bool {
	t.Helper()
	f, ok := tlv.GetField(fields, id)
	require.True(t, ok, "field %d missing", id)
	v, err := f.Bool()
	require.NoError(t, err)
	return v
}

func mustI32(t *testing.T, fields []tlv.Field, id uint16) int32 {
	t.Helper()
	f, ok := tlv.GetField(fields, id)
	require.True(t, ok, "field %d missing", id)
	v, err := f.I32()
	require.NoError(t, err)
	return v
}

func TestPingRoundTrip(t *testing.T) {
	testlog.Start(t)
	r := startServer(t)
	c := r.dial(t)

	msg, err := c.Ping(callCtx(t), "")
	require.NoError(t, err)
	assert.Equal(t, "pong", msg)

	msg, err = c.Ping(callCtx(t), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg)
}

func TestCallLifecycleOverSocket(t *testing.T) {
	testlog.Start(t)
	r := startServer(t)
	c := r.dial(t)
	ctx := callCtx(t)

	out, err := c.Call(ctx, schema.CallCheckin,
		tlv.I32(schema.FieldPID, 40),
		tlv.I32(schema.FieldTID, 41),
		tlv.I32(schema.FieldHostTID, 9041),
		tlv.Bool(schema.FieldPeerIsHost, true),
	)
	require.NoError(t, err)
	pid := mustU64(t, out, schema.FieldInternalID)
	tid := mustU64(t, out, schema.FieldThreadInternalID)

	out, err = c.Call(ctx, schema.CallLookupProcess, tlv.I32(schema.FieldPID, 40))
	require.NoError(t, err)
	require.True(t, mustBool(t, out, schema.FieldFound))
	assert.Equal(t, pid, mustU64(t, out, schema.FieldInternalID))
	if runtime.GOOS == "linux" {
		// No host pid in the call and the caller is the guest, so the peer
		// credentials supply it.
		assert.Equal(t, int32(os.Getpid()), mustI32(t, out, schema.FieldHostPID))
	}

	out, err = c.Call(ctx, schema.CallLookupThread, tlv.I32(schema.FieldTID, 41))
	require.NoError(t, err)
	require.True(t, mustBool(t, out, schema.FieldFound))
	assert.Equal(t, tid, mustU64(t, out, schema.FieldThreadInternalID))
	assert.Equal(t, int32(9041), mustI32(t, out, schema.FieldHostTID))

	out, err = c.Call(ctx, schema.CallProcessExit, tlv.I32(schema.FieldPID, 40))
	require.NoError(t, err)
	f, ok := tlv.GetField(out, schema.FieldThreads)
	require.True(t, ok)
	n, err := f.U32()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)

	out, err = c.Call(ctx, schema.CallLookupThread, tlv.I32(schema.FieldTID, 41))
	require.NoError(t, err)
	assert.False(t, mustBool(t, out, schema.FieldFound))
	assert.Zero(t, r.table.Processes.Len())
	assert.Zero(t, r.table.Threads.Len())
}

func TestErrorRepliesMapToSentinels(t *testing.T) {
	testlog.Start(t)
	r := startServer(t)
	c := r.dial(t)
	ctx := callCtx(t)

	_, err := c.Call(ctx, schema.CallCheckout, tlv.I32(schema.FieldTID, 77))
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.CodeNotFound, ce.Code)
	assert.NotEmpty(t, ce.Message)

	_, err = c.Call(ctx, 99)
	assert.ErrorIs(t, err, dispatch.ErrUnknownCall)

	_, err = c.Call(ctx, schema.CallCheckin, tlv.I32(schema.FieldPID, 1))
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.CodeInvalid, ce.Code)

	// The connection stays usable after error replies.
	msg, err := c.Ping(ctx, "still here")
	require.NoError(t, err)
	assert.Equal(t, "still here", msg)
}

func TestMalformedPayloadGetsErrorReply(t *testing.T) {
	testlog.Start(t)
	r := startServer(t)
	r.dial(t)

	conn, err := net.Dial("unix", r.path)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	err = frame.WriteFrame(conn, frame.Frame{
		Header:  frame.Header{CallID: 7, CallType: schema.CallPing},
		Payload: []byte{0x00, 0x01, 0x02},
	}, frame.DefaultLimits())
	require.NoError(t, err)

	reply, err := frame.ReadFrame(bufio.NewReader(conn), frame.DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), reply.Header.CallID)
	assert.True(t, reply.Header.IsReply())
	require.True(t, reply.Header.IsError())

	fields, err := tlv.DecodeFields(reply.Payload)
	require.NoError(t, err)
	f, ok := tlv.GetField(fields, schema.FieldErrorCode)
	require.True(t, ok)
	code, err := f.U32()
	require.NoError(t, err)
	assert.Equal(t, schema.CodeInvalid, code)
}

func TestConcurrentClientsShareOneProcess(t *testing.T) {
	testlog.Start(t)
	r := startServer(t)

	const clients = 8
	const perClient = 25
	ids := make(chan uint64, clients*perClient)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		c := r.dial(t)
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for j := 0; j < perClient; j++ {
				out, err := c.Call(ctx, schema.CallCheckin,
					tlv.I32(schema.FieldPID, 500),
					tlv.I32(schema.FieldTID, int32(1000+i*perClient+j)),
				)
				if !assert.NoError(t, err) {
					return
				}
				f, _ := tlv.GetField(out, schema.FieldInternalID)
				v, _ := f.U64()
				ids <- v
			}
		}(i, c)
	}
	wg.Wait()
	close(ids)

	var first uint64
	for id := range ids {
		if first == 0 {
			first = id
		}
		assert.Equal(t, first, id)
	}
	assert.Equal(t, 1, r.table.Processes.Len())
	assert.Equal(t, clients*perClient, r.table.Threads.Len())
	require.NoError(t, r.table.Check())
}

func TestShutdownClosesConnectionsAndSocket(t *testing.T) {
	testlog.Start(t)
	r := startServer(t)
	c := r.dial(t)
	_, err := c.Ping(callCtx(t), "")
	require.NoError(t, err)

	r.cancel()
	select {
	case err := <-r.done:
		require.NoError(t, err)
		r.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	_, err = c.Ping(callCtx(t), "")
	assert.Error(t, err)
	_, statErr := os.Stat(r.path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "socket file left behind: %v", statErr)
}

func TestListenReplacesStaleSocket(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SocketPath = testSocketPath(t)
	require.NoError(t, os.WriteFile(cfg.SocketPath, nil, 0o600))

	srv, err := New(cfg, proc.NewTable(), nil)
	require.NoError(t, err)
	ln, err := srv.Listen()
	require.NoError(t, err)
	defer ln.Close()

	info, err := os.Stat(cfg.SocketPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSocket)
	assert.Equal(t, cfg.SocketMode, info.Mode().Perm())
}

func TestCallHonorsContext(t *testing.T) {
	testlog.Start(t)
	srvConn, cliConn := net.Pipe()
	defer srvConn.Close()
	c := &Client{conn: cliConn, reader: bufio.NewReader(cliConn), limits: frame.DefaultLimits()}
	defer c.Close()

	// Drain the request and never answer.
	go func() {
		_, _ = frame.ReadFrame(srvConn, frame.DefaultLimits())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, schema.CallPing)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReplyWriterSerializesConcurrentWrites(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	w := newReplyWriter(a, time.Second, frame.DefaultLimits())

	const n = 50
	got := make(chan uint64, n)
	go func() {
		br := bufio.NewReader(b)
		for i := 0; i < n; i++ {
			fr, err := frame.ReadFrame(br, frame.DefaultLimits())
			if err != nil {
				close(got)
				return
			}
			got <- fr.Header.CallID
		}
		close(got)
	}()

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			reply := dispatch.Reply{Type: schema.CallPing, Fields: []tlv.Field{tlv.String(schema.FieldMessage, "pong")}}
			assert.NoError(t, w.write(reply.Frame(id)))
		}(uint64(i))
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for id := range got {
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, nextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 200*time.Millisecond, nextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, 300*time.Millisecond, nextBackoffDelay(cfg, 3, nil))
	assert.Equal(t, 300*time.Millisecond, nextBackoffDelay(cfg, 8, nil))

	cfg.Jitter = true
	assert.Equal(t, 50*time.Millisecond, nextBackoffDelay(cfg, 1, nil))
	assert.Zero(t, nextBackoffDelay(BackoffConfig{}, 3, nil))
}

func TestDialRetryRejectsNonPositiveAttempts(t *testing.T) {
	testlog.Start(t)
	for _, attempts := range []int{0, -3} {
		c, err := DialRetry(context.Background(), testSocketPath(t), attempts, DefaultBackoff())
		assert.Nil(t, c)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "attempts must be positive")
		assert.NotContains(t, err.Error(), "%!")
	}
}

func TestDialRetryGivesUpOnMissingSocket(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultBackoff()
	cfg.InitialDelay = time.Millisecond
	_, err := DialRetry(context.Background(), testSocketPath(t), 3, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCustomCallTypeOverSocket(t *testing.T) {
	testlog.Start(t)
	const callTableSize uint32 = 64
	r := startServer(t, func(srv *Server, table *proc.Table) {
		srv.Dispatcher().Handle(callTableSize, func(context.Context, dispatch.Call) ([]tlv.Field, error) {
			return []tlv.Field{tlv.U32(schema.FieldThreads, uint32(table.Threads.Len()))}, nil
		})
	})
	c := r.dial(t)
	ctx := callCtx(t)

	_, err := c.Call(ctx, schema.CallCheckin, tlv.I32(schema.FieldPID, 7), tlv.I32(schema.FieldTID, 8))
	require.NoError(t, err)
	out, err := c.Call(ctx, callTableSize)
	require.NoError(t, err)
	f, ok := tlv.GetField(out, schema.FieldThreads)
	require.True(t, ok)
	n, err := f.U32()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)
}
