package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/hostbridge/internal/dispatch"
	"github.com/danmuck/hostbridge/internal/protocol/frame"
	"github.com/danmuck/hostbridge/internal/protocol/schema"
	"github.com/danmuck/hostbridge/internal/protocol/tlv"
	"github.com/danmuck/hostbridge/internal/registry"
	"github.com/rs/zerolog/log"
)

// CallError is an error reply from the server.
type CallError struct {
	CallType uint32
	Code     uint32
	Message  string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("server: %s failed (code %d): %s", schema.CallName(e.CallType), e.Code, e.Message)
}

// Is lets callers match error replies against the server-side sentinels.
func (e *CallError) Is(target error) bool {
	switch target {
	case registry.ErrNotFound:
		return e.Code == schema.CodeNotFound
	case registry.ErrExists:
		return e.Code == schema.CodeConflict
	case registry.ErrInconsistent:
		return e.Code == schema.CodeInconsistent
	case dispatch.ErrUnknownCall:
		return e.Code == schema.CodeUnknownCall
	}
	return false
}

// Client issues calls over one connection, one call at a time.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	limits frame.Limits
	nextID atomic.Uint64
}

func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		limits: frame.DefaultLimits(),
	}, nil
}

// BackoffConfig shapes the delay between dial attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
	}
}

// DialRetry dials until it succeeds, attempts run out or ctx is done. It
// covers the window where the server is starting and the socket does not
// exist yet.
func DialRetry(ctx context.Context, socketPath string, attempts int, cfg BackoffConfig) (*Client, error) {
	if attempts <= 0 {
		return nil, fmt.Errorf("server: dial %s: attempts must be positive, got %d", socketPath, attempts)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		c, err := Dial(ctx, socketPath)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		delay := nextBackoffDelay(cfg, attempt, rng)
		log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("dial failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("server: dial %s: %w", socketPath, lastErr)
}

// nextBackoffDelay returns the delay after attempt N (1-based).
func nextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// Call sends one call and waits for its reply. An error reply is returned as
// a *CallError. When ctx ends first the connection is left in an unknown
// state and should be closed.
func (c *Client) Call(ctx context.Context, callType uint32, fields ...tlv.Field) ([]tlv.Field, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	id := c.nextID.Add(1)
	err := frame.WriteFrame(c.conn, frame.Frame{
		Header:  frame.Header{CallID: id, CallType: callType},
		Payload: tlv.EncodeFields(fields),
	}, c.limits)
	if err != nil {
		return nil, c.wrapCtx(ctx, err)
	}

	for {
		fr, err := frame.ReadFrame(c.reader, c.limits)
		if err != nil {
			return nil, c.wrapCtx(ctx, err)
		}
		if fr.Header.CallID != id {
			// Reply to an earlier call whose caller gave up.
			continue
		}
		out, err := tlv.DecodeFields(fr.Payload)
		if err != nil {
			return nil, err
		}
		if fr.Header.IsError() {
			return nil, decodeCallError(callType, out)
		}
		return out, nil
	}
}

func (c *Client) wrapCtx(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func decodeCallError(callType uint32, fields []tlv.Field) error {
	e := &CallError{CallType: callType, Code: schema.CodeInternal}
	if f, ok := tlv.GetField(fields, schema.FieldErrorCode); ok {
		if code, err := f.U32(); err == nil {
			e.Code = code
		}
	}
	if f, ok := tlv.GetField(fields, schema.FieldMessage); ok {
		e.Message = string(f.Value)
	}
	return e
}

func (c *Client) Ping(ctx context.Context, msg string) (string, error) {
	var fields []tlv.Field
	if msg != "" {
		fields = append(fields, tlv.String(schema.FieldMessage, msg))
	}
	out, err := c.Call(ctx, schema.CallPing, fields...)
	if err != nil {
		return "", err
	}
	f, ok := tlv.GetField(out, schema.FieldMessage)
	if !ok {
		return "", errors.New("server: ping reply without message")
	}
	return f.Str()
}

func (c *Client) Close() error {
	return c.conn.Close()
}
