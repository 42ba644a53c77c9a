// Package dispatch routes decoded guest calls to their handlers and turns
// handler results into replies.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/hostbridge/internal/observability"
	"github.com/danmuck/hostbridge/internal/proc"
	"github.com/danmuck/hostbridge/internal/protocol/frame"
	"github.com/danmuck/hostbridge/internal/protocol/schema"
	"github.com/danmuck/hostbridge/internal/protocol/tlv"
	"github.com/danmuck/hostbridge/internal/registry"
	"github.com/rs/zerolog/log"
)

var ErrUnknownCall = errors.New("dispatch: unknown call type")

// Peer holds the credentials of the process on the other end of the
// connection, as reported by the kernel.
type Peer struct {
	PID   int32
	UID   uint32
	GID   uint32
	Known bool
}

type Call struct {
	ID     uint64
	Type   uint32
	Fields []tlv.Field
	Peer   Peer
}

// Reply is the outcome of one call. A non-nil Err makes it an error reply;
// Fields are ignored then.
type Reply struct {
	Type   uint32
	Fields []tlv.Field
	Err    error
}

// Frame encodes r as the reply to callID.
func (r Reply) Frame(callID uint64) frame.Frame {
	h := frame.Header{Flags: frame.FlagReply, CallID: callID, CallType: r.Type}
	fields := r.Fields
	if r.Err != nil {
		h.Flags |= frame.FlagError
		fields = []tlv.Field{
			tlv.U32(schema.FieldErrorCode, ErrorCode(r.Err)),
			tlv.String(schema.FieldMessage, r.Err.Error()),
		}
	}
	return frame.Frame{Header: h, Payload: tlv.EncodeFields(fields)}
}

type Handler func(ctx context.Context, call Call) ([]tlv.Field, error)

type Dispatcher struct {
	table    *proc.Table
	handlers map[uint32]Handler
	// schemas holds required fields for call types schema does not know.
	schemas map[uint32][]schema.Requirement
}

// New returns a dispatcher with the built-in handlers bound to table.
func New(table *proc.Table) *Dispatcher {
	d := &Dispatcher{
		table:    table,
		handlers: make(map[uint32]Handler),
		schemas:  make(map[uint32][]schema.Requirement),
	}
	d.Handle(schema.CallPing, d.ping)
	d.Handle(schema.CallCheckin, d.checkin)
	d.Handle(schema.CallCheckout, d.checkout)
	d.Handle(schema.CallProcessExit, d.processExit)
	d.Handle(schema.CallLookupProcess, d.lookupProcess)
	d.Handle(schema.CallLookupThread, d.lookupThread)
	return d
}

// Handle installs h for callType, replacing any previous handler. Built-in
// call types keep their schema and ignore required; any other call type is
// validated against required. It is not safe to call once Dispatch is in use.
func (d *Dispatcher) Handle(callType uint32, h Handler, required ...schema.Requirement) {
	d.handlers[callType] = h
	if !schema.Known(callType) {
		d.schemas[callType] = required
	}
}

// Dispatch validates call against its schema and runs its handler.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) Reply {
	start := time.Now()
	name := schema.CallName(call.Type)
	reply := d.dispatch(ctx, call)

	outcome := "ok"
	if reply.Err != nil {
		outcome = codeNames[ErrorCode(reply.Err)]
		event := log.Debug()
		if errors.Is(reply.Err, registry.ErrInconsistent) {
			// Both index views must always agree; this is a bug, not a bad call.
			event = log.Error()
		}
		event.
			Err(reply.Err).
			Uint64("call_id", call.ID).
			Str("call", name).
			Int32("peer_pid", call.Peer.PID).
			Msg("call failed")
	}
	observability.RecordCall(name, outcome, time.Since(start))
	return reply
}

func (d *Dispatcher) dispatch(ctx context.Context, call Call) Reply {
	reply := Reply{Type: call.Type}
	h, ok := d.handlers[call.Type]
	if !ok {
		reply.Err = fmt.Errorf("%w: %d", ErrUnknownCall, call.Type)
		return reply
	}
	if err := d.validate(call); err != nil {
		reply.Err = err
		return reply
	}
	reply.Fields, reply.Err = h(ctx, call)
	return reply
}

func (d *Dispatcher) validate(call Call) error {
	if schema.Known(call.Type) {
		return schema.Validate(call.Type, call.Fields)
	}
	return schema.ValidateFields(call.Type, call.Fields, d.schemas[call.Type], nil)
}

var codeNames = map[uint32]string{
	schema.CodeInternal:     "internal",
	schema.CodeInvalid:      "invalid",
	schema.CodeNotFound:     "not_found",
	schema.CodeConflict:     "conflict",
	schema.CodeUnknownCall:  "unknown_call",
	schema.CodeInconsistent: "inconsistent",
}

// ErrorCode maps err to the code sent to the guest.
func ErrorCode(err error) uint32 {
	var ve schema.ValidationError
	switch {
	case errors.Is(err, ErrUnknownCall):
		return schema.CodeUnknownCall
	case errors.As(err, &ve), errors.Is(err, proc.ErrInvalidNSID):
		return schema.CodeInvalid
	case errors.Is(err, tlv.ErrTypeMismatch), errors.Is(err, tlv.ErrBadLength),
		errors.Is(err, tlv.ErrShortFieldHeader), errors.Is(err, tlv.ErrShortFieldValue):
		return schema.CodeInvalid
	case errors.Is(err, registry.ErrInconsistent):
		return schema.CodeInconsistent
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, proc.ErrProcessGone):
		return schema.CodeNotFound
	case errors.Is(err, registry.ErrExists), errors.Is(err, registry.ErrNSIDMismatch), errors.Is(err, proc.ErrOwnerMismatch):
		return schema.CodeConflict
	default:
		return schema.CodeInternal
	}
}
