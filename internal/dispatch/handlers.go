package dispatch

import (
	"context"

	"github.com/danmuck/hostbridge/internal/proc"
	"github.com/danmuck/hostbridge/internal/protocol/schema"
	"github.com/danmuck/hostbridge/internal/protocol/tlv"
)

func (d *Dispatcher) ping(_ context.Context, call Call) ([]tlv.Field, error) {
	msg := "pong"
	if f, ok := tlv.GetField(call.Fields, schema.FieldMessage); ok {
		msg = string(f.Value)
	}
	return []tlv.Field{tlv.String(schema.FieldMessage, msg)}, nil
}

// checkin registers the calling thread and its process. The host pid comes
// from the call when the guest knows it, or from the peer credentials when
// the caller says it is the guest process itself. Otherwise it stays 0 and
// the reaper leaves the process alone.
func (d *Dispatcher) checkin(_ context.Context, call Call) ([]tlv.Field, error) {
	pid, err := requiredI32(call.Fields, schema.FieldPID)
	if err != nil {
		return nil, err
	}
	tid, err := requiredI32(call.Fields, schema.FieldTID)
	if err != nil {
		return nil, err
	}
	parent, _, err := optionalI32(call.Fields, schema.FieldParentPID)
	if err != nil {
		return nil, err
	}
	hostPID, ok, err := optionalI32(call.Fields, schema.FieldHostPID)
	if err != nil {
		return nil, err
	}
	if !ok && call.Peer.Known && optionalBool(call.Fields, schema.FieldPeerIsHost) {
		hostPID = call.Peer.PID
	}
	hostTID, _, err := optionalI32(call.Fields, schema.FieldHostTID)
	if err != nil {
		return nil, err
	}

	th, err := d.table.CheckinThread(proc.ThreadInfo{
		NSID:    proc.NSID(tid),
		HostTID: hostTID,
		Process: proc.ProcessInfo{
			NSID:       proc.NSID(pid),
			ParentNSID: proc.NSID(parent),
			HostPID:    hostPID,
		},
	})
	if err != nil {
		return nil, err
	}
	return []tlv.Field{
		tlv.U64(schema.FieldInternalID, uint64(th.Process().ID())),
		tlv.U64(schema.FieldThreadInternalID, uint64(th.ID())),
	}, nil
}

func (d *Dispatcher) checkout(_ context.Context, call Call) ([]tlv.Field, error) {
	tid, err := requiredI32(call.Fields, schema.FieldTID)
	if err != nil {
		return nil, err
	}
	th, err := d.table.CheckoutThread(proc.NSID(tid))
	if err != nil {
		return nil, err
	}
	return []tlv.Field{tlv.U64(schema.FieldThreadInternalID, uint64(th.ID()))}, nil
}

func (d *Dispatcher) processExit(_ context.Context, call Call) ([]tlv.Field, error) {
	pid, err := requiredI32(call.Fields, schema.FieldPID)
	if err != nil {
		return nil, err
	}
	threads, err := d.table.ExitProcess(proc.NSID(pid))
	if err != nil {
		return nil, err
	}
	return []tlv.Field{tlv.U32(schema.FieldThreads, uint32(len(threads)))}, nil
}

// lookupProcess reports found=false instead of failing for an unknown pid.
func (d *Dispatcher) lookupProcess(_ context.Context, call Call) ([]tlv.Field, error) {
	pid, err := requiredI32(call.Fields, schema.FieldPID)
	if err != nil {
		return nil, err
	}
	p, ok := d.table.Processes.LookupByNSID(proc.NSID(pid))
	if !ok {
		return []tlv.Field{tlv.Bool(schema.FieldFound, false)}, nil
	}
	return []tlv.Field{
		tlv.Bool(schema.FieldFound, true),
		tlv.U64(schema.FieldInternalID, uint64(p.ID())),
		tlv.I32(schema.FieldPID, int32(p.NSID())),
		tlv.I32(schema.FieldParentPID, int32(p.ParentNSID())),
		tlv.I32(schema.FieldHostPID, p.HostPID()),
	}, nil
}

func (d *Dispatcher) lookupThread(_ context.Context, call Call) ([]tlv.Field, error) {
	tid, err := requiredI32(call.Fields, schema.FieldTID)
	if err != nil {
		return nil, err
	}
	th, ok := d.table.Threads.LookupByNSID(proc.NSID(tid))
	if !ok {
		return []tlv.Field{tlv.Bool(schema.FieldFound, false)}, nil
	}
	return []tlv.Field{
		tlv.Bool(schema.FieldFound, true),
		tlv.U64(schema.FieldThreadInternalID, uint64(th.ID())),
		tlv.U64(schema.FieldInternalID, uint64(th.Process().ID())),
		tlv.I32(schema.FieldTID, int32(th.NSID())),
		tlv.I32(schema.FieldPID, int32(th.Process().NSID())),
		tlv.I32(schema.FieldHostTID, th.HostTID()),
	}, nil
}

func requiredI32(fields []tlv.Field, id uint16) (int32, error) {
	v, ok, err := optionalI32(fields, id)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, schema.ValidationError{FieldID: id, Reason: "missing required field"}
	}
	return v, nil
}

func optionalI32(fields []tlv.Field, id uint16) (int32, bool, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, false, nil
	}
	v, err := f.I32()
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func optionalBool(fields []tlv.Field, id uint16) bool {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return false
	}
	v, err := f.Bool()
	return err == nil && v
}
