package schema

import (
	"fmt"

	"github.com/danmuck/hostbridge/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Call type IDs.
const (
	CallPing          uint32 = 1
	CallCheckin       uint32 = 2
	CallCheckout      uint32 = 3
	CallProcessExit   uint32 = 4
	CallLookupProcess uint32 = 5
	CallLookupThread  uint32 = 6
)

// Field IDs. Guest pids and tids travel as i32, internal IDs as u64.
const (
	FieldPID       uint16 = 1
	FieldTID       uint16 = 2
	FieldParentPID uint16 = 3
	FieldHostPID   uint16 = 4
	FieldHostTID   uint16 = 5

	// FieldPeerIsHost marks the caller as the guest process itself, so its
	// socket peer pid stands in for a missing FieldHostPID.
	FieldPeerIsHost uint16 = 6

	FieldInternalID       uint16 = 100
	FieldFound            uint16 = 101
	FieldThreads          uint16 = 102
	FieldThreadInternalID uint16 = 103

	FieldMessage   uint16 = 200
	FieldErrorCode uint16 = 201
)

// Error codes carried in FieldErrorCode of replies flagged as errors.
const (
	CodeInternal     uint32 = 1
	CodeInvalid      uint32 = 2
	CodeNotFound     uint32 = 3
	CodeConflict     uint32 = 4
	CodeUnknownCall  uint32 = 5
	CodeInconsistent uint32 = 6
)

var callNames = map[uint32]string{
	CallPing:          "ping",
	CallCheckin:       "checkin",
	CallCheckout:      "checkout",
	CallProcessExit:   "process_exit",
	CallLookupProcess: "lookup_process",
	CallLookupThread:  "lookup_thread",
}

// CallName returns a stable label for callType, "unknown" when it has none.
func CallName(callType uint32) string {
	if name, ok := callNames[callType]; ok {
		return name
	}
	return "unknown"
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	CallType uint32
	FieldID  uint16
	Reason   string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: call_type=%d: %s", e.CallType, e.Reason)
	}
	return fmt.Sprintf("schema: call_type=%d field=%d: %s", e.CallType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	CallPing: {},
	CallCheckin: {
		{FieldPID, tlv.TypeI32},
		{FieldTID, tlv.TypeI32},
	},
	CallCheckout: {
		{FieldTID, tlv.TypeI32},
	},
	CallProcessExit: {
		{FieldPID, tlv.TypeI32},
	},
	CallLookupProcess: {
		{FieldPID, tlv.TypeI32},
	},
	CallLookupThread: {
		{FieldTID, tlv.TypeI32},
	},
}

// optional fields are not required but must have the right type when sent.
var optional = map[uint32][]Requirement{
	CallPing: {
		{FieldMessage, tlv.TypeString},
	},
	CallCheckin: {
		{FieldParentPID, tlv.TypeI32},
		{FieldHostPID, tlv.TypeI32},
		{FieldHostTID, tlv.TypeI32},
		{FieldPeerIsHost, tlv.TypeBool},
	},
}

// Known reports whether callType has a built-in schema.
func Known(callType uint32) bool {
	_, ok := requirements[callType]
	return ok
}

// Validate enforces required fields and field types for a built-in call
// type. Unknown fields are ignored.
func Validate(callType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[callType]
	if !ok {
		log.Debug().Uint32("call_type", callType).Msg("schema: unknown call type")
		return ValidationError{CallType: callType, Reason: "unknown call_type"}
	}
	return ValidateFields(callType, fields, reqs, optional[callType])
}

// ValidateFields checks fields against an explicit schema: every required
// field present with its type, and optional fields typed when sent.
func ValidateFields(callType uint32, fields []tlv.Field, required, opt []Requirement) error {
	for _, req := range required {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			return ValidationError{CallType: callType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			return ValidationError{CallType: callType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, o := range opt {
		if f, found := tlv.GetField(fields, o.ID); found && f.Type != o.Type {
			return ValidationError{CallType: callType, FieldID: o.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
