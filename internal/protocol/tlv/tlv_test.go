package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/hostbridge/internal/testutil/testlog"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		I32(1, 77),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	testlog.Start(t)
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestTypedAccessors(t *testing.T) {
	testlog.Start(t)
	if v, err := I32(1, -5).I32(); err != nil || v != -5 {
		t.Fatalf("i32: %d %v", v, err)
	}
	if v, err := U64(2, 1<<40).U64(); err != nil || v != 1<<40 {
		t.Fatalf("u64: %d %v", v, err)
	}
	if v, err := U32(3, 9).U32(); err != nil || v != 9 {
		t.Fatalf("u32: %d %v", v, err)
	}
	if v, err := Bool(4, true).Bool(); err != nil || !v {
		t.Fatalf("bool: %v %v", v, err)
	}
	if v, err := String(5, "pong").Str(); err != nil || v != "pong" {
		t.Fatalf("string: %q %v", v, err)
	}
}

func TestTypedAccessorsRejectWrongTypeOrLength(t *testing.T) {
	testlog.Start(t)
	if _, err := U32(1, 1).I32(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	short := Field{ID: 1, Type: TypeU64, Value: []byte{1, 2, 3}}
	if _, err := short.U64(); !errors.Is(err, ErrBadLength) {
		t.Fatalf("expected ErrBadLength, got %v", err)
	}
}
