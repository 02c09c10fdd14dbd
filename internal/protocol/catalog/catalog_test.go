package catalog

import (
	"testing"

	"iguanaird/internal/protocol"
)

func TestLookupExchVersionsAnyFirmware(t *testing.T) {
	row, err := Lookup(protocol.OpExchVersions, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.RequestLen != 2 || row.ResponseLen != 2 || !row.ExpectsAck {
		t.Fatalf("unexpected row: %+v", row)
	}
}

func TestLookupVersionedGetPinsSplit(t *testing.T) {
	old, err := Lookup(protocol.OpGetPins, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if old.VersionEnd != 3 {
		t.Fatalf("expected legacy row capped at firmware 3, got %+v", old)
	}

	newer, err := Lookup(protocol.OpGetPins, 0x101)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if newer.VersionStart != 0x101 {
		t.Fatalf("expected extended row starting at 0x101, got %+v", newer)
	}
}

func TestLookupUnknownOpcodeFails(t *testing.T) {
	_, err := Lookup(protocol.Opcode(0x99), 1)
	if err == nil {
		t.Fatal("expected an error for an unknown opcode")
	}
	var unknown ErrUnknownOpcode
	if !isUnknownOpcode(err, &unknown) {
		t.Fatalf("expected ErrUnknownOpcode, got %T: %v", err, err)
	}
}

func isUnknownOpcode(err error, target *ErrUnknownOpcode) bool {
	e, ok := err.(ErrUnknownOpcode)
	if ok {
		*target = e
	}
	return ok
}

func TestPayloadMatch(t *testing.T) {
	cases := []struct {
		spec, length int
		want         bool
	}{
		{NoPayload, 0, true},
		{NoPayload, 1, false},
		{AnyPayload, 0, true},
		{AnyPayload, 500, true},
		{4, 4, true},
		{4, 5, false},
	}
	for _, c := range cases {
		if got := PayloadMatch(c.spec, c.length); got != c.want {
			t.Errorf("PayloadMatch(%d,%d) = %v, want %v", c.spec, c.length, got, c.want)
		}
	}
}

func TestExecuteAndResetHaveNoAck(t *testing.T) {
	for _, op := range []protocol.Opcode{protocol.OpExecute, protocol.OpDevReset} {
		row, err := Lookup(op, 1)
		if err != nil {
			t.Fatalf("unexpected error for opcode %v: %v", op, err)
		}
		if row.ExpectsAck {
			t.Fatalf("opcode %v should not expect an ack", op)
		}
	}
}
