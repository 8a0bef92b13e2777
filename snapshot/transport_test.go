package snapshot_test

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"

	"github.com/bobuhiro11/gorr/snapshot"
)

// makeState returns a State with non-zero values in every field so that
// a round-trip test catches missing/swapped fields.
func makeState() *snapshot.State {
	st := &snapshot.State{
		MemSize: 1 << 20,
		CPU: snapshot.CPUState{
			InstrCount: 123456,
			PC:         0x4000,
		},
		Devices: snapshot.DeviceState{
			PendingIRQ:  0x5,
			ExitRequest: 1,
			SerialIER:   0x0F,
			SerialLCR:   0x03,
		},
	}

	for i := range st.CPU.Regs {
		st.CPU.Regs[i] = uint64(i) * 17
	}

	return st
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()

	st := makeState()

	var buf bytes.Buffer
	sender := snapshot.NewSender(&buf)

	if err := sender.SendState(st); err != nil {
		t.Fatalf("SendState: %v", err)
	}

	recv := snapshot.NewReceiver(&buf)

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if msgType != snapshot.MsgState {
		t.Fatalf("got type %d, want MsgState (%d)", msgType, snapshot.MsgState)
	}

	got, err := snapshot.DecodeState(payload)
	if err != nil {
		t.Fatalf("DecodeState: %v", err)
	}

	if !reflect.DeepEqual(got, st) {
		t.Fatalf("state round-trip mismatch:\ngot  %+v\nwant %+v", got, st)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	t.Parallel()

	mem := make([]byte, 4096*3)
	for i := range mem {
		mem[i] = byte(i % 251)
	}

	var buf bytes.Buffer
	sender := snapshot.NewSender(&buf)

	if err := sender.SendMemoryFull(mem); err != nil {
		t.Fatalf("SendMemoryFull: %v", err)
	}

	recv := snapshot.NewReceiver(&buf)

	msgType, payload, err := recv.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if msgType != snapshot.MsgMemoryFull {
		t.Fatalf("got type %d, want MsgMemoryFull", msgType)
	}

	if !bytes.Equal(payload, mem) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(payload), len(mem))
	}
}

func TestFullSnapshotStream(t *testing.T) {
	t.Parallel()

	mem := bytes.Repeat([]byte{0xDA}, 8192)
	st := makeState()

	var buf bytes.Buffer
	sender := snapshot.NewSender(&buf)

	if err := sender.SendMemoryFull(mem); err != nil {
		t.Fatal(err)
	}

	if err := sender.SendState(st); err != nil {
		t.Fatal(err)
	}

	if err := sender.SendDone(); err != nil {
		t.Fatal(err)
	}

	recv := snapshot.NewReceiver(&buf)

	for _, wantType := range []snapshot.MsgType{
		snapshot.MsgMemoryFull,
		snapshot.MsgState,
		snapshot.MsgDone,
	} {
		msgType, _, err := recv.Next()
		if err != nil {
			t.Fatalf("recv.Next (want %d): %v", wantType, err)
		}

		if msgType != wantType {
			t.Fatalf("message order: got type %d, want %d", msgType, wantType)
		}
	}
}

func TestReceiverTruncatedHeader(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	buf.Write([]byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00})

	recv := snapshot.NewReceiver(&buf)

	if _, _, err := recv.Next(); err == nil {
		t.Fatal("expected error for truncated header, got nil")
	}
}

func TestReceiverTruncatedPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(snapshot.MsgMemoryFull))
	binary.BigEndian.PutUint64(hdr[4:12], 1000)
	buf.Write(hdr)
	buf.Write([]byte{0x01, 0x02, 0x03})

	recv := snapshot.NewReceiver(&buf)

	if _, _, err := recv.Next(); err == nil {
		t.Fatal("expected error for truncated payload, got nil")
	}
}

func TestDecodeStateInvalidGob(t *testing.T) {
	t.Parallel()

	if _, err := snapshot.DecodeState([]byte{0xFF, 0xFE, 0xFD}); err == nil {
		t.Fatal("expected error decoding garbage, got nil")
	}
}
