package rr_test

import (
	"testing"

	"github.com/bobuhiro11/gorr/rr"
)

// ---- DEBUG skipping ---------------------------------------------------

// TestDebugDrainedForOrdinaryConsumers: a DEBUG at instruction i followed
// by an INPUT_4 at j > i; consuming the input drains the checkpoint.
func TestDebugDrainedForOrdinaryConsumers(t *testing.T) {
	t.Parallel()

	e, emu, _, _ := newTestEngine(t)

	mustBeginRecord(t, e, "dbg")

	emu.count = 100
	e.RecordDebug(rr.CallsiteCPULoop)

	emu.count = 120
	e.RecordInput4(rr.CallsiteCPULoop, 0x77)

	mustSwitchToReplay(t, e, "dbg")

	if e.QueueHead() == nil || e.QueueHead().Header.Kind != rr.KindDebug {
		t.Fatal("queue head should be the DEBUG checkpoint")
	}

	emu.count = 120
	if got := e.ReplayInput4(rr.CallsiteCPULoop); got != 0x77 {
		t.Fatalf("ReplayInput4: got %#x", got)
	}

	// Both the checkpoint and the input are gone.
	if head := e.QueueHead(); head != nil && head.Header.Kind != rr.KindLast {
		t.Fatalf("queue head after consume: %v", head.Header.Kind)
	}

	e.EndReplay(false)
}

// TestDebugKeptForInterruptConsumer: leading DEBUG entries are not
// drained when the consumer asks for INTERRUPT_REQUEST.
func TestDebugKeptForInterruptConsumer(t *testing.T) {
	t.Parallel()

	e, emu, _, _ := newTestEngine(t)

	mustBeginRecord(t, e, "dbgirq")

	emu.count = 100
	e.RecordDebug(rr.CallsiteCPULoop)

	emu.count = 120
	e.RecordInterruptRequest(rr.CallsiteCPULoop, 0x1)

	mustSwitchToReplay(t, e, "dbgirq")

	// The checkpoint is still in the future for the consumer, and it
	// must stay queued.
	emu.count = 90

	if got := e.ReplayInterruptRequest(rr.CallsiteCPULoop); got != 0 {
		t.Fatalf("ReplayInterruptRequest before transition: got %#x", got)
	}

	if e.QueueHead() == nil || e.QueueHead().Header.Kind != rr.KindDebug {
		t.Fatal("DEBUG must not be drained for an interrupt consumer")
	}

	// Let the advisory consumer take the checkpoint, then the interrupt.
	emu.count = 100
	e.ReplayDebug(rr.CallsiteCPULoop)

	emu.count = 120
	if got := e.ReplayInterruptRequest(rr.CallsiteCPULoop); got != 0x1 {
		t.Fatalf("ReplayInterruptRequest: got %#x", got)
	}

	e.EndReplay(false)
}

// TestReplayDebugLeavesFutureCheckpoint: a DEBUG past the current point
// stays queued; replay may reach it later.
func TestReplayDebugLeavesFutureCheckpoint(t *testing.T) {
	t.Parallel()

	e, emu, _, _ := newTestEngine(t)

	mustBeginRecord(t, e, "dbgfut")

	emu.count = 200
	e.RecordDebug(rr.CallsiteCPULoop)

	mustSwitchToReplay(t, e, "dbgfut")

	emu.count = 150
	e.ReplayDebug(rr.CallsiteCPULoop)

	if e.QueueHead() == nil || e.QueueHead().Header.Kind != rr.KindDebug {
		t.Fatal("future DEBUG must stay queued")
	}

	emu.count = 200
	e.ReplayDebug(rr.CallsiteCPULoop)

	if head := e.QueueHead(); head != nil && head.Header.Kind == rr.KindDebug {
		t.Fatal("due DEBUG must be consumed")
	}

	e.EndReplay(false)
}

// ---- first-entry grace ------------------------------------------------

// TestFirstEntryGrace: entries stamped at instruction zero are served
// regardless of the current count, covering the snapshot-flush race at
// the head of a log.
func TestFirstEntryGrace(t *testing.T) {
	t.Parallel()

	e, emu, _, _ := newTestEngine(t)

	mustBeginRecord(t, e, "grace")

	emu.count = 0
	e.RecordInput4(rr.CallsiteCPULoop, 0xfeed)

	mustSwitchToReplay(t, e, "grace")

	emu.count = 57
	if got := e.ReplayInput4(rr.CallsiteCPULoop); got != 0xfeed {
		t.Fatalf("ReplayInput4 under grace: got %#x", got)
	}

	e.EndReplay(false)
}

// ---- queue bound and refills ------------------------------------------

// TestQueueBoundUnderStress records well past MAX_QUEUE_LEN input
// entries and replays them all, checking the queue never grew past the
// bound plus the stop-point entry.
func TestQueueBoundUnderStress(t *testing.T) {
	t.Parallel()

	const entries = 200000

	e, emu, _, _ := newTestEngine(t)

	mustBeginRecord(t, e, "stress")

	for i := uint64(1); i <= entries; i++ {
		emu.count = i
		e.RecordInput4(rr.CallsiteIOPortRead, uint32(i))
	}

	mustSwitchToReplay(t, e, "stress")

	// The first fill must have been cut off at the bound.
	if got := e.MaxQueueLen(); got > rr.MaxQueueLen+1 {
		t.Fatalf("queue high-water mark %d exceeds bound %d", got, rr.MaxQueueLen+1)
	}

	for i := uint64(1); i <= entries; i++ {
		emu.count = i

		if got := e.ReplayInput4(rr.CallsiteIOPortRead); got != uint32(i) {
			t.Fatalf("entry %d: got %#x", i, got)
		}
	}

	if got := e.MaxQueueLen(); got > rr.MaxQueueLen+1 {
		t.Fatalf("queue high-water mark %d exceeds bound %d after refills", got, rr.MaxQueueLen+1)
	}

	emu.count = entries
	if !e.ReplayFinished() {
		t.Fatal("replay should be finished")
	}

	num, bytes := e.EntryStats(rr.KindInput4)
	if num != entries {
		t.Fatalf("input4 count: got %d, want %d", num, entries)
	}

	if bytes == 0 {
		t.Fatal("input4 byte accounting missing")
	}

	e.EndReplay(false)
}

// TestScenarioPacketThenMemRW covers the ordering of a packet delivery
// followed by a DMA write one instruction later.
func TestScenarioPacketThenMemRW(t *testing.T) {
	t.Parallel()

	e, emu, handler, _ := newTestEngine(t)

	mustBeginRecord(t, e, "pktmem")

	pkt := make([]byte, 64)
	for i := range pkt {
		pkt[i] = byte(i)
	}

	emu.count = 700
	e.RecordHandlePacket(rr.CallsiteMainLoopWait, pkt, 0)

	emu.count = 701
	e.RecordCPUMemRW(rr.CallsiteMainLoopWait, 0x5000, []byte{1, 2, 3})

	mustSwitchToReplay(t, e, "pktmem")

	emu.count = 700
	e.ReplaySkippedCalls(rr.CallsiteMainLoopWait)

	if len(handler.packets) != 1 || len(handler.memRW) != 0 {
		t.Fatalf("after 700: packets=%d memRW=%d", len(handler.packets), len(handler.memRW))
	}

	emu.count = 701
	e.ReplaySkippedCalls(rr.CallsiteMainLoopWait)

	if len(handler.memRW) != 1 {
		t.Fatalf("after 701: memRW=%d", len(handler.memRW))
	}

	e.EndReplay(false)
}
