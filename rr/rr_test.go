package rr_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/gorr/rr"
)

// ---- fakes ------------------------------------------------------------

// fakeEmu is a hand-cranked clock: tests set count to move the machine.
type fakeEmu struct {
	count      uint64
	quitCalled bool
}

func (f *fakeEmu) ProgPoint() rr.ProgPoint {
	return rr.ProgPoint{GuestInstrCount: f.count, PC: f.count * 4, Secondary: 7}
}

func (f *fakeEmu) ComparePoints(cur, logged rr.ProgPoint, kind rr.EntryKind) int {
	switch {
	case cur.GuestInstrCount < logged.GuestInstrCount:
		return -1
	case cur.GuestInstrCount > logged.GuestInstrCount:
		// Polled events become due once their point has been passed.
		if kind == rr.KindInterruptRequest || kind == rr.KindExitRequest {
			return 0
		}

		return 1
	default:
		return 0
	}
}

func (f *fakeEmu) QuitCPULoop() { f.quitCalled = true }

func (f *fakeEmu) ResetClock() { f.count = 0 }

// fakeSnap stands in for the external snapshot subsystem.
type fakeSnap struct {
	saved  []string
	loaded []string
}

func (s *fakeSnap) Save(path string) error {
	s.saved = append(s.saved, path)

	return os.WriteFile(path, []byte("snapshot"), 0o600)
}

func (s *fakeSnap) Load(path string) error {
	if _, err := os.ReadFile(path); err != nil {
		return err
	}

	s.loaded = append(s.loaded, path)

	return nil
}

type memWrite struct {
	addr uint64
	buf  []byte
}

// fakeHandler records every skipped call dispatched to it.
type fakeHandler struct {
	memRW    []memWrite
	memUnmap []memWrite
	regions  []string
	hd       []rr.TransferArgs
	net      []rr.TransferArgs
	packets  [][]byte
}

func (h *fakeHandler) ApplyCPUMemRW(addr uint64, buf []byte) error {
	h.memRW = append(h.memRW, memWrite{addr: addr, buf: buf})

	return nil
}

func (h *fakeHandler) ApplyCPUMemUnmap(addr uint64, buf []byte) error {
	h.memUnmap = append(h.memUnmap, memWrite{addr: addr, buf: buf})

	return nil
}

func (h *fakeHandler) ApplyMemRegionChange(start, size uint64, mtype rr.MemType,
	name string, added bool,
) error {
	h.regions = append(h.regions, name)

	return nil
}

func (h *fakeHandler) ApplyHDTransfer(typ rr.TransferType, src, dest uint64, numBytes uint32) error {
	h.hd = append(h.hd, rr.TransferArgs{Type: typ, Src: src, Dest: dest, NumBytes: numBytes})

	return nil
}

func (h *fakeHandler) ApplyNetTransfer(typ rr.TransferType, src, dest uint64, numBytes uint32) error {
	h.net = append(h.net, rr.TransferArgs{Type: typ, Src: src, Dest: dest, NumBytes: numBytes})

	return nil
}

func (h *fakeHandler) ApplyHandlePacket(buf []byte, direction uint32) error {
	h.packets = append(h.packets, buf)

	return nil
}

// newTestEngine builds an engine over fakes in a temp dir.
func newTestEngine(t *testing.T) (*rr.Engine, *fakeEmu, *fakeHandler, string) {
	t.Helper()

	emu := &fakeEmu{}
	handler := &fakeHandler{}
	dir := t.TempDir()

	e := rr.NewEngine(emu, &fakeSnap{}, handler, dir)

	return e, emu, handler, dir
}

// mustBeginRecord starts a record session and fails the test on error.
func mustBeginRecord(t *testing.T, e *rr.Engine, name string) {
	t.Helper()

	if err := e.BeginRecord(name); err != nil {
		t.Fatalf("BeginRecord: %v", err)
	}
}

// mustSwitchToReplay ends record and reopens the same log for replay.
func mustSwitchToReplay(t *testing.T, e *rr.Engine, name string) {
	t.Helper()

	if err := e.EndRecord(); err != nil {
		t.Fatalf("EndRecord: %v", err)
	}

	if err := e.BeginReplay(name); err != nil {
		t.Fatalf("BeginReplay: %v", err)
	}
}

// ---- paths ------------------------------------------------------------

func TestLogAndSnapshotPaths(t *testing.T) {
	t.Parallel()

	if got := rr.LogPath("/work", "boot"); got != filepath.Join("/work", "boot-rr-nondet.log") {
		t.Fatalf("LogPath: got %q", got)
	}

	if got := rr.SnapshotPath("/work", "boot"); got != filepath.Join("/work", "boot-rr-snp") {
		t.Fatalf("SnapshotPath: got %q", got)
	}
}

// ---- lifecycle --------------------------------------------------------

func TestBeginRecordCreatesSnapshotAndLog(t *testing.T) {
	t.Parallel()

	emu := &fakeEmu{count: 123}
	snap := &fakeSnap{}
	dir := t.TempDir()
	e := rr.NewEngine(emu, snap, &fakeHandler{}, dir)

	mustBeginRecord(t, e, "s")

	if e.Mode() != rr.ModeRecord {
		t.Fatalf("mode: got %v, want ModeRecord", e.Mode())
	}

	// The clock must have been reset through the emulator.
	if emu.count != 0 {
		t.Fatalf("clock not reset: %d", emu.count)
	}

	if len(snap.saved) != 1 || snap.saved[0] != rr.SnapshotPath(dir, "s") {
		t.Fatalf("snapshot not saved: %v", snap.saved)
	}

	if _, err := os.Stat(rr.LogPath(dir, "s")); err != nil {
		t.Fatalf("log file missing: %v", err)
	}

	if err := e.EndRecord(); err != nil {
		t.Fatalf("EndRecord: %v", err)
	}

	if e.Mode() != rr.ModeOff {
		t.Fatalf("mode after EndRecord: got %v", e.Mode())
	}
}

func TestBeginRecordWhileActiveFails(t *testing.T) {
	t.Parallel()

	e, _, _, _ := newTestEngine(t)

	mustBeginRecord(t, e, "a")

	if err := e.BeginRecord("b"); err == nil {
		t.Fatal("expected error beginning record while recording")
	}

	if err := e.EndRecord(); err != nil {
		t.Fatalf("EndRecord: %v", err)
	}
}

func TestBeginRecordFromLoadsSnapshotFirst(t *testing.T) {
	t.Parallel()

	emu := &fakeEmu{}
	snap := &fakeSnap{}
	dir := t.TempDir()
	e := rr.NewEngine(emu, snap, &fakeHandler{}, dir)

	// The source snapshot must exist for Load to succeed.
	if err := os.WriteFile(rr.SnapshotPath(dir, "base"), []byte("snapshot"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := e.BeginRecordFrom("base", "derived"); err != nil {
		t.Fatalf("BeginRecordFrom: %v", err)
	}

	if len(snap.loaded) != 1 || snap.loaded[0] != rr.SnapshotPath(dir, "base") {
		t.Fatalf("snapshot not loaded: %v", snap.loaded)
	}

	if len(snap.saved) != 1 || snap.saved[0] != rr.SnapshotPath(dir, "derived") {
		t.Fatalf("fresh snapshot not taken: %v", snap.saved)
	}

	if err := e.EndRecord(); err != nil {
		t.Fatalf("EndRecord: %v", err)
	}
}

func TestProcessRequestsDrivesTransitions(t *testing.T) {
	t.Parallel()

	e, emu, _, _ := newTestEngine(t)

	e.RequestBeginRecord("req")

	if err := e.ProcessRequests(); err != nil {
		t.Fatalf("ProcessRequests(begin record): %v", err)
	}

	if e.Mode() != rr.ModeRecord {
		t.Fatalf("mode: got %v, want ModeRecord", e.Mode())
	}

	emu.count = 10
	e.RecordInput4(rr.CallsiteCPULoop, 0xdead)

	e.RequestEndRecord()

	if err := e.ProcessRequests(); err != nil {
		t.Fatalf("ProcessRequests(end record): %v", err)
	}

	if e.Mode() != rr.ModeOff {
		t.Fatalf("mode: got %v, want ModeOff", e.Mode())
	}

	e.RequestBeginReplay("req")

	if err := e.ProcessRequests(); err != nil {
		t.Fatalf("ProcessRequests(begin replay): %v", err)
	}

	if e.Mode() != rr.ModeReplay {
		t.Fatalf("mode: got %v, want ModeReplay", e.Mode())
	}

	emu.count = 10
	if got := e.ReplayInput4(rr.CallsiteCPULoop); got != 0xdead {
		t.Fatalf("ReplayInput4: got %#x, want 0xdead", got)
	}

	e.RequestEndReplay(false)

	if err := e.ProcessRequests(); err != nil {
		t.Fatalf("ProcessRequests(end replay): %v", err)
	}

	if e.Mode() != rr.ModeOff {
		t.Fatalf("mode: got %v, want ModeOff", e.Mode())
	}
}

// ---- round trip -------------------------------------------------------

// TestRoundTrip records one entry of every kind at strictly increasing
// program points and replays them in order, checking payloads byte for
// byte.
func TestRoundTrip(t *testing.T) {
	t.Parallel()

	e, emu, handler, _ := newTestEngine(t)

	mustBeginRecord(t, e, "rt")

	emu.count = 100
	e.RecordInput1(rr.CallsiteCPULoop, 0x42)

	emu.count = 110
	e.RecordInput2(rr.CallsiteCPULoop, 0xbeef)

	emu.count = 120
	e.RecordInput4(rr.CallsiteIOPortRead, 0xcafebabe)

	emu.count = 130
	e.RecordInput8(rr.CallsiteIOPortRead, 0x1122334455667788)

	emu.count = 140
	e.RecordInterruptRequest(rr.CallsiteCPULoop, 0x3)

	emu.count = 150
	e.RecordExitRequest(rr.CallsiteCPULoop, 0)   // elided
	e.RecordCPUMemRW(rr.CallsiteMainLoopWait, 0x1000, []byte("ABCD"))

	emu.count = 160
	e.RecordCPUMemUnmap(rr.CallsiteCPUMemUnmap, 0x2000, []byte{9, 8, 7})

	emu.count = 170
	e.RecordMemRegionChange(rr.CallsiteMainLoopWait, 0x100000, 4096, rr.MemIO, "mmio0", true)

	emu.count = 180
	e.RecordHDTransfer(rr.CallsiteHDTransfer, rr.TransferHDToRAM, 512, 0x3000, 256)

	emu.count = 190
	e.RecordNetTransfer(rr.CallsiteNetPacket, rr.TransferNetToRAM, 0, 0x4000, 64)

	emu.count = 200
	pkt := bytes.Repeat([]byte{0xA5}, 64)
	e.RecordHandlePacket(rr.CallsiteMainLoopWait, pkt, 0)

	emu.count = 210
	e.RecordDebug(rr.CallsiteCPULoop)

	emu.count = 220
	e.RecordExitRequest(rr.CallsiteCPULoop, 2)

	mustSwitchToReplay(t, e, "rt")

	emu.count = 100
	if got := e.ReplayInput1(rr.CallsiteCPULoop); got != 0x42 {
		t.Fatalf("ReplayInput1: got %#x", got)
	}

	emu.count = 110
	if got := e.ReplayInput2(rr.CallsiteCPULoop); got != 0xbeef {
		t.Fatalf("ReplayInput2: got %#x", got)
	}

	emu.count = 120
	if got := e.ReplayInput4(rr.CallsiteIOPortRead); got != 0xcafebabe {
		t.Fatalf("ReplayInput4: got %#x", got)
	}

	emu.count = 130
	if got := e.ReplayInput8(rr.CallsiteIOPortRead); got != 0x1122334455667788 {
		t.Fatalf("ReplayInput8: got %#x", got)
	}

	emu.count = 140
	if got := e.ReplayInterruptRequest(rr.CallsiteCPULoop); got != 0x3 {
		t.Fatalf("ReplayInterruptRequest: got %#x", got)
	}

	emu.count = 150
	e.ReplaySkippedCalls(rr.CallsiteMainLoopWait)

	if len(handler.memRW) != 1 || handler.memRW[0].addr != 0x1000 ||
		!bytes.Equal(handler.memRW[0].buf, []byte("ABCD")) {
		t.Fatalf("mem rw not replayed: %+v", handler.memRW)
	}

	emu.count = 160
	e.ReplaySkippedCalls(rr.CallsiteMainLoopWait)

	if len(handler.memUnmap) != 1 || handler.memUnmap[0].addr != 0x2000 {
		t.Fatalf("mem unmap not replayed: %+v", handler.memUnmap)
	}

	emu.count = 170
	e.ReplaySkippedCalls(rr.CallsiteMainLoopWait)

	if len(handler.regions) != 1 || handler.regions[0] != "mmio0" {
		t.Fatalf("region change not replayed: %+v", handler.regions)
	}

	emu.count = 180
	e.ReplaySkippedCalls(rr.CallsiteMainLoopWait)

	if len(handler.hd) != 1 || handler.hd[0].NumBytes != 256 {
		t.Fatalf("hd transfer not replayed: %+v", handler.hd)
	}

	emu.count = 190
	e.ReplaySkippedCalls(rr.CallsiteMainLoopWait)

	if len(handler.net) != 1 || handler.net[0].NumBytes != 64 {
		t.Fatalf("net transfer not replayed: %+v", handler.net)
	}

	emu.count = 200
	e.ReplaySkippedCalls(rr.CallsiteMainLoopWait)

	if len(handler.packets) != 1 || !bytes.Equal(handler.packets[0], pkt) {
		t.Fatalf("packet not replayed")
	}

	emu.count = 210
	e.ReplayDebug(rr.CallsiteCPULoop)

	emu.count = 220
	if got := e.ReplayExitRequest(rr.CallsiteCPULoop); got != 2 {
		t.Fatalf("ReplayExitRequest: got %d, want 2", got)
	}

	if !e.ReplayFinished() {
		t.Fatal("replay not finished after consuming every entry")
	}

	e.EndReplay(false)
}

// TestEmptyLogReplayFinishes covers the log that holds nothing but LAST.
func TestEmptyLogReplayFinishes(t *testing.T) {
	t.Parallel()

	e, emu, _, _ := newTestEngine(t)

	mustBeginRecord(t, e, "empty")

	emu.count = 5
	mustSwitchToReplay(t, e, "empty")

	emu.count = 5
	if !e.ReplayFinished() {
		t.Fatal("ReplayFinished should be true at the LAST program point")
	}

	e.EndReplay(false)
}

// ---- misuse and divergence -------------------------------------------

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()

	defer func() {
		if recover() == nil {
			t.Fatalf("%s: expected panic", name)
		}
	}()

	fn()
}

func TestRecordOutsideRecordModePanics(t *testing.T) {
	t.Parallel()

	e, _, _, _ := newTestEngine(t)

	mustPanic(t, "RecordInput1 in OFF", func() {
		e.RecordInput1(rr.CallsiteCPULoop, 1)
	})
}

func TestReplayKindMismatchPanics(t *testing.T) {
	t.Parallel()

	e, emu, _, _ := newTestEngine(t)

	mustBeginRecord(t, e, "mism")

	emu.count = 50
	e.RecordInput2(rr.CallsiteCPULoop, 7)

	mustSwitchToReplay(t, e, "mism")

	emu.count = 50

	mustPanic(t, "ReplayInput4 against INPUT_2", func() {
		e.ReplayInput4(rr.CallsiteCPULoop)
	})

	if !emu.quitCalled {
		t.Fatal("divergence must escape the CPU loop")
	}
}

func TestReplayAheadOfLogPanics(t *testing.T) {
	t.Parallel()

	e, emu, _, _ := newTestEngine(t)

	mustBeginRecord(t, e, "ahead")

	emu.count = 100
	e.RecordInput1(rr.CallsiteCPULoop, 0x42)

	mustSwitchToReplay(t, e, "ahead")

	// The machine claims to be past the logged entry: divergence.
	emu.count = 150

	mustPanic(t, "ReplayInput1 past the log", func() {
		e.ReplayInput1(rr.CallsiteCPULoop)
	})
}

func TestEndReplayWithErrorAborts(t *testing.T) {
	t.Parallel()

	e, emu, _, _ := newTestEngine(t)

	mustBeginRecord(t, e, "err")
	emu.count = 10
	mustSwitchToReplay(t, e, "err")

	mustPanic(t, "EndReplay(error)", func() {
		e.EndReplay(true)
	})
}

// ---- history ----------------------------------------------------------

func TestHistoryDoesNotCrash(t *testing.T) {
	t.Parallel()

	e, emu, _, _ := newTestEngine(t)

	mustBeginRecord(t, e, "hist")

	for i := uint64(1); i <= 25; i++ {
		emu.count = i * 10
		e.RecordInput1(rr.CallsiteCPULoop, uint8(i))
	}

	mustSwitchToReplay(t, e, "hist")

	for i := uint64(1); i <= 25; i++ {
		emu.count = i * 10
		e.ReplayInput1(rr.CallsiteCPULoop)
	}

	e.PrintHistory()
	e.EndReplay(false)
}
