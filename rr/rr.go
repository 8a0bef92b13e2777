package rr

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Mode is the process-wide record/replay state.
type Mode int32

const (
	ModeOff Mode = iota
	ModeRecord
	ModeReplay
)

var (
	errNotOff    = errors.New("record/replay already active")
	errNoSession = errors.New("no record/replay session active")
)

// Emulator is the deterministic host the log serves. It supplies the
// program-point clock, the kind-aware comparator used for replay
// alignment, and the escape hatch out of the inner CPU loop after a fatal
// divergence.
type Emulator interface {
	ProgPoint() ProgPoint
	// ComparePoints orders the current point against a logged one for
	// the given kind: <0 when cur is before logged, 0 when the logged
	// event is due, >0 when cur is already past it.
	ComparePoints(cur, logged ProgPoint, kind EntryKind) int
	QuitCPULoop()
	// ResetClock zeroes the per-CPU instruction counter at the start of
	// a record or replay session.
	ResetClock()
}

// SkippedCallHandler re-applies the side effects of skipped host calls
// during replay.
type SkippedCallHandler interface {
	ApplyCPUMemRW(addr uint64, buf []byte) error
	ApplyCPUMemUnmap(addr uint64, buf []byte) error
	ApplyMemRegionChange(start, size uint64, mtype MemType, name string, added bool) error
	ApplyHDTransfer(typ TransferType, src, dest uint64, numBytes uint32) error
	ApplyNetTransfer(typ TransferType, src, dest uint64, numBytes uint32) error
	ApplyHandlePacket(buf []byte, direction uint32) error
}

// Snapshotter saves and loads the companion VM snapshot. It is owned by
// the external snapshot subsystem; the controller only drives it through
// the begin-record/begin-replay transitions.
type Snapshotter interface {
	Save(path string) error
	Load(path string) error
}

// recordRequest is a begin-record request posted by the monitor. The
// pointer swap into Engine.recordReq is the release point; the vCPU
// thread consumes it at the next safe point.
type recordRequest struct {
	fromSnapshot bool
	snapshot     string
	name         string
}

const histSize = 10

// Engine owns the whole record/replay state: mode word, request flags,
// the open log, the look-ahead queue, the recycle list, the history ring
// and the per-kind counters. All operations except the request setters
// run on the emulator's vCPU thread.
type Engine struct {
	emu     Emulator
	handler SkippedCallHandler
	snap    Snapshotter
	dir     string

	mode atomic.Int32

	// Cross-thread request channel: monitor thread and signal handlers
	// write, the vCPU thread polls at safe points. Wait-free.
	recordReq   atomic.Pointer[recordRequest]
	replayReq   atomic.Pointer[string]
	endRecord   atomic.Bool
	endReplay   atomic.Bool
	replayError atomic.Bool

	nondetLog   *Log
	currentItem Entry

	queueHead *Entry
	queueTail *Entry
	queueLen  uint64

	recycleList *Entry

	history   [histSize]Entry
	histIndex int

	// lastInterruptRequest backs the transition filter: an
	// INTERRUPT_REQUEST entry is only written (and only consumed) when
	// the value changes.
	lastInterruptRequest uint32

	numEntries  [KindLast + 1]uint64
	sizeEntries [KindLast + 1]uint64
	maxQueueLen uint64

	nextProgress uint64
	totalPrinted bool
	startTime    time.Time
}

// NewEngine returns an engine bound to its collaborators. dir is the
// directory holding log and snapshot files.
func NewEngine(emu Emulator, snap Snapshotter, handler SkippedCallHandler, dir string) *Engine {
	return &Engine{
		emu:     emu,
		snap:    snap,
		handler: handler,
		dir:     dir,
	}
}

// Mode returns the current mode. It is read on every record/replay step
// and written only during transitions.
func (e *Engine) Mode() Mode { return Mode(e.mode.Load()) }

func (e *Engine) InRecord() bool { return e.Mode() == ModeRecord }

func (e *Engine) InReplay() bool { return e.Mode() == ModeReplay }

// ---- monitor-facing request flags -------------------------------------

// RequestBeginRecord posts a fresh-record request for the given name.
func (e *Engine) RequestBeginRecord(name string) {
	e.recordReq.Store(&recordRequest{name: name})
}

// RequestBeginRecordFrom posts a record request that first restores the
// named snapshot.
func (e *Engine) RequestBeginRecordFrom(snapshot, name string) {
	e.recordReq.Store(&recordRequest{fromSnapshot: true, snapshot: snapshot, name: name})
}

// RequestBeginReplay posts a replay request for the given name.
func (e *Engine) RequestBeginReplay(name string) {
	n := name
	e.replayReq.Store(&n)
}

// RequestEndRecord asks the vCPU thread to wind down recording. Safe to
// call from signal handlers.
func (e *Engine) RequestEndRecord() { e.endRecord.Store(true) }

// RequestEndReplay asks the vCPU thread to wind down replay. isError
// marks the session as failed, which aborts the process at wind-down.
func (e *Engine) RequestEndReplay(isError bool) {
	if isError {
		e.replayError.Store(true)
	}

	e.endReplay.Store(true)
}

// ProcessRequests performs pending mode transitions. It must be called
// from the emulator's main-loop safe point on the vCPU thread.
func (e *Engine) ProcessRequests() error {
	if req := e.recordReq.Swap(nil); req != nil {
		if req.fromSnapshot {
			if err := e.BeginRecordFrom(req.snapshot, req.name); err != nil {
				return err
			}
		} else if err := e.BeginRecord(req.name); err != nil {
			return err
		}
	}

	if name := e.replayReq.Swap(nil); name != nil {
		if err := e.BeginReplay(*name); err != nil {
			return err
		}
	}

	if e.endRecord.Swap(false) && e.InRecord() {
		if err := e.EndRecord(); err != nil {
			return err
		}
	}

	if e.endReplay.Swap(false) && e.InReplay() {
		e.EndReplay(e.replayError.Swap(false))
	}

	return nil
}

// ---- transitions ------------------------------------------------------

// resetState clears per-session counters and flags at the start of a
// record or replay.
func (e *Engine) resetState() {
	e.emu.ResetClock()
	e.lastInterruptRequest = 0
	e.nextProgress = 1
	e.totalPrinted = false
	e.startTime = time.Now()
}

// BeginRecord takes a fresh snapshot, creates the log and enters RECORD.
func (e *Engine) BeginRecord(name string) error {
	if e.Mode() != ModeOff {
		return fmt.Errorf("begin record %q: %w", name, errNotOff)
	}

	snapPath := SnapshotPath(e.dir, name)

	log.WithField("snapshot", snapPath).Info("writing snapshot")

	if err := e.snap.Save(snapPath); err != nil {
		return fmt.Errorf("begin record %q: %w", name, err)
	}

	logPath := LogPath(e.dir, name)

	log.WithField("log", logPath).Info("opening nondet log for write")

	l, err := createRecordLog(logPath)
	if err != nil {
		return err
	}

	e.nondetLog = l

	e.resetState()
	e.mode.Store(int32(ModeRecord))

	return nil
}

// BeginRecordFrom restores the named snapshot first, then records from
// there as a fresh session.
func (e *Engine) BeginRecordFrom(snapshot, name string) error {
	if e.Mode() != ModeOff {
		return fmt.Errorf("begin record from %q: %w", snapshot, errNotOff)
	}

	log.WithField("snapshot", snapshot).Info("loading snapshot")

	if err := e.snap.Load(SnapshotPath(e.dir, snapshot)); err != nil {
		return fmt.Errorf("begin record from %q: %w", snapshot, err)
	}

	return e.BeginRecord(name)
}

// EndRecord writes the end-of-log marker, finalizes the header and leaves
// RECORD.
func (e *Engine) EndRecord() error {
	if !e.InRecord() {
		return fmt.Errorf("end record: %w", errNoSession)
	}

	e.recordLast()

	log.WithFields(log.Fields{
		"log":     e.nondetLog.name,
		"elapsed": time.Since(e.startTime).Round(time.Second).String(),
	}).Info("ending record")

	if err := e.nondetLog.close(); err != nil {
		return err
	}

	e.nondetLog = nil
	e.freePool()
	e.mode.Store(int32(ModeOff))

	return nil
}

// BeginReplay loads the snapshot, opens the log and pre-fills the queue.
func (e *Engine) BeginReplay(name string) error {
	if e.Mode() != ModeOff {
		return fmt.Errorf("begin replay %q: %w", name, errNotOff)
	}

	snapPath := SnapshotPath(e.dir, name)

	log.WithField("snapshot", snapPath).Info("loading snapshot")

	if err := e.snap.Load(snapPath); err != nil {
		return fmt.Errorf("begin replay %q: %w", name, err)
	}

	logPath := LogPath(e.dir, name)

	log.WithField("log", logPath).Info("opening nondet log for read")

	l, err := openReplayLog(logPath)
	if err != nil {
		return err
	}

	e.nondetLog = l

	e.resetState()
	e.mode.Store(int32(ModeReplay))
	e.fillQueue()

	return nil
}

// EndReplay reports statistics, releases the queue and recycle pool and
// leaves REPLAY. An error end aborts the process: there is no partial-
// replay recovery.
func (e *Engine) EndReplay(isError bool) {
	if !e.InReplay() {
		e.assert(false, "end replay while not in replay")
	}

	e.reportProgress()

	if isError {
		log.Error("replay failed")
	} else {
		log.Info("replay completed")
	}

	log.WithField("elapsed", time.Since(e.startTime).Round(time.Second).String()).
		Info("replay session finished")

	e.reportStats()

	// Only the LAST sentinel should remain at the queue head on a clean
	// finish.
	if e.queueHead != nil && e.queueHead == e.queueTail &&
		e.queueHead.Header.Kind == KindLast {
		log.Info("log fully consumed")
	} else if !isError {
		log.Info("replay terminated at user request")
	}

	e.freeQueue()
	e.freePool()

	if err := e.nondetLog.close(); err != nil {
		e.ioFatal("close", err)
	}

	e.nondetLog = nil
	e.mode.Store(int32(ModeOff))

	if isError {
		e.assert(false, "replay ended with error")
	}
}

// ---- progress and statistics ------------------------------------------

// TotalInstructions returns the guest instruction count recorded in the
// log header, or zero when no log is open.
func (e *Engine) TotalInstructions() uint64 {
	if e.nondetLog == nil {
		return 0
	}

	return e.nondetLog.lastPoint.GuestInstrCount
}

// Percentage returns replay progress against the header instruction
// count.
func (e *Engine) Percentage() float64 {
	if e.nondetLog == nil || e.nondetLog.lastPoint.GuestInstrCount == 0 {
		return 0
	}

	return 100 * float64(e.emu.ProgPoint().GuestInstrCount) /
		float64(e.nondetLog.lastPoint.GuestInstrCount)
}

func (e *Engine) reportProgress() {
	if e.nondetLog == nil {
		return
	}

	if e.nondetLog.empty() && e.queueHead == nil {
		log.WithField("log", e.nondetLog.name).Info("log is empty")

		return
	}

	if !e.totalPrinted {
		e.totalPrinted = true

		log.WithField("total_instr", e.nondetLog.lastPoint.GuestInstrCount).
			Info("total instructions in replay")
	}

	log.WithFields(log.Fields{
		"log":     e.nondetLog.name,
		"instr":   e.emu.ProgPoint().GuestInstrCount,
		"percent": fmt.Sprintf("%6.2f", e.Percentage()),
	}).Info("replay progress")
}

func (e *Engine) reportStats() {
	for k := EntryKind(0); k <= KindLast; k++ {
		log.WithFields(log.Fields{
			"kind":   k.String(),
			"number": e.numEntries[k],
			"bytes":  e.sizeEntries[k],
		}).Info("log entry stats")

		e.numEntries[k] = 0
		e.sizeEntries[k] = 0
	}

	log.WithField("max_queue_len", e.maxQueueLen).Info("queue high-water mark")

	e.maxQueueLen = 0
}

// MaxQueueLen returns the queue high-water mark for the current session.
func (e *Engine) MaxQueueLen() uint64 { return e.maxQueueLen }

// EntryStats returns the number of entries and bytes consumed for a kind
// during the current replay.
func (e *Engine) EntryStats(k EntryKind) (num, bytes uint64) {
	return e.numEntries[k], e.sizeEntries[k]
}

// QueueHead exposes the next queued entry for diagnostics.
func (e *Engine) QueueHead() *Entry { return e.queueHead }
