package rr

import (
	"encoding/binary"
	"io"

	log "github.com/sirupsen/logrus"
)

// MaxQueueLen bounds the look-ahead queue so long runs of non-interrupt
// entries cannot exhaust memory.
const MaxQueueLen = 65536

func (e *Engine) get(b []byte) {
	n, err := io.ReadFull(e.nondetLog.r, b)

	e.nondetLog.bytesRead += uint64(n)

	if err != nil {
		e.ioFatal("read", err)
	}
}

func (e *Engine) getU8() uint8 {
	var b [1]byte

	e.get(b[:])

	return b[0]
}

func (e *Engine) getU16() uint16 {
	var b [2]byte

	e.get(b[:])

	return binary.LittleEndian.Uint16(b[:])
}

func (e *Engine) getU32() uint32 {
	var b [4]byte

	e.get(b[:])

	return binary.LittleEndian.Uint32(b[:])
}

func (e *Engine) getU64() uint64 {
	var b [8]byte

	e.get(b[:])

	return binary.LittleEndian.Uint64(b[:])
}

func (e *Engine) getProgPoint() ProgPoint {
	var b [progPointSize]byte

	e.get(b[:])

	return unmarshalProgPoint(b[:])
}

func (e *Engine) getBuf(n uint64) []byte {
	// Freshly allocated and owned by the entry; freed when the entry is
	// recycled.
	buf := make([]byte, n)
	e.get(buf)

	return buf
}

// readItem parses the next entry from the log into a fully-owned Entry.
func (e *Engine) readItem() *Entry {
	e.assert(e.InReplay(), "read item while not in REPLAY")
	e.assert(!e.nondetLog.empty(), "read item from drained log")

	item := e.allocEntry()

	item.Header.FilePos = e.nondetLog.bytesRead
	item.Header.Point = e.getProgPoint()
	item.Header.Kind = EntryKind(e.getU32())
	item.Header.Callsite = Callsite(e.getU32())

	switch item.Header.Kind {
	case KindInput1:
		item.Input1 = e.getU8()
	case KindInput2:
		item.Input2 = e.getU16()
	case KindInput4:
		item.Input4 = e.getU32()
	case KindInput8:
		item.Input8 = e.getU64()
	case KindInterruptRequest:
		item.InterruptRequest = e.getU32()
	case KindExitRequest:
		item.ExitRequest = e.getU32()
	case KindSkippedCall:
		e.readSkippedCall(&item.Call)
	case KindDebug, KindLast:
		// no payload
	default:
		e.assert(false, "unimplemented log entry kind")
	}

	e.nondetLog.itemNumber++

	kind := item.Header.Kind
	if kind > KindLast {
		kind = KindLast
	}

	e.sizeEntries[kind] += e.nondetLog.bytesRead - item.Header.FilePos
	e.numEntries[kind]++

	return item
}

func (e *Engine) readSkippedCall(args *SkippedCallArgs) {
	args.Kind = SkippedCallKind(e.getU32())

	switch args.Kind {
	case CallCPUMemRW:
		args.MemRW.Addr = e.getU64()
		_ = e.getU64() // stale buffer pointer
		args.MemRW.Buf = e.getBuf(e.getU64())
	case CallCPUMemUnmap:
		args.MemUnmap.Addr = e.getU64()
		_ = e.getU64()
		args.MemUnmap.Buf = e.getBuf(e.getU64())
	case CallMemRegionChange:
		args.RegionChange.Start = e.getU64()
		args.RegionChange.Size = e.getU64()
		args.RegionChange.MType = MemType(e.getU32())
		args.RegionChange.Added = e.getU32() != 0

		_ = e.getU64()

		args.RegionChange.Name = string(e.getBuf(e.getU64()))
	case CallHDTransfer:
		args.HDTransfer.Type = TransferType(e.getU32())
		args.HDTransfer.Src = e.getU64()
		args.HDTransfer.Dest = e.getU64()
		args.HDTransfer.NumBytes = e.getU32()
	case CallNetTransfer:
		args.NetTransfer.Type = TransferType(e.getU32())
		args.NetTransfer.Src = e.getU64()
		args.NetTransfer.Dest = e.getU64()
		args.NetTransfer.NumBytes = e.getU32()
	case CallHandlePacket:
		_ = e.getU64()

		size := e.getU32()
		args.Packet.Direction = e.getU32()
		args.Packet.Buf = e.getBuf(uint64(size))
	default:
		e.assert(false, "unimplemented skipped call kind")
	}
}

// fillQueue pulls entries into the look-ahead queue until end-of-file,
// the queue bound, or a natural stop point: an INTERRUPT_REQUEST entry or
// a SKIPPED_CALL at MAIN_LOOP_WAIT. Those stop points bound queue growth
// while guaranteeing look-ahead for the consumer patterns. A non-empty
// queue is left untouched.
func (e *Engine) fillQueue() {
	if e.queueHead != nil {
		return
	}

	var numEntries uint64

	for !e.nondetLog.empty() {
		entry := e.readItem()

		if e.queueHead == nil {
			e.queueHead = entry
			e.queueTail = entry
		} else {
			e.queueTail.next = entry
			e.queueTail = entry
		}

		numEntries++

		if (entry.Header.Kind == KindSkippedCall &&
			entry.Header.Callsite == CallsiteMainLoopWait) ||
			entry.Header.Kind == KindInterruptRequest ||
			numEntries > MaxQueueLen {
			break
		}
	}

	e.queueLen = numEntries

	if numEntries > e.maxQueueLen {
		e.maxQueueLen = numEntries
	}

	if pct := uint64(e.Percentage()); pct >= e.nextProgress {
		e.reportProgress()
		e.nextProgress = pct + 1
	}
}

// detachHead unlinks and returns the queue head.
func (e *Engine) detachHead() *Entry {
	current := e.queueHead

	e.queueHead = current.next
	current.next = nil

	if current == e.queueTail {
		e.queueTail = nil
	}

	if e.queueLen > 0 {
		e.queueLen--
	}

	return current
}

// getNext returns the queue head iff it matches kind (and callsite, when
// checkCallsite is set) and its program point says the event is due. A
// head strictly in the future returns nil so the caller retries later; a
// head strictly in the past means the replayed machine ran ahead of the
// log and the assertion path fires.
func (e *Engine) getNext(kind EntryKind, callsite Callsite, checkCallsite bool) *Entry {
	if e.queueHead == nil {
		// The queue may have been cut off at a stop point; refill.
		e.fillQueue()

		if e.queueHead == nil {
			log.Debug("queue is empty, will return nil")

			return nil
		}
	}

	// DEBUG checkpoints are dropped in the way of ordinary consumers.
	// INTERRUPT_REQUEST and SKIPPED_CALL may legitimately precede a
	// checkpoint at the same program point, so those keep the head.
	if kind != KindInterruptRequest && kind != KindSkippedCall {
		for e.queueHead != nil && e.queueHead.Header.Kind == KindDebug {
			e.recycleEntry(e.detachHead())
		}

		if e.queueHead == nil {
			return nil
		}
	}

	head := e.queueHead

	// Grace for the first entries of the log: a snapshot cannot always
	// be flushed in the same instant as the counter reset, so entries
	// stamped at instruction zero are treated as due.
	if head.Header.Point.GuestInstrCount != 0 {
		cur := e.emu.ProgPoint()

		switch cmp := e.emu.ComparePoints(cur, head.Header.Point, kind); {
		case cmp < 0:
			return nil
		case cmp > 0:
			signalDisagreement(cur, head.Header.Point)
			e.fail("replay ran ahead of the log", cur, head.Header.Point)
		}
	}

	if head.Header.Kind != kind {
		return nil
	}

	if checkCallsite && head.Header.Callsite != callsite {
		return nil
	}

	return e.detachHead()
}

// ---- typed replay entry points ----------------------------------------

// ReplayInput1 consumes the next 1-byte input. A missing or mismatched
// entry is a fatal divergence.
func (e *Engine) ReplayInput1(callsite Callsite) uint8 {
	item := e.getNext(KindInput1, callsite, false)

	e.assert(item != nil, "INPUT_1 expected and not found")
	e.assert(item.Header.Callsite == callsite, "INPUT_1 callsite mismatch")

	data := item.Input1

	e.recycleEntry(item)

	return data
}

// ReplayInput2 consumes the next 2-byte input.
func (e *Engine) ReplayInput2(callsite Callsite) uint16 {
	item := e.getNext(KindInput2, callsite, false)

	e.assert(item != nil, "INPUT_2 expected and not found")
	e.assert(item.Header.Callsite == callsite, "INPUT_2 callsite mismatch")

	data := item.Input2

	e.recycleEntry(item)

	return data
}

// ReplayInput4 consumes the next 4-byte input.
func (e *Engine) ReplayInput4(callsite Callsite) uint32 {
	item := e.getNext(KindInput4, callsite, false)

	e.assert(item != nil, "INPUT_4 expected and not found")
	e.assert(item.Header.Callsite == callsite, "INPUT_4 callsite mismatch")

	data := item.Input4

	e.recycleEntry(item)

	return data
}

// ReplayInput8 consumes the next 8-byte input.
func (e *Engine) ReplayInput8(callsite Callsite) uint64 {
	item := e.getNext(KindInput8, callsite, false)

	e.assert(item != nil, "INPUT_8 expected and not found")
	e.assert(item.Header.Callsite == callsite, "INPUT_8 callsite mismatch")

	data := item.Input8

	e.recycleEntry(item)

	return data
}

// ReplayInterruptRequest advances the interrupt-request state machine
// when a transition entry is due and returns the current value. After a
// consumed transition the queue is refilled so the next interrupt-shaped
// stop point is already queued.
func (e *Engine) ReplayInterruptRequest(callsite Callsite) uint32 {
	if item := e.getNext(KindInterruptRequest, callsite, true); item != nil {
		e.lastInterruptRequest = item.InterruptRequest

		e.recycleEntry(item)
		e.fillQueue()
	}

	return e.lastInterruptRequest
}

// ReplayExitRequest returns the logged exit code, or zero when no entry
// is due: the writer elides zero values.
func (e *Engine) ReplayExitRequest(callsite Callsite) uint32 {
	item := e.getNext(KindExitRequest, callsite, false)
	if item == nil {
		return 0
	}

	if item.Header.Callsite != callsite {
		log.WithFields(log.Fields{
			"log_callsite":    item.Header.Callsite.String(),
			"replay_callsite": callsite.String(),
		}).Error("callsite match failed")

		e.assert(false, "EXIT_REQUEST callsite mismatch")
	}

	exitRequest := item.ExitRequest

	e.recycleEntry(item)

	return exitRequest
}

// ReplayDebug is advisory: it consumes a leading DEBUG checkpoint whose
// instruction count has been reached. A checkpoint still in the future is
// left in place; replay may reach it later because translation-block
// chaining differs between record and replay.
func (e *Engine) ReplayDebug(callsite Callsite) {
	_ = callsite

	if e.queueHead == nil || e.queueHead.Header.Kind != KindDebug {
		return
	}

	logPoint := e.queueHead.Header.Point
	current := e.emu.ProgPoint()

	switch {
	case logPoint.GuestInstrCount > current.GuestInstrCount:
		return
	case logPoint.GuestInstrCount == current.GuestInstrCount:
		e.recycleEntry(e.detachHead())

		log.WithField("point", current.String()).Debug("DEBUG check passed")
	default:
		// Ahead of the checkpoint; drop it rather than die, the next
		// hard consumer will catch a real divergence.
		e.recycleEntry(e.detachHead())
	}
}

// ReplaySkippedCalls pumps SKIPPED_CALL entries due at the current
// program point, dispatching each sub-kind to the handler. When invoked
// at MAIN_LOOP_WAIT it refills the queue after draining it so subsequent
// consumers keep their look-ahead.
func (e *Engine) ReplaySkippedCalls(callsite Callsite) {
	for {
		item := e.getNext(KindSkippedCall, callsite, false)
		if item == nil {
			return
		}

		var err error

		switch item.Call.Kind {
		case CallCPUMemRW:
			err = e.handler.ApplyCPUMemRW(item.Call.MemRW.Addr, item.Call.MemRW.Buf)
		case CallCPUMemUnmap:
			err = e.handler.ApplyCPUMemUnmap(item.Call.MemUnmap.Addr, item.Call.MemUnmap.Buf)
		case CallMemRegionChange:
			rc := item.Call.RegionChange
			err = e.handler.ApplyMemRegionChange(rc.Start, rc.Size, rc.MType, rc.Name, rc.Added)
		case CallHDTransfer:
			t := item.Call.HDTransfer
			err = e.handler.ApplyHDTransfer(t.Type, t.Src, t.Dest, t.NumBytes)
		case CallNetTransfer:
			t := item.Call.NetTransfer
			err = e.handler.ApplyNetTransfer(t.Type, t.Src, t.Dest, t.NumBytes)
		case CallHandlePacket:
			err = e.handler.ApplyHandlePacket(item.Call.Packet.Buf, item.Call.Packet.Direction)
		default:
			e.assert(false, "unimplemented skipped call kind")
		}

		if err != nil {
			log.WithFields(log.Fields{
				"call":  item.Call.Kind.String(),
				"error": err,
			}).Error("skipped call replay failed")

			e.assert(false, "skipped call replay failed")
		}

		e.recycleEntry(item)

		if callsite == CallsiteMainLoopWait && e.queueHead == nil {
			e.fillQueue()
		}
	}
}

// ReplayFinished reports whether the file is drained and only the LAST
// sentinel remains at the queue head at or past its instruction count.
func (e *Engine) ReplayFinished() bool {
	if !e.InReplay() || !e.nondetLog.empty() {
		return false
	}

	if e.queueHead == nil || e.queueHead.Header.Kind != KindLast {
		return false
	}

	return e.emu.ProgPoint().GuestInstrCount >=
		e.queueHead.Header.Point.GuestInstrCount
}
