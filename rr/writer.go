package rr

import "encoding/binary"

// The writer serializes one entry at a time to the open record log. The
// format is little-endian with fields in natural order and no padding:
// header tuple (P, K, CS), then the variant payload, then any trailing
// variable-length buffer. SKIPPED_CALL payloads begin with the 4-byte
// sub-kind tag. Buffer-pointer fields inside fixed structs are written as
// zero; the replayer ignores them.

func (e *Engine) put(b []byte) {
	if _, err := e.nondetLog.w.Write(b); err != nil {
		e.ioFatal("write", err)
	}
}

func (e *Engine) putU8(v uint8) {
	e.put([]byte{v})
}

func (e *Engine) putU16(v uint16) {
	var b [2]byte

	binary.LittleEndian.PutUint16(b[:], v)
	e.put(b[:])
}

func (e *Engine) putU32(v uint32) {
	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], v)
	e.put(b[:])
}

func (e *Engine) putU64(v uint64) {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], v)
	e.put(b[:])
}

func (e *Engine) putProgPoint(p ProgPoint) {
	var b [progPointSize]byte

	marshalProgPoint(b[:], p)
	e.put(b[:])
}

// writeItem serializes the shared current entry and advances the header
// program point kept for the close-time rewrite.
func (e *Engine) writeItem() {
	item := &e.currentItem

	e.assert(e.InRecord(), "record while not in RECORD")
	e.assert(e.nondetLog != nil, "record with no open log")

	e.putProgPoint(item.Header.Point)
	e.putU32(uint32(item.Header.Kind))
	e.putU32(uint32(item.Header.Callsite))

	// Track the latest program point for the close-time header rewrite.
	// The LAST sentinel is excluded: the header names the final real
	// event, not the end-of-log marker.
	if item.Header.Kind != KindLast {
		e.nondetLog.lastPoint = item.Header.Point
	}

	switch item.Header.Kind {
	case KindInput1:
		e.putU8(item.Input1)
	case KindInput2:
		e.putU16(item.Input2)
	case KindInput4:
		e.putU32(item.Input4)
	case KindInput8:
		e.putU64(item.Input8)
	case KindInterruptRequest:
		e.putU32(item.InterruptRequest)
	case KindExitRequest:
		e.putU32(item.ExitRequest)
	case KindSkippedCall:
		e.writeSkippedCall(&item.Call)
	case KindDebug, KindLast:
		// no payload
	default:
		e.assert(false, "unimplemented log entry kind")
	}

	e.nondetLog.itemNumber++
}

// writeSkippedCall writes the sub-kind tag first, then the fixed args,
// then the trailing buffer where the sub-kind has one.
func (e *Engine) writeSkippedCall(args *SkippedCallArgs) {
	e.putU32(uint32(args.Kind))

	switch args.Kind {
	case CallCPUMemRW:
		e.putU64(args.MemRW.Addr)
		e.putU64(0) // buffer pointer, meaningless on disk
		e.putU64(uint64(len(args.MemRW.Buf)))
		e.put(args.MemRW.Buf)
	case CallCPUMemUnmap:
		e.putU64(args.MemUnmap.Addr)
		e.putU64(0)
		e.putU64(uint64(len(args.MemUnmap.Buf)))
		e.put(args.MemUnmap.Buf)
	case CallMemRegionChange:
		rc := &args.RegionChange

		e.putU64(rc.Start)
		e.putU64(rc.Size)
		e.putU32(uint32(rc.MType))

		var added uint32
		if rc.Added {
			added = 1
		}

		e.putU32(added)
		e.putU64(0)
		e.putU64(uint64(len(rc.Name)))
		e.put([]byte(rc.Name))
	case CallHDTransfer:
		e.putU32(uint32(args.HDTransfer.Type))
		e.putU64(args.HDTransfer.Src)
		e.putU64(args.HDTransfer.Dest)
		e.putU32(args.HDTransfer.NumBytes)
	case CallNetTransfer:
		e.putU32(uint32(args.NetTransfer.Type))
		e.putU64(args.NetTransfer.Src)
		e.putU64(args.NetTransfer.Dest)
		e.putU32(args.NetTransfer.NumBytes)
	case CallHandlePacket:
		e.putU64(0)
		e.putU32(uint32(len(args.Packet.Buf)))
		e.putU32(args.Packet.Direction)
		e.put(args.Packet.Buf)
	default:
		e.assert(false, "unimplemented skipped call kind")
	}
}

// beginItem zero-fills the shared entry slot and stamps kind, callsite
// and the current program point.
func (e *Engine) beginItem(kind EntryKind, callsite Callsite) *Entry {
	item := &e.currentItem

	item.reset()

	item.Header.Kind = kind
	item.Header.Callsite = callsite
	item.Header.Point = e.emu.ProgPoint()

	return item
}

// RecordDebug writes a checkpoint marker used to cross-check program-
// point drift between record and replay.
func (e *Engine) RecordDebug(callsite Callsite) {
	e.beginItem(KindDebug, callsite)
	e.writeItem()
}

// RecordInput1 records a 1-byte input returned to the guest.
func (e *Engine) RecordInput1(callsite Callsite, data uint8) {
	item := e.beginItem(KindInput1, callsite)
	item.Input1 = data

	e.writeItem()
}

// RecordInput2 records a 2-byte input returned to the guest.
func (e *Engine) RecordInput2(callsite Callsite, data uint16) {
	item := e.beginItem(KindInput2, callsite)
	item.Input2 = data

	e.writeItem()
}

// RecordInput4 records a 4-byte input returned to the guest.
func (e *Engine) RecordInput4(callsite Callsite, data uint32) {
	item := e.beginItem(KindInput4, callsite)
	item.Input4 = data

	e.writeItem()
}

// RecordInput8 records an 8-byte input returned to the guest.
func (e *Engine) RecordInput8(callsite Callsite, data uint64) {
	item := e.beginItem(KindInput8, callsite)
	item.Input8 = data

	e.writeItem()
}

// RecordInterruptRequest records the new value of the pending-interrupt
// bitmask, but only on transitions: the dominant fraction of checks
// observe an unchanged value and produce no entry.
func (e *Engine) RecordInterruptRequest(callsite Callsite, interruptRequest uint32) {
	if e.lastInterruptRequest == interruptRequest {
		return
	}

	item := e.beginItem(KindInterruptRequest, callsite)
	item.InterruptRequest = interruptRequest

	e.lastInterruptRequest = interruptRequest

	e.writeItem()
}

// RecordExitRequest records a nonzero exit code; zero values are elided.
func (e *Engine) RecordExitRequest(callsite Callsite, exitRequest uint32) {
	if exitRequest == 0 {
		return
	}

	item := e.beginItem(KindExitRequest, callsite)
	item.ExitRequest = exitRequest

	e.writeItem()
}

// RecordCPUMemRW records a device write into guest physical memory that
// must be elided and replayed from the log. Only writes are recorded.
func (e *Engine) RecordCPUMemRW(callsite Callsite, addr uint64, buf []byte) {
	item := e.beginItem(KindSkippedCall, callsite)
	item.Call.Kind = CallCPUMemRW
	item.Call.MemRW = CPUMemRWArgs{Addr: addr, Buf: buf}

	e.writeItem()
}

// RecordCPUMemUnmap records the memory modified during a map/copy/unmap
// of a guest region.
func (e *Engine) RecordCPUMemUnmap(callsite Callsite, addr uint64, buf []byte) {
	item := e.beginItem(KindSkippedCall, callsite)
	item.Call.Kind = CallCPUMemUnmap
	item.Call.MemUnmap = CPUMemRWArgs{Addr: addr, Buf: buf}

	e.writeItem()
}

// RecordMemRegionChange records a change in the I/O memory map.
func (e *Engine) RecordMemRegionChange(callsite Callsite, start, size uint64,
	mtype MemType, name string, added bool,
) {
	item := e.beginItem(KindSkippedCall, callsite)
	item.Call.Kind = CallMemRegionChange
	item.Call.RegionChange = MemRegionChangeArgs{
		Start: start,
		Size:  size,
		MType: mtype,
		Added: added,
		Name:  name,
	}

	e.writeItem()
}

// RecordHDTransfer records a disk transfer descriptor.
func (e *Engine) RecordHDTransfer(callsite Callsite, typ TransferType,
	src, dest uint64, numBytes uint32,
) {
	item := e.beginItem(KindSkippedCall, callsite)
	item.Call.Kind = CallHDTransfer
	item.Call.HDTransfer = TransferArgs{Type: typ, Src: src, Dest: dest, NumBytes: numBytes}

	e.writeItem()
}

// RecordNetTransfer records a network transfer descriptor.
func (e *Engine) RecordNetTransfer(callsite Callsite, typ TransferType,
	src, dest uint64, numBytes uint32,
) {
	item := e.beginItem(KindSkippedCall, callsite)
	item.Call.Kind = CallNetTransfer
	item.Call.NetTransfer = TransferArgs{Type: typ, Src: src, Dest: dest, NumBytes: numBytes}

	e.writeItem()
}

// RecordHandlePacket records a packet handed to the host for
// transmission or delivery.
func (e *Engine) RecordHandlePacket(callsite Callsite, buf []byte, direction uint32) {
	item := e.beginItem(KindSkippedCall, callsite)
	item.Call.Kind = CallHandlePacket
	item.Call.Packet = HandlePacketArgs{Buf: buf, Direction: direction}

	e.writeItem()
}

// recordLast writes the end-of-log sentinel.
func (e *Engine) recordLast() {
	e.beginItem(KindLast, CallsiteLast)
	e.writeItem()
}
