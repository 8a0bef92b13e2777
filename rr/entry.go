// Package rr implements the non-deterministic event log used for
// whole-system record and replay. During record, inputs that cross the
// guest's deterministic envelope (port reads, interrupt assertions, device
// DMA, skipped host calls) are appended to a binary log keyed by program
// point. During replay the same events are re-injected at the same program
// points, so the rest of the machine re-executes deterministically from a
// snapshot.
package rr

// ProgPoint identifies a moment in the guest's execution. GuestInstrCount
// is the authoritative deterministic clock; PC and Secondary are advisory
// and carried through unchanged.
type ProgPoint struct {
	GuestInstrCount uint64
	PC              uint64
	Secondary       uint64
}

// progPointSize is the on-disk size of a ProgPoint (three u64 fields).
const progPointSize = 24

// EntryKind discriminates log entries.
type EntryKind uint32

const (
	KindInput1 EntryKind = iota
	KindInput2
	KindInput4
	KindInput8
	KindInterruptRequest
	KindExitRequest
	KindSkippedCall
	KindDebug
	// KindLast is the end-of-log sentinel and the bound for per-kind
	// counter arrays.
	KindLast
)

var kindNames = [...]string{
	KindInput1:           "INPUT_1",
	KindInput2:           "INPUT_2",
	KindInput4:           "INPUT_4",
	KindInput8:           "INPUT_8",
	KindInterruptRequest: "INTERRUPT_REQUEST",
	KindExitRequest:      "EXIT_REQUEST",
	KindSkippedCall:      "SKIPPED_CALL",
	KindDebug:            "DEBUG",
	KindLast:             "LAST",
}

func (k EntryKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}

	return "UNKNOWN"
}

// Callsite names the location in the emulator's control flow at which an
// event was recorded. It is carried verbatim and checked on consumption
// only when the consumer asks.
type Callsite uint32

const (
	CallsiteCPULoop Callsite = iota
	CallsiteIOPortRead
	CallsiteCPUMemRW
	CallsiteCPUMemUnmap
	CallsiteMainLoopWait
	CallsiteSerialRead
	CallsiteNetPacket
	CallsiteHDTransfer
	CallsiteLast
)

var callsiteNames = [...]string{
	CallsiteCPULoop:      "CPU_LOOP",
	CallsiteIOPortRead:   "IO_PORT_READ",
	CallsiteCPUMemRW:     "CPU_MEM_RW",
	CallsiteCPUMemUnmap:  "CPU_MEM_UNMAP",
	CallsiteMainLoopWait: "MAIN_LOOP_WAIT",
	CallsiteSerialRead:   "SERIAL_READ",
	CallsiteNetPacket:    "NET_PACKET",
	CallsiteHDTransfer:   "HD_TRANSFER",
	CallsiteLast:         "LAST",
}

func (c Callsite) String() string {
	if int(c) < len(callsiteNames) {
		return callsiteNames[c]
	}

	return "UNKNOWN"
}

// SkippedCallKind discriminates SKIPPED_CALL entries.
type SkippedCallKind uint32

const (
	CallCPUMemRW SkippedCallKind = iota
	CallCPUMemUnmap
	CallMemRegionChange
	CallHDTransfer
	CallNetTransfer
	CallHandlePacket
)

var skippedCallNames = [...]string{
	CallCPUMemRW:        "CPU_MEM_RW",
	CallCPUMemUnmap:     "CPU_MEM_UNMAP",
	CallMemRegionChange: "MEM_REGION_CHANGE",
	CallHDTransfer:      "HD_TRANSFER",
	CallNetTransfer:     "NET_TRANSFER",
	CallHandlePacket:    "HANDLE_PACKET",
}

func (k SkippedCallKind) String() string {
	if int(k) < len(skippedCallNames) {
		return skippedCallNames[k]
	}

	return "UNKNOWN"
}

// MemType tags the kind of memory region installed by a
// MEM_REGION_CHANGE entry.
type MemType uint32

const (
	MemRAM MemType = iota
	MemIO
)

// TransferType tags the direction of an HD or net transfer.
type TransferType uint32

const (
	TransferHDToRAM TransferType = iota
	TransferRAMToHD
	TransferNetToRAM
	TransferRAMToNet
)

// EntryHeader is the fixed tuple written before every variant payload.
// FilePos is reader-side only: the byte offset of the entry's first byte.
type EntryHeader struct {
	Point    ProgPoint
	Kind     EntryKind
	Callsite Callsite
	FilePos  uint64
}

// CPUMemRWArgs carries a recorded write into guest physical memory.
// The same shape serves CPU_MEM_RW and CPU_MEM_UNMAP. Buf is owned by the
// entry holding it; the on-disk buffer-pointer field is written as zero
// and ignored on read.
type CPUMemRWArgs struct {
	Addr uint64
	Buf  []byte
}

// MemRegionChangeArgs carries an I/O memory topology change.
type MemRegionChangeArgs struct {
	Start uint64
	Size  uint64
	MType MemType
	Added bool
	Name  string
}

// TransferArgs carries an HD or net transfer descriptor. The payload data
// itself lives in guest RAM and is captured by the surrounding mem-rw
// entries.
type TransferArgs struct {
	Type     TransferType
	Src      uint64
	Dest     uint64
	NumBytes uint32
}

// HandlePacketArgs carries a network packet handed to the host.
type HandlePacketArgs struct {
	Buf       []byte
	Direction uint32
}

// SkippedCallArgs is the tag-plus-union payload of a SKIPPED_CALL entry.
// Only the arm named by Kind is meaningful.
type SkippedCallArgs struct {
	Kind SkippedCallKind

	MemRW        CPUMemRWArgs
	MemUnmap     CPUMemRWArgs
	RegionChange MemRegionChangeArgs
	HDTransfer   TransferArgs
	NetTransfer  TransferArgs
	Packet       HandlePacketArgs
}

// Entry is one log record: a header plus the variant payload for its kind.
// Entries are linked into the look-ahead queue and the recycle list
// through next. An in-flight entry exclusively owns any byte buffers
// hanging off its variant.
type Entry struct {
	Header EntryHeader

	Input1           uint8
	Input2           uint16
	Input4           uint32
	Input8           uint64
	InterruptRequest uint32
	ExitRequest      uint32
	Call             SkippedCallArgs

	next *Entry
}

// reset zeroes an entry shell for reuse, dropping buffer references.
func (e *Entry) reset() {
	*e = Entry{}
}

// dropBuffers clears the variable-length buffers an entry owns. History
// copies are taken after this so the ring never owns buffers.
func (e *Entry) dropBuffers() {
	if e.Header.Kind != KindSkippedCall {
		return
	}

	switch e.Call.Kind {
	case CallCPUMemRW:
		e.Call.MemRW.Buf = nil
	case CallCPUMemUnmap:
		e.Call.MemUnmap.Buf = nil
	case CallHandlePacket:
		e.Call.Packet.Buf = nil
	case CallMemRegionChange, CallHDTransfer, CallNetTransfer:
	}
}
