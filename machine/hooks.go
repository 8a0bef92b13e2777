package machine

// hooks.go – the upcall interfaces the record/replay engine consumes:
// the program-point clock and comparator, the CPU-loop escape, and the
// skipped-call handlers that re-apply logged side effects during replay.

import (
	"fmt"

	"github.com/bobuhiro11/gorr/memory"
	"github.com/bobuhiro11/gorr/rr"
)

// ProgPoint returns the current deterministic program point.
func (m *Machine) ProgPoint() rr.ProgPoint {
	return rr.ProgPoint{
		GuestInstrCount: m.instrCount,
		PC:              m.pc,
		Secondary:       m.regs[0],
	}
}

// ComparePoints orders program points for replay alignment. The
// instruction count decides; the kind matters for polled events:
// interrupt-request and exit-request transitions become due as soon as
// the logged point has been passed, because the guest only notices them
// at its next poll.
func (m *Machine) ComparePoints(cur, logged rr.ProgPoint, kind rr.EntryKind) int {
	switch {
	case cur.GuestInstrCount < logged.GuestInstrCount:
		return -1
	case cur.GuestInstrCount > logged.GuestInstrCount:
		if kind == rr.KindInterruptRequest || kind == rr.KindExitRequest {
			return 0
		}

		return 1
	default:
		return 0
	}
}

// QuitCPULoop stops the run loop after a fatal replay divergence.
func (m *Machine) QuitCPULoop() { m.quit = true }

// ResetClock zeroes the instruction counter at session start.
func (m *Machine) ResetClock() { m.instrCount = 0 }

// ---- rr.SkippedCallHandler --------------------------------------------

// ApplyCPUMemRW writes logged DMA data into guest physical memory.
func (m *Machine) ApplyCPUMemRW(addr uint64, buf []byte) error {
	if addr+uint64(len(buf)) > uint64(len(m.mem)) {
		return fmt.Errorf("%w: %#x+%d", errMemOutOfRange, addr, len(buf))
	}

	copy(m.mem[addr:], buf)

	return nil
}

// ApplyCPUMemUnmap replays a map/copy/unmap as a plain write; the demo
// guest's memory is always mapped.
func (m *Machine) ApplyCPUMemUnmap(addr uint64, buf []byte) error {
	return m.ApplyCPUMemRW(addr, buf)
}

// ApplyMemRegionChange installs or removes an I/O region.
func (m *Machine) ApplyMemRegionChange(start, size uint64, mtype rr.MemType,
	name string, added bool,
) error {
	if !added {
		return m.regions.Remove(start, size)
	}

	rt := memory.RAM
	if mtype == rr.MemIO {
		rt = memory.IO
	}

	return m.regions.Add(&memory.Region{
		Name:  name,
		Start: start,
		Size:  size,
		Type:  rt,
	})
}

// ApplyHDTransfer accounts a replayed disk transfer. The data itself
// arrives via the surrounding mem-rw entries.
func (m *Machine) ApplyHDTransfer(typ rr.TransferType, src, dest uint64, numBytes uint32) error {
	_ = typ
	_ = src
	_ = dest

	m.hdBytes += uint64(numBytes)

	return nil
}

// ApplyNetTransfer accounts a replayed network transfer.
func (m *Machine) ApplyNetTransfer(typ rr.TransferType, src, dest uint64, numBytes uint32) error {
	_ = typ
	_ = src
	_ = dest

	m.netBytes += uint64(numBytes)

	return nil
}

// ApplyHandlePacket delivers a logged packet into the guest's receive
// ring at rxRingBase.
func (m *Machine) ApplyHandlePacket(buf []byte, direction uint32) error {
	_ = direction

	return m.deliverPacket(buf)
}
