package machine

// run.go – the guest's synthetic instruction stream and the
// instrumentation points where non-determinism crosses into it. Guest
// behavior is a pure function of the instruction counter, registers,
// guest memory and the values returned by the instrumented reads, so a
// replay fed the logged values re-executes bit-for-bit.

import (
	"encoding/binary"
	"fmt"

	"github.com/bobuhiro11/gorr/rr"
)

// rxRingBase is where delivered packets land in guest memory: a 4-byte
// length followed by the payload.
const rxRingBase = pageSize

type hdOp struct {
	typ  rr.TransferType
	src  uint64
	dest uint64
	data []byte
}

type regionOp struct {
	name  string
	start uint64
	size  uint64
	io    bool
	added bool
}

// ---- host-side injection API (record only) ----------------------------

// InjectDMA queues a device write into guest memory; it is applied and
// recorded at the next main-loop-wait safe point.
func (m *Machine) InjectDMA(addr uint64, buf []byte) {
	m.dmaQueue = append(m.dmaQueue, dmaWrite{addr: addr, buf: buf})
}

// InjectPacket queues an inbound network packet.
func (m *Machine) InjectPacket(buf []byte) {
	m.packetQueue = append(m.packetQueue, buf)
}

// InjectHDTransfer queues a disk-to-RAM transfer of data to dest.
func (m *Machine) InjectHDTransfer(src, dest uint64, data []byte) {
	m.hdQueue = append(m.hdQueue, hdOp{typ: rr.TransferHDToRAM, src: src, dest: dest, data: data})
}

// PlugIORegion queues installation of an I/O memory region.
func (m *Machine) PlugIORegion(name string, start, size uint64, io bool) {
	m.regionQueue = append(m.regionQueue, regionOp{
		name: name, start: start, size: size, io: io, added: true,
	})
}

// UnplugIORegion queues removal of an I/O memory region.
func (m *Machine) UnplugIORegion(start, size uint64) {
	m.regionQueue = append(m.regionQueue, regionOp{start: start, size: size})
}

// AssertIRQ raises bits in the pending-interrupt bitmask.
func (m *Machine) AssertIRQ(mask uint32) { m.pendingIRQ |= mask }

// RequestExit latches an exit code for the guest to observe.
func (m *Machine) RequestExit(code uint32) { m.exitRequest = code }

// ---- instrumented reads -----------------------------------------------

func (m *Machine) inPort1(port uint64, callsite rr.Callsite) uint8 {
	if m.engine.InReplay() {
		return m.engine.ReplayInput1(callsite)
	}

	var data [1]byte

	if dev, err := m.findDevice(port); err == nil {
		_ = dev.Read(port, data[:])
	}

	if m.engine.InRecord() {
		m.engine.RecordInput1(callsite, data[0])
	}

	return data[0]
}

func (m *Machine) inPort4(port uint64, callsite rr.Callsite) uint32 {
	if m.engine.InReplay() {
		return m.engine.ReplayInput4(callsite)
	}

	var data [4]byte

	if dev, err := m.findDevice(port); err == nil {
		_ = dev.Read(port, data[:])
	}

	v := binary.LittleEndian.Uint32(data[:])

	if m.engine.InRecord() {
		m.engine.RecordInput4(callsite, v)
	}

	return v
}

func (m *Machine) outPort1(port uint64, b byte) {
	if dev, err := m.findDevice(port); err == nil {
		_ = dev.Write(port, []byte{b})
	}
}

// checkInterrupts observes the pending-interrupt bitmask through the
// log and services any set bits.
func (m *Machine) checkInterrupts(callsite rr.Callsite) uint32 {
	var v uint32

	switch {
	case m.engine.InReplay():
		v = m.engine.ReplayInterruptRequest(callsite)
	case m.engine.InRecord():
		m.engine.RecordInterruptRequest(callsite, m.pendingIRQ)

		v = m.pendingIRQ
	default:
		v = m.pendingIRQ
	}

	if v != 0 {
		// Service: fold the vector into guest state and ack.
		m.regs[2] ^= uint64(v)
		m.pendingIRQ &^= v
	}

	return v
}

// checkExit observes the exit-request word through the log.
func (m *Machine) checkExit(callsite rr.Callsite) uint32 {
	if m.engine.InReplay() {
		return m.engine.ReplayExitRequest(callsite)
	}

	if m.engine.InRecord() {
		m.engine.RecordExitRequest(callsite, m.exitRequest)
	}

	return m.exitRequest
}

// deliverPacket lands a packet in the guest's receive ring.
func (m *Machine) deliverPacket(buf []byte) error {
	if rxRingBase+4+len(buf) > len(m.mem) {
		return fmt.Errorf("%w: packet of %d bytes", errMemOutOfRange, len(buf))
	}

	binary.LittleEndian.PutUint32(m.mem[rxRingBase:], uint32(len(buf)))
	copy(m.mem[rxRingBase+4:], buf)

	return nil
}

// mainLoopWait is the safe point where host-side effects enter guest
// memory. During record the queued injections are applied and logged as
// skipped calls; during replay the logged calls are re-applied and the
// host queues are ignored.
func (m *Machine) mainLoopWait() error {
	if m.engine.InReplay() {
		m.engine.ReplaySkippedCalls(rr.CallsiteMainLoopWait)

		return nil
	}

	for _, d := range m.dmaQueue {
		if err := m.ApplyCPUMemRW(d.addr, d.buf); err != nil {
			return err
		}

		if m.engine.InRecord() {
			m.engine.RecordCPUMemRW(rr.CallsiteMainLoopWait, d.addr, d.buf)
		}
	}

	m.dmaQueue = nil

	for _, h := range m.hdQueue {
		if err := m.ApplyCPUMemRW(h.dest, h.data); err != nil {
			return err
		}

		if m.engine.InRecord() {
			m.engine.RecordCPUMemRW(rr.CallsiteHDTransfer, h.dest, h.data)
			m.engine.RecordHDTransfer(rr.CallsiteHDTransfer, h.typ, h.src, h.dest, uint32(len(h.data)))
		}

		m.hdBytes += uint64(len(h.data))
	}

	m.hdQueue = nil

	for _, p := range m.packetQueue {
		if err := m.deliverPacket(p); err != nil {
			return err
		}

		if m.engine.InRecord() {
			m.engine.RecordHandlePacket(rr.CallsiteMainLoopWait, p, 0)
		}

		m.netBytes += uint64(len(p))
	}

	m.packetQueue = nil

	for _, r := range m.regionQueue {
		mtype := rr.MemRAM
		if r.io {
			mtype = rr.MemIO
		}

		if err := m.ApplyMemRegionChange(r.start, r.size, mtype, r.name, r.added); err != nil {
			return err
		}

		if m.engine.InRecord() {
			m.engine.RecordMemRegionChange(rr.CallsiteMainLoopWait,
				r.start, r.size, mtype, r.name, r.added)
		}
	}

	m.regionQueue = nil

	return nil
}

// ---- the guest program ------------------------------------------------

// step executes one synthetic instruction.
func (m *Machine) step() error {
	m.instrCount++
	m.pc += 4

	switch op := m.instrCount % 64; {
	case op%16 == 0:
		// Read the free-running counter; its value is non-deterministic
		// and comes from the log on replay.
		v := m.inPort4(CounterPort, rr.CallsiteIOPortRead)
		m.regs[1] += uint64(v)
	case op == 5:
		// Poll console status, emit a byte when the transmitter is
		// ready. The byte itself is a deterministic function of guest
		// state.
		if lsr := m.inPort1(ConsolePort+5, rr.CallsiteSerialRead); lsr&0x60 != 0 {
			m.outPort1(ConsolePort, 'a'+byte(m.regs[1]%26))
		}
	case op == 21:
		m.checkInterrupts(rr.CallsiteCPULoop)
	case op == 37:
		if code := m.checkExit(rr.CallsiteCPULoop); code != 0 {
			m.quit = true
		}
	case op == 44:
		// Periodic checkpoint to cross-check program-point drift.
		switch {
		case m.engine.InRecord():
			m.engine.RecordDebug(rr.CallsiteCPULoop)
		case m.engine.InReplay():
			m.engine.ReplayDebug(rr.CallsiteCPULoop)
		}
	case op == 51:
		// Fold the receive ring into guest state so replayed packet and
		// DMA contents are observable.
		n := binary.LittleEndian.Uint32(m.mem[rxRingBase:])
		if n > pageSize-4 {
			n = pageSize - 4
		}

		var sum uint64
		for _, b := range m.mem[rxRingBase+4 : rxRingBase+4+int(n)] {
			sum = sum*31 + uint64(b)
		}

		m.regs[4] ^= sum
	case op == 63:
		if err := m.mainLoopWait(); err != nil {
			return err
		}
	default:
		// Plain ALU work.
		m.regs[3] = m.regs[3]*6364136223846793005 + 1442695040888963407
	}

	return nil
}

// Run executes the guest until target instructions have been reached
// (record/off), replay is finished, or the guest exits. It may be called
// repeatedly; injections between calls land at the next safe point.
func (m *Machine) Run(target uint64) error {
	for !m.quit {
		if m.engine.InReplay() {
			if m.engine.ReplayFinished() {
				break
			}
		} else if target > 0 && m.instrCount >= target {
			break
		}

		if err := m.step(); err != nil {
			return err
		}
	}

	return nil
}
