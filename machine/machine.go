// Package machine implements a small deterministic guest used to drive
// record/replay sessions end-to-end. The guest's own execution (a
// synthetic instruction stream over registers, guest memory and port
// I/O) is a pure function of its inputs; everything that crosses into it
// from the host — port-read values, interrupt assertions, exit requests,
// DMA, packets — goes through the nondet log.
package machine

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bobuhiro11/gorr/device"
	"github.com/bobuhiro11/gorr/memory"
	"github.com/bobuhiro11/gorr/rr"
	"github.com/bobuhiro11/gorr/snapshot"
)

const (
	// CounterPort is the free-running counter device, the guest's
	// source of timestamps.
	CounterPort = 0x40

	// ConsolePort receives guest console output, one byte per write.
	ConsolePort = 0x3f8

	pageSize = 4096
)

var (
	errMemTooSmall   = errors.New("guest memory too small")
	errNoSuchPort    = errors.New("no device on port")
	errMemOutOfRange = errors.New("address outside guest memory")
)

// Machine is the demo guest plus its host-side device state.
type Machine struct {
	engine *rr.Engine

	instrCount uint64
	pc         uint64
	regs       [16]uint64

	mem     []byte
	devices []device.IODevice
	regions *memory.RegionTable

	pendingIRQ  uint32
	exitRequest uint32
	serialIER   byte
	serialLCR   byte

	// Host-side injection queues, drained at the main-loop-wait safe
	// point during record.
	packetQueue [][]byte
	dmaQueue    []dmaWrite
	hdQueue     []hdOp
	regionQueue []regionOp

	console bytes.Buffer

	hdBytes  uint64
	netBytes uint64

	quit bool
}

type dmaWrite struct {
	addr uint64
	buf  []byte
}

// New returns a machine with memSize bytes of guest memory and the
// default device set.
func New(memSize int) (*Machine, error) {
	if memSize < pageSize {
		return nil, fmt.Errorf("%w: %d bytes", errMemTooSmall, memSize)
	}

	m := &Machine{
		mem:     make([]byte, memSize),
		regions: memory.NewRegionTable(),
	}

	m.devices = []device.IODevice{
		device.NewCounterDevice(CounterPort, 3),
		&consoleDevice{m: m},
		&device.NoopDevice{Port: 0x80, Psize: 1},
	}

	return m, nil
}

// SetEngine binds the record/replay engine. The machine is also the
// engine's emulator collaborator, so construction is two-phase.
func (m *Machine) SetEngine(e *rr.Engine) { m.engine = e }

// Mem exposes guest memory.
func (m *Machine) Mem() []byte { return m.mem }

// Console returns everything the guest wrote to the console port.
func (m *Machine) Console() []byte { return m.console.Bytes() }

// Regions exposes the I/O region table.
func (m *Machine) Regions() *memory.RegionTable { return m.regions }

// InstrCount returns the guest instruction counter.
func (m *Machine) InstrCount() uint64 { return m.instrCount }

// Halted reports whether the guest has stopped (exit request observed or
// CPU loop escaped).
func (m *Machine) Halted() bool { return m.quit }

// consoleDevice turns port writes into console output.
type consoleDevice struct {
	m *Machine
}

func (c *consoleDevice) Read(port uint64, data []byte) error {
	// LSR-style status: transmitter always ready.
	data[0] = 0x60

	return nil
}

func (c *consoleDevice) Write(port uint64, data []byte) error {
	c.m.console.Write(data)

	return nil
}

func (c *consoleDevice) IOPort() uint64 { return ConsolePort }

func (c *consoleDevice) Size() uint64 { return 8 }

// findDevice locates the device claiming port.
func (m *Machine) findDevice(port uint64) (device.IODevice, error) {
	for _, dev := range m.devices {
		if port >= dev.IOPort() && port < dev.IOPort()+dev.Size() {
			return dev, nil
		}
	}

	return nil, fmt.Errorf("%w: %#x", errNoSuchPort, port)
}

// ---- snapshot.Machine -------------------------------------------------

// SaveState captures the machine for the snapshot subsystem.
func (m *Machine) SaveState() (*snapshot.State, []byte, error) {
	st := &snapshot.State{
		MemSize: len(m.mem),
		CPU: snapshot.CPUState{
			InstrCount: m.instrCount,
			PC:         m.pc,
			Regs:       m.regs,
		},
		Devices: snapshot.DeviceState{
			PendingIRQ:  m.pendingIRQ,
			ExitRequest: m.exitRequest,
			SerialIER:   m.serialIER,
			SerialLCR:   m.serialLCR,
		},
	}

	mem := make([]byte, len(m.mem))
	copy(mem, m.mem)

	return st, mem, nil
}

// RestoreState applies a previously captured snapshot.
func (m *Machine) RestoreState(st *snapshot.State, mem []byte) error {
	if st.MemSize != len(m.mem) || len(mem) != len(m.mem) {
		return fmt.Errorf("snapshot memory size %d does not match machine %d",
			st.MemSize, len(m.mem))
	}

	m.instrCount = st.CPU.InstrCount
	m.pc = st.CPU.PC
	m.regs = st.CPU.Regs

	copy(m.mem, mem)

	m.pendingIRQ = st.Devices.PendingIRQ
	m.exitRequest = st.Devices.ExitRequest
	m.serialIER = st.Devices.SerialIER
	m.serialLCR = st.Devices.SerialLCR

	m.console.Reset()
	m.quit = false

	return nil
}
