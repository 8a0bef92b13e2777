// Package vmm ties the demo machine, the record/replay engine and the
// monitor into runnable sessions.
package vmm

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/profile"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bobuhiro11/gorr/machine"
	"github.com/bobuhiro11/gorr/monitor"
	"github.com/bobuhiro11/gorr/rr"
	"github.com/bobuhiro11/gorr/snapshot"
)

type Config struct {
	Name         string
	Dir          string
	MemSize      int
	Instrs       uint64
	ProgressAddr string
	CPUProfile   bool
}

type VMM struct {
	*machine.Machine
	Config

	engine *rr.Engine
}

func New(c Config) *VMM {
	return &VMM{
		Machine: nil,
		Config:  c,
	}
}

// Init instantiates the machine and the engine and binds them together.
func (v *VMM) Init() error {
	m, err := machine.New(v.MemSize)
	if err != nil {
		return err
	}

	snap := snapshot.NewFileSnapshotter(m)

	v.engine = rr.NewEngine(m, snap, m, v.Dir)

	m.SetEngine(v.engine)
	v.Machine = m

	return nil
}

// Engine exposes the record/replay engine, e.g. for the monitor.
func (v *VMM) Engine() *rr.Engine { return v.engine }

// sliceInstrs is how often the record loop returns to the host to pick
// up injections.
const sliceInstrs = 1024

// RunRecord records a session of the demo guest: snapshot, then run the
// guest for the configured instruction count while injecting host-side
// events, then finalize the log.
func (v *VMM) RunRecord() error {
	if v.CPUProfile {
		defer profile.Start(profile.ProfilePath(v.Dir)).Stop()
	}

	if v.ProgressAddr != "" {
		ps := monitor.NewProgressServer(v.engine, 0)
		ps.Serve(v.ProgressAddr)

		defer ps.Close()
	}

	if path, err := monitor.New(v.engine).Start(); err != nil {
		log.WithField("error", err).Warn("control socket unavailable")
	} else {
		log.WithField("path", path).Info("control socket ready")
	}

	v.engine.RequestBeginRecord(v.Name)

	if err := v.engine.ProcessRequests(); err != nil {
		return err
	}

	g := new(errgroup.Group)

	g.Go(func() error {
		var round uint64

		for v.InstrCount() < v.Instrs && !v.Halted() {
			round++

			v.injectRound(round)

			// Ask for a clean guest exit near the end so the log also
			// carries an EXIT_REQUEST entry.
			if v.InstrCount()+2*sliceInstrs >= v.Instrs {
				v.RequestExit(1)
			}

			if err := v.Run(v.InstrCount() + sliceInstrs); err != nil {
				return fmt.Errorf("record run: %w", err)
			}
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	v.engine.RequestEndRecord()

	if err := v.engine.ProcessRequests(); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"name":    v.Name,
		"instrs":  v.InstrCount(),
		"console": len(v.Console()),
	}).Info("record session done")

	return nil
}

// injectRound feeds the guest a deterministic-per-round mix of host
// events: packets, DMA writes, interrupts, disk transfers and one I/O
// region plug/unplug. Together with the guest's own port reads, polls
// and checkpoints this puts every kind in the log except INPUT_2,
// INPUT_8 and the CPU_MEM_UNMAP and NET_TRANSFER skipped calls.
func (v *VMM) injectRound(round uint64) {
	switch round % 8 {
	case 1:
		pkt := make([]byte, 64)
		binary.LittleEndian.PutUint64(pkt, round)

		v.InjectPacket(pkt)
	case 3:
		buf := make([]byte, 32)
		for i := range buf {
			buf[i] = byte(round + uint64(i))
		}

		v.InjectDMA(3*4096, buf)
	case 5:
		v.AssertIRQ(1 << (round % 4))
	case 7:
		data := make([]byte, 128)
		for i := range data {
			data[i] = byte(round ^ uint64(i))
		}

		v.InjectHDTransfer(round*512, 2*4096, data)
	case 2:
		if round == 2 {
			v.PlugIORegion("demo-mmio", 0x100000, 4096, true)
		}
	case 6:
		if round == 6 {
			v.UnplugIORegion(0x100000, 4096)
		}
	}
}

// RunReplay replays a recorded session until the log is exhausted and
// verifies the guest reached the recorded end.
func (v *VMM) RunReplay() error {
	if v.CPUProfile {
		defer profile.Start(profile.ProfilePath(v.Dir)).Stop()
	}

	if v.ProgressAddr != "" {
		ps := monitor.NewProgressServer(v.engine, 0)
		ps.Serve(v.ProgressAddr)

		defer ps.Close()
	}

	if path, err := monitor.New(v.engine).Start(); err != nil {
		log.WithField("error", err).Warn("control socket unavailable")
	} else {
		log.WithField("path", path).Info("control socket ready")
	}

	v.engine.RequestBeginReplay(v.Name)

	if err := v.engine.ProcessRequests(); err != nil {
		return err
	}

	if err := v.Run(0); err != nil {
		return fmt.Errorf("replay run: %w", err)
	}

	if !v.engine.ReplayFinished() {
		return fmt.Errorf("replay stopped at instruction %d before the recorded end",
			v.InstrCount())
	}

	v.engine.RequestEndReplay(false)

	if err := v.engine.ProcessRequests(); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"name":    v.Name,
		"instrs":  v.InstrCount(),
		"console": len(v.Console()),
	}).Info("replay session done")

	return nil
}

// Inspect dumps every entry of the log at path to stdout.
func Inspect(path string) error {
	res, err := rr.InspectLog(path, func(entry *rr.Entry) {
		fmt.Println(rr.DumpEntry(entry))
	})
	if err != nil {
		return err
	}

	fmt.Printf("%d entries, last program point %v\n", res.Entries, res.LastPoint)

	return nil
}
