package flag

import (
	"log"

	"github.com/alecthomas/kong"

	"github.com/bobuhiro11/gorr/vmm"
)

type CLI struct {
	Record  RecordCMD  `cmd:"" help:"Record a session of the demo guest."`
	Replay  ReplayCMD  `cmd:"" help:"Replay a recorded session."`
	Inspect InspectCMD `cmd:"" help:"Dump the entries of a nondet log."`
}

type RecordCMD struct {
	Name         string `arg:"" help:"Record name; files land in <dir>/<name>-rr-*."`
	Dir          string `short:"d" default:"." help:"Directory for log and snapshot files."`
	MemSize      string `short:"m" default:"4M" help:"Guest memory size as number[gGmMkK]."`
	Instrs       string `short:"n" default:"64K" help:"Guest instructions to record."`
	ProgressAddr string `help:"Serve WebSocket progress feed on this address."`
	CPUProfile   bool   `help:"Write a CPU profile for the session."`
}

type ReplayCMD struct {
	Name         string `arg:"" help:"Record name to replay."`
	Dir          string `short:"d" default:"." help:"Directory holding log and snapshot files."`
	MemSize      string `short:"m" default:"4M" help:"Guest memory size; must match the record."`
	ProgressAddr string `help:"Serve WebSocket progress feed on this address."`
	CPUProfile   bool   `help:"Write a CPU profile for the session."`
}

type InspectCMD struct {
	Log string `arg:"" help:"Path to a -rr-nondet.log file."`
}

func Parse() error {
	c := CLI{}

	programName := "gorr"
	programDesc := "gorr records and replays the non-deterministic inputs of an emulated guest"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run()

	return err
}

func (s *RecordCMD) Run() error {
	memSize, err := ParseSize(s.MemSize, "m")
	if err != nil {
		return err
	}

	instrs, err := ParseSize(s.Instrs, "")
	if err != nil {
		return err
	}

	c := &vmm.Config{
		Name:         s.Name,
		Dir:          s.Dir,
		MemSize:      memSize,
		Instrs:       uint64(instrs),
		ProgressAddr: s.ProgressAddr,
		CPUProfile:   s.CPUProfile,
	}

	v := vmm.New(*c)

	if err := v.Init(); err != nil {
		log.Fatal(err)
	}

	if err := v.RunRecord(); err != nil {
		log.Fatal(err)
	}

	return nil
}

func (s *ReplayCMD) Run() error {
	memSize, err := ParseSize(s.MemSize, "m")
	if err != nil {
		return err
	}

	c := &vmm.Config{
		Name:         s.Name,
		Dir:          s.Dir,
		MemSize:      memSize,
		ProgressAddr: s.ProgressAddr,
		CPUProfile:   s.CPUProfile,
	}

	v := vmm.New(*c)

	if err := v.Init(); err != nil {
		log.Fatal(err)
	}

	if err := v.RunReplay(); err != nil {
		log.Fatal(err)
	}

	return nil
}

func (i *InspectCMD) Run() error {
	return vmm.Inspect(i.Log)
}
