package rr

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"
)

// A replay divergence or an I/O failure on the log is not recoverable: the
// replayed machine no longer matches the recording. Failure paths below
// dump the relevant program points through logrus and then panic with a
// stack-carrying error; an unrecovered panic aborts the process with the
// diagnostic attached.

// DivergenceError reports a fatal mismatch between the replayed execution
// and the log.
type DivergenceError struct {
	Reason   string
	Current  ProgPoint
	Recorded ProgPoint
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("replay divergence: %s (current=%v recorded=%v)",
		e.Reason, e.Current, e.Recorded)
}

func (p ProgPoint) String() string {
	return fmt.Sprintf("{guest_instr_count=%d pc=%#x secondary=%#x}",
		p.GuestInstrCount, p.PC, p.Secondary)
}

// signalDisagreement prints the current and recorded program points side
// by side so the divergence is pinpointed.
func signalDisagreement(current, recorded ProgPoint) {
	log.WithFields(log.Fields{
		"replay_point": current.String(),
		"record_point": recorded.String(),
	}).Error("FOUND DISAGREEMENT")

	if current.GuestInstrCount != recorded.GuestInstrCount {
		log.Error(">>> guest instruction counts disagree")
	}
}

// fail escapes the CPU loop and aborts with a program-point dump. The
// queue head, if any, is included so the expected next event is visible.
func (e *Engine) fail(reason string, current, recorded ProgPoint) {
	fields := log.Fields{
		"reason":       reason,
		"replay_point": current.String(),
		"record_point": recorded.String(),
	}

	if e.queueHead != nil {
		fields["next_log_kind"] = e.queueHead.Header.Kind.String()
	} else {
		fields["next_log_kind"] = "<queue empty>"
	}

	log.WithFields(fields).Error("replay assertion failed")

	if e.emu != nil {
		e.emu.QuitCPULoop()
	}

	panic(goerrors.Wrap(&DivergenceError{
		Reason:   reason,
		Current:  current,
		Recorded: recorded,
	}, 1))
}

// assert is the record/replay-wide invariant check. exp false aborts.
func (e *Engine) assert(exp bool, what string) {
	if exp {
		return
	}

	var cur ProgPoint
	if e.emu != nil {
		cur = e.emu.ProgPoint()
	}

	var logged ProgPoint
	if e.queueHead != nil {
		logged = e.queueHead.Header.Point
	}

	e.fail(what, cur, logged)
}

// ioFatal aborts on a log read/write failure. Record logs are not
// crash-safe beyond what the OS provides; a short write means the log is
// already unusable.
func (e *Engine) ioFatal(op string, err error) {
	log.WithFields(log.Fields{
		"op":    op,
		"error": err,
	}).Error("nondet log I/O failure")

	panic(goerrors.Wrap(fmt.Errorf("nondet log %s: %w", op, err), 1))
}
