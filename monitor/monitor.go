// Package monitor exposes the record/replay control surface: a Unix
// domain socket accepting newline-terminated commands, and an optional
// WebSocket endpoint broadcasting session progress. Commands only post
// request flags; the vCPU thread performs the transitions at its next
// safe point.
package monitor

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/bobuhiro11/gorr/rr"
)

// Controller is the slice of the engine the monitor drives.
type Controller interface {
	RequestBeginRecord(name string)
	RequestBeginRecordFrom(snapshot, name string)
	RequestBeginReplay(name string)
	RequestEndRecord()
	RequestEndReplay(isError bool)
	Mode() rr.Mode
	Percentage() float64
}

// SocketPath returns the control socket path for the given PID.
func SocketPath(pid int) string {
	return fmt.Sprintf("/tmp/gorr-%d.sock", pid)
}

// Monitor serves the control socket for one controller.
type Monitor struct {
	ctrl Controller
}

func New(ctrl Controller) *Monitor {
	return &Monitor{ctrl: ctrl}
}

// Start listens on a Unix domain socket and handles control commands.
// A connection may issue any number of newline-terminated commands; each
// gets one reply line.
//
// Supported commands:
//
//	begin_record <name>
//	begin_record_from <snapshot> <name>
//	end_record
//	begin_replay <name>
//	end_replay
//	status
func (m *Monitor) Start() (string, error) {
	path := SocketPath(os.Getpid())

	l, err := net.Listen("unix", path)
	if err != nil {
		return "", fmt.Errorf("control socket: %w", err)
	}

	go m.acceptLoop(l, path)

	return path, nil
}

func (m *Monitor) acceptLoop(l net.Listener, path string) {
	defer os.Remove(path)

	for {
		conn, err := l.Accept()
		if err != nil {
			// Listener closed; nothing left to serve.
			return
		}

		go m.serveConn(conn)
	}
}

// serveConn runs a command/reply session over one connection.
func (m *Monitor) serveConn(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)

	for {
		line, err := r.ReadString('\n')

		if cmd := strings.TrimSpace(line); cmd != "" {
			if _, werr := fmt.Fprintln(conn, m.Dispatch(cmd)); werr != nil {
				return
			}
		}

		if err != nil {
			return
		}
	}
}

var modeNames = map[rr.Mode]string{
	rr.ModeOff:    "off",
	rr.ModeRecord: "record",
	rr.ModeReplay: "replay",
}

// Dispatch parses one command line and applies it to the controller,
// returning the reply line.
func (m *Monitor) Dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERROR empty command"
	}

	switch cmd := fields[0]; {
	case cmd == "begin_record" && len(fields) == 2:
		m.ctrl.RequestBeginRecord(fields[1])

		return "OK"
	case cmd == "begin_record_from" && len(fields) == 3:
		m.ctrl.RequestBeginRecordFrom(fields[1], fields[2])

		return "OK"
	case cmd == "end_record" && len(fields) == 1:
		m.ctrl.RequestEndRecord()

		return "OK"
	case cmd == "begin_replay" && len(fields) == 2:
		m.ctrl.RequestBeginReplay(fields[1])

		return "OK"
	case cmd == "end_replay" && len(fields) == 1:
		m.ctrl.RequestEndReplay(false)

		return "OK"
	case cmd == "status" && len(fields) == 1:
		return fmt.Sprintf("OK mode=%s percent=%.2f",
			modeNames[m.ctrl.Mode()], m.ctrl.Percentage())
	default:
		log.WithField("command", line).Warn("unknown monitor command")

		return "ERROR unknown command"
	}
}
