package snapshot

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// Machine is the source and sink of snapshot state. The demo machine
// implements it; the record/replay controller drives Save and Load
// through the rr.Snapshotter interface.
type Machine interface {
	SaveState() (*State, []byte, error)
	RestoreState(st *State, mem []byte) error
}

// FileSnapshotter saves and loads snapshots of one machine to flat
// files.
type FileSnapshotter struct {
	m Machine
}

func NewFileSnapshotter(m Machine) *FileSnapshotter {
	return &FileSnapshotter{m: m}
}

// Save captures the machine state into path.
func (s *FileSnapshotter) Save(path string) error {
	st, mem, err := s.m.SaveState()
	if err != nil {
		return fmt.Errorf("capture state: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot %s: %w", path, err)
	}
	defer f.Close()

	sender := NewSender(f)

	if err := sender.SendMemoryFull(mem); err != nil {
		return err
	}

	if err := sender.SendState(st); err != nil {
		return err
	}

	if err := sender.SendDone(); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"path": path,
		"mem":  len(mem),
	}).Debug("snapshot written")

	return nil
}

// Load restores the machine from path.
func (s *FileSnapshotter) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer f.Close()

	recv := NewReceiver(f)

	var (
		st  *State
		mem []byte
	)

	for {
		msgType, payload, err := recv.Next()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		switch msgType {
		case MsgMemoryFull:
			mem = payload
		case MsgState:
			st, err = DecodeState(payload)
			if err != nil {
				return err
			}
		case MsgDone:
			if st == nil {
				return errStateBeforeDone
			}

			log.WithField("path", path).Debug("snapshot restored")

			return s.m.RestoreState(st, mem)
		default:
			return fmt.Errorf("%w: %v", errUnexpectedMsg, msgType)
		}
	}
}
