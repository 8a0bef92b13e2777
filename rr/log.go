package rr

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// logType distinguishes a log opened for record from one opened for
// replay.
type logType int

const (
	logRecord logType = iota
	logReplay
)

// Log is one open nondet log file. For record it holds a buffered writer;
// for replay a buffered reader plus the total size captured at open so
// end-of-log is bytesRead == size.
type Log struct {
	typ  logType
	name string
	f    *os.File
	w    *bufio.Writer
	r    *bufio.Reader

	// lastPoint is the highest program point seen. On record it tracks
	// the last entry written other than the LAST sentinel and is
	// rewritten over the header at close;
	// on replay it is read from the header at open.
	lastPoint ProgPoint

	size       uint64
	bytesRead  uint64
	itemNumber uint64
}

// LogPath returns the nondet log file name for a record name in dir.
func LogPath(dir, name string) string {
	return filepath.Join(dir, name+"-rr-nondet.log")
}

// SnapshotPath returns the companion snapshot file name for a record name
// in dir. The snapshot itself is owned by the snapshot subsystem.
func SnapshotPath(dir, name string) string {
	return filepath.Join(dir, name+"-rr-snp")
}

func marshalProgPoint(b []byte, p ProgPoint) {
	binary.LittleEndian.PutUint64(b[0:8], p.GuestInstrCount)
	binary.LittleEndian.PutUint64(b[8:16], p.PC)
	binary.LittleEndian.PutUint64(b[16:24], p.Secondary)
}

func unmarshalProgPoint(b []byte) ProgPoint {
	return ProgPoint{
		GuestInstrCount: binary.LittleEndian.Uint64(b[0:8]),
		PC:              binary.LittleEndian.Uint64(b[8:16]),
		Secondary:       binary.LittleEndian.Uint64(b[16:24]),
	}
}

// createRecordLog creates filename and writes a placeholder header that is
// overwritten with the final program point at close.
func createRecordLog(filename string) (*Log, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create record log %s: %w", filename, err)
	}

	l := &Log{
		typ:  logRecord,
		name: filename,
		f:    f,
		w:    bufio.NewWriter(f),
	}

	var hdr [progPointSize]byte

	marshalProgPoint(hdr[:], l.lastPoint)

	if _, err := l.w.Write(hdr[:]); err != nil {
		f.Close()

		return nil, fmt.Errorf("write log header %s: %w", filename, err)
	}

	log.WithField("name", filename).Debug("opened nondet log for write")

	return l, nil
}

// openReplayLog opens filename, stats its size and reads the header.
func openReplayLog(filename string) (*Log, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open replay log %s: %w", filename, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()

		return nil, fmt.Errorf("stat replay log %s: %w", filename, err)
	}

	l := &Log{
		typ:  logReplay,
		name: filename,
		f:    f,
		r:    bufio.NewReader(f),
		size: uint64(st.Size),
	}

	var hdr [progPointSize]byte
	if _, err := io.ReadFull(l.r, hdr[:]); err != nil {
		f.Close()

		return nil, fmt.Errorf("read log header %s: %w", filename, err)
	}

	l.bytesRead = progPointSize
	l.lastPoint = unmarshalProgPoint(hdr[:])

	log.WithFields(log.Fields{
		"name": filename,
		"size": l.size,
	}).Debug("opened nondet log for read")

	return l, nil
}

// empty reports whether a replay log has been fully consumed.
func (l *Log) empty() bool {
	return l.typ == logReplay && l.bytesRead == l.size
}

// close finalizes the log. A record log gets its header rewritten with the
// last program point written.
func (l *Log) close() error {
	if l.f == nil {
		return nil
	}

	if l.typ == logRecord {
		if err := l.w.Flush(); err != nil {
			return fmt.Errorf("flush log %s: %w", l.name, err)
		}

		if _, err := l.f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind log %s: %w", l.name, err)
		}

		var hdr [progPointSize]byte

		marshalProgPoint(hdr[:], l.lastPoint)

		if _, err := l.f.Write(hdr[:]); err != nil {
			return fmt.Errorf("rewrite log header %s: %w", l.name, err)
		}
	}

	err := l.f.Close()
	l.f = nil

	if err != nil {
		return fmt.Errorf("close log %s: %w", l.name, err)
	}

	return nil
}
