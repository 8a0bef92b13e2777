package rr

// inspect.go – offline sequential decoding of a nondet log. Unlike the
// replay reader, inspection is a maintenance operation: a malformed log
// is reported as an error instead of aborting the process.

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var errTrailingGarbage = errors.New("bytes remain after LAST entry")

// InspectResult summarizes a walked log.
type InspectResult struct {
	LastPoint ProgPoint
	Entries   uint64
}

type inspectReader struct {
	r *bufio.Reader
}

func (ir *inspectReader) bytes(n uint64) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(ir.r, b); err != nil {
		return nil, err
	}

	return b, nil
}

func (ir *inspectReader) u32() (uint32, error) {
	b, err := ir.bytes(4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

func (ir *inspectReader) u64() (uint64, error) {
	b, err := ir.bytes(8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

func (ir *inspectReader) progPoint() (ProgPoint, error) {
	b, err := ir.bytes(progPointSize)
	if err != nil {
		return ProgPoint{}, err
	}

	return unmarshalProgPoint(b), nil
}

// InspectLog walks every entry of the log at path, invoking fn for each.
// It returns after the LAST entry or at end of file.
func InspectLog(path string, fn func(*Entry)) (*InspectResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	ir := &inspectReader{r: bufio.NewReader(f)}

	lastPoint, err := ir.progPoint()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	res := &InspectResult{LastPoint: lastPoint}

	for {
		entry, err := ir.readEntry()
		if errors.Is(err, io.EOF) {
			return res, nil
		}

		if err != nil {
			return res, fmt.Errorf("entry %d: %w", res.Entries, err)
		}

		res.Entries++

		if fn != nil {
			fn(entry)
		}

		if entry.Header.Kind == KindLast {
			if _, err := ir.r.Peek(1); err == nil {
				return res, errTrailingGarbage
			}

			return res, nil
		}
	}
}

func (ir *inspectReader) readEntry() (*Entry, error) {
	point, err := ir.progPoint()
	if err != nil {
		// A clean EOF before a header means the log has no LAST entry;
		// surface EOF and let the caller decide.
		return nil, err
	}

	entry := &Entry{}
	entry.Header.Point = point

	kind, err := ir.u32()
	if err != nil {
		return nil, err
	}

	entry.Header.Kind = EntryKind(kind)

	callsite, err := ir.u32()
	if err != nil {
		return nil, err
	}

	entry.Header.Callsite = Callsite(callsite)

	switch entry.Header.Kind {
	case KindInput1:
		b, err := ir.bytes(1)
		if err != nil {
			return nil, err
		}

		entry.Input1 = b[0]
	case KindInput2:
		b, err := ir.bytes(2)
		if err != nil {
			return nil, err
		}

		entry.Input2 = binary.LittleEndian.Uint16(b)
	case KindInput4:
		v, err := ir.u32()
		if err != nil {
			return nil, err
		}

		entry.Input4 = v
	case KindInput8:
		v, err := ir.u64()
		if err != nil {
			return nil, err
		}

		entry.Input8 = v
	case KindInterruptRequest:
		v, err := ir.u32()
		if err != nil {
			return nil, err
		}

		entry.InterruptRequest = v
	case KindExitRequest:
		v, err := ir.u32()
		if err != nil {
			return nil, err
		}

		entry.ExitRequest = v
	case KindSkippedCall:
		if err := ir.readSkippedCall(&entry.Call); err != nil {
			return nil, err
		}
	case KindDebug, KindLast:
	default:
		return nil, fmt.Errorf("unknown entry kind %d", kind)
	}

	return entry, nil
}

func (ir *inspectReader) readSkippedCall(args *SkippedCallArgs) error {
	kind, err := ir.u32()
	if err != nil {
		return err
	}

	args.Kind = SkippedCallKind(kind)

	switch args.Kind {
	case CallCPUMemRW, CallCPUMemUnmap:
		addr, err := ir.u64()
		if err != nil {
			return err
		}

		if _, err := ir.u64(); err != nil { // stale buffer pointer
			return err
		}

		n, err := ir.u64()
		if err != nil {
			return err
		}

		buf, err := ir.bytes(n)
		if err != nil {
			return err
		}

		if args.Kind == CallCPUMemRW {
			args.MemRW = CPUMemRWArgs{Addr: addr, Buf: buf}
		} else {
			args.MemUnmap = CPUMemRWArgs{Addr: addr, Buf: buf}
		}
	case CallMemRegionChange:
		if args.RegionChange.Start, err = ir.u64(); err != nil {
			return err
		}

		if args.RegionChange.Size, err = ir.u64(); err != nil {
			return err
		}

		mtype, err := ir.u32()
		if err != nil {
			return err
		}

		args.RegionChange.MType = MemType(mtype)

		added, err := ir.u32()
		if err != nil {
			return err
		}

		args.RegionChange.Added = added != 0

		if _, err := ir.u64(); err != nil {
			return err
		}

		n, err := ir.u64()
		if err != nil {
			return err
		}

		name, err := ir.bytes(n)
		if err != nil {
			return err
		}

		args.RegionChange.Name = string(name)
	case CallHDTransfer, CallNetTransfer:
		t := TransferArgs{}

		typ, err := ir.u32()
		if err != nil {
			return err
		}

		t.Type = TransferType(typ)

		if t.Src, err = ir.u64(); err != nil {
			return err
		}

		if t.Dest, err = ir.u64(); err != nil {
			return err
		}

		if t.NumBytes, err = ir.u32(); err != nil {
			return err
		}

		if args.Kind == CallHDTransfer {
			args.HDTransfer = t
		} else {
			args.NetTransfer = t
		}
	case CallHandlePacket:
		if _, err := ir.u64(); err != nil {
			return err
		}

		size, err := ir.u32()
		if err != nil {
			return err
		}

		if args.Packet.Direction, err = ir.u32(); err != nil {
			return err
		}

		buf, err := ir.bytes(uint64(size))
		if err != nil {
			return err
		}

		args.Packet.Buf = buf
	default:
		return fmt.Errorf("unknown skipped call kind %d", kind)
	}

	return nil
}
