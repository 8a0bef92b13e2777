package device

import "encoding/binary"

// CounterDevice is a free-running counter port, the moral equivalent of a
// hardware timestamp register: every read returns a different value, so
// reads are non-deterministic from the guest's point of view and must be
// logged during record.
type CounterDevice struct {
	Port  uint64
	count uint64
	step  uint64
}

func NewCounterDevice(port uint64, step uint64) *CounterDevice {
	if step == 0 {
		step = 1
	}

	return &CounterDevice{Port: port, step: step}
}

func (c *CounterDevice) Read(port uint64, data []byte) error {
	c.count += c.step

	switch len(data) {
	case 1:
		data[0] = byte(c.count)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(c.count))
	case 4:
		binary.LittleEndian.PutUint32(data, uint32(c.count))
	case 8:
		binary.LittleEndian.PutUint64(data, c.count)
	default:
		return errDataLenInvalid
	}

	return nil
}

func (c *CounterDevice) Write(port uint64, data []byte) error {
	return nil
}

func (c *CounterDevice) IOPort() uint64 {
	return c.Port
}

func (c *CounterDevice) Size() uint64 {
	return 0x8
}
