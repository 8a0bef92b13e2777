package rr

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// The recycle list caches consumed entry shells so hot record/replay
// paths do not churn the allocator: every replay call consumes one entry
// and immediately recycles it, and the pool reaches steady state within
// the first few hundred entries.

// allocEntry pops a zeroed shell from the recycle list, or allocates one.
func (e *Engine) allocEntry() *Entry {
	if e.recycleList == nil {
		return &Entry{}
	}

	entry := e.recycleList
	e.recycleList = entry.next

	entry.reset()

	return entry
}

// recycleEntry releases a consumed entry: its buffers are dropped, a
// buffer-less copy lands in the history ring for post-mortem, and the
// shell goes back on the recycle list.
func (e *Engine) recycleEntry(entry *Entry) {
	entry.dropBuffers()

	hist := *entry
	hist.next = nil
	e.history[e.histIndex] = hist
	e.histIndex = (e.histIndex + 1) % histSize

	entry.next = e.recycleList
	e.recycleList = entry
}

// freePool drops the recycle list at end of session.
func (e *Engine) freePool() {
	var numItems uint64

	for e.recycleList != nil {
		entry := e.recycleList
		e.recycleList = entry.next
		entry.next = nil
		numItems++
	}

	log.WithField("items", numItems).Debug("recycle list released")
}

// freeQueue drops any queued entries together with their buffers.
func (e *Engine) freeQueue() {
	for e.queueHead != nil {
		entry := e.queueHead
		e.queueHead = entry.next
		entry.next = nil

		entry.dropBuffers()
	}

	e.queueTail = nil
	e.queueLen = 0
}

// DumpEntry renders one entry for diagnostics.
func DumpEntry(entry *Entry) string {
	h := entry.Header

	switch h.Kind {
	case KindSkippedCall:
		return fmt.Sprintf("%v\t%s (%s) from %s",
			h.Point, h.Kind, entry.Call.Kind, h.Callsite)
	case KindInput1, KindInput2, KindInput4, KindInput8,
		KindInterruptRequest, KindExitRequest:
		return fmt.Sprintf("%v\t%s from %s", h.Point, h.Kind, h.Callsite)
	case KindDebug, KindLast:
		return fmt.Sprintf("%v\t%s", h.Point, h.Kind)
	default:
		return fmt.Sprintf("%v\tUNKNOWN kind %d", h.Point, uint32(h.Kind))
	}
}

// PrintHistory dumps the ring of recently consumed entries, oldest first.
// Buffers are not retained in the ring, so payload bytes are gone.
func (e *Engine) PrintHistory() {
	i := e.histIndex

	for {
		if e.history[i].Header.Kind != 0 || e.history[i].Header.Point.GuestInstrCount != 0 {
			log.Info(DumpEntry(&e.history[i]))
		}

		i = (i + 1) % histSize
		if i == e.histIndex {
			break
		}
	}
}
