package vm

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Tracer: function enter/exit ring buffer
// ---------------------------------------------------------------------------

// TraceDirection marks a trace record as a function entry or exit.
type TraceDirection uint8

const (
	TraceEnter TraceDirection = iota + 1
	TraceExit
)

func (d TraceDirection) String() string {
	switch d {
	case TraceEnter:
		return "enter"
	case TraceExit:
		return "exit"
	}
	return "?"
}

// TraceRecord is one enter or exit event.
type TraceRecord struct {
	Seq  uint64         `cbor:"1,keyasint"`
	Name string         `cbor:"2,keyasint"`
	Len  int            `cbor:"3,keyasint"`
	Dir  TraceDirection `cbor:"4,keyasint"`
	Time int64          `cbor:"5,keyasint"` // unix nanoseconds
}

// TraceSink receives every record as it is emitted. Errors are counted and
// otherwise ignored: tracing never faults the program.
type TraceSink interface {
	Emit(rec TraceRecord) error
}

// TraceSnapshot is the serialized form of a tracer's ring.
type TraceSnapshot struct {
	Records      []TraceRecord `cbor:"1,keyasint"`
	Emitted      uint64        `cbor:"2,keyasint"`
	SinkFailures uint64        `cbor:"3,keyasint"`
}

// Tracer keeps the most recent enter/exit records in a lock-free ring. It
// has its own enable switch, independent of any surprise flag, and may be
// shared by many execution contexts.
type Tracer struct {
	enabled  atomic.Bool
	next     atomic.Uint64
	ring     []atomic.Pointer[TraceRecord]
	sink     TraceSink
	failures atomic.Uint64
	now      func() time.Time
}

var traceEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	traceEncMode = em
}

// NewTracer creates a disabled tracer holding the last capacity records.
// sink may be nil.
func NewTracer(capacity int, sink TraceSink) *Tracer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Tracer{
		ring: make([]atomic.Pointer[TraceRecord], capacity),
		sink: sink,
		now:  time.Now,
	}
}

// Enable turns tracing on.
func (t *Tracer) Enable() { t.enabled.Store(true) }

// Disable turns tracing off.
func (t *Tracer) Disable() { t.enabled.Store(false) }

// Enabled reports whether tracing is on.
func (t *Tracer) Enabled() bool { return t.enabled.Load() }

// Emitted returns the number of records emitted since creation.
func (t *Tracer) Emitted() uint64 { return t.next.Load() }

// SinkFailures returns the number of records the sink rejected.
func (t *Tracer) SinkFailures() uint64 { return t.failures.Load() }

// Capacity returns the ring size.
func (t *Tracer) Capacity() int { return len(t.ring) }

func (t *Tracer) emit(name string, dir TraceDirection) {
	rec := &TraceRecord{
		Name: name,
		Len:  len(name),
		Dir:  dir,
		Time: t.now().UnixNano(),
	}
	rec.Seq = t.next.Add(1)
	t.ring[(rec.Seq-1)%uint64(len(t.ring))].Store(rec)
	if t.sink != nil {
		t.deliver(*rec)
	}
}

func (t *Tracer) deliver(rec TraceRecord) {
	defer func() {
		if r := recover(); r != nil {
			t.failures.Add(1)
			logger.Debugf("trace sink panicked: %v", r)
		}
	}()
	if err := t.sink.Emit(rec); err != nil {
		t.failures.Add(1)
		logger.Debugf("trace sink rejected record %d: %v", rec.Seq, err)
	}
}

// Snapshot returns the records currently in the ring, oldest first.
func (t *Tracer) Snapshot() []TraceRecord {
	last := t.next.Load()
	size := uint64(len(t.ring))
	first := uint64(1)
	if last > size {
		first = last - size + 1
	}

	out := make([]TraceRecord, 0, last-first+1)
	for seq := first; seq <= last; seq++ {
		rec := t.ring[(seq-1)%size].Load()
		if rec != nil && rec.Seq == seq {
			out = append(out, *rec)
		}
	}
	return out
}

// MarshalSnapshot encodes the ring as canonical CBOR.
func (t *Tracer) MarshalSnapshot() ([]byte, error) {
	return traceEncMode.Marshal(TraceSnapshot{
		Records:      t.Snapshot(),
		Emitted:      t.Emitted(),
		SinkFailures: t.SinkFailures(),
	})
}

// WriteSnapshot writes the CBOR-encoded ring to w.
func (t *Tracer) WriteSnapshot(w io.Writer) error {
	data, err := t.MarshalSnapshot()
	if err != nil {
		return fmt.Errorf("vm: marshal trace snapshot: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// UnmarshalTraceSnapshot decodes a snapshot produced by MarshalSnapshot.
func UnmarshalTraceSnapshot(data []byte) (*TraceSnapshot, error) {
	var s TraceSnapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("vm: unmarshal trace snapshot: %w", err)
	}
	return &s, nil
}
