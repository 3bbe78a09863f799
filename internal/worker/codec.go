package worker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/arkilian/partman/pkg/types"
)

// Request is the creation request handed from a caller to a worker. The
// worker answers by filling ResultID in place.
type Request struct {
	ResultID         types.OID
	DatabaseID       uint32
	ParentTableID    types.OID
	ValueTypeID      types.TypeID
	ValueByteSize    uint32
	ValueIsFixedSize bool
	ValueBytes       []byte
}

// Field numbers of the request message.
const (
	fieldResultID         protowire.Number = 1
	fieldDatabaseID       protowire.Number = 2
	fieldParentTableID    protowire.Number = 3
	fieldValueTypeID      protowire.Number = 4
	fieldValueByteSize    protowire.Number = 5
	fieldValueIsFixedSize protowire.Number = 6
	fieldValueBytes       protowire.Number = 7
)

// ResultID is a fixed32 so the worker can overwrite it without resizing the
// segment. It is always the first field.
var resultOffset = protowire.SizeTag(fieldResultID)

// NewRequest builds the request for creating the partition of parent that
// covers value.
func NewRequest(database uint32, parent types.OID, value types.Value, fixedSize bool) Request {
	return Request{
		DatabaseID:       database,
		ParentTableID:    parent,
		ValueTypeID:      value.Type,
		ValueByteSize:    uint32(len(value.Bytes)),
		ValueIsFixedSize: fixedSize,
		ValueBytes:       value.Bytes,
	}
}

// Value returns the key value carried by the request.
func (r Request) Value() types.Value {
	return types.Value{Type: r.ValueTypeID, Bytes: r.ValueBytes}
}

// EncodedSize returns the exact length of the encoded request.
func EncodedSize(r Request) int {
	n := protowire.SizeTag(fieldResultID) + protowire.SizeFixed32()
	n += protowire.SizeTag(fieldDatabaseID) + protowire.SizeVarint(uint64(r.DatabaseID))
	n += protowire.SizeTag(fieldParentTableID) + protowire.SizeVarint(uint64(r.ParentTableID))
	n += protowire.SizeTag(fieldValueTypeID) + protowire.SizeVarint(uint64(r.ValueTypeID))
	n += protowire.SizeTag(fieldValueByteSize) + protowire.SizeVarint(uint64(r.ValueByteSize))
	n += protowire.SizeTag(fieldValueIsFixedSize) + protowire.SizeVarint(protowire.EncodeBool(r.ValueIsFixedSize))
	n += protowire.SizeTag(fieldValueBytes) + protowire.SizeBytes(len(r.ValueBytes))
	return n
}

// EncodeRequest appends the wire form of r to b.
func EncodeRequest(b []byte, r Request) []byte {
	b = protowire.AppendTag(b, fieldResultID, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, uint32(r.ResultID))
	b = protowire.AppendTag(b, fieldDatabaseID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.DatabaseID))
	b = protowire.AppendTag(b, fieldParentTableID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ParentTableID))
	b = protowire.AppendTag(b, fieldValueTypeID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ValueTypeID))
	b = protowire.AppendTag(b, fieldValueByteSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ValueByteSize))
	b = protowire.AppendTag(b, fieldValueIsFixedSize, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(r.ValueIsFixedSize))
	b = protowire.AppendTag(b, fieldValueBytes, protowire.BytesType)
	b = protowire.AppendBytes(b, r.ValueBytes)
	return b
}

// DecodeRequest parses a request. Unknown fields are skipped. The value bytes
// are copied out of b.
func DecodeRequest(b []byte) (Request, error) {
	var r Request
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Request{}, fmt.Errorf("worker: malformed tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldResultID && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return Request{}, fieldError(num, n)
			}
			r.ResultID = types.OID(v)
			b = b[n:]
		case num == fieldValueBytes && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Request{}, fieldError(num, n)
			}
			r.ValueBytes = append([]byte(nil), v...)
			b = b[n:]
		case typ == protowire.VarintType && num >= fieldDatabaseID && num <= fieldValueIsFixedSize:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Request{}, fieldError(num, n)
			}
			switch num {
			case fieldDatabaseID:
				r.DatabaseID = uint32(v)
			case fieldParentTableID:
				r.ParentTableID = types.OID(v)
			case fieldValueTypeID:
				r.ValueTypeID = types.TypeID(v)
			case fieldValueByteSize:
				r.ValueByteSize = uint32(v)
			case fieldValueIsFixedSize:
				r.ValueIsFixedSize = protowire.DecodeBool(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Request{}, fieldError(num, n)
			}
			b = b[n:]
		}
	}

	if int(r.ValueByteSize) != len(r.ValueBytes) {
		return Request{}, fmt.Errorf("worker: value size %d does not match %d value bytes",
			r.ValueByteSize, len(r.ValueBytes))
	}
	return r, nil
}

var errReleased = errors.New("worker: segment released")

func fieldError(num protowire.Number, n int) error {
	return fmt.Errorf("worker: malformed field %d: %w", num, protowire.ParseError(n))
}

// Segment is the buffer a request travels in. The caller writes the request,
// the worker reads it and writes the result id back, then the caller reads the
// result. Channels order the handoffs; the mutex only guards Release racing a
// late worker.
type Segment struct {
	mu      sync.Mutex
	buf     []byte
	onFree  func()
	release sync.Once
}

// NewSegment allocates a segment sized exactly to r and writes r into it.
func NewSegment(r Request) *Segment {
	buf := make([]byte, 0, EncodedSize(r))
	return &Segment{buf: EncodeRequest(buf, r)}
}

// Len returns the segment size in bytes, or 0 once released.
func (s *Segment) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Request decodes the request held by the segment.
func (s *Segment) Request() (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return Request{}, errReleased
	}
	return DecodeRequest(s.buf)
}

// SetResult overwrites the result id in place.
func (s *Segment) SetResult(id types.OID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return errReleased
	}
	// fixed32 is little-endian on the wire.
	binary.LittleEndian.PutUint32(s.buf[resultOffset:], uint32(id))
	return nil
}

// Result returns the result id written by the worker, or InvalidOID.
func (s *Segment) Result() types.OID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return types.InvalidOID
	}
	v, n := protowire.ConsumeFixed32(s.buf[resultOffset:])
	if n < 0 {
		return types.InvalidOID
	}
	return types.OID(v)
}

// Release frees the buffer. It is safe to call more than once.
func (s *Segment) Release() {
	s.release.Do(func() {
		s.mu.Lock()
		s.buf = nil
		s.mu.Unlock()
		if s.onFree != nil {
			s.onFree()
		}
	})
}
