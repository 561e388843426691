// Package symbolic implements the symbolic request subsystem: the value
// object produced when a guest declares a region of its input symbolic,
// the dedup queue that schedules such requests onto SYX workers, and the
// FIFO reader that turns symbolic results back into concrete fuzzer
// inputs.
package symbolic

// Request is the immutable value object `{offset, length, payload}`
// produced when the guest reports a SYX_SYM_NEW event. Equality is
// defined only over (Offset, Length); Payload is informational context
// captured as a full snapshot of the surrounding input at request time and
// must never be mutated after construction.
type Request struct {
	Offset  uint64
	Length  uint64
	Payload []byte
}

// NewRequest deep-copies payload so later in-place mutation of the
// fuzzer's input buffer cannot disturb the stored snapshot.
func NewRequest(offset, length uint64, payload []byte) Request {
	snapshot := make([]byte, len(payload))
	copy(snapshot, payload)
	return Request{Offset: offset, Length: length, Payload: snapshot}
}

// Equal compares by (offset, length) only; payloads are context.
func (r Request) Equal(o Request) bool {
	return r.Offset == o.Offset && r.Length == o.Length
}

// packedRequest is the wire representation used by MSG_SYM_NEW /
// MSG_SYM_REQUEST: a map with keys fuzzer_input_offset, length, and
// payload.
type packedRequest struct {
	FuzzerInputOffset uint64 `msgpack:"fuzzer_input_offset"`
	Length            uint64 `msgpack:"length"`
	Payload           []byte `msgpack:"payload"`
}

// Pack serializes a Request to its wire map form.
func (r Request) Pack() any {
	return packedRequest{
		FuzzerInputOffset: r.Offset,
		Length:            r.Length,
		Payload:           r.Payload,
	}
}

// Unpack reconstructs a Request from a decoded wire map. It accepts both
// the strongly-typed packedRequest (as produced locally by Pack) and the
// map[string]any shape produced by decoding a frame received over the
// wire from another process.
func Unpack(v any) (Request, bool) {
	switch m := v.(type) {
	case packedRequest:
		return Request{Offset: m.FuzzerInputOffset, Length: m.Length, Payload: m.Payload}, true
	case map[string]any:
		offset, ok1 := toUint64(m["fuzzer_input_offset"])
		length, ok2 := toUint64(m["length"])
		payload, ok3 := m["payload"].([]byte)
		if !ok1 || !ok2 || !ok3 {
			return Request{}, false
		}
		return Request{Offset: offset, Length: length, Payload: payload}, true
	default:
		return Request{}, false
	}
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	case uint:
		return uint64(n), true
	default:
		return 0, false
	}
}
