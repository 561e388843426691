package wire

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/il-steffen/kafl.fuzzer/internal/symbolic"
)

// Type enumerates the 13 control-plane message kinds. Values are pinned
// explicitly (not iota-sequential) because they are a wire contract, not
// an implementation detail.
type Type int

const (
	TypeReady      Type = 0
	TypeImport     Type = 1
	TypeRunNode    Type = 2
	TypeNodeDone   Type = 3
	TypeNewInput   Type = 4
	TypeBusy       Type = 5
	TypeNodeAbort  Type = 6
	TypeSymWait    Type = 7
	TypeSymNew     Type = 8
	TypeSymRequest Type = 9
	TypeSymResult  Type = 10
	TypeImportSyx  Type = 11
	TypePrint      Type = 12
)

// Message is the tagged-variant sum type over the control-plane message
// kinds. Each concrete type below carries exactly the fields its Type
// puts on the wire.
type Message interface {
	Type() Type
	toMap() map[string]any
}

// Ready: W→M, sent by a fuzz worker on connect and again after each BUSY.
type Ready struct{ WorkerID int }

func (Ready) Type() Type { return TypeReady }
func (m Ready) toMap() map[string]any {
	return map[string]any{"type": int(TypeReady), "worker_id": m.WorkerID}
}

// Import: M→W, assigns a seed-import task.
type Import struct{ Task any }

func (Import) Type() Type { return TypeImport }
func (m Import) toMap() map[string]any {
	return map[string]any{"type": int(TypeImport), "task": m.Task}
}

// ImportSyx: M→W (symbolic worker), assigns a seed-import task to a
// symbolic worker specifically.
type ImportSyx struct{ Task any }

func (ImportSyx) Type() Type { return TypeImportSyx }
func (m ImportSyx) toMap() map[string]any {
	return map[string]any{"type": int(TypeImportSyx), "task": m.Task}
}

// RunNode: M→W, assigns a mutation task.
type RunNode struct{ Task any }

func (RunNode) Type() Type { return TypeRunNode }
func (m RunNode) toMap() map[string]any {
	return map[string]any{"type": int(TypeRunNode), "task": m.Task}
}

// NodeDone: W→M, reports a completed RunNode task.
type NodeDone struct {
	NodeID     string
	Results    any
	NewPayload []byte
}

func (NodeDone) Type() Type { return TypeNodeDone }
func (m NodeDone) toMap() map[string]any {
	return map[string]any{
		"type": int(TypeNodeDone), "node_id": m.NodeID,
		"results": m.Results, "new_payload": m.NewPayload,
	}
}

// NodeAbort: W→M, reports a RunNode task that could not complete (the
// worker's VM went fatal mid-task).
type NodeAbort struct {
	NodeID  string
	Results any
}

func (NodeAbort) Type() Type { return TypeNodeAbort }
func (m NodeAbort) toMap() map[string]any {
	return map[string]any{"type": int(TypeNodeAbort), "node_id": m.NodeID, "results": m.Results}
}

// NewInput: W→M, reports a newly interesting input.
type NewInput struct{ Input map[string]any }

func (NewInput) Type() Type { return TypeNewInput }
func (m NewInput) toMap() map[string]any {
	return map[string]any{"type": int(TypeNewInput), "input": m.Input}
}

// Busy: M→W, tells a worker no task is currently available.
type Busy struct{}

func (Busy) Type() Type { return TypeBusy }
func (m Busy) toMap() map[string]any {
	return map[string]any{"type": int(TypeBusy)}
}

// SymWait: W→M (symbolic worker), announces readiness/idleness.
type SymWait struct{}

func (SymWait) Type() Type { return TypeSymWait }
func (m SymWait) toMap() map[string]any {
	return map[string]any{"type": int(TypeSymWait)}
}

// SymNew: W→M (fuzz worker), forwards accumulated symbolic requests.
type SymNew struct{ Requests []symbolic.Request }

func (SymNew) Type() Type { return TypeSymNew }
func (m SymNew) toMap() map[string]any {
	packed := make([]any, len(m.Requests))
	for i, r := range m.Requests {
		packed[i] = r.Pack()
	}
	return map[string]any{"type": int(TypeSymNew), "requests": packed}
}

// SymRequest: M→W (symbolic worker), dispatches one dequeued request.
type SymRequest struct{ Request symbolic.Request }

func (SymRequest) Type() Type { return TypeSymRequest }
func (m SymRequest) toMap() map[string]any {
	return map[string]any{"type": int(TypeSymRequest), "request": m.Request.Pack()}
}

// SymResult: W→M (symbolic worker), reports collected symbolic results.
type SymResult struct{ Results any }

func (SymResult) Type() Type { return TypeSymResult }
func (m SymResult) toMap() map[string]any {
	return map[string]any{"type": int(TypeSymResult), "results": m.Results}
}

// Print: W→M, a free-form diagnostic string.
type Print struct{ Msg string }

func (Print) Type() Type { return TypePrint }
func (m Print) toMap() map[string]any {
	return map[string]any{"type": int(TypePrint), "msg": m.Msg}
}

// EncodeBody serializes msg to its self-describing MessagePack body,
// without the length-prefix framing. The Server uses this directly when
// writing to a raw non-blocking client fd.
func EncodeBody(msg Message) ([]byte, error) {
	body, err := msgpack.Marshal(msg.toMap())
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %T: %w", msg, err)
	}
	return body, nil
}

// Encode serializes msg to a self-describing MessagePack map and writes it
// to w as one length-prefixed frame.
func Encode(w io.Writer, msg Message) error {
	body, err := EncodeBody(msg)
	if err != nil {
		return err
	}
	return writeFrame(w, body)
}

// DecodeBody decodes one already length-delimited frame body into a
// Message, dispatching on its `type` key. The top-level map is decoded
// into map[string]any, so its keys must be MessagePack str or bin; a frame
// with integer or other non-string top-level keys fails to decode. This
// protocol's own encoder (above) always emits string keys. asInt/asString
// tolerate the different integer widths and str/bin encodings a peer may
// use for values.
func DecodeBody(body []byte) (Message, error) {
	var raw map[string]any
	if err := msgpack.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("wire: unmarshal frame: %w", err)
	}
	return fromMap(raw)
}

// Decode reads exactly one length-prefixed frame from r and decodes it.
func Decode(r io.Reader) (Message, error) {
	body, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeBody(body)
}

func fromMap(raw map[string]any) (Message, error) {
	typ, ok := asInt(raw["type"])
	if !ok {
		return nil, fmt.Errorf("wire: frame missing integer 'type' key")
	}

	switch Type(typ) {
	case TypeReady:
		id, _ := asInt(raw["worker_id"])
		return Ready{WorkerID: id}, nil
	case TypeImport:
		return Import{Task: raw["task"]}, nil
	case TypeImportSyx:
		return ImportSyx{Task: raw["task"]}, nil
	case TypeRunNode:
		return RunNode{Task: raw["task"]}, nil
	case TypeNodeDone:
		payload, _ := raw["new_payload"].([]byte)
		return NodeDone{
			NodeID:     asString(raw["node_id"]),
			Results:    raw["results"],
			NewPayload: payload,
		}, nil
	case TypeNodeAbort:
		return NodeAbort{NodeID: asString(raw["node_id"]), Results: raw["results"]}, nil
	case TypeNewInput:
		input, _ := raw["input"].(map[string]any)
		return NewInput{Input: input}, nil
	case TypeBusy:
		return Busy{}, nil
	case TypeSymWait:
		return SymWait{}, nil
	case TypeSymNew:
		var reqs []symbolic.Request
		if list, ok := raw["requests"].([]any); ok {
			for _, v := range list {
				if req, ok := symbolic.Unpack(v); ok {
					reqs = append(reqs, req)
				}
			}
		}
		return SymNew{Requests: reqs}, nil
	case TypeSymRequest:
		req, _ := symbolic.Unpack(raw["request"])
		return SymRequest{Request: req}, nil
	case TypeSymResult:
		return SymResult{Results: raw["results"]}, nil
	case TypePrint:
		return Print{Msg: asString(raw["msg"])}, nil
	default:
		return nil, fmt.Errorf("wire: unknown message type %d", typ)
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	default:
		return 0, false
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}
