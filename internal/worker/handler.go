// Package worker implements the Worker-side glue above the transport:
// the synchronous receive/mutate/execute/respond loop, run once per fuzz
// worker and once per symbolic worker.
package worker

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/il-steffen/kafl.fuzzer/internal/execresult"
	"github.com/il-steffen/kafl.fuzzer/internal/vmdriver"
)

// TaskHandler turns an opaque IMPORT/RUN_NODE task into the payload bytes
// to execute. Real mutation stages (havoc, deterministic, Redqueen, ...)
// plug in behind this interface. DefaultTaskHandler provides a
// minimal, fully-functional stand-in that treats the task as the payload
// itself.
type TaskHandler interface {
	// NodeID returns the node identifier to report back in NODE_DONE for
	// this task.
	NodeID(task any) string

	// Payload extracts the bytes to feed the VM for this task.
	Payload(task any) ([]byte, error)

	// Observe is called after a completed (non-Waiting) execution and
	// returns the opaque results map to report, plus an optional
	// follow-up payload (NEW_INPUT candidate) when the execution found
	// new coverage.
	Observe(task any, result execresult.ExecutionResult) (results any, newInput []byte)
}

// DefaultTaskHandler treats every task as the literal payload to run and
// reports a results map with outcome/runtime_ms/bb_cov, matching the keys
// manager.outcomeFromResults et al. expect.
type DefaultTaskHandler struct{}

func (DefaultTaskHandler) NodeID(task any) string {
	return uuid.NewString()
}

func (DefaultTaskHandler) Payload(task any) ([]byte, error) {
	switch t := task.(type) {
	case []byte:
		return t, nil
	case map[string]any:
		if p, ok := t["payload"].([]byte); ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("worker: task %T has no payload", task)
}

func (h DefaultTaskHandler) Observe(task any, result execresult.ExecutionResult) (any, []byte) {
	results := map[string]any{
		"outcome":    string(result.Outcome),
		"runtime_ms": int64(result.RuntimeSec * 1000),
		"bb_cov":     int64(result.BBCoverage),
	}
	// Without a real bitmap-novelty oracle (that belongs to the mutation
	// stage), treat any regular execution that reported edge coverage as
	// a candidate and hand back the payload that produced it.
	var newInput []byte
	if result.Outcome == execresult.OutcomeRegular && result.BBCoverage > 0 {
		if payload, err := h.Payload(task); err == nil {
			newInput = payload
		}
	}
	return results, newInput
}

// runOne executes task on driver and returns the node id, results, an
// optional new-input candidate, and the full ExecutionResult, whose
// accumulated symbolic requests the caller forwards via SYM_NEW. A
// non-nil error is a VM-fatal condition the caller turns into
// NODE_ABORT.
func runOne(driver *vmdriver.Driver, handler TaskHandler, task any) (nodeID string, results any, newInput []byte, res execresult.ExecutionResult, err error) {
	nodeID = handler.NodeID(task)
	payload, err := handler.Payload(task)
	if err != nil {
		return nodeID, nil, nil, res, err
	}
	if err := driver.SetPayload(payload); err != nil {
		return nodeID, nil, nil, res, err
	}
	res, err = driver.SendPayload()
	if err != nil {
		return nodeID, nil, nil, res, err
	}
	if res.Waiting {
		return nodeID, map[string]any{"outcome": "waiting"}, nil, res, nil
	}
	results, newInput = handler.Observe(task, res)
	return nodeID, results, newInput, res, nil
}
