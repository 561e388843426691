package vmdriver

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/il-steffen/kafl.fuzzer/internal/auxbuffer"
	"github.com/il-steffen/kafl.fuzzer/internal/execresult"
	"github.com/il-steffen/kafl.fuzzer/internal/symbolic"
)

// agentFlagsDefault is the value written to the payload header's
// agent_flags field. Its bit-level meaning belongs to the guest agent and
// is opaque to this side of the channel, which never mutates it
// beyond this fixed value.
const agentFlagsDefault = 1

// AttachResultReader wires a symbolic result reader into a
// symbolic-mode Driver so SYX_SYM_FLUSH can trigger a collect(). Ordinary
// drivers never call this.
func (d *Driver) AttachResultReader(r *symbolic.ResultReader) {
	d.results = r
}

// SetPayload writes (agent_flags, length) then body into the payload shm.
// It fails hard if the payload exceeds the configured payload limit.
func (d *Driver) SetPayload(payload []byte) error {
	limit := d.cfg.PayloadLimit()
	if len(payload) > limit {
		return fmt.Errorf("vmdriver: payload length %d exceeds payload_limit %d", len(payload), limit)
	}
	binary.LittleEndian.PutUint32(d.payloadMem[0:4], agentFlagsDefault)
	binary.LittleEndian.PutUint32(d.payloadMem[4:8], uint32(len(payload)))
	copy(d.payloadMem[8:8+len(payload)], payload)
	return nil
}

// applyReloadMode implements the persistent_runs toggle: for
// reload_target > 1, reload mode is off for the first run of a cycle and
// on for the last; reload_target == 1 is fixed at Start and never
// revisited here.
func (d *Driver) applyReloadMode() {
	if d.reloadTarget <= 1 {
		return
	}
	d.persistentRuns++
	if d.persistentRuns == 1 {
		d.aux.SetReloadMode(false)
	}
	if d.persistentRuns >= d.reloadTarget {
		d.aux.SetReloadMode(true)
		d.persistentRuns = 0
	}
}

// SetSyxRun configures the symbolic-exploration region for the next
// execution round: symbolic mode on, with the guest addresses from the
// campaign config and the length of the request under replay. Only
// symbolic-mode drivers call this.
func (d *Driver) SetSyxRun(length uint64) {
	d.aux.SetSyxMode(true)
	d.aux.SetSyxParams(d.cfg.VM.SyxPhysAddr, d.cfg.VM.SyxVirtAddr, length)
}

// SendPayload drives one execution round and returns the resulting
// ExecutionResult (or WaitingResult() in symbolic mode on
// SYX_SYM_WAIT).
func (d *Driver) SendPayload() (execresult.ExecutionResult, error) {
	return d.execute()
}

// DebugPayload is identical to SendPayload but with the hard timeout
// disabled, for interactive inspection.
func (d *Driver) DebugPayload() (execresult.ExecutionResult, error) {
	d.aux.SetTimeout(0)
	defer d.aux.SetTimeout(d.cfg.VM.TimeoutHard.Seconds())
	return d.execute()
}

func (d *Driver) execute() (execresult.ExecutionResult, error) {
	d.applyReloadMode()

	var requests []symbolic.Request
	start := time.Now()

	for {
		if err := d.runQemu(); err != nil {
			return execresult.ExecutionResult{}, err
		}
		result := d.aux.GetResult()

		switch result.ExecCode {
		case auxbuffer.ExecHprintf:
			d.drainHprintf()
			continue
		case auxbuffer.ExecAbort:
			return execresult.ExecutionResult{}, newIOError(d.pid, "guest abort during execution", nil)
		case auxbuffer.ExecSyxSymWait:
			if d.mode != Symbolic {
				return execresult.ExecutionResult{}, newIOError(d.pid, "SYX_SYM_WAIT observed by an ordinary-mode driver", nil)
			}
			return execresult.WaitingResult(), nil
		case auxbuffer.ExecSyxSymFlush:
			if d.results != nil {
				if err := d.results.Collect(); err != nil {
					return execresult.ExecutionResult{}, newIOError(d.pid, "symbolic result collect", err)
				}
			}
			continue
		case auxbuffer.ExecSyxSymNew:
			payload := d.currentPayload()
			req := symbolic.NewRequest(result.SyxFuzzerInputOffset, result.SyxLen, payload)
			requests = append(requests, req)
			continue
		}

		if result.ExecDone {
			runtime := time.Since(start).Seconds()
			bitmap := make([]byte, len(d.bitmapMem))
			copy(bitmap, d.bitmapMem)
			return execresult.New(bitmap, len(bitmap), execresult.ExecCode(result.ExecCode), runtime, requests, result.BBCov)
		}

		if result.PageFault {
			if d.sawPageFault && d.lastPageFaultAddr == result.PageFaultAddr {
				return execresult.ExecutionResult{}, newIOError(d.pid, fmt.Sprintf("repeat page fault at %#x", result.PageFaultAddr), nil)
			}
			d.sawPageFault = true
			d.lastPageFaultAddr = result.PageFaultAddr
			d.aux.DumpPage(result.PageFaultAddr)
			continue
		}
		d.sawPageFault = false
	}
}

// currentPayload reads back the body written by the most recent
// SetPayload call, used as the snapshot captured in a SymbolicRequest.
func (d *Driver) currentPayload() []byte {
	length := binary.LittleEndian.Uint32(d.payloadMem[4:8])
	body := make([]byte, length)
	copy(body, d.payloadMem[8:8+length])
	return body
}
