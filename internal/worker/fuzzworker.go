package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/il-steffen/kafl.fuzzer/internal/client"
	"github.com/il-steffen/kafl.fuzzer/internal/config"
	"github.com/il-steffen/kafl.fuzzer/internal/telemetry"
	"github.com/il-steffen/kafl.fuzzer/internal/vmdriver"
	"github.com/il-steffen/kafl.fuzzer/internal/wire"
)

// busyBackoff is how long a fuzz worker waits after a BUSY response
// before re-announcing readiness.
const busyBackoff = 20 * time.Millisecond

// FuzzWorker runs one ordinary-mode VM and its control-plane connection.
type FuzzWorker struct {
	cfg     *config.Config
	pid     int
	handler TaskHandler
	log     *slog.Logger
}

// NewFuzzWorker constructs a fuzz worker for pid. A nil handler defaults
// to DefaultTaskHandler.
func NewFuzzWorker(cfg *config.Config, pid int, handler TaskHandler, log *slog.Logger) *FuzzWorker {
	if handler == nil {
		handler = DefaultTaskHandler{}
	}
	return &FuzzWorker{cfg: cfg, pid: pid, handler: handler, log: log}
}

// Run dials the Manager, drives the VM via the Driver, and loops until
// the control socket breaks or ctx is cancelled. creator designates the
// single worker responsible for creating the VM snapshot.
func (w *FuzzWorker) Run(ctx context.Context, sockPath string, creator bool) error {
	c, err := client.Dial(sockPath)
	if err != nil {
		return fmt.Errorf("worker: dial: %w", err)
	}
	defer c.Close()

	driver := vmdriver.New(w.cfg, w.pid, vmdriver.Ordinary, creator, w.log)
	driver.SetPrintHandler(func(msg string) {
		if err := c.SendPrint(msg); err != nil {
			w.log.Warn("worker: send print failed", "err", err)
		}
	})
	defer driver.Shutdown()

	ok, err := driver.Start()
	if err != nil {
		return fmt.Errorf("worker: start VM: %w", err)
	}
	if !ok {
		return fmt.Errorf("worker: driver refused to start")
	}

	if err := c.AnnounceReady(w.pid); err != nil {
		return fmt.Errorf("worker: announce ready: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := c.Recv()
		if err != nil {
			return fmt.Errorf("worker: recv: %w", err)
		}

		switch m := msg.(type) {
		case wire.Import:
			if err := w.runTask(ctx, c, driver, m.Task); err != nil {
				return err
			}
		case wire.RunNode:
			if err := w.runTask(ctx, c, driver, m.Task); err != nil {
				return err
			}
		case wire.Busy:
			time.Sleep(busyBackoff)
			if err := c.AnnounceReady(w.pid); err != nil {
				return fmt.Errorf("worker: re-announce ready: %w", err)
			}
		default:
			return fmt.Errorf("worker: protocol error: unexpected message %T", msg)
		}
	}
}

func (w *FuzzWorker) runTask(ctx context.Context, c *client.Client, driver *vmdriver.Driver, task any) error {
	_, span := telemetry.StartVMExecuteSpan(ctx, w.pid, false)
	nodeID, results, newInput, res, err := runOne(driver, w.handler, task)
	if err != nil {
		telemetry.SetSpanError(span, err)
		span.End()
		if abortErr := c.SendNodeAbort(nodeID, results); abortErr != nil {
			return fmt.Errorf("worker: send node abort: %w", abortErr)
		}
		return err
	}
	telemetry.SetSpanOK(span)

	if !res.Waiting {
		telemetry.SetExecutionAttrs(span, string(res.Outcome), int64(res.RuntimeSec*1000), res.BBCoverage)
		if w.cfg.VM.LogCrashes {
			if err := storeCrashlogs(w.cfg.WorkDir, driver.HprintfLogPath(), res.Outcome, nodeID); err != nil {
				w.log.Warn("worker: store crash logs failed", "err", err)
			}
		}
	}
	span.End()

	if err := c.SendNodeDone(nodeID, results, newInput); err != nil {
		return fmt.Errorf("worker: send node done: %w", err)
	}
	if newInput != nil {
		input := map[string]any{
			"payload": newInput,
			"bitmap":  res.Bitmap,
			"info": map[string]any{
				"node_id": nodeID,
				"outcome": string(res.Outcome),
				"starved": res.Starved,
			},
		}
		if err := c.SendNewInput(input); err != nil {
			return fmt.Errorf("worker: send new input: %w", err)
		}
	}
	if len(res.SymbolicRequests) > 0 {
		if err := c.SendSymNew(res.SymbolicRequests); err != nil {
			return fmt.Errorf("worker: send sym new: %w", err)
		}
	}
	return nil
}
