package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/il-steffen/kafl.fuzzer/internal/client"
	"github.com/il-steffen/kafl.fuzzer/internal/config"
	"github.com/il-steffen/kafl.fuzzer/internal/symbolic"
	"github.com/il-steffen/kafl.fuzzer/internal/telemetry"
	"github.com/il-steffen/kafl.fuzzer/internal/vmdriver"
	"github.com/il-steffen/kafl.fuzzer/internal/wire"
)

// SymbolicWorker runs one symbolic-mode VM: it consumes SYM_REQUEST
// tasks, replays the requested payload with concolic execution enabled,
// and reports the resulting concrete inputs via SYM_RESULT.
type SymbolicWorker struct {
	cfg *config.Config
	pid int
	log *slog.Logger
}

// NewSymbolicWorker constructs a symbolic worker for pid.
func NewSymbolicWorker(cfg *config.Config, pid int, log *slog.Logger) *SymbolicWorker {
	return &SymbolicWorker{cfg: cfg, pid: pid, log: log}
}

// Run dials the Manager, drives the symbolic-mode VM, and loops until the
// control socket breaks or ctx is cancelled.
func (w *SymbolicWorker) Run(ctx context.Context, sockPath string, creator bool) error {
	c, err := client.Dial(sockPath)
	if err != nil {
		return fmt.Errorf("worker: dial: %w", err)
	}
	defer c.Close()

	driver := vmdriver.New(w.cfg, w.pid, vmdriver.Symbolic, creator, w.log)
	driver.SetPrintHandler(func(msg string) {
		if err := c.SendPrint(msg); err != nil {
			w.log.Warn("worker: send print failed", "err", err)
		}
	})
	defer driver.Shutdown()

	// Recreate the syx workdir from scratch so a stale FIFO from a
	// previous campaign never satisfies NewResultReader's Mkfifo.
	if err := os.RemoveAll(driver.SyxWorkdirPath()); err != nil {
		return fmt.Errorf("worker: clean symbolic workdir: %w", err)
	}
	if err := os.MkdirAll(driver.SyxWorkdirPath(), 0755); err != nil {
		return fmt.Errorf("worker: create symbolic workdir: %w", err)
	}
	reader, err := symbolic.NewResultReader(driver.SymResultsPath(), w.cfg.Queue.FIFOPollInterval)
	if err != nil {
		return fmt.Errorf("worker: create result reader: %w", err)
	}
	defer reader.Close()
	driver.AttachResultReader(reader)

	ok, err := driver.Start()
	if err != nil {
		return fmt.Errorf("worker: start VM: %w", err)
	}
	if !ok {
		return fmt.Errorf("worker: driver refused to start")
	}

	if err := c.AnnounceSymWait(); err != nil {
		return fmt.Errorf("worker: announce sym_wait: %w", err)
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
		case wire.SymRequest:
			if err := w.runRequest(ctx, c, driver, reader, m.Request); err != nil {
				return err
			}
		case wire.ImportSyx:
			// Seed import for symbolic replay belongs to the mutation
			// stages; just acknowledge readiness again.
			if err := c.AnnounceSymWait(); err != nil {
				return fmt.Errorf("worker: re-announce sym_wait: %w", err)
			}
		case wire.Busy:
			time.Sleep(busyBackoff)
			if err := c.AnnounceSymWait(); err != nil {
				return fmt.Errorf("worker: re-announce sym_wait: %w", err)
			}
		default:
			return fmt.Errorf("worker: protocol error: unexpected message %T", msg)
		}
	}
}

func (w *SymbolicWorker) runRequest(ctx context.Context, c *client.Client, driver *vmdriver.Driver, reader *symbolic.ResultReader, req symbolic.Request) error {
	_, span := telemetry.StartVMExecuteSpan(ctx, w.pid, true)
	defer span.End()

	reader.NewRun(req.Payload, req.Offset, req.Length)
	driver.SetSyxRun(req.Length)

	if err := driver.SetPayload(req.Payload); err != nil {
		telemetry.SetSpanError(span, err)
		return err
	}
	if _, err := driver.SendPayload(); err != nil {
		telemetry.SetSpanError(span, err)
		if abortErr := c.SendNodeAbort("symbolic", nil); abortErr != nil {
			return fmt.Errorf("worker: send node abort: %w", abortErr)
		}
		return err
	}
	telemetry.SetSpanOK(span)

	newInputs := reader.GetNewInputs()
	w.log.Debug("symbolic run complete", "pid", w.pid, "offset", req.Offset, "pending", reader.PendingCount())
	if err := c.SendSymResult(map[string]any{
		"offset": req.Offset,
		"length": req.Length,
		"inputs": newInputs,
	}); err != nil {
		return fmt.Errorf("worker: send sym result: %w", err)
	}
	return c.AnnounceSymWait()
}
