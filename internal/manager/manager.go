// Package manager implements the Manager-side control-plane glue above
// the transport: it owns the Server, the Symbolic Queue shared across
// every symbolic worker, and the optional corpus-sync and
// execution-history sinks, routing each decoded wire.Message through a
// single dispatch method keyed on message type.
package manager

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/il-steffen/kafl.fuzzer/internal/config"
	"github.com/il-steffen/kafl.fuzzer/internal/corpussync"
	"github.com/il-steffen/kafl.fuzzer/internal/metrics"
	"github.com/il-steffen/kafl.fuzzer/internal/server"
	"github.com/il-steffen/kafl.fuzzer/internal/statsstore"
	"github.com/il-steffen/kafl.fuzzer/internal/symbolic"
	"github.com/il-steffen/kafl.fuzzer/internal/telemetry"
	"github.com/il-steffen/kafl.fuzzer/internal/wire"
)

// Manager owns the control-plane socket and routes messages from every
// connected worker.
type Manager struct {
	cfg   *config.Config
	srv   *server.Server
	log   *slog.Logger
	tasks TaskSource

	queue      *symbolic.Queue
	sync       *corpussync.Client
	syncInputs <-chan corpussync.Record
	stats      *statsstore.Store

	workerID map[server.ClientID]int
	isSyx    map[server.ClientID]bool
}

// New constructs a Manager bound to srv. sync and stats may be nil
// (disabled). A nil tasks defaults to NoopTaskSource.
func New(cfg *config.Config, srv *server.Server, tasks TaskSource, sync *corpussync.Client, stats *statsstore.Store, log *slog.Logger) *Manager {
	if tasks == nil {
		tasks = NoopTaskSource{}
	}
	return &Manager{
		cfg:      cfg,
		srv:      srv,
		log:      log,
		tasks:    tasks,
		queue:    symbolic.NewQueue(),
		sync:     sync,
		stats:    stats,
		workerID: make(map[server.ClientID]int),
		isSyx:    make(map[server.ClientID]bool),
	}
}

// Run drives the event loop until the Server reports every worker has
// disconnected, or ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m.sync != nil {
		m.syncInputs = m.sync.Subscribe(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		events, err := m.srv.Wait(200)
		if err != nil {
			if errors.Is(err, server.ErrAllWorkersExited) {
				return nil
			}
			return fmt.Errorf("manager: wait: %w", err)
		}
		for _, ev := range events {
			if err := m.handle(ctx, ev); err != nil {
				m.log.Warn("manager: handling message failed", "client", ev.Client, "err", err)
			}
		}
		metrics.SetSymbolicQueueDepth(m.queue.PendingLen() + m.queue.IssuedLen())
		metrics.SetConnectedWorkers(m.srv.ClientCount())
	}
}

func (m *Manager) handle(ctx context.Context, ev server.Event) error {
	id := ev.Client
	msgType := fmt.Sprintf("%T", ev.Message)
	_, span := telemetry.StartHandleMessageSpan(ctx, m.workerID[id], msgType)
	defer span.End()

	switch msg := ev.Message.(type) {
	case wire.Ready:
		m.workerID[id] = msg.WorkerID
		m.isSyx[id] = false
		return m.dispatchFuzzWork(id, msg.WorkerID)

	case wire.SymWait:
		m.isSyx[id] = true
		return m.dispatchSymWork(id, m.workerID[id])

	case wire.NodeDone:
		return m.handleNodeDone(ctx, id, msg)

	case wire.NodeAbort:
		m.log.Warn("node aborted", "worker", m.workerID[id], "node_id", msg.NodeID)
		return nil

	case wire.NewInput:
		return m.handleNewInput(ctx, msg)

	case wire.SymNew:
		m.handleSymNew(msg)
		return nil

	case wire.SymResult:
		m.log.Debug("symbolic result received", "worker", m.workerID[id])
		return nil

	case wire.Print:
		m.log.Info("worker print", "worker", m.workerID[id], "msg", msg.Msg)
		return nil

	default:
		m.log.Debug("manager: unhandled message", "type", msgType)
		return nil
	}
}

// dispatchFuzzWork answers a READY (or any idle moment) for a fuzz
// worker: a sibling-instance corpus input first, then IMPORT, then
// RUN_NODE, then BUSY. The select on syncInputs is non-blocking; a nil
// channel (sync disabled) simply never fires.
func (m *Manager) dispatchFuzzWork(id server.ClientID, workerID int) error {
	select {
	case rec, ok := <-m.syncInputs:
		if ok {
			return m.srv.SendImport(id, map[string]any{"payload": rec.Payload})
		}
	default:
	}
	if task, ok := m.tasks.NextImportTask(workerID); ok {
		return m.srv.SendImport(id, task)
	}
	if task, ok := m.tasks.NextRunNodeTask(workerID); ok {
		return m.srv.SendNode(id, task)
	}
	return m.srv.SendBusy(id)
}

// dispatchSymWork answers SYM_WAIT: a pending symbolic request first,
// an IMPORT_SYX task otherwise, BUSY if neither is available.
func (m *Manager) dispatchSymWork(id server.ClientID, workerID int) error {
	if !m.queue.Empty() {
		req := m.queue.Take()
		return m.srv.SendSymRequest(id, req)
	}
	if task, ok := m.tasks.NextSyxImportTask(workerID); ok {
		return m.srv.SendImportSyx(id, task)
	}
	return m.srv.SendBusy(id)
}

func (m *Manager) handleNodeDone(ctx context.Context, id server.ClientID, msg wire.NodeDone) error {
	outcome := outcomeFromResults(msg.Results)
	bbCov := bbCovFromResults(msg.Results)
	runtimeMs := runtimeMsFromResults(msg.Results)
	metrics.RecordExecution(outcome, float64(runtimeMs)/1000, uint32(bbCov))

	if m.stats != nil {
		rec := statsstore.ExecutionRecord{
			ID:        uuid.NewString(),
			WorkerID:  m.workerID[id],
			Outcome:   outcome,
			BBCov:     uint32(bbCov),
			RuntimeMs: runtimeMs,
		}
		if err := m.stats.Record(ctx, rec); err != nil {
			m.log.Warn("manager: record execution failed", "err", err)
		}
	}
	return m.dispatchFuzzWork(id, m.workerID[id])
}

func (m *Manager) handleNewInput(ctx context.Context, msg wire.NewInput) error {
	if m.sync == nil {
		return nil
	}
	payload, _ := msg.Input["payload"].([]byte)
	bitmap, _ := msg.Input["bitmap"].([]byte)
	digest := sha256.Sum256(bitmap)
	rec := corpussync.Record{
		UUID:         uuid.NewString(),
		Payload:      payload,
		BitmapDigest: digest[:],
	}
	return m.sync.Publish(ctx, rec)
}

func (m *Manager) handleSymNew(msg wire.SymNew) {
	batch := uuid.NewString()
	for _, req := range msg.Requests {
		accepted := m.queue.Offer(req)
		metrics.RecordSymbolicRequest(accepted)
		m.log.Debug("symbolic request offered",
			"batch", batch, "offset", req.Offset, "length", req.Length, "accepted", accepted)
	}
}

func outcomeFromResults(results any) string {
	if m, ok := results.(map[string]any); ok {
		if v, ok := m["outcome"].(string); ok {
			return v
		}
	}
	return "unknown"
}

func bbCovFromResults(results any) int64 {
	if m, ok := results.(map[string]any); ok {
		switch v := m["bb_cov"].(type) {
		case int64:
			return v
		case int:
			return int64(v)
		case uint64:
			return int64(v)
		}
	}
	return 0
}

func runtimeMsFromResults(results any) int64 {
	if m, ok := results.(map[string]any); ok {
		switch v := m["runtime_ms"].(type) {
		case int64:
			return v
		case int:
			return int64(v)
		case uint64:
			return int64(v)
		}
	}
	return 0
}
