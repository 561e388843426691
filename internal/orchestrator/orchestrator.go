// Package orchestrator implements the top-level campaign lifecycle:
// preparing the work directory, forking the fuzz and symbolic worker
// processes, and driving the Manager loop until a signal or the last
// worker exit shuts the campaign down.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/il-steffen/kafl.fuzzer/internal/config"
	"github.com/il-steffen/kafl.fuzzer/internal/corpussync"
	"github.com/il-steffen/kafl.fuzzer/internal/logging"
	"github.com/il-steffen/kafl.fuzzer/internal/manager"
	"github.com/il-steffen/kafl.fuzzer/internal/metrics"
	"github.com/il-steffen/kafl.fuzzer/internal/server"
	"github.com/il-steffen/kafl.fuzzer/internal/statsstore"
)

// WorkerIDEnv and WorkerModeEnv pass a re-exec'd worker process its
// identity; cmd/kafl-fuzz's hidden "worker" subcommand reads these.
const (
	WorkerIDEnv      = "KAFL_WORKER_ID"
	WorkerModeEnv    = "KAFL_WORKER_MODE"
	WorkerCreatorEnv = "KAFL_WORKER_CREATOR"
	WorkerSockEnv    = "KAFL_WORKER_SOCK"
	WorkerConfigEnv  = "KAFL_WORKER_CONFIG"

	modeFuzz     = "fuzz"
	modeSymbolic = "symbolic"
)

// SelfCheck validates the environment before a campaign starts. The
// default implementation checks that the configured VM binary exists and
// is executable; callers may substitute a stricter check (e.g. one that
// also probes KVM availability) via Start's opts.
type SelfCheck func(cfg *config.Config) error

// DefaultSelfCheck stats cfg.VM.VMBinary and requires at least one
// executable bit set.
func DefaultSelfCheck(cfg *config.Config) error {
	info, err := os.Stat(cfg.VM.VMBinary)
	if err != nil {
		if path, lookErr := exec.LookPath(cfg.VM.VMBinary); lookErr == nil {
			info, err = os.Stat(path)
		}
		if err != nil {
			return fmt.Errorf("orchestrator: self-check: VM binary %q not found: %w", cfg.VM.VMBinary, err)
		}
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("orchestrator: self-check: VM binary %q is not executable", cfg.VM.VMBinary)
	}
	return nil
}

// Options configures a campaign run beyond what Config carries: the
// re-exec entry point and an injectable self-check/task source, so tests
// can run the orchestrator's bookkeeping without a real VM binary.
type Options struct {
	SelfCheck  SelfCheck
	Tasks      manager.TaskSource
	ReexecPath string // defaults to os.Executable()
}

// Start runs one campaign to completion: self-check, work-dir prep,
// worker fork, Manager loop, graceful shutdown.
func Start(ctx context.Context, cfg *config.Config, opts Options) error {
	selfCheck := opts.SelfCheck
	if selfCheck == nil {
		selfCheck = DefaultSelfCheck
	}
	if err := selfCheck(cfg); err != nil {
		return err
	}

	if err := prepareWorkDir(cfg); err != nil {
		return fmt.Errorf("orchestrator: prepare work dir: %w", err)
	}

	if !cfg.Quiet {
		if err := logging.SetOutputFile(filepath.Join(cfg.WorkDir, "kafl_fuzz.log")); err != nil {
			logging.Op().Warn("failed to open campaign log file", "err", err)
		}
	}

	if cfg.SeedDir != "" {
		if err := importSeeds(cfg.SeedDir, filepath.Join(cfg.WorkDir, "imports")); err != nil {
			return fmt.Errorf("orchestrator: seed import: %w", err)
		}
	} else {
		logging.Op().Warn("no seed dir configured, starting with an empty corpus")
	}

	if cfg.VM.IPFilters[0] == nil {
		logging.Op().Warn("no -ip0 PT filter range configured; Intel PT will trace the entire address space")
	}

	if cfg.Processes+cfg.SyxWorkers > runtime.NumCPU() {
		return fmt.Errorf("orchestrator: requested %d workers (%d fuzz + %d symbolic) exceeds %d available CPUs",
			cfg.Processes+cfg.SyxWorkers, cfg.Processes, cfg.SyxWorkers, runtime.NumCPU())
	}

	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Namespace)
		if cfg.Metrics.Addr != "" {
			metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler()}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Warn("metrics server exited", "err", err)
				}
			}()
			defer metricsSrv.Close()
		}
	}

	syncClient, err := corpussync.New(cfg.Sync)
	if err != nil {
		return fmt.Errorf("orchestrator: corpus sync: %w", err)
	}
	if syncClient != nil {
		defer syncClient.Close()
	}

	statsStore, err := statsstore.New(ctx, cfg.Stats)
	if err != nil {
		return fmt.Errorf("orchestrator: stats store: %w", err)
	}
	if statsStore != nil {
		defer statsStore.Close()
	}

	sockPath := filepath.Join(cfg.WorkDir, "kafl_socket")
	srv, err := server.New(sockPath)
	if err != nil {
		return fmt.Errorf("orchestrator: listen: %w", err)
	}
	defer srv.Close()

	mgr := manager.New(cfg, srv, opts.Tasks, syncClient, statsStore, logging.Op())

	reexec := opts.ReexecPath
	if reexec == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("orchestrator: resolve self path: %w", err)
		}
		reexec = self
	}

	// Workers are separate processes and cannot see our in-memory config;
	// persist the fully-resolved record so every child starts from the
	// exact same campaign settings regardless of which flags produced them.
	cfgPath := filepath.Join(cfg.WorkDir, "config.yaml")
	if err := config.WriteFile(cfg, cfgPath); err != nil {
		return fmt.Errorf("orchestrator: write resolved config: %w", err)
	}

	procs := make([]*exec.Cmd, 0, cfg.Processes+cfg.SyxWorkers)
	for i := 0; i < cfg.Processes; i++ {
		cmd, err := spawnWorker(reexec, sockPath, cfgPath, i, modeFuzz, i == 0)
		if err != nil {
			killAll(procs)
			return fmt.Errorf("orchestrator: spawn fuzz worker %d: %w", i, err)
		}
		procs = append(procs, cmd)
	}
	for i := 0; i < cfg.SyxWorkers; i++ {
		id := cfg.Processes + i
		cmd, err := spawnWorker(reexec, sockPath, cfgPath, id, modeSymbolic, false)
		if err != nil {
			killAll(procs)
			return fmt.Errorf("orchestrator: spawn symbolic worker %d: %w", id, err)
		}
		procs = append(procs, cmd)
	}
	defer qemuSweep(procs)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runErr := make(chan error, 1)
	go func() { runErr <- mgr.Run(runCtx) }()

	select {
	case <-sigCh:
		logging.Op().Info("shutdown signal received")
		cancel()
		shutdownWorkers(procs)
		<-runErr
		return nil
	case err := <-runErr:
		shutdownWorkers(procs)
		return err
	}
}

func prepareWorkDir(cfg *config.Config) error {
	if cfg.Purge {
		if err := os.RemoveAll(cfg.WorkDir); err != nil {
			return err
		}
	}
	for _, sub := range []string{"", "traces", "logs", "corpus", "crashes", "snapshot"} {
		if err := os.MkdirAll(filepath.Join(cfg.WorkDir, sub), 0755); err != nil {
			return err
		}
	}
	return nil
}

// importSeeds copies every regular file in seedDir into the campaign's
// imports directory, where the import stage picks them up as the initial
// corpus. A missing or unreadable seed dir is a hard error:
// the user asked for seeds and would otherwise silently fuzz from nothing.
func importSeeds(seedDir, importDir string) error {
	entries, err := os.ReadDir(seedDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(importDir, 0755); err != nil {
		return err
	}
	n := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(seedDir, e.Name()))
		if err != nil {
			return err
		}
		dst := filepath.Join(importDir, fmt.Sprintf("seed_%05d", n))
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return err
		}
		n++
	}
	logging.Op().Info("imported seed files", "count", n, "seed_dir", seedDir)
	return nil
}

func spawnWorker(reexec, sockPath, cfgPath string, id int, mode string, creator bool) (*exec.Cmd, error) {
	cmd := exec.Command(reexec, "worker")
	cmd.Env = append(os.Environ(),
		WorkerIDEnv+"="+strconv.Itoa(id),
		WorkerModeEnv+"="+mode,
		WorkerSockEnv+"="+sockPath,
		WorkerCreatorEnv+"="+strconv.FormatBool(creator),
		WorkerConfigEnv+"="+cfgPath,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// shutdownWorkers terminates every worker process, escalating to SIGKILL
// for any that have not exited within a grace period.
func shutdownWorkers(procs []*exec.Cmd) {
	for _, cmd := range procs {
		if cmd.Process != nil {
			cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	done := make(chan struct{})
	go func() {
		for _, cmd := range procs {
			cmd.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		killAll(procs)
	}
}

func killAll(procs []*exec.Cmd) {
	for _, cmd := range procs {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	}
}

// qemuSweep scans for any VM subprocess left behind by a worker that was
// killed before it could reap its own child. It walks /proc and SIGKILLs
// every process whose parent pid is one of the worker pids we just tore
// down; a process already reparented away from its worker is not matched.
func qemuSweep(procs []*exec.Cmd) {
	workerPids := make(map[int]bool, len(procs))
	for _, cmd := range procs {
		if cmd.Process != nil {
			workerPids[cmd.Process.Pid] = true
		}
	}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		ppid, ok := readPpid(pid)
		if !ok || !workerPids[ppid] {
			continue
		}
		logging.Op().Warn("qemu_sweep: reaping orphaned VM process", "pid", pid, "parent", ppid)
		if proc, err := os.FindProcess(pid); err == nil {
			proc.Signal(syscall.SIGKILL)
		}
	}
}

func readPpid(pid int) (int, bool) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, false
	}
	// Fields: pid (comm) state ppid ...; comm may contain spaces/parens,
	// so scan from the last ')' rather than splitting naively.
	s := string(data)
	i := lastIndexByte(s, ')')
	if i < 0 || i+1 >= len(s) {
		return 0, false
	}
	var state string
	var ppid int
	if _, err := fmt.Sscanf(s[i+2:], "%s %d", &state, &ppid); err != nil {
		return 0, false
	}
	return ppid, true
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}
