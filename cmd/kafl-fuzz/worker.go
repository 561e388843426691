package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/il-steffen/kafl.fuzzer/internal/logging"
	"github.com/il-steffen/kafl.fuzzer/internal/orchestrator"
	"github.com/il-steffen/kafl.fuzzer/internal/worker"
)

// workerCmd is the re-exec entry point the orchestrator forks into for
// every fuzz and symbolic worker process. It is never
// meant to be invoked directly by a human; it reads its identity from
// the environment variables orchestrator.Start set on the child.
func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one fuzz or symbolic worker process (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The parent orchestrator persists its fully-resolved config
			// and points us at it; flags never reach a re-exec'd worker.
			if p := os.Getenv(orchestrator.WorkerConfigEnv); p != "" {
				configFile = p
			}
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}

			id, err := strconv.Atoi(os.Getenv(orchestrator.WorkerIDEnv))
			if err != nil {
				return fmt.Errorf("worker: invalid %s: %w", orchestrator.WorkerIDEnv, err)
			}
			creator, _ := strconv.ParseBool(os.Getenv(orchestrator.WorkerCreatorEnv))
			sockPath := os.Getenv(orchestrator.WorkerSockEnv)
			mode := os.Getenv(orchestrator.WorkerModeEnv)

			log := logging.ForWorker(id, mode == "symbolic")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			switch mode {
			case "symbolic":
				w := worker.NewSymbolicWorker(cfg, id, log)
				return w.Run(ctx, sockPath, creator)
			default:
				w := worker.NewFuzzWorker(cfg, id, nil, log)
				return w.Run(ctx, sockPath, creator)
			}
		},
	}
	return cmd
}
