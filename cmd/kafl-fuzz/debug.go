package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/il-steffen/kafl.fuzzer/internal/execresult"
	"github.com/il-steffen/kafl.fuzzer/internal/logging"
	"github.com/il-steffen/kafl.fuzzer/internal/vmdriver"
)

// debugCmd implements the interactive debug_payload loop: a single
// VM is driven directly (no Manager/Worker control plane involved) and
// re-executes the same payload on each input line, with the hard
// timeout disabled. Unlike a normal fuzz worker it never exits merely
// because an execution finished; it stops only on EOF/"quit"/"q", or as
// soon as a symbolic-mode run reports a regular outcome (SUCCESS or
// STARVED).
func debugCmd() *cobra.Command {
	var (
		payloadPath string
		symbolicRun bool
	)

	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Interactively replay one payload against a single VM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if payloadPath == "" {
				return fmt.Errorf("debug: --payload is required")
			}
			payload, err := os.ReadFile(payloadPath)
			if err != nil {
				return fmt.Errorf("debug: read payload: %w", err)
			}

			mode := vmdriver.Ordinary
			if symbolicRun {
				mode = vmdriver.Symbolic
			}

			log := logging.ForWorker(0, symbolicRun)
			driver := vmdriver.New(cfg, 0, mode, true, log)
			defer driver.Shutdown()

			ok, err := driver.Start()
			if err != nil {
				return fmt.Errorf("debug: start VM: %w", err)
			}
			if !ok {
				return fmt.Errorf("debug: driver refused to start")
			}

			return runDebugLoop(driver, payload, symbolicRun)
		},
	}

	cmd.Flags().StringVar(&payloadPath, "payload", "", "payload file to replay")
	cmd.Flags().BoolVar(&symbolicRun, "symbolic", false, "drive the VM in symbolic mode")
	return cmd
}

func runDebugLoop(driver *vmdriver.Driver, payload []byte, symbolicRun bool) error {
	if err := driver.SetPayload(payload); err != nil {
		return fmt.Errorf("debug: set payload: %w", err)
	}
	if symbolicRun {
		driver.SetSyxRun(uint64(len(payload)))
	}

	fmt.Println("debug_payload: enter to re-run, 'quit' to stop")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return nil
		}
		if line := scanner.Text(); line == "quit" || line == "q" {
			return nil
		}

		result, err := driver.DebugPayload()
		if err != nil {
			return fmt.Errorf("debug: execute: %w", err)
		}
		if result.Waiting {
			fmt.Println("SYX_SYM_WAIT")
			continue
		}
		fmt.Printf("outcome=%s runtime=%.4fs bb_cov=%d symbolic_requests=%d\n",
			result.Outcome, result.RuntimeSec, result.BBCoverage, len(result.SymbolicRequests))

		if symbolicRun && result.Outcome == execresult.OutcomeRegular {
			fmt.Println("SUCCESS observed in symbolic mode, stopping")
			return nil
		}
	}
}
