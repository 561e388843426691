package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/il-steffen/kafl.fuzzer/internal/config"
	"github.com/il-steffen/kafl.fuzzer/internal/orchestrator"
)

// fuzzCmd wires the general/fuzzer/VM option groups onto a cobra
// command: declare flags, overlay them onto the loaded config, always
// let flags win.
func fuzzCmd() *cobra.Command {
	var (
		workDir    string
		seedDir    string
		processes  int
		syxWorkers int
		purge      bool
		quiet      bool

		vmBinary    string
		image       string
		kernel      string
		initrd      string
		bios        string
		append_     string
		memoryMB    int
		reload      int
		ip0, ip1    string
		ip2, ip3    string
		timeoutHard string
		payloadSize uint32
		bitmapSize  uint32
		trace       bool
	)

	cmd := &cobra.Command{
		Use:   "fuzz",
		Short: "Run a fuzzing campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}

			f := cmd.Flags()
			if f.Changed("work-dir") {
				cfg.WorkDir = workDir
			}
			if f.Changed("seed-dir") {
				cfg.SeedDir = seedDir
			}
			if f.Changed("processes") {
				cfg.Processes = processes
			}
			if f.Changed("syx-workers") {
				cfg.SyxWorkers = syxWorkers
			}
			if f.Changed("purge") {
				cfg.Purge = purge
			}
			if f.Changed("quiet") {
				cfg.Quiet = quiet
			}
			if f.Changed("vm-binary") {
				cfg.VM.VMBinary = vmBinary
			}
			if f.Changed("image") {
				cfg.VM.Image = image
			}
			if f.Changed("kernel") {
				cfg.VM.Kernel = kernel
			}
			if f.Changed("initrd") {
				cfg.VM.Initrd = initrd
			}
			if f.Changed("bios") {
				cfg.VM.Bios = bios
			}
			if f.Changed("append") {
				cfg.VM.Append = append_
			}
			if f.Changed("memory") {
				cfg.VM.MemoryMB = memoryMB
			}
			if f.Changed("reload") {
				cfg.VM.Reload = reload
			}
			if f.Changed("payload-size") {
				cfg.VM.PayloadSize = payloadSize
			}
			if f.Changed("bitmap-size") {
				cfg.VM.BitmapSize = bitmapSize
			}
			if f.Changed("trace") {
				cfg.VM.Trace = trace
			}
			if f.Changed("t-hard") {
				d, err := time.ParseDuration(timeoutHard)
				if err != nil {
					return fmt.Errorf("t-hard: %w", err)
				}
				cfg.VM.TimeoutHard = d
			}

			for i, raw := range []string{ip0, ip1, ip2, ip3} {
				if raw == "" {
					continue
				}
				rng, err := config.ParseIPRange(raw, 0)
				if err != nil {
					return fmt.Errorf("ip%d: %w", i, err)
				}
				cfg.VM.IPFilters[i] = rng
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			shutdown := initObservability(cfg)
			defer shutdown()

			return orchestrator.Start(context.Background(), cfg, orchestrator.Options{})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&workDir, "work-dir", "", "campaign working directory")
	flags.StringVar(&seedDir, "seed-dir", "", "directory of seed inputs to import at startup")
	flags.IntVarP(&processes, "processes", "p", 0, "number of ordinary fuzz worker processes")
	flags.IntVar(&syxWorkers, "syx-workers", 0, "number of symbolic-executor worker processes")
	flags.BoolVar(&purge, "purge", false, "remove the working directory before starting")
	flags.BoolVar(&quiet, "quiet", false, "suppress the campaign log file")

	flags.StringVar(&vmBinary, "vm-binary", "", "path to the VM launcher binary")
	flags.StringVar(&image, "image", "", "disk image to boot")
	flags.StringVar(&kernel, "kernel", "", "kernel image to boot")
	flags.StringVar(&initrd, "initrd", "", "initrd image to boot")
	flags.StringVar(&bios, "bios", "", "BIOS image to boot")
	flags.StringVar(&append_, "append", "", "kernel command line")
	flags.IntVar(&memoryMB, "memory", 0, "guest memory size in MB")
	flags.IntVarP(&reload, "reload", "R", 0, "persistent-runs reload interval")
	flags.StringVar(&ip0, "ip0", "", "Intel PT filter range 0, \"low-high\"")
	flags.StringVar(&ip1, "ip1", "", "Intel PT filter range 1")
	flags.StringVar(&ip2, "ip2", "", "Intel PT filter range 2")
	flags.StringVar(&ip3, "ip3", "", "Intel PT filter range 3")
	flags.StringVar(&timeoutHard, "t-hard", "", "hard execution timeout (e.g. \"1s\")")
	flags.Uint32Var(&payloadSize, "payload-size", 0, "payload shm size, power of two")
	flags.Uint32Var(&bitmapSize, "bitmap-size", 0, "bitmap shm size, power of two")
	flags.BoolVar(&trace, "trace", false, "enable PT tracing")

	// abort-time/abort-exec/t-soft/t-check/kickstart/dict/funky and the
	// mutation-stage toggles belong to the mutation stage (out of scope)
	// and have no effect on this core; they are intentionally not
	// declared here rather than accepted and silently ignored.

	return cmd
}
