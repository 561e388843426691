// Package vmdriver owns exactly one VM subprocess and its shared
// resources for the lifetime of a worker, translating input payloads
// into ExecutionResults: subprocess launch, shared-memory mapping, the
// readiness handshake, the execution loop, and SIGTERM-then-SIGKILL
// shutdown.
package vmdriver

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/il-steffen/kafl.fuzzer/internal/auxbuffer"
	"github.com/il-steffen/kafl.fuzzer/internal/config"
	"github.com/il-steffen/kafl.fuzzer/internal/symbolic"
)

const (
	handshakeBudget   = 6 * time.Second
	handshakeInterval = 100 * time.Millisecond
)

// Driver owns one VM subprocess plus its shared-memory resources.
type Driver struct {
	cfg     *config.Config
	pid     int
	mode    Mode
	creator bool
	paths   paths
	log     *slog.Logger

	cmd      *exec.Cmd
	ctrlConn net.Conn
	aux      *auxbuffer.Buffer

	bitmapFile  *os.File
	bitmapMem   []byte
	payloadFile *os.File
	payloadMem  []byte
	ijonFile    *os.File

	hprintfFile *os.File

	persistentRuns int
	reloadTarget   int

	lastPageFaultAddr uint64
	sawPageFault      bool

	results *symbolic.ResultReader

	onPrint func(string)

	exiting bool
}

// New constructs a Driver for worker pid. creator designates the single
// worker responsible for creating the VM snapshot (launched with
// load=off); all others load the existing snapshot.
func New(cfg *config.Config, pid int, mode Mode, creator bool, log *slog.Logger) *Driver {
	return &Driver{
		cfg:          cfg,
		pid:          pid,
		mode:         mode,
		creator:      creator,
		paths:        resourcePaths(cfg.WorkDir, pid),
		log:          log,
		reloadTarget: cfg.VM.Reload,
	}
}

// Start prepares shm files, launches the VM, completes the handshake, and
// configures reload mode and the hard timeout. Returns false (with a nil
// error) if the Driver is already exiting; returns false with an error on
// connection failure, in which case Shutdown has already been invoked.
func (d *Driver) Start() (bool, error) {
	if d.exiting {
		return false, nil
	}

	if err := d.prepareShm(); err != nil {
		return false, fmt.Errorf("vmdriver: prepare shm: %w", err)
	}

	delay := startupDelaySeconds(d.pid, d.creator)
	if delay > 0 {
		time.Sleep(time.Duration(delay * float64(time.Second)))
	}

	args := d.buildArgs()
	d.cmd = exec.Command(d.cfg.VM.VMBinary, args...)
	// The VM gets its own process group so Shutdown's SIGTERM/SIGKILL
	// reaches it and any helper processes it forks, without touching the
	// worker itself.
	d.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := d.cmd.Start(); err != nil {
		return false, fmt.Errorf("vmdriver: start %s: %w", d.cfg.VM.VMBinary, err)
	}

	if err := d.connect(); err != nil {
		d.Shutdown()
		return false, err
	}

	if err := d.handshake(); err != nil {
		d.Shutdown()
		return false, err
	}

	if err := d.revalidateShmSizes(); err != nil {
		d.Shutdown()
		return false, err
	}

	d.persistentRuns = 0
	if d.reloadTarget == 1 {
		d.aux.SetReloadMode(true)
	}
	d.aux.SetTimeout(d.cfg.VM.TimeoutHard.Seconds())
	if d.cfg.VM.Trace {
		d.aux.SetTraceMode(true)
	}

	if d.mode == Symbolic {
		d.aux.SetSyxMode(true)
	}

	return true, nil
}

func (d *Driver) prepareShm() error {
	if err := os.MkdirAll(d.cfg.WorkDir, 0755); err != nil {
		return err
	}
	if err := truncateFile(d.paths.auxBuffer, auxbuffer.BufferSize); err != nil {
		return err
	}
	if err := truncateFile(d.paths.ijon, ijonSize); err != nil {
		return err
	}

	bitmapFile, bitmapMem, err := mmapFile(d.paths.bitmap, int(d.cfg.VM.BitmapSize))
	if err != nil {
		return err
	}
	d.bitmapFile, d.bitmapMem = bitmapFile, bitmapMem

	payloadFile, payloadMem, err := mmapFile(d.paths.payload, int(d.cfg.VM.PayloadSize))
	if err != nil {
		return err
	}
	d.payloadFile, d.payloadMem = payloadFile, payloadMem

	if d.cfg.VM.LogHprintf {
		f, err := os.OpenFile(d.paths.hprintfLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		d.hprintfFile = f
	}
	return nil
}

func truncateFile(path string, size int) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(int64(size))
}

func mmapFile(path string, size int) (*os.File, []byte, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, nil, err
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, mem, nil
}

// connect dials the VM's interface socket with a bounded retry budget,
// aborting early if the VM process has already exited.
func (d *Driver) connect() error {
	deadline := time.Now().Add(handshakeBudget)
	var lastErr error
	for time.Now().Before(deadline) {
		if d.cmd.Process != nil {
			if err := d.cmd.Process.Signal(syscall.Signal(0)); err != nil {
				return newIOError(d.pid, "VM process exited before interface socket was ready", err)
			}
		}
		conn, err := net.Dial("unix", d.paths.interfaceSoc)
		if err == nil {
			d.ctrlConn = conn
			return nil
		}
		lastErr = err
		time.Sleep(handshakeInterval)
	}
	return newIOError(d.pid, "handshake connect timed out", lastErr)
}

// runQemu performs the single-byte handoff that hands control to the VM
// and blocks until it yields back.
func (d *Driver) runQemu() error {
	if _, err := d.ctrlConn.Write([]byte{1}); err != nil {
		return newIOError(d.pid, "write handoff byte", err)
	}
	ack := make([]byte, 1)
	if _, err := d.ctrlConn.Read(ack); err != nil {
		return newIOError(d.pid, "read handoff ack", err)
	}
	return nil
}

// handshake pumps run_qemu/get_result until the VM reaches the fuzzing
// state, servicing ABORT and HPRINTF along the way.
func (d *Driver) handshake() error {
	if err := d.runQemu(); err != nil {
		return err
	}
	aux, err := auxbuffer.Open(d.paths.auxBuffer)
	if err != nil {
		return newIOError(d.pid, "open aux buffer", err)
	}
	d.aux = aux

	for {
		result := d.aux.GetResult()
		switch result.ExecCode {
		case auxbuffer.ExecAbort:
			return newIOError(d.pid, "guest abort during handshake", nil)
		case auxbuffer.ExecHprintf:
			d.drainHprintf()
		}
		if d.aux.GetState() == auxbuffer.StateFuzzing {
			return nil
		}
		if err := d.runQemu(); err != nil {
			return err
		}
	}
}

// revalidateShmSizes checks that the payload/bitmap/ijon files retain
// their expected sizes after handshake (the VM may have resized them) and
// re-maps as needed.
func (d *Driver) revalidateShmSizes() error {
	if st, err := d.bitmapFile.Stat(); err == nil && st.Size() != int64(d.cfg.VM.BitmapSize) {
		if err := d.remapBitmap(st.Size()); err != nil {
			return err
		}
	}
	if st, err := d.payloadFile.Stat(); err == nil && st.Size() != int64(d.cfg.VM.PayloadSize) {
		if err := d.remapPayload(st.Size()); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) remapBitmap(size int64) error {
	if err := unix.Munmap(d.bitmapMem); err != nil {
		return err
	}
	mem, err := unix.Mmap(int(d.bitmapFile.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	d.bitmapMem = mem
	return nil
}

func (d *Driver) remapPayload(size int64) error {
	if err := unix.Munmap(d.payloadMem); err != nil {
		return err
	}
	mem, err := unix.Mmap(int(d.payloadFile.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	d.payloadMem = mem
	return nil
}

func (d *Driver) drainHprintf() {
	misc := d.aux.GetMiscBuf()
	n := 0
	for n < len(misc) && misc[n] != 0 {
		n++
	}
	line := misc[:n]
	if d.hprintfFile != nil {
		d.hprintfFile.Write(line)
		d.hprintfFile.Write([]byte("\n"))
	} else {
		d.log.Info("hprintf", "pid", d.pid, "msg", string(line))
	}
	if d.onPrint != nil {
		d.onPrint(string(line))
	}
}

// Shutdown terminates the VM (SIGTERM, then SIGKILL if needed), closes and
// unlinks the shm files and the interface socket, mirroring
// firecracker.Manager.StopVM's escalation. No directory is removed: the
// work directory and the symbolic workdir are left in place.
func (d *Driver) Shutdown() int {
	d.exiting = true

	if d.ctrlConn != nil {
		d.ctrlConn.Close()
	}

	exitCode := -1
	if d.cmd != nil && d.cmd.Process != nil {
		syscall.Kill(-d.cmd.Process.Pid, syscall.SIGTERM)
		done := make(chan struct{})
		go func() { d.cmd.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(time.Second):
			syscall.Kill(-d.cmd.Process.Pid, syscall.SIGKILL)
			<-done
		}
		if d.cmd.ProcessState != nil {
			exitCode = d.cmd.ProcessState.ExitCode()
		}
	}

	if d.aux != nil {
		d.aux.Close()
		d.aux = nil
	}
	if d.bitmapMem != nil {
		unix.Munmap(d.bitmapMem)
		d.bitmapMem = nil
	}
	if d.payloadMem != nil {
		unix.Munmap(d.payloadMem)
		d.payloadMem = nil
	}
	if d.bitmapFile != nil {
		d.bitmapFile.Close()
		d.bitmapFile = nil
	}
	if d.payloadFile != nil {
		d.payloadFile.Close()
		d.payloadFile = nil
	}
	if d.ijonFile != nil {
		d.ijonFile.Close()
		d.ijonFile = nil
	}
	if d.hprintfFile != nil {
		d.hprintfFile.Close()
		d.hprintfFile = nil
	}

	os.Remove(d.paths.auxBuffer)
	os.Remove(d.paths.bitmap)
	os.Remove(d.paths.ijon)
	os.Remove(d.paths.payload)
	os.Remove(d.paths.interfaceSoc)

	return exitCode
}
