package vmdriver

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/il-steffen/kafl.fuzzer/internal/config"
	"github.com/il-steffen/kafl.fuzzer/internal/execresult"
)

// The fake VM below emulates the guest side of the nyx protocol: it
// accepts the interface-socket connection, and on every handoff byte it
// applies the next scripted mutation to the aux buffer file before
// yielding control back. Offsets mirror the aux buffer ABI.
const (
	fakeMagic      = 0x4b41464c
	fakeOffState   = 8
	fakeResultBase = 128
	fakeMiscBase   = 192

	fakeStateFuzzing = 3

	fakeCodeSuccess   = 1
	fakeCodeCrash     = 2
	fakeCodeHprintf   = 7
	fakeCodeSyxSymNew = 8
)

type auxStep func(f *os.File)

type fakeVM struct {
	steps chan auxStep
}

func startFakeVM(t *testing.T, interfacePath, auxPath string) *fakeVM {
	t.Helper()
	ln, err := net.Listen("unix", interfacePath)
	if err != nil {
		t.Fatalf("fake VM listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	vm := &fakeVM{steps: make(chan auxStep, 64)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		f, err := os.OpenFile(auxPath, os.O_RDWR, 0)
		if err != nil {
			return
		}
		defer f.Close()

		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
			select {
			case step := <-vm.steps:
				step(f)
			default:
			}
			if _, err := conn.Write(buf); err != nil {
				return
			}
		}
	}()
	return vm
}

func writeU32At(f *os.File, off int64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	f.WriteAt(b[:], off)
}

func writeU64At(f *os.File, off int64, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	f.WriteAt(b[:], off)
}

func handshakeStep(f *os.File) {
	writeU32At(f, 0, fakeMagic)
	writeU32At(f, fakeOffState, fakeStateFuzzing)
}

// resultStep writes one full result-section snapshot: exec code, done
// flag, page-fault state, coverage, and the syx region fields.
func resultStep(code uint32, done bool, pageFaultAddr uint64, bbCov uint32, syxOff, syxLen uint64) auxStep {
	return func(f *os.File) {
		writeU32At(f, fakeResultBase, code)
		flags := []byte{0, 0}
		if done {
			flags[0] = 1
		}
		if pageFaultAddr != 0 {
			flags[1] = 1
		}
		f.WriteAt(flags, fakeResultBase+4)
		writeU64At(f, fakeResultBase+8, pageFaultAddr)
		writeU32At(f, fakeResultBase+16, bbCov)
		writeU64At(f, fakeResultBase+24, syxOff)
		writeU64At(f, fakeResultBase+32, syxLen)
	}
}

func hprintfStep(msg string) auxStep {
	return func(f *os.File) {
		resultStep(fakeCodeHprintf, false, 0, 0, 0, 0)(f)
		f.WriteAt(append([]byte(msg), 0), fakeMiscBase)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFakeQemu(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-qemu")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 30\n"), 0755); err != nil {
		t.Fatalf("write fake qemu: %v", err)
	}
	return path
}

func startTestDriver(t *testing.T, reload int) (*Driver, *fakeVM) {
	t.Helper()
	cfg := config.Default()
	cfg.WorkDir = t.TempDir()
	cfg.VM.VMBinary = writeFakeQemu(t)
	cfg.VM.PayloadSize = 4096
	cfg.VM.BitmapSize = 4096
	cfg.VM.LogHprintf = true
	cfg.VM.TimeoutHard = time.Second
	cfg.VM.Reload = reload

	d := New(cfg, 0, Ordinary, true, testLogger())
	vm := startFakeVM(t, d.paths.interfaceSoc, d.paths.auxBuffer)
	vm.steps <- handshakeStep
	t.Cleanup(func() { d.Shutdown() })

	ok, err := d.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !ok {
		t.Fatal("Start returned false")
	}
	return d, vm
}

func TestSendPayloadRegularRun(t *testing.T) {
	d, vm := startTestDriver(t, 1)

	if err := d.SetPayload(make([]byte, 16)); err != nil {
		t.Fatalf("SetPayload: %v", err)
	}
	vm.steps <- resultStep(fakeCodeSuccess, true, 0, 12, 0, 0)

	res, err := d.SendPayload()
	if err != nil {
		t.Fatalf("SendPayload: %v", err)
	}
	if res.Outcome != execresult.OutcomeRegular {
		t.Fatalf("outcome = %q, want regular", res.Outcome)
	}
	if res.Starved {
		t.Fatal("SUCCESS must not set starved")
	}
	if res.BBCoverage != 12 {
		t.Fatalf("bb_cov = %d, want 12", res.BBCoverage)
	}
	if len(res.SymbolicRequests) != 0 {
		t.Fatalf("got %d symbolic requests, want 0", len(res.SymbolicRequests))
	}
	if res.BitmapSize != 4096 {
		t.Fatalf("bitmap size = %d, want 4096", res.BitmapSize)
	}
}

func TestSendPayloadHprintfThenCrash(t *testing.T) {
	d, vm := startTestDriver(t, 1)

	if err := d.SetPayload([]byte("crashme")); err != nil {
		t.Fatalf("SetPayload: %v", err)
	}
	vm.steps <- hprintfStep("guest panic imminent")
	vm.steps <- resultStep(fakeCodeCrash, true, 0, 3, 0, 0)

	res, err := d.SendPayload()
	if err != nil {
		t.Fatalf("SendPayload: %v", err)
	}
	if res.Outcome != execresult.OutcomeCrash {
		t.Fatalf("outcome = %q, want crash", res.Outcome)
	}

	data, err := os.ReadFile(d.paths.hprintfLog)
	if err != nil {
		t.Fatalf("read hprintf log: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 1 || lines[0] != "guest panic imminent" {
		t.Fatalf("hprintf log = %q, want exactly one drained line", data)
	}
}

func TestSendPayloadAccumulatesSymbolicRequests(t *testing.T) {
	d, vm := startTestDriver(t, 1)

	payload := bytes.Repeat([]byte{0x41}, 16)
	if err := d.SetPayload(payload); err != nil {
		t.Fatalf("SetPayload: %v", err)
	}
	vm.steps <- resultStep(fakeCodeSyxSymNew, false, 0, 0, 4, 8)
	vm.steps <- resultStep(fakeCodeSyxSymNew, false, 0, 0, 4, 8)
	vm.steps <- resultStep(fakeCodeSuccess, true, 0, 9, 0, 0)

	res, err := d.SendPayload()
	if err != nil {
		t.Fatalf("SendPayload: %v", err)
	}
	// The Driver records every request, duplicates included; dedup is
	// the Queue's responsibility.
	if len(res.SymbolicRequests) != 2 {
		t.Fatalf("got %d symbolic requests, want 2", len(res.SymbolicRequests))
	}
	for i, req := range res.SymbolicRequests {
		if req.Offset != 4 || req.Length != 8 {
			t.Fatalf("request %d = {%d,%d}, want {4,8}", i, req.Offset, req.Length)
		}
		if !bytes.Equal(req.Payload, payload) {
			t.Fatalf("request %d payload = %q, want the executed payload", i, req.Payload)
		}
	}
}

func TestSendPayloadRepeatPageFaultIsFatal(t *testing.T) {
	d, vm := startTestDriver(t, 1)

	if err := d.SetPayload([]byte("fault")); err != nil {
		t.Fatalf("SetPayload: %v", err)
	}
	vm.steps <- resultStep(0, false, 0xdead000, 0, 0, 0)
	vm.steps <- resultStep(0, false, 0xdead000, 0, 0, 0)

	_, err := d.SendPayload()
	if err == nil {
		t.Fatal("expected an error for a repeated page fault")
	}
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("error %v is not an IOError", err)
	}
}

func TestSetPayloadBoundary(t *testing.T) {
	d, _ := startTestDriver(t, 1)

	limit := d.cfg.PayloadLimit()
	if err := d.SetPayload(make([]byte, limit)); err != nil {
		t.Fatalf("SetPayload at limit: %v", err)
	}
	if err := d.SetPayload(make([]byte, limit+1)); err == nil {
		t.Fatal("SetPayload past the limit must fail")
	}

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := d.SetPayload(payload); err != nil {
		t.Fatalf("SetPayload: %v", err)
	}
	if got := binary.LittleEndian.Uint32(d.payloadMem[4:8]); got != 4 {
		t.Fatalf("header length = %d, want 4", got)
	}
	if !bytes.Equal(d.payloadMem[8:12], payload) {
		t.Fatalf("body = %x, want %x", d.payloadMem[8:12], payload)
	}
}

func TestReloadModeToggle(t *testing.T) {
	d, vm := startTestDriver(t, 3)

	if err := d.SetPayload([]byte("x")); err != nil {
		t.Fatalf("SetPayload: %v", err)
	}

	readReloadByte := func() byte {
		f, err := os.Open(d.paths.auxBuffer)
		if err != nil {
			t.Fatalf("open aux buffer: %v", err)
		}
		defer f.Close()
		var b [1]byte
		if _, err := f.ReadAt(b[:], 64); err != nil {
			t.Fatalf("read reload byte: %v", err)
		}
		return b[0]
	}

	want := []byte{0, 0, 1, 0}
	for i, w := range want {
		vm.steps <- resultStep(fakeCodeSuccess, true, 0, 1, 0, 0)
		if _, err := d.SendPayload(); err != nil {
			t.Fatalf("SendPayload %d: %v", i+1, err)
		}
		if got := readReloadByte(); got != w {
			t.Fatalf("after run %d reload byte = %d, want %d", i+1, got, w)
		}
	}
}

func TestReloadModeFixedForReloadOne(t *testing.T) {
	d, _ := startTestDriver(t, 1)

	f, err := os.Open(d.paths.auxBuffer)
	if err != nil {
		t.Fatalf("open aux buffer: %v", err)
	}
	defer f.Close()
	var b [1]byte
	if _, err := f.ReadAt(b[:], 64); err != nil {
		t.Fatalf("read reload byte: %v", err)
	}
	if b[0] != 1 {
		t.Fatal("reload == 1 must freeze reload mode on at start")
	}
}

func TestStartupDelaySeconds(t *testing.T) {
	if got := startupDelaySeconds(0, true); got != 0 {
		t.Fatalf("creator delay = %v, want 0", got)
	}
	if got := startupDelaySeconds(3, false); got != 4.3 {
		t.Fatalf("pid-3 delay = %v, want 4.3", got)
	}
}
