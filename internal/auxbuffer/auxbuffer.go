// Package auxbuffer implements the AuxBuffer: a typed view over a
// memory-mapped file that carries commands from the Driver to the VM and
// results back: raw unix.Mmap over a sized, truncated file, with an
// explicit header validated before use.
package auxbuffer

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// State mirrors the VM's coarse lifecycle as exposed in the header.
type State uint32

const (
	StateInitializing State = 1
	StateBooting      State = 2
	StateFuzzing      State = 3
)

// ExecCode mirrors the guest-side exec_code enumeration. It intentionally
// duplicates execresult.ExecCode's values rather than importing that
// package: the AuxBuffer speaks the VM's wire layout, execresult speaks the
// Driver's externally visible classification, and the two must not be
// conflated at this layer.
type ExecCode uint32

const (
	ExecSuccess ExecCode = iota + 1
	ExecCrash
	ExecTimeout
	ExecSanitizer
	ExecStarved
	ExecAbort
	ExecHprintf
	ExecSyxSymNew
	ExecSyxSymWait
	ExecSyxSymFlush
)

// BufferSize is the fixed total size of an AuxBuffer shm file: callers
// (the VM Driver) must create/truncate the file to exactly this size
// before the VM attaches to it.
const BufferSize = 0x1000

// The buffer is split into four fixed sections: a header (magic,
// version, state), a control section the Driver writes, a result
// section the VM writes, and the misc buffer used for hprintf strings
// and page dumps. Keeping the sections disjoint is what lets both
// sides write without handshaking over individual fields.
const (
	magic = 0x4b41464c // "KAFL"

	headerSize  = 64
	ctrlBase    = 64
	resultBase  = 128
	miscBase    = 192
	miscBufSize = BufferSize - miscBase

	offMagic   = 0
	offVersion = 4
	offState   = 8

	ctrlReloadMode = ctrlBase + 0
	ctrlTimeoutUS  = ctrlBase + 8
	ctrlTraceMode  = ctrlBase + 16
	ctrlSyxMode    = ctrlBase + 17
	ctrlSyxPhys    = ctrlBase + 24
	ctrlSyxVirt    = ctrlBase + 32
	ctrlSyxLen     = ctrlBase + 40
	ctrlDumpAddr   = ctrlBase + 48

	offExecCode    = resultBase + 0
	offExecDone    = resultBase + 4
	offPageFault   = resultBase + 5
	offPTOverflow  = resultBase + 6
	offPageFltAddr = resultBase + 8
	offBBCov       = resultBase + 16
	offSyxOffset   = resultBase + 24
	offSyxLen      = resultBase + 32
)

// Result is a snapshot of the VM-written result section, read once per
// handshake/execution-loop iteration by the Driver.
type Result struct {
	ExecCode             ExecCode
	ExecDone             bool
	PageFault            bool
	PageFaultAddr        uint64
	PTOverflow           bool
	BBCov                uint32
	SyxFuzzerInputOffset uint64
	SyxLen               uint64
}

// Buffer is the mmap-backed command/result channel between Driver and VM:
// header, then the Driver-written control section, then the VM-written
// result section, then the misc buffer used for hprintf/page dumps.
type Buffer struct {
	path string
	file *os.File
	mem  []byte
}

// Open mmaps the AuxBuffer file at path (already created/truncated by the
// VM Driver to its fixed size) and validates its header. A validation
// failure is fatal to the caller.
func Open(path string) (*Buffer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("auxbuffer: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("auxbuffer: stat %s: %w", path, err)
	}
	if st.Size() < BufferSize {
		f.Close()
		return nil, fmt.Errorf("auxbuffer: %s too small (%d bytes)", path, st.Size())
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("auxbuffer: mmap %s: %w", path, err)
	}
	b := &Buffer{path: path, file: f, mem: mem}
	if err := b.validateHeader(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Buffer) validateHeader() error {
	got := binary.LittleEndian.Uint32(b.mem[offMagic : offMagic+4])
	if got != magic {
		return fmt.Errorf("auxbuffer: %s: bad header magic 0x%x, want 0x%x", b.path, got, magic)
	}
	return nil
}

// Close unmaps and closes the backing file. It does not unlink it; the VM
// Driver owns unlink as part of shutdown().
func (b *Buffer) Close() error {
	if b.mem != nil {
		if err := unix.Munmap(b.mem); err != nil {
			return fmt.Errorf("auxbuffer: munmap %s: %w", b.path, err)
		}
		b.mem = nil
	}
	if b.file != nil {
		return b.file.Close()
	}
	return nil
}

// --- Controls (Driver writes) ---

// SetReloadMode toggles persistent-vs-reload execution.
func (b *Buffer) SetReloadMode(on bool) {
	b.mem[ctrlReloadMode] = boolByte(on)
}

// SetTimeout sets the VM's hard execution timeout in seconds, stored
// as microseconds on the wire.
func (b *Buffer) SetTimeout(seconds float64) {
	binary.LittleEndian.PutUint64(b.mem[ctrlTimeoutUS:ctrlTimeoutUS+8], uint64(seconds*1e6))
}

// SetTraceMode enables/disables PT tracing for the next execution.
func (b *Buffer) SetTraceMode(on bool) {
	b.mem[ctrlTraceMode] = boolByte(on)
}

// SetSyxMode enables/disables symbolic-mode execution.
func (b *Buffer) SetSyxMode(on bool) {
	b.mem[ctrlSyxMode] = boolByte(on)
}

// SetSyxParams configures the guest-physical address, guest-virtual
// address, and length of the region under symbolic exploration.
func (b *Buffer) SetSyxParams(physAddr, virtAddr, length uint64) {
	binary.LittleEndian.PutUint64(b.mem[ctrlSyxPhys:ctrlSyxPhys+8], physAddr)
	binary.LittleEndian.PutUint64(b.mem[ctrlSyxVirt:ctrlSyxVirt+8], virtAddr)
	binary.LittleEndian.PutUint64(b.mem[ctrlSyxLen:ctrlSyxLen+8], length)
}

// --- Status (Driver reads) ---

// GetState returns the VM's coarse lifecycle state.
func (b *Buffer) GetState() State {
	return State(binary.LittleEndian.Uint32(b.mem[offState : offState+4]))
}

// GetResult snapshots the result section.
func (b *Buffer) GetResult() Result {
	return Result{
		ExecCode:             ExecCode(binary.LittleEndian.Uint32(b.mem[offExecCode : offExecCode+4])),
		ExecDone:             b.mem[offExecDone] != 0,
		PageFault:            b.mem[offPageFault] != 0,
		PageFaultAddr:        binary.LittleEndian.Uint64(b.mem[offPageFltAddr : offPageFltAddr+8]),
		PTOverflow:           b.mem[offPTOverflow] != 0,
		BBCov:                binary.LittleEndian.Uint32(b.mem[offBBCov : offBBCov+4]),
		SyxFuzzerInputOffset: binary.LittleEndian.Uint64(b.mem[offSyxOffset : offSyxOffset+8]),
		SyxLen:               binary.LittleEndian.Uint64(b.mem[offSyxLen : offSyxLen+8]),
	}
}

// GetMiscBuf returns a copy of the misc buffer (used for hprintf strings
// and page-dump payloads). A copy is returned rather than a slice aliasing
// the mmap region, since the VM may overwrite it concurrently once control
// is handed back.
func (b *Buffer) GetMiscBuf() []byte {
	out := make([]byte, miscBufSize)
	copy(out, b.mem[miscBase:miscBase+miscBufSize])
	return out
}

// DumpPage requests the VM dump the page containing addr into the misc
// buffer on its next yield; the Driver reads it back via GetMiscBuf.
func (b *Buffer) DumpPage(addr uint64) {
	binary.LittleEndian.PutUint64(b.mem[ctrlDumpAddr:ctrlDumpAddr+8], addr)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
