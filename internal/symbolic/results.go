package symbolic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ResultReader reads variable-length result records from the symbolic
// backend's FIFO and reconstructs new concrete payloads from them.
// It is backed by a POSIX FIFO at
// <work_dir>/syx_workdir_<pid>/sym_results, created with unix.Mkfifo (the
// standard library has no Mkfifo) and opened read-only, non-blocking.
type ResultReader struct {
	path string
	fd   int
	file *os.File

	pollInterval time.Duration

	initialPayload []byte
	offset         uint64
	replaceLen     uint64

	replacements [][]byte
}

// NewResultReader creates the FIFO at path (failing if it already exists;
// callers are expected to have cleaned the syx workdir first) and opens
// it read-only, non-blocking.
func NewResultReader(path string, pollInterval time.Duration) (*ResultReader, error) {
	if err := unix.Mkfifo(path, 0600); err != nil {
		return nil, fmt.Errorf("mkfifo %s: %w", path, err)
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &ResultReader{
		path:         path,
		fd:           fd,
		file:         os.NewFile(uintptr(fd), path),
		pollInterval: pollInterval,
	}, nil
}

// Close releases the FIFO file descriptor.
func (r *ResultReader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// NewRun fixes the record format for the next batch of symbolic results:
// an 8-byte RIP followed by replaceLen bytes of replacement content.
func (r *ResultReader) NewRun(initialPayload []byte, offset, replaceLen uint64) {
	snapshot := make([]byte, len(initialPayload))
	copy(snapshot, initialPayload)
	r.initialPayload = snapshot
	r.offset = offset
	r.replaceLen = replaceLen
	r.replacements = nil
}

// Collect reads one batch: an 8-byte little-endian count K, then K records
// of (8 + replaceLen) bytes each. The RIP prefix of each record is decoded
// but discarded; a future extension may key results by it for further
// dedup.
func (r *ResultReader) Collect() error {
	header, err := r.readFull(8)
	if err != nil {
		return fmt.Errorf("read result count: %w", err)
	}
	count := binary.LittleEndian.Uint64(header)

	recordSize := 8 + int(r.replaceLen)
	for i := uint64(0); i < count; i++ {
		rec, err := r.readFull(recordSize)
		if err != nil {
			return fmt.Errorf("read result record %d/%d: %w", i+1, count, err)
		}
		replacement := make([]byte, r.replaceLen)
		copy(replacement, rec[8:])
		r.replacements = append(r.replacements, replacement)
	}
	return nil
}

// readFull reads exactly n bytes from the non-blocking FIFO, retrying at
// pollInterval cadence on EAGAIN and on an empty read (io.EOF: no writer
// has the FIFO open yet), so a writer that attaches late or falls
// momentarily behind never truncates a record.
func (r *ResultReader) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := r.file.Read(buf[got:])
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, unix.EAGAIN) || errors.Is(err, os.ErrDeadlineExceeded) {
				time.Sleep(r.pollInterval)
				continue
			}
			return nil, err
		}
		got += m
	}
	return buf, nil
}

// GetNewInputs reconstructs one new concrete payload per collected
// replacement: payload' = initial[:offset] + R + initial[offset+len(R):].
// All R share the same length (an invariant of the symbolic backend) so
// every returned input has the same length as the initial payload.
func (r *ResultReader) GetNewInputs() [][]byte {
	if len(r.replacements) == 0 {
		return nil
	}
	inputs := make([][]byte, 0, len(r.replacements))
	for _, rep := range r.replacements {
		out := make([]byte, len(r.initialPayload))
		copy(out, r.initialPayload)
		copy(out[r.offset:r.offset+uint64(len(rep))], rep)
		inputs = append(inputs, out)
	}
	return inputs
}

// PendingCount reports how many results have been collected for the
// current run, for logging/metrics.
func (r *ResultReader) PendingCount() int {
	return len(r.replacements)
}
