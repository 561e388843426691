package symbolic

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRequestEqualIgnoresPayload(t *testing.T) {
	a := NewRequest(4, 8, []byte("AAAAAAAA"))
	b := NewRequest(4, 8, []byte("BBBBBBBB"))
	if !a.Equal(b) {
		t.Fatal("requests with equal offset/length must compare equal regardless of payload")
	}
	c := NewRequest(4, 9, []byte("AAAAAAAA"))
	if a.Equal(c) {
		t.Fatal("requests with differing length must not compare equal")
	}
}

func TestRequestPackUnpackRoundTrip(t *testing.T) {
	want := NewRequest(16, 4, []byte("ABCD"))
	got, ok := Unpack(want.Pack())
	if !ok {
		t.Fatal("Unpack of a freshly Packed request failed")
	}
	if !got.Equal(want) || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestRequestUnpackFromGenericMap(t *testing.T) {
	m := map[string]any{
		"fuzzer_input_offset": uint64(2),
		"length":              uint64(3),
		"payload":             []byte("xyz"),
	}
	got, ok := Unpack(m)
	if !ok {
		t.Fatal("Unpack of a generic map failed")
	}
	if got.Offset != 2 || got.Length != 3 || !bytes.Equal(got.Payload, []byte("xyz")) {
		t.Fatalf("unexpected decode: %+v", got)
	}
}

func TestRequestNewRequestCopiesPayload(t *testing.T) {
	payload := []byte("mutate-me")
	req := NewRequest(0, uint64(len(payload)), payload)
	payload[0] = 'X'
	if req.Payload[0] == 'X' {
		t.Fatal("NewRequest must snapshot payload, not alias it")
	}
}

func TestQueueOfferDedupsAgainstPendingAndIssued(t *testing.T) {
	q := NewQueue()
	r1 := NewRequest(0, 4, nil)
	if !q.Offer(r1) {
		t.Fatal("first Offer of a novel request must return true")
	}
	if q.Offer(r1) {
		t.Fatal("Offer of a request already pending must return false")
	}

	taken := q.Take()
	if !taken.Equal(r1) {
		t.Fatalf("Take returned %+v, want %+v", taken, r1)
	}
	if q.Offer(r1) {
		t.Fatal("Offer of a request already issued must return false")
	}
}

func TestQueueTakeOnEmptyPanics(t *testing.T) {
	q := NewQueue()
	defer func() {
		if recover() == nil {
			t.Fatal("Take on empty queue must panic")
		}
	}()
	q.Take()
}

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue()
	first := NewRequest(0, 1, nil)
	second := NewRequest(8, 2, nil)
	q.Offer(first)
	q.Offer(second)

	if got := q.Take(); !got.Equal(first) {
		t.Fatalf("expected FIFO order, got %+v first", got)
	}
	if got := q.Take(); !got.Equal(second) {
		t.Fatalf("expected FIFO order, got %+v second", got)
	}
	if !q.Empty() {
		t.Fatal("queue should be empty after draining both entries")
	}
}

func TestResultReaderGetNewInputs(t *testing.T) {
	dir := t.TempDir()
	fifoPath := filepath.Join(dir, "sym_results")

	reader, err := NewResultReader(fifoPath, time.Millisecond)
	if err != nil {
		t.Fatalf("NewResultReader: %v", err)
	}
	defer reader.Close()

	reader.NewRun([]byte("AAAAAAAA"), 2, 3)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		w, err := os.OpenFile(fifoPath, os.O_WRONLY, 0)
		if err != nil {
			return
		}
		defer w.Close()

		var buf bytes.Buffer
		binary.Write(&buf, binary.LittleEndian, uint64(2))
		writeRecord(&buf, 0x1000, []byte("XYZ"))
		writeRecord(&buf, 0x2000, []byte("QRS"))
		w.Write(buf.Bytes())
	}()

	if err := reader.Collect(); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	<-writerDone

	got := reader.GetNewInputs()
	want := [][]byte{[]byte("AAXYZAAA"), []byte("AAQRSAAA")}
	if len(got) != len(want) {
		t.Fatalf("got %d inputs, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("input %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func writeRecord(buf *bytes.Buffer, rip uint64, replacement []byte) {
	binary.Write(buf, binary.LittleEndian, rip)
	buf.Write(replacement)
}
