package config

import (
	"path/filepath"
	"testing"
)

func TestParseIPRange(t *testing.T) {
	tests := []struct {
		in       string
		fullSpan uint64
		want     *IPRange
		wantErr  bool
	}{
		{in: "4-16", want: &IPRange{Low: 4, High: 16}},
		{in: "7", want: &IPRange{Low: 7, High: 7}},
		{in: "16-4", wantErr: true},
		{in: "0-131072", fullSpan: 131072, wantErr: true},
		{in: "garbage-", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseIPRange(tt.in, tt.fullSpan)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseIPRange(%q) succeeded, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseIPRange(%q): %v", tt.in, err)
		}
		if got.Low != tt.want.Low || got.High != tt.want.High {
			t.Fatalf("ParseIPRange(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestValidateRejectsBadSizes(t *testing.T) {
	cfg := Default()
	cfg.VM.PayloadSize = 4097
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for payload_size not a multiple of 4096")
	}

	cfg = Default()
	cfg.VM.BitmapSize = 65535
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-power-of-two bitmap_size")
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestPayloadLimit(t *testing.T) {
	cfg := Default()
	if got := cfg.PayloadLimit(); got != 131072-8 {
		t.Fatalf("PayloadLimit = %d, want %d", got, 131072-8)
	}
}

func TestWriteFileLoadFileRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.WorkDir = "/tmp/campaign"
	cfg.Processes = 3
	cfg.VM.IPFilters[0] = &IPRange{Low: 0x1000, High: 0x2000}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteFile(cfg, path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := LoadFile(Default(), path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got.WorkDir != cfg.WorkDir || got.Processes != cfg.Processes {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
	f := got.VM.IPFilters[0]
	if f == nil || f.Low != 0x1000 || f.High != 0x2000 {
		t.Fatalf("ip filter did not survive the round trip: %+v", f)
	}
}
