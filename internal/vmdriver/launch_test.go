package vmdriver

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/il-steffen/kafl.fuzzer/internal/config"
)

func buildArgsFor(t *testing.T, creator bool, preSnapshot string) ([]string, string) {
	t.Helper()
	cfg := config.Default()
	cfg.WorkDir = t.TempDir()
	cfg.VM.Snapshot = preSnapshot
	d := New(cfg, 3, Ordinary, creator, testLogger())
	return d.buildArgs(), cfg.WorkDir
}

func argValue(args []string, flag string) (string, bool) {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func TestBuildArgsCreatorLoadsOff(t *testing.T) {
	args, workDir := buildArgsFor(t, true, "")

	load, ok := argValue(args, "-loadvm")
	if !ok || load != "off" {
		t.Fatalf("creator -loadvm = %q (present=%v), want off", load, ok)
	}
	dir, ok := argValue(args, "-nyx-snapshot-dir")
	if !ok || dir != filepath.Join(workDir, "snapshot") {
		t.Fatalf("-nyx-snapshot-dir = %q (present=%v), want %s", dir, ok, filepath.Join(workDir, "snapshot"))
	}
}

func TestBuildArgsNonCreatorLoadsOn(t *testing.T) {
	args, _ := buildArgsFor(t, false, "")

	load, ok := argValue(args, "-loadvm")
	if !ok || load != "on" {
		t.Fatalf("non-creator -loadvm = %q (present=%v), want on", load, ok)
	}
	if _, ok := argValue(args, "-nyx-snapshot-dir"); !ok {
		t.Fatal("non-creator args must still carry -nyx-snapshot-dir")
	}
	if _, ok := argValue(args, "-nyx-snapshot-pre-path"); ok {
		t.Fatal("pre-path must be absent when no pre-built snapshot is configured")
	}
}

func TestBuildArgsPreBuiltSnapshotAddsPrePath(t *testing.T) {
	args, workDir := buildArgsFor(t, true, "/snapshots/base")

	load, ok := argValue(args, "-loadvm")
	if !ok || load != "off" {
		t.Fatalf("creator -loadvm = %q (present=%v), want off even with a pre-built snapshot", load, ok)
	}
	dir, _ := argValue(args, "-nyx-snapshot-dir")
	if dir != filepath.Join(workDir, "snapshot") {
		t.Fatalf("-nyx-snapshot-dir = %q, want the campaign snapshot dir, not the pre-built path", dir)
	}
	pre, ok := argValue(args, "-nyx-snapshot-pre-path")
	if !ok || pre != "/snapshots/base" {
		t.Fatalf("-nyx-snapshot-pre-path = %q (present=%v), want /snapshots/base", pre, ok)
	}
}

func TestBuildArgsCarriesNyxDevice(t *testing.T) {
	args, workDir := buildArgsFor(t, true, "")

	dev, ok := argValue(args, "-device")
	if !ok {
		t.Fatal("args must carry a -device descriptor")
	}
	if !strings.Contains(dev, "workdir="+workDir) || !strings.Contains(dev, "worker_id=3") {
		t.Fatalf("nyx device descriptor %q missing workdir/worker_id", dev)
	}
}
