package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/il-steffen/kafl.fuzzer/internal/config"
)

func TestPrepareWorkDirCreatesLayoutAndPurges(t *testing.T) {
	dir := t.TempDir()
	workDir := filepath.Join(dir, "work")

	stale := filepath.Join(workDir, "stale.txt")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(stale, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := &config.Config{WorkDir: workDir, Purge: true}
	if err := prepareWorkDir(cfg); err != nil {
		t.Fatalf("prepareWorkDir: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected purge to remove stale file, stat err = %v", err)
	}
	for _, sub := range []string{"traces", "logs", "corpus", "crashes", "snapshot"} {
		if st, err := os.Stat(filepath.Join(workDir, sub)); err != nil || !st.IsDir() {
			t.Fatalf("expected %s dir to exist, err = %v", sub, err)
		}
	}
}

func TestImportSeedsCopiesRegularFiles(t *testing.T) {
	seedDir := t.TempDir()
	importDir := filepath.Join(t.TempDir(), "imports")

	if err := os.WriteFile(filepath.Join(seedDir, "a.bin"), []byte("AAAA"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(seedDir, "b.bin"), []byte("BB"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Mkdir(filepath.Join(seedDir, "subdir"), 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	if err := importSeeds(seedDir, importDir); err != nil {
		t.Fatalf("importSeeds: %v", err)
	}

	entries, err := os.ReadDir(importDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d imported seeds, want 2", len(entries))
	}
}

func TestImportSeedsFailsOnMissingDir(t *testing.T) {
	if err := importSeeds("/nonexistent/seed/dir", t.TempDir()); err == nil {
		t.Fatal("expected an error for a missing seed dir")
	}
}

func TestDefaultSelfCheckRejectsMissingBinary(t *testing.T) {
	cfg := config.Default()
	cfg.VM.VMBinary = "/nonexistent/definitely-not-a-binary"
	if err := DefaultSelfCheck(cfg); err == nil {
		t.Fatal("expected an error for a missing VM binary")
	}
}

func TestDefaultSelfCheckRejectsNonExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-executable")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg := config.Default()
	cfg.VM.VMBinary = path
	if err := DefaultSelfCheck(cfg); err == nil {
		t.Fatal("expected an error for a non-executable VM binary")
	}
}

func TestDefaultSelfCheckAcceptsExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-qemu")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg := config.Default()
	cfg.VM.VMBinary = path
	if err := DefaultSelfCheck(cfg); err != nil {
		t.Fatalf("DefaultSelfCheck: %v", err)
	}
}

func TestLastIndexByte(t *testing.T) {
	if got := lastIndexByte("123 (foo bar) R 1", ')'); got != 12 {
		t.Fatalf("lastIndexByte = %d, want 12", got)
	}
	if got := lastIndexByte("no parens here", ')'); got != -1 {
		t.Fatalf("lastIndexByte = %d, want -1", got)
	}
}

func TestReadPpidOfSelf(t *testing.T) {
	ppid, ok := readPpid(os.Getpid())
	if !ok {
		t.Skip("unable to read /proc on this platform")
	}
	if ppid != os.Getppid() {
		t.Fatalf("readPpid = %d, want %d", ppid, os.Getppid())
	}
}
