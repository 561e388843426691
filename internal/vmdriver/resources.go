package vmdriver

import (
	"fmt"
	"path/filepath"
)

// Mode selects between the ordinary fuzzing driver and the symbolic
// (concolic replay) driver. The two branches share most state, so the
// difference is an enum checked at decision points rather than two
// types.
type Mode int

const (
	Ordinary Mode = iota
	Symbolic
)

func (m Mode) String() string {
	if m == Symbolic {
		return "symbolic"
	}
	return "ordinary"
}

// paths bundles the per-pid resource layout inside the work directory.
type paths struct {
	auxBuffer    string
	bitmap       string
	ijon         string
	payload      string
	interfaceSoc string
	serialLog    string
	hprintfLog   string
	traceLog     string
	syxWorkdir   string
	symResults   string
	snapshotDir  string
}

func resourcePaths(workDir string, pid int) paths {
	return paths{
		auxBuffer:    filepath.Join(workDir, fmt.Sprintf("aux_buffer_%d", pid)),
		bitmap:       filepath.Join(workDir, fmt.Sprintf("bitmap_%d", pid)),
		ijon:         filepath.Join(workDir, fmt.Sprintf("ijon_%d", pid)),
		payload:      filepath.Join(workDir, fmt.Sprintf("payload_%d", pid)),
		interfaceSoc: filepath.Join(workDir, fmt.Sprintf("interface_%d", pid)),
		serialLog:    filepath.Join(workDir, fmt.Sprintf("serial_%02d.log", pid)),
		hprintfLog:   filepath.Join(workDir, fmt.Sprintf("hprintf_%02d.log", pid)),
		traceLog:     filepath.Join(workDir, fmt.Sprintf("qemu_trace_%02d.log", pid)),
		syxWorkdir:   filepath.Join(workDir, fmt.Sprintf("syx_workdir_%d", pid)),
		symResults:   filepath.Join(workDir, fmt.Sprintf("syx_workdir_%d", pid), "sym_results"),
		snapshotDir:  filepath.Join(workDir, "snapshot"),
	}
}

const ijonSize = 4096
