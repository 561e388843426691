package vmdriver

// HprintfLogPath returns the path of this worker's accumulated hprintf
// log, used by the crash-log capture step to copy guest console
// chatter alongside an interesting result before it is truncated for the
// next execution.
func (d *Driver) HprintfLogPath() string { return d.paths.hprintfLog }

// SetPrintHandler registers fn to be called with each hprintf line as it
// is drained, alongside the local file-or-log disposal in drainHprintf.
// The fuzz/symbolic workers use this to relay guest console chatter to
// the Manager as a PRINT message.
func (d *Driver) SetPrintHandler(fn func(string)) { d.onPrint = fn }

// SyxWorkdirPath and SymResultsPath expose the symbolic worker's FIFO
// layout so the worker creates the result pipe exactly where the VM's
// symbolic backend expects it.
func (d *Driver) SyxWorkdirPath() string { return d.paths.syxWorkdir }

func (d *Driver) SymResultsPath() string { return d.paths.symResults }
