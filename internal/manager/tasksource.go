package manager

// TaskSource decides what work to hand a newly-idle worker. Its concrete
// implementations are the mutation stages (havoc, deterministic,
// Redqueen, ...), which plug in behind this interface. NoopTaskSource is
// the default: it never has work, so every idle worker simply receives
// BUSY, which is always a legal response.
type TaskSource interface {
	// NextImportTask returns an IMPORT task for a newly-ready fuzz worker.
	NextImportTask(workerID int) (task any, ok bool)

	// NextSyxImportTask returns an IMPORT_SYX task for a newly-ready
	// symbolic worker.
	NextSyxImportTask(workerID int) (task any, ok bool)

	// NextRunNodeTask returns a RUN_NODE task for an idle fuzz worker.
	NextRunNodeTask(workerID int) (task any, ok bool)
}

// NoopTaskSource implements TaskSource with no work, ever.
type NoopTaskSource struct{}

func (NoopTaskSource) NextImportTask(int) (any, bool)    { return nil, false }
func (NoopTaskSource) NextSyxImportTask(int) (any, bool) { return nil, false }
func (NoopTaskSource) NextRunNodeTask(int) (any, bool)   { return nil, false }
