package metrics

import "testing"

func TestRecordExecutionBeforeInitIsNoop(t *testing.T) {
	current = nil
	RecordExecution("regular", 0.1, 12)
	SetSymbolicQueueDepth(3)
	SetConnectedWorkers(2)
	RecordSymbolicRequest(true)
}

func TestInitRegistersCollectorsAndHandlerServes(t *testing.T) {
	Init("kafl_test")
	defer func() { current = nil }()

	RecordExecution("crash", 0.25, 4)
	SetSymbolicQueueDepth(5)
	SetConnectedWorkers(3)
	RecordSymbolicRequest(false)

	if current == nil {
		t.Fatal("Init did not set current")
	}
	if Handler() == nil {
		t.Fatal("Handler returned nil")
	}
}
