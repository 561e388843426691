// Package execresult defines ExecutionResult, the immutable summary
// of one VM execution produced by the VM Driver and consumed by the
// Worker, the Manager, and the optional execution-history sink.
package execresult

import (
	"fmt"

	"github.com/il-steffen/kafl.fuzzer/internal/symbolic"
)

// Outcome classifies the result of one execution.
type Outcome string

const (
	OutcomeRegular Outcome = "regular"
	OutcomeCrash   Outcome = "crash"
	OutcomeTimeout Outcome = "timeout"
	OutcomeKasan   Outcome = "kasan"
)

// ExecCode mirrors the AuxBuffer Result.exec_code enumeration.
type ExecCode int

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

func (c ExecCode) String() string {
	switch c {
	case ExecSuccess:
		return "SUCCESS"
	case ExecCrash:
		return "CRASH"
	case ExecTimeout:
		return "TIMEOUT"
	case ExecSanitizer:
		return "SANITIZER"
	case ExecStarved:
		return "STARVED"
	case ExecAbort:
		return "ABORT"
	case ExecHprintf:
		return "HPRINTF"
	case ExecSyxSymNew:
		return "SYX_SYM_NEW"
	case ExecSyxSymWait:
		return "SYX_SYM_WAIT"
	case ExecSyxSymFlush:
		return "SYX_SYM_FLUSH"
	default:
		return fmt.Sprintf("ExecCode(%d)", int(c))
	}
}

// Classify maps an ordinary-mode exec_code to its externally visible
// outcome. SYX_SYM_* codes never
// escape as outcomes in ordinary mode; callers must handle them before
// reaching Classify.
func Classify(code ExecCode) (Outcome, error) {
	switch code {
	case ExecCrash:
		return OutcomeCrash, nil
	case ExecTimeout:
		return OutcomeTimeout, nil
	case ExecSanitizer:
		return OutcomeKasan, nil
	case ExecSuccess, ExecStarved:
		return OutcomeRegular, nil
	default:
		return "", fmt.Errorf("exec_code %s does not classify to an outcome", code)
	}
}

// ExecutionResult is the immutable summary of one execution. Waiting
// is the sentinel returned when a symbolic-mode execution exits its loop
// on SYX_SYM_WAIT: every other field is zero-valued, and callers
// must check Waiting before interpreting Outcome.
type ExecutionResult struct {
	Bitmap           []byte
	BitmapSize       int
	Outcome          Outcome
	RuntimeSec       float64
	SymbolicRequests []symbolic.Request
	Starved          bool
	BBCoverage       uint32
	Waiting          bool
}

// WaitingResult is the sentinel used by the VM Driver to signal a
// symbolic-mode SYX_SYM_WAIT without synthesizing a fake outcome.
func WaitingResult() ExecutionResult {
	return ExecutionResult{Waiting: true}
}

// New builds an ExecutionResult from a raw exec code and enforces the
// invariant that a starved result always classifies as regular.
func New(bitmap []byte, bitmapSize int, code ExecCode, runtimeSec float64, reqs []symbolic.Request, bbCov uint32) (ExecutionResult, error) {
	outcome, err := Classify(code)
	if err != nil {
		return ExecutionResult{}, err
	}
	res := ExecutionResult{
		Bitmap:           bitmap,
		BitmapSize:       bitmapSize,
		Outcome:          outcome,
		RuntimeSec:       runtimeSec,
		SymbolicRequests: reqs,
		BBCoverage:       bbCov,
	}
	if code == ExecStarved {
		res.Starved = true
	}
	if res.Starved && res.Outcome != OutcomeRegular {
		return ExecutionResult{}, fmt.Errorf("invariant violated: starved result with outcome %q", res.Outcome)
	}
	return res, nil
}
