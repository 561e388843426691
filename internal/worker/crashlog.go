package worker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/il-steffen/kafl.fuzzer/internal/execresult"
)

// storeCrashlogs copies the accumulated hprintf log out to
// logs/<outcome>_<id>.log and truncates the source, so each interesting
// input's guest console chatter is preserved instead of overwritten by
// the next execution.
func storeCrashlogs(workDir, hprintfLogPath string, outcome execresult.Outcome, nodeID string) error {
	if outcome == execresult.OutcomeRegular {
		return nil
	}
	src, err := os.Open(hprintfLogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("worker: open hprintf log: %w", err)
	}
	defer src.Close()

	logDir := filepath.Join(workDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("worker: create log dir: %w", err)
	}
	dstPath := filepath.Join(logDir, fmt.Sprintf("%s_%s.log", outcome, nodeID))
	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("worker: create crash log: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("worker: copy crash log: %w", err)
	}

	return os.Truncate(hprintfLogPath, 0)
}
