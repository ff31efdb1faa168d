package diag

import (
	"errors"
	"fmt"
)

// CommandError reports that the device answered an issued command with an
// ERR line. It is the only anomaly that crosses the session boundary as an
// explicit failure value; callers use it to detect legacy firmware and fall
// back.
type CommandError struct {
	Command string // the command text as issued, without terminator
	Line    string // the device's ERR line
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("diag: command %q => %q", e.Command, e.Line)
}

// IsCommandError reports whether err carries a device ERR response.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// ErrCommandBusy is returned when a command is issued while another is
// still awaiting its response on the same session.
var ErrCommandBusy = errors.New("diag: a command is already pending")

// ErrNotRunning is returned when a command is issued before the session's
// bring-up sequence has finished. Until then the run goroutine is the
// stream's only consumer; letting another caller read would steal its
// response lines.
var ErrNotRunning = errors.New("diag: session is not running yet")
