package server

import (
	"strconv"
	"strings"
	"time"
)

// ConsoleInput is one parsed line of interactive console input.
type ConsoleInput struct {
	Broadcast bool          // "A>" prefix: send to every device
	Device    int           // target when not broadcasting
	Delay     time.Duration // ":250" form: pause instead of sending
	Text      string
}

// ParseConsoleInput splits an interactive console line into its routing and
// command text. Supported forms:
//
//	tel stop        sent to defaultDevice
//	5>tel stop      sent to device 5
//	A>tel stop      sent to every attached device
//	:250            a 250ms pause (used in pasted command scripts)
func ParseConsoleInput(line string, defaultDevice int) ConsoleInput {
	if strings.HasPrefix(line, ":") {
		if ms, err := strconv.Atoi(strings.TrimSpace(line[1:])); err == nil && ms >= 0 {
			return ConsoleInput{Delay: time.Duration(ms) * time.Millisecond}
		}
	}
	i := strings.IndexByte(line, '>')
	if i <= 0 {
		return ConsoleInput{Device: defaultDevice, Text: line}
	}
	addr := strings.TrimSpace(line[:i])
	if addr == "A" || addr == "a" {
		return ConsoleInput{Broadcast: true, Text: line[i+1:]}
	}
	n, err := strconv.Atoi(addr)
	if err != nil || n < 0 || n > 255 {
		return ConsoleInput{Device: defaultDevice, Text: line}
	}
	return ConsoleInput{Device: n, Text: line[i+1:]}
}
