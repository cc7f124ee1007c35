package replication

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"peersched/internal/task"
)

type Verb string

const (
	VerbSchedule   Verb = "schedule"
	VerbScheduled  Verb = "scheduled"
	VerbCancel     Verb = "cancel"
	VerbReschedule Verb = "reschedule"
)

// Message is one parsed protocol line.
type Message struct {
	Verb Verb
	ID   string
	Task task.Task // schedule only
	ETA  time.Time // reschedule only
}

func scheduleLine(t task.Task) (string, error) {
	enc, err := task.Encode(t)
	if err != nil {
		return "", err
	}
	return string(VerbSchedule) + ":" + enc, nil
}

func scheduledLine(id string) string { return string(VerbScheduled) + ":" + id }
func cancelLine(id string) string    { return string(VerbCancel) + ":" + id }

func rescheduleLine(id string, eta time.Time) string {
	return string(VerbReschedule) + ":" + id + ":" + strconv.FormatFloat(task.EpochSeconds(eta), 'f', 3, 64)
}

// ParseMessage parses one line (without the trailing newline).
func ParseMessage(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	verb, rest, ok := strings.Cut(line, ":")
	if !ok || rest == "" {
		return Message{}, fmt.Errorf("%w: %q", ErrBadMessage, truncate(line, 64))
	}
	switch Verb(verb) {
	case VerbSchedule:
		t, err := task.Decode(rest)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		return Message{Verb: VerbSchedule, ID: t.ID, Task: t}, nil
	case VerbScheduled, VerbCancel:
		return Message{Verb: Verb(verb), ID: rest}, nil
	case VerbReschedule:
		i := strings.LastIndexByte(rest, ':')
		if i <= 0 || i == len(rest)-1 {
			return Message{}, fmt.Errorf("%w: reschedule needs <id>:<eta>", ErrBadMessage)
		}
		secs, err := strconv.ParseFloat(rest[i+1:], 64)
		if err != nil {
			return Message{}, fmt.Errorf("%w: eta: %v", ErrBadMessage, err)
		}
		return Message{Verb: VerbReschedule, ID: rest[:i], ETA: task.FromEpochSeconds(secs)}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown verb %q", ErrBadMessage, truncate(verb, 32))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
