package replication

import (
	"errors"
	"testing"
	"time"

	"peersched/internal/task"
)

func TestParseMessage(t *testing.T) {
	eta := time.UnixMilli(1_700_000_000_250)
	line, err := scheduleLine(newTask("abc", eta))
	if err != nil {
		t.Fatalf("scheduleLine: %v", err)
	}
	m, err := ParseMessage(line + "\n")
	if err != nil {
		t.Fatalf("ParseMessage(schedule): %v", err)
	}
	if m.Verb != VerbSchedule || m.ID != "abc" || m.Task.ETA == nil || !m.Task.ETA.Equal(eta) {
		t.Fatalf("schedule parsed as %+v", m)
	}

	m, err = ParseMessage(rescheduleLine("abc", eta))
	if err != nil {
		t.Fatalf("ParseMessage(reschedule): %v", err)
	}
	if m.Verb != VerbReschedule || m.ID != "abc" || !m.ETA.Equal(eta) {
		t.Fatalf("reschedule parsed as %+v", m)
	}

	for line, want := range map[string]Verb{"cancel:x1": VerbCancel, "scheduled:x1": VerbScheduled} {
		m, err := ParseMessage(line)
		if err != nil || m.Verb != want || m.ID != "x1" {
			t.Fatalf("ParseMessage(%q) = %+v, %v", line, m, err)
		}
	}
}

func TestParseMessageRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"nocolon",
		"cancel:",
		"schedule:!!!not-base64",
		"reschedule:abc",
		"reschedule:abc:",
		"reschedule:abc:soon",
		"launch:abc",
	}
	for _, line := range bad {
		if _, err := ParseMessage(line); !errors.Is(err, ErrBadMessage) {
			t.Errorf("ParseMessage(%q) err = %v, want ErrBadMessage", line, err)
		}
	}
}

func TestRescheduleLineUsesLastColon(t *testing.T) {
	m, err := ParseMessage("reschedule:abc:1700000000.500")
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if want := task.FromEpochSeconds(1700000000.5); !m.ETA.Equal(want) {
		t.Fatalf("eta = %v, want %v", m.ETA, want)
	}
}

func TestSelectHosts(t *testing.T) {
	peers := []string{"a", "b", "c"}
	cases := []struct {
		cursor, k int
		want      string
	}{
		{0, 2, "ab"},
		{1, 2, "bc"},
		{2, 2, "ca"},
		{3, 2, "ab"},
		{1, 5, "bca"},
		{0, 1, "a"},
	}
	for _, c := range cases {
		got := ""
		for _, h := range SelectHosts(peers, c.cursor, c.k) {
			got += h
		}
		if got != c.want {
			t.Errorf("SelectHosts(cursor=%d,k=%d) = %q, want %q", c.cursor, c.k, got, c.want)
		}
	}
	if got := SelectHosts(nil, 0, 2); got != nil {
		t.Fatalf("SelectHosts(nil) = %v", got)
	}
}

func TestPortOffsetResolver(t *testing.T) {
	if got := PortOffsetResolver(1)("10.0.0.1:6000"); got != "10.0.0.1:6001" {
		t.Fatalf("resolver(+1) = %q", got)
	}
	if got := PortOffsetResolver(0)("10.0.0.1:6000"); got != "10.0.0.1:6000" {
		t.Fatalf("resolver(0) = %q", got)
	}
	if got := PortOffsetResolver(1)("no-port"); got != "no-port" {
		t.Fatalf("resolver(bad) = %q", got)
	}
}
