package ingress

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseWhen resolves a "when" expression to an absolute time after now.
//
// Supported forms:
//   - cron: "*/5 * * * *", "@hourly" (next activation)
//   - duration: "90s", "2h30m" (now + d)
//   - HH:MM: "00:50" (now + 50 minutes)
//
// "cron:" and "in:" prefixes force the interpretation.
func ParseWhen(raw string, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("when is empty")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return nextCron(strings.TrimSpace(s[len("cron:"):]), now)
	case strings.HasPrefix(low, "in:"):
		d, err := parseDelay(strings.TrimSpace(s[len("in:"):]))
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d), nil
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return nextCron(s, now)
	}
	d, err := parseDelay(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid when %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
	}
	return now.Add(d), nil
}

func nextCron(expr string, now time.Time) (time.Time, error) {
	if expr == "" {
		return time.Time{}, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	next := sched.Next(now)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q never fires", expr)
	}
	return next, nil
}

func parseDelay(v string) (time.Duration, error) {
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("delay must not be negative")
	}
	return d, nil
}
