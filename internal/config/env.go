package config

import (
	"os"
	"strings"
)

// Environment overrides applied on top of the file, so one config file can
// be shared by every node of a cluster.
const (
	EnvAdvertise = "PEERSCHED_ADVERTISE"
	EnvLeader    = "PEERSCHED_LEADER"
	EnvListen    = "PEERSCHED_LISTEN"
	EnvLogLevel  = "PEERSCHED_LOG_LEVEL"
)

// applyEnv overwrites node identity and log level from lookup. It returns the
// names of the variables that were applied.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) []string {
	if cfg == nil || lookup == nil {
		return nil
	}
	var applied []string
	set := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
			applied = append(applied, name)
		}
	}
	set(EnvAdvertise, &cfg.Node.Advertise)
	set(EnvLeader, &cfg.Node.Leader)
	set(EnvListen, &cfg.Node.Listen)
	set(EnvLogLevel, &cfg.Logging.Level)
	return applied
}

var osLookup = os.LookupEnv
