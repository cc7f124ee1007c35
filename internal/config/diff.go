package config

import (
	"reflect"
	"sort"
	"strings"

	logx "peersched/pkg/logx"
)

// SummarizeConfigChange returns (1) the changed sections, (2) structured
// attrs for logging and (3) the changed sections that only take effect
// after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	restart := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Node != newCfg.Node {
		changed = append(changed, "node")
		restart = append(restart, "node")
		attrs = append(attrs,
			logx.String("node.advertise", newCfg.Node.Advertise),
			logx.String("node.leader", newCfg.Node.Leader),
		)
	}

	if oldCfg.Membership != newCfg.Membership {
		changed = append(changed, "membership")
		restart = append(restart, "membership")
		attrs = append(attrs,
			logx.String("membership.heartbeat", newCfg.Membership.Heartbeat),
			logx.String("membership.idle_timeout", newCfg.Membership.IdleTimeout),
		)
	}

	or, nr := oldCfg.Replication, newCfg.Replication
	if or != nr {
		changed = append(changed, "replication")
		if or.PortOffset != nr.PortOffset {
			restart = append(restart, "replication.port_offset")
		}
		attrs = append(attrs,
			logx.Int("replication.replica_factor", nr.ReplicaFactor),
			logx.String("replication.replica_offset", nr.ReplicaOffset),
			logx.String("replication.ack_timeout", nr.AckTimeout),
		)
	}

	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Int("worker.workers", newCfg.Worker.Workers),
			logx.Int("worker.queue_size", newCfg.Worker.QueueSize),
			logx.String("worker.timeout", newCfg.Worker.Timeout),
		)
	}

	oi, ni := oldCfg.Ingress, newCfg.Ingress
	if oi != ni {
		changed = append(changed, "ingress")
		if oi.Enabled != ni.Enabled || strings.TrimSpace(oi.Addr) != strings.TrimSpace(ni.Addr) || oi.Pprof != ni.Pprof {
			restart = append(restart, "ingress")
		}
		attrs = append(attrs,
			logx.Bool("ingress.enabled", ni.Enabled),
			logx.Any("ingress.rate_per_sec", ni.RatePerSec),
			logx.Int("ingress.burst", ni.Burst),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.json", newCfg.Logging.JSON),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
