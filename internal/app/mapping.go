package app

import (
	"fmt"
	"strings"
	"time"

	"peersched/internal/ingress"
	"peersched/internal/membership"
	"peersched/internal/replication"
	"peersched/internal/storage"
	"peersched/internal/worker"
	logx "peersched/pkg/logx"
)

const defaultPortOffset = 1

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapMembershipConfig(cfg *Config) (membership.Config, error) {
	m := cfg.Membership
	var (
		out membership.Config
		err error
	)
	if out.Heartbeat, err = parseDurationOrDefault("membership.heartbeat", m.Heartbeat, 0); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("membership.idle_timeout", m.IdleTimeout, 0); err != nil {
		return out, err
	}
	if out.ConnectBackoff, err = parseDurationOrDefault("membership.connect_backoff", m.ConnectBackoff, 0); err != nil {
		return out, err
	}
	if out.ConnectBackoffMax, err = parseDurationOrDefault("membership.connect_backoff_max", m.ConnectBackoffMax, 0); err != nil {
		return out, err
	}
	if out.DialTimeout, err = parseDurationOrDefault("membership.dial_timeout", m.DialTimeout, 0); err != nil {
		return out, err
	}
	out.ConnectRetries = m.ConnectRetries
	return out, nil
}

func portOffset(cfg *Config) int {
	if cfg.Replication.PortOffset <= 0 {
		return defaultPortOffset
	}
	return cfg.Replication.PortOffset
}

func mapReplicationConfig(cfg *Config) (replication.Config, error) {
	r := cfg.Replication
	out := replication.Config{ReplicaFactor: r.ReplicaFactor, PortOffset: portOffset(cfg)}
	var err error
	if out.ReplicaOffset, err = parseDurationOrDefault("replication.replica_offset", r.ReplicaOffset, replication.DefaultReplicaOffset); err != nil {
		return out, err
	}
	if out.AckTimeout, err = parseDurationOrDefault("replication.ack_timeout", r.AckTimeout, 0); err != nil {
		return out, err
	}
	if out.DialTimeout, err = parseDurationOrDefault("replication.dial_timeout", r.DialTimeout, 0); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = parseDurationOrDefault("replication.write_timeout", r.WriteTimeout, 0); err != nil {
		return out, err
	}
	return out, nil
}

func mapWorkerConfig(cfg *Config) (worker.Config, error) {
	w := cfg.Worker
	timeout, err := parseDurationOrDefault("worker.timeout", w.Timeout, 0)
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{
		Workers:     w.Workers,
		QueueSize:   w.QueueSize,
		Timeout:     timeout,
		HistorySize: w.HistorySize,
	}, nil
}

func mapIngressConfig(cfg *Config) ingress.Config {
	in := cfg.Ingress
	return ingress.Config{
		Addr:       strings.TrimSpace(in.Addr),
		RatePerSec: in.RatePerSec,
		Burst:      in.Burst,
		Pprof:      in.Pprof,
	}
}

func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, Retention: sc.Retention}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retention: sc.Retention}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// bindAddrs returns the membership and replication bind addresses.
func bindAddrs(cfg *Config) (string, string) {
	bind := strings.TrimSpace(cfg.Node.Listen)
	if bind == "" {
		bind = strings.TrimSpace(cfg.Node.Advertise)
	}
	return bind, replication.PortOffsetResolver(portOffset(cfg))(bind)
}
