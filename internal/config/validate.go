package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Validate rejects configs that would fail at startup or on hot reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validHostPort("node.advertise", cfg.Node.Advertise, true); err != nil {
		return err
	}
	if err := validHostPort("node.leader", cfg.Node.Leader, false); err != nil {
		return err
	}
	if err := validHostPort("node.listen", cfg.Node.Listen, false); err != nil {
		return err
	}

	m := cfg.Membership
	if m.ConnectRetries < 0 {
		return fmt.Errorf("membership.connect_retries must be >= 0")
	}
	for path, raw := range map[string]string{
		"membership.heartbeat":           m.Heartbeat,
		"membership.idle_timeout":        m.IdleTimeout,
		"membership.connect_backoff":     m.ConnectBackoff,
		"membership.connect_backoff_max": m.ConnectBackoffMax,
		"membership.dial_timeout":        m.DialTimeout,
		"replication.replica_offset":     cfg.Replication.ReplicaOffset,
		"replication.ack_timeout":        cfg.Replication.AckTimeout,
		"replication.dial_timeout":       cfg.Replication.DialTimeout,
		"replication.write_timeout":      cfg.Replication.WriteTimeout,
		"worker.timeout":                 cfg.Worker.Timeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	hb, _ := ParseDurationField("membership.heartbeat", m.Heartbeat)
	idle, _ := ParseDurationField("membership.idle_timeout", m.IdleTimeout)
	if hb > 0 && idle > 0 && idle <= hb {
		return fmt.Errorf("membership.idle_timeout (%s) must exceed membership.heartbeat (%s)", idle, hb)
	}

	r := cfg.Replication
	if r.PortOffset < 0 || r.PortOffset > 1000 {
		return fmt.Errorf("replication.port_offset must be within 1..1000 (0 means default)")
	}
	if r.ReplicaFactor < 0 {
		return fmt.Errorf("replication.replica_factor must be >= 0")
	}

	w := cfg.Worker
	if w.Workers < 0 || w.QueueSize < 0 || w.HistorySize < 0 {
		return fmt.Errorf("worker.workers, worker.queue_size and worker.history_size must be >= 0")
	}

	in := cfg.Ingress
	if in.RatePerSec < 0 || in.Burst < 0 {
		return fmt.Errorf("ingress.rate_per_sec and ingress.burst must be >= 0")
	}
	if in.Enabled {
		if err := validHostPort("ingress.addr", in.Addr, false); err != nil {
			return err
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				return fmt.Errorf("storage.path is required when storage.driver=%s", st.Driver)
			}
		default:
			return fmt.Errorf("unknown storage.driver: %s", st.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			return err
		}
		if st.Retention < 0 {
			return fmt.Errorf("storage.retention must be >= 0")
		}
	}
	return nil
}

func validHostPort(path, v string, required bool) error {
	v = strings.TrimSpace(v)
	if v == "" {
		if required {
			return fmt.Errorf("%s is required", path)
		}
		return nil
	}
	_, port, err := net.SplitHostPort(v)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if port == "" {
		return fmt.Errorf("%s: port required", path)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("%s: invalid port %q", path, port)
	}
	return nil
}
