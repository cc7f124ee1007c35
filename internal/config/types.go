package config

// Config is the on-disk node configuration (JSON or YAML).
//
// All durations are Go duration strings ("250ms", "5s", "1m").
type Config struct {
	Node        NodeConfig        `json:"node"`
	Membership  MembershipConfig  `json:"membership,omitempty"`
	Replication ReplicationConfig `json:"replication,omitempty"`
	Worker      WorkerConfig      `json:"worker,omitempty"`
	Ingress     IngressConfig     `json:"ingress,omitempty"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
}

// NodeConfig identifies this node.
//
// Advertise is the membership address peers know this node by (host:port).
// Leader is any member to join through; empty or equal to Advertise starts
// a new cluster. Listen optionally overrides the bind address (for example
// "0.0.0.0:6000" behind NAT); the replication listener binds the same host
// with port + replication.port_offset.
type NodeConfig struct {
	Advertise string `json:"advertise"`
	Leader    string `json:"leader,omitempty"`
	Listen    string `json:"listen,omitempty"`
}

type MembershipConfig struct {
	Heartbeat         string `json:"heartbeat,omitempty"`
	IdleTimeout       string `json:"idle_timeout,omitempty"`
	ConnectRetries    int    `json:"connect_retries,omitempty"`
	ConnectBackoff    string `json:"connect_backoff,omitempty"`
	ConnectBackoffMax string `json:"connect_backoff_max,omitempty"`
	DialTimeout       string `json:"dial_timeout,omitempty"`
}

// ReplicationConfig controls replica placement.
//
// PortOffset shifts the member port to get the replication port (default 1).
type ReplicationConfig struct {
	PortOffset    int    `json:"port_offset,omitempty"`
	ReplicaFactor int    `json:"replica_factor,omitempty"`
	ReplicaOffset string `json:"replica_offset,omitempty"`
	AckTimeout    string `json:"ack_timeout,omitempty"`
	DialTimeout   string `json:"dial_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

type WorkerConfig struct {
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// IngressConfig controls the HTTP frontend.
//
// Security note: pprof exposes runtime internals; keep the frontend on a
// private address when it is enabled.
type IngressConfig struct {
	Enabled    bool    `json:"enabled"`
	Addr       string  `json:"addr,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
	Pprof      bool    `json:"pprof,omitempty"`
}

// LoggingConfig selects sinks. JSON writes raw JSON lines to stdout and
// takes precedence over Console.
type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional execution log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/executions.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retention   int    `json:"retention,omitempty"`
}
