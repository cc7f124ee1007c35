package task

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// WireVersion is the schema version written by Encode.
const WireVersion = 1

var ErrUnsupportedVersion = errors.New("unsupported task wire version")

type wireTask struct {
	V             int               `json:"v"`
	ID            string            `json:"id"`
	QueueName     string            `json:"queue_name"`
	Target        Target            `json:"target"`
	Method        string            `json:"method"`
	ETA           *float64          `json:"eta"`
	Params        map[string]string `json:"params"`
	ReplicaHosts  []string          `json:"replica_hosts"`
	ReplicaOffset float64           `json:"replica_offset_seconds"`
}

// MarshalJSON writes a URL target as a JSON string and an endpoint set as a
// JSON array.
func (t Target) MarshalJSON() ([]byte, error) {
	if t.IsHTTP() {
		return json.Marshal(t.URL)
	}
	eps := t.Endpoints
	if eps == nil {
		eps = []string{}
	}
	return json.Marshal(eps)
}

func (t *Target) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = Target{}
		return nil
	}
	if b[0] == '[' {
		var eps []string
		if err := json.Unmarshal(b, &eps); err != nil {
			return err
		}
		*t = Target{Endpoints: eps}
		return nil
	}
	var u string
	if err := json.Unmarshal(b, &u); err != nil {
		return err
	}
	*t = Target{URL: u}
	return nil
}

// EpochSeconds converts t to fractional unix seconds (millisecond precision).
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

// FromEpochSeconds is the inverse of EpochSeconds.
func FromEpochSeconds(s float64) time.Time {
	return time.UnixMilli(int64(math.Round(s * 1000)))
}

// Marshal returns the versioned JSON form of t.
func Marshal(t Task) ([]byte, error) {
	w := wireTask{
		V:             WireVersion,
		ID:            t.ID,
		QueueName:     t.QueueName,
		Target:        t.Target,
		Method:        t.Method,
		Params:        t.Params,
		ReplicaHosts:  t.ReplicaHosts,
		ReplicaOffset: t.ReplicaOffset.Seconds(),
	}
	if t.ETA != nil {
		s := EpochSeconds(*t.ETA)
		w.ETA = &s
	}
	return json.Marshal(w)
}

// Unmarshal parses the versioned JSON form produced by Marshal.
func Unmarshal(b []byte) (Task, error) {
	var w wireTask
	if err := json.Unmarshal(b, &w); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if w.V != WireVersion {
		return Task{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, w.V)
	}
	t := Task{
		ID:            w.ID,
		QueueName:     w.QueueName,
		Target:        w.Target,
		Method:        w.Method,
		Params:        w.Params,
		ReplicaHosts:  w.ReplicaHosts,
		ReplicaOffset: time.Duration(math.Round(w.ReplicaOffset * float64(time.Second))),
	}
	if w.ETA != nil {
		eta := FromEpochSeconds(*w.ETA)
		t.ETA = &eta
	}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

// Encode returns the single-line form used on the replication protocol.
func Encode(t Task) (string, error) {
	b, err := Marshal(t)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func Decode(s string) (Task, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	return Unmarshal(b)
}
