package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const DefaultFilePath = "./peersched.log"

type Config struct {
	Level string
	// Console writes human-readable lines to stdout. JSON switches stdout to
	// raw JSON lines instead (for journald or log shippers).
	Console bool
	JSON    bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the root logger and the open log file.
type Service struct {
	mu   sync.Mutex
	file *os.File
	path string

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service from cfg. A log file that cannot be opened is
// reported on the returned logger and logging continues on stdout.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	if err := s.Apply(cfg); err != nil {
		s.Logger().Warn("log file unavailable; using stdout", Err(err))
	}
	return s, s.Logger()
}

func (s *Service) current() *zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return zl
	}
	return &nop
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply rebuilds the sinks and level. Loggers derived from the service pick
// up the change on their next event. The file is reopened only when its
// path changes.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	switch {
	case cfg.JSON:
		sinks = append(sinks, os.Stdout)
	case cfg.Console:
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	var fileErr error
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = DefaultFilePath
		}
		if s.file == nil || s.path != path {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				fileErr = fmt.Errorf("open log file %q: %w", path, err)
			} else {
				s.closeFileLocked()
				s.file, s.path = f, path
			}
		}
		if s.file != nil {
			sinks = append(sinks, zerolog.SyncWriter(s.file))
		}
	} else {
		s.closeFileLocked()
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(ParseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&zl)
	return fileErr
}

func (s *Service) closeFileLocked() {
	if s.file != nil {
		_ = s.file.Close()
		s.file, s.path = nil, ""
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.path = nil, ""
	return err
}
