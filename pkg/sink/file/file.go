// Package file appends readings to a local JSON Lines file and replays it on
// startup.
package file

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/edgeflare/furnace/pkg/sink"
	"github.com/edgeflare/furnace/pkg/telemetry"
	"go.uber.org/multierr"
)

// DefaultPath is used when the config has no path.
const DefaultPath = "data/readings.jsonl"

// maxLine bounds a single stored reading.
const maxLine = 1 << 20

type Config struct {
	Path string `mapstructure:"path"`
	// Sync forces an fsync after every write.
	Sync bool `mapstructure:"sync"`
}

// Sink writes one JSON document per line.
type Sink struct {
	cfg Config
	f   *os.File
	w   *bufio.Writer
	mu  sync.Mutex
}

func (s *Sink) Connect(_ context.Context, config map[string]any) error {
	if err := sink.Decode(config, &s.cfg); err != nil {
		return err
	}
	s.cfg.Path = cmp.Or(s.cfg.Path, DefaultPath)

	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(s.cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.Path, err)
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	return nil
}

func (s *Sink) Write(ctx context.Context, r telemetry.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return sink.ErrNotConnected
	}
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if s.cfg.Sync {
		return s.f.Sync()
	}
	return nil
}

// Load returns up to limit of the most recent stored readings, oldest first.
// Lines that fail to parse are skipped. A missing file yields no readings.
func (s *Sink) Load(ctx context.Context, limit int) ([]telemetry.Reading, error) {
	f, err := os.Open(cmp.Or(s.cfg.Path, DefaultPath))
	if errors.Is(err, os.ErrNotExist) {
		return []telemetry.Reading{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := []telemetry.Reading{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r telemetry.Reading
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) > 2*limit {
			out = append(out[:0], out[len(out)-limit:]...)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", f.Name(), err)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := multierr.Combine(s.w.Flush(), s.f.Close())
	s.f = nil
	return err
}

func init() {
	sink.Register(sink.ConnectorFile, func() sink.Sink { return &Sink{} })
}
