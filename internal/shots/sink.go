// Package shots stores step screenshots on the filesystem, keyed by
// recording session and step order. The sink is append-only: a recording
// never overwrites another session's captures, and re-captures of a step
// within a session replace only that step's file.
package shots

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"overlay/internal/logging"
)

// Shot identifies one stored screenshot.
type Shot struct {
	SessionID string
	StepOrder int
	Path      string
}

// Sink writes and lists screenshots under a base directory, one
// subdirectory per session.
type Sink struct {
	baseDir string
	mu      sync.Mutex
}

var shotName = regexp.MustCompile(`^step_(\d+)\.png$`)

// NewSink creates the sink rooted at baseDir.
func NewSink(baseDir string) (*Sink, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("screenshot directory not configured")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	return &Sink{baseDir: baseDir}, nil
}

func sanitizeSession(sessionID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, sessionID)
}

// Save writes PNG bytes for one step. Writes go through a temp file so a
// crash mid-write never leaves a truncated screenshot behind.
func (s *Sink) Save(sessionID string, stepOrder int, png []byte) (string, error) {
	if sessionID == "" || stepOrder < 1 {
		return "", fmt.Errorf("invalid screenshot key %q/%d", sessionID, stepOrder)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.baseDir, sanitizeSession(sessionID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}

	final := filepath.Join(dir, fmt.Sprintf("step_%d.png", stepOrder))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, png, 0644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize screenshot: %w", err)
	}

	logging.Shots("saved %s step %d (%d bytes)", sessionID, stepOrder, len(png))
	return final, nil
}

// BySession lists a session's screenshots in step order.
func (s *Sink) BySession(sessionID string) ([]Shot, error) {
	dir := filepath.Join(s.baseDir, sanitizeSession(sessionID))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}

	var out []Shot
	for _, e := range entries {
		m := shotName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		order, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, Shot{
			SessionID: sessionID,
			StepOrder: order,
			Path:      filepath.Join(dir, e.Name()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

// Read returns the PNG bytes for one step, or os.ErrNotExist.
func (s *Sink) Read(sessionID string, stepOrder int) ([]byte, error) {
	path := filepath.Join(s.baseDir, sanitizeSession(sessionID), fmt.Sprintf("step_%d.png", stepOrder))
	return os.ReadFile(path)
}

// Sessions lists session ids that have at least one screenshot.
func (s *Sink) Sessions() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read screenshot root: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
