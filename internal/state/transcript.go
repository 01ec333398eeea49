// internal/state/transcript.go
package state

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/user/agentgate/internal/types"
)

// TranscriptStore keeps the raw event stream of every run as zstd-compressed
// JSONL at sessions/<sessionID>/runs/<runID>.jsonl.zst.
type TranscriptStore struct {
	root string
}

// NewTranscriptStore creates a transcript store rooted at the given directory.
func NewTranscriptStore(root string) *TranscriptStore {
	return &TranscriptStore{root: root}
}

func (s *TranscriptStore) path(sessionID types.SessionID, runID types.RunID) string {
	return filepath.Join(s.root, "sessions", string(sessionID), "runs", string(runID)+".jsonl.zst")
}

// Create opens a new transcript for the run. The returned writer must be closed.
func (s *TranscriptStore) Create(sessionID types.SessionID, runID types.RunID) (*TranscriptWriter, error) {
	path := s.path(sessionID, runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}
	enc, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("create transcript encoder: %w", err)
	}
	return &TranscriptWriter{file: file, enc: enc}, nil
}

// Read returns the decompressed transcript, one raw line per element.
func (s *TranscriptStore) Read(sessionID types.SessionID, runID types.RunID) ([]string, error) {
	file, err := os.Open(s.path(sessionID, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("transcript %s: %w", runID, types.ErrNotFound)
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer file.Close()

	dec, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("open transcript decoder: %w", err)
	}
	defer dec.Close()

	var lines []string
	reader := bufio.NewReader(dec)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if line[len(line)-1] == '\n' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
		}
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return lines, fmt.Errorf("read transcript: %w", err)
		}
	}
}

// TranscriptWriter appends raw lines to a compressed transcript. It is safe
// for concurrent use.
type TranscriptWriter struct {
	mu   sync.Mutex
	file *os.File
	enc  *zstd.Encoder
}

// Write stores p as one line; a trailing newline is added when missing.
func (w *TranscriptWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return 0, fmt.Errorf("transcript is closed")
	}
	if _, err := w.enc.Write(p); err != nil {
		return 0, err
	}
	if len(p) == 0 || p[len(p)-1] != '\n' {
		if _, err := w.enc.Write([]byte{'\n'}); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Close flushes the encoder and closes the file. Safe to call twice.
func (w *TranscriptWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return nil
	}
	encErr := w.enc.Close()
	closeErr := w.file.Close()
	w.enc = nil
	w.file = nil
	return errors.Join(encErr, closeErr)
}
