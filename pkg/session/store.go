package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/ally/internal/observability"
	"github.com/harun/ally/internal/tracing"
	"github.com/harun/ally/pkg/conversation"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const fileExt = ".jsonl"

// maxLineSize bounds a single stored message on load; longer lines are skipped
const maxLineSize = 4 * 1024 * 1024

// Config configures a Store
type Config struct {
	Dir    string
	Logger zerolog.Logger
}

// ThreadInfo describes a stored checkpoint
type ThreadInfo struct {
	ThreadID string
	Messages int
	Size     int64
	Modified time.Time
}

// Store keeps checkpoints as JSONL files, one message per line
type Store struct {
	dir    string
	logger zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore creates the checkpoint directory if needed
func NewStore(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &Store{
		dir:    cfg.Dir,
		logger: cfg.Logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// ValidateThreadID rejects ids that could escape the checkpoint directory
func ValidateThreadID(threadID string) error {
	if threadID == "" {
		return fmt.Errorf("thread id cannot be empty")
	}
	if strings.Contains(threadID, "..") {
		return fmt.Errorf("thread id cannot contain '..'")
	}
	if strings.ContainsAny(threadID, "/\\") {
		return fmt.Errorf("thread id cannot contain path separators")
	}
	if strings.Contains(threadID, "\x00") {
		return fmt.Errorf("thread id cannot contain null bytes")
	}
	return nil
}

// ValidateThreadID reports whether threadID can be stored
func (s *Store) ValidateThreadID(threadID string) error {
	return ValidateThreadID(threadID)
}

func (s *Store) path(threadID string) string {
	return filepath.Join(s.dir, threadID+fileExt)
}

func (s *Store) lock(threadID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if l, ok := s.locks[threadID]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[threadID] = l
	return l
}

// Load reads the checkpoint of threadID. Unparseable lines are skipped.
func (s *Store) Load(ctx context.Context, threadID string) (state *conversation.State, err error) {
	ctx, span := tracing.StartSpan(ctx, "ally.session", "checkpoint.load", attribute.String("thread_id", threadID))
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()
	defer func() { observability.RecordCheckpointLoad(time.Since(start)) }()

	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	l := s.lock(threadID)
	l.Lock()
	defer l.Unlock()

	state = conversation.NewState(threadID)

	file, err := os.Open(s.path(threadID))
	if os.IsNotExist(err) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, 64*1024)
	lineNum := 0
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNum++
			s.decodeLine(logger, state, line, lineNum)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to read checkpoint: %w", readErr)
		}
	}

	logger.Debug().Str("thread_id", threadID).Int("messages", state.Len()).Msg("Checkpoint loaded")
	return state, nil
}

// decodeLine appends the message stored on line. Blank, oversized and
// unparseable lines are skipped.
func (s *Store) decodeLine(logger zerolog.Logger, state *conversation.State, line []byte, lineNum int) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if len(line) > maxLineSize {
		logger.Warn().
			Str("thread_id", state.ThreadID).
			Int("line", lineNum).
			Int("size", len(line)).
			Msg("Skipping oversized checkpoint line")
		return
	}

	var msg conversation.Message
	if err := json.Unmarshal(line, &msg); err != nil || msg.Role == "" {
		logger.Warn().
			Str("thread_id", state.ThreadID).
			Int("line", lineNum).
			Msg("Skipping unreadable checkpoint line")
		return
	}
	state.Append(msg)
}

// Save replaces the checkpoint of state.ThreadID
func (s *Store) Save(ctx context.Context, state *conversation.State) (err error) {
	if state == nil {
		return fmt.Errorf("state cannot be nil")
	}
	ctx, span := tracing.StartSpan(ctx, "ally.session", "checkpoint.save",
		attribute.String("thread_id", state.ThreadID),
		attribute.Int("messages", state.Len()),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()
	defer func() { observability.RecordCheckpointSave(time.Since(start)) }()

	if err := ValidateThreadID(state.ThreadID); err != nil {
		return err
	}

	l := s.lock(state.ThreadID)
	l.Lock()
	defer l.Unlock()

	target := s.path(state.ThreadID)
	tmp := target + ".tmp"

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}

	w := bufio.NewWriter(file)
	for _, msg := range state.Messages {
		data, err := json.Marshal(msg)
		if err != nil {
			file.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	file.Close()

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}

	logger.Debug().Str("thread_id", state.ThreadID).Int("messages", state.Len()).Msg("Checkpoint saved")
	return nil
}

// Delete removes the checkpoint of threadID
func (s *Store) Delete(ctx context.Context, threadID string) error {
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}

	l := s.lock(threadID)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.path(threadID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	s.locksMu.Lock()
	delete(s.locks, threadID)
	s.locksMu.Unlock()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("thread_id", threadID).Msg("Checkpoint deleted")
	return nil
}

// List returns stored threads, most recently modified first
func (s *Store) List(ctx context.Context) ([]ThreadInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ThreadInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	threads := []ThreadInfo{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		threadID := strings.TrimSuffix(name, fileExt)
		threads = append(threads, ThreadInfo{
			ThreadID: threadID,
			Messages: countLines(filepath.Join(s.dir, name)),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}

	sort.Slice(threads, func(i, j int) bool {
		return threads[i].Modified.After(threads[j].Modified)
	})
	return threads, nil
}

func countLines(path string) int {
	file, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer file.Close()

	n := 0
	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			n++
		}
		if err != nil {
			return n
		}
	}
}
