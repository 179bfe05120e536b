package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jllopis/exo/pkg/llm"
)

// FileSession persists a session as JSON lines, one message per line.
// Appends never rewrite earlier lines.
type FileSession struct {
	mu   sync.Mutex
	path string
}

// NewFileSession creates a file-backed session at path.
func NewFileSession(path string) *FileSession {
	return &FileSession{path: path}
}

// Append writes msg as a single line.
func (f *FileSession) Append(_ context.Context, msg llm.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()

	// One write per message.
	_, err = file.Write(line)
	return err
}

// Messages reads every message in file order.
func (f *FileSession) Messages(_ context.Context) ([]llm.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []llm.Message{}, nil
		}
		return nil, err
	}
	defer file.Close()

	var messages []llm.Message
	dec := json.NewDecoder(file)
	for {
		var msg llm.Message
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("corrupt session file %s: %w", f.path, err)
		}
		messages = append(messages, msg)
	}
	if messages == nil {
		messages = []llm.Message{}
	}
	return messages, nil
}

// Len returns the number of stored messages.
func (f *FileSession) Len(ctx context.Context) (int, error) {
	messages, err := f.Messages(ctx)
	return len(messages), err
}

// Clear removes the session file.
func (f *FileSession) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
