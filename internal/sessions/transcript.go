package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/owliabot/owliabot/pkg/models"
)

// DefaultHistoryTurns bounds how much history is replayed to the model.
const DefaultHistoryTurns = 20

// TranscriptStore keeps one append-only JSONL file per session id.
// The transcript is the conversation's ground truth: appends are
// durable before the call returns.
type TranscriptStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTranscriptStore creates a store rooted at dir.
func NewTranscriptStore(dir string) (*TranscriptStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	return &TranscriptStore{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Append writes one message to the session's transcript.
func (t *TranscriptStore) Append(sessionID string, msg *models.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	lock := t.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(t.path(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return f.Sync()
}

// GetHistory returns the last maxTurns conversation turns, flattened.
// A turn is the run of messages up to and including an assistant
// message; trailing messages after the last assistant reply count as
// a partial turn. maxTurns <= 0 uses DefaultHistoryTurns.
func (t *TranscriptStore) GetHistory(sessionID string, maxTurns int) ([]models.Message, error) {
	if maxTurns <= 0 {
		maxTurns = DefaultHistoryTurns
	}
	lock := t.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	messages, err := t.readAllLocked(sessionID)
	if err != nil {
		return nil, err
	}

	var turns [][]models.Message
	var current []models.Message
	for _, msg := range messages {
		current = append(current, msg)
		if msg.Role == models.RoleAssistant {
			turns = append(turns, current)
			current = nil
		}
	}
	if len(current) > 0 {
		turns = append(turns, current)
	}
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}

	var out []models.Message
	for _, turn := range turns {
		out = append(out, turn...)
	}
	return out, nil
}

// Clear removes the session's transcript.
func (t *TranscriptStore) Clear(sessionID string) error {
	lock := t.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(t.path(sessionID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// CountUserMessages returns how many real user messages the transcript
// holds, excluding tool-result carriers.
func (t *TranscriptStore) CountUserMessages(sessionID string) (int, error) {
	lock := t.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	messages, err := t.readAllLocked(sessionID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, msg := range messages {
		if msg.Role == models.RoleUser && len(msg.ToolResults) == 0 {
			n++
		}
	}
	return n, nil
}

func (t *TranscriptStore) readAllLocked(sessionID string) ([]models.Message, error) {
	f, err := os.Open(t.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var messages []models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			// Skip torn lines from an interrupted write.
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return messages, nil
}

func (t *TranscriptStore) path(sessionID string) string {
	return filepath.Join(t.dir, sanitizeID(sessionID)+".jsonl")
}

// sanitizeID keeps transcript files inside the store directory even
// for hostile session ids.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func (t *TranscriptStore) sessionLock(sessionID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[sessionID] = lock
	}
	return lock
}
