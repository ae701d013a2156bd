// Package audit appends human-readable records of who did what to a
// day-keyed JSON file. Recording is best-effort: failures are logged
// locally and never propagated to the caller.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action names the inbound operation being audited.
type Action string

const (
	ActionCheck    Action = "check"
	ActionGrant    Action = "grant"
	ActionRevoke   Action = "revoke"
	ActionValidate Action = "validate"
)

// Entry is one audited action.
type Entry struct {
	ID        string    `json:"id"`
	Action    Action    `json:"action"`
	PineIDs   []string  `json:"pine_ids"`
	PineNames []string  `json:"pine_names,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// logFile is keyed by day ("YYYY-MM-DD"), then by lowercased username.
type logFile map[string]map[string][]Entry

// Log writes the audit file. The whole read-modify-write runs under one
// process-wide mutex so two same-day records cannot lose each other's
// updates.
type Log struct {
	path  string
	names map[string]string

	mu  sync.Mutex
	now func() time.Time
}

// NewLog creates the audit log at path, ensuring the file exists.
// names maps well-known pine ids to display names for readable entries.
func NewLog(path string, names map[string]string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit log: mkdir %s: %w", dir, err)
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
			return nil, fmt.Errorf("audit log: create %s: %w", path, err)
		}
		slog.Info("created audit log", "path", path)
	}
	return &Log{path: path, names: names, now: time.Now}, nil
}

// Record appends one entry for username under today's key. A same-day
// duplicate (same action against the same set of pine ids) is dropped.
// Errors never propagate; an audit miss must not fail the operation.
func (l *Log) Record(username string, pineIDs []string, action Action) {
	l.mu.Lock()
	defer l.mu.Unlock()

	user := strings.ToLower(username)
	day := l.now().UTC().Format("2006-01-02")

	logs, err := l.read()
	if err != nil {
		slog.Error("audit log read failed", "path", l.path, "error", err)
		return
	}

	if logs[day] == nil {
		logs[day] = make(map[string][]Entry)
	}
	for _, existing := range logs[day][user] {
		if existing.Action == action && slices.Equal(existing.PineIDs, pineIDs) {
			return
		}
	}

	entry := Entry{
		ID:        uuid.NewString(),
		Action:    action,
		PineIDs:   pineIDs,
		PineNames: l.prettyNames(pineIDs),
		Timestamp: l.now().UTC(),
	}
	logs[day][user] = append(logs[day][user], entry)

	if err := l.write(logs); err != nil {
		slog.Error("audit log write failed", "path", l.path, "error", err)
		return
	}

	slog.Info("audit",
		"day", day,
		"username", user,
		"action", action,
		"scripts", strings.Join(entry.PineNames, ", "),
	)
}

func (l *Log) prettyNames(pineIDs []string) []string {
	if len(pineIDs) == 0 {
		return nil
	}
	names := make([]string, len(pineIDs))
	for i, id := range pineIDs {
		if name, ok := l.names[id]; ok {
			names[i] = name
		} else {
			names[i] = id
		}
	}
	return names
}

func (l *Log) read() (logFile, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	logs := make(logFile)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &logs); err != nil {
			return nil, err
		}
	}
	return logs, nil
}

func (l *Log) write(logs logFile) error {
	data, err := json.MarshalIndent(logs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.path, data, 0o644)
}
