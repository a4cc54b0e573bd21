package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Operation names written to the trail.
const (
	OpRegister     = "register"
	OpDuressSetup  = "duress_setup"
	OpUnlock       = "unlock"
	OpLock         = "lock"
	OpPanic        = "panic"
	OpLogout       = "logout"
	OpSoftDelete   = "soft_delete"
	OpRestore      = "restore"
	OpShred        = "shred"
	OpSweep        = "sweep"
	OpShareCreate  = "share_create"
	OpShareConsume = "share_consume"
	OpRekey        = "rekey"
	OpAlert        = "emergency_alert"
)

// Entry represents a single audit log entry. Secrets never go in here.
type Entry struct {
	Timestamp string `json:"ts"`
	User      string `json:"user,omitempty"`
	Operation string `json:"op"`

	Target string `json:"target,omitempty"` // profile or share id
	Reason string `json:"reason,omitempty"` // panic trigger, lock reason
	Count  int    `json:"count,omitempty"`  // sweep
}

// Trail appends entries to a JSON Lines file. A zero Path disables it.
type Trail struct {
	Path string

	mu sync.Mutex
}

// Log appends an entry. Failures are swallowed: an operation never fails
// because its audit line could not be written.
func (t *Trail) Log(entry Entry) {
	if t == nil || t.Path == "" {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return
	}
	defer f.Close()

	_, _ = f.Write(append(data, '\n'))
}

// ReadEntries reads all entries. A missing file yields no entries.
func (t *Trail) ReadEntries() ([]Entry, error) {
	if t == nil || t.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(t.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseEntries(data), nil
}

// ParseEntries parses JSON Lines data. Malformed lines are skipped.
func ParseEntries(data []byte) []Entry {
	var entries []Entry
	start := 0
	for i := 0; i <= len(data); i++ {
		if i != len(data) && data[i] != '\n' {
			continue
		}
		line := data[start:i]
		start = i + 1
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}
