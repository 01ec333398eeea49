// internal/state/trigger.go
package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/user/agentgate/internal/types"
)

// TriggerFileName is the per-session schedule file name.
const TriggerFileName = "triggers.json"

const triggerFileVersion = 1

// TriggerFile is a JSON-file-backed store for one schedule-definition file.
//
// Every write is a read-modify-write of the whole document that only touches
// the fields it changes, so unknown fields written by other tools survive. An
// external edit landing between our read and our write is lost; callers
// accept that race.
type TriggerFile struct {
	path string
	mu   sync.Mutex
}

// NewTriggerFile creates a store for the schedule file at path.
func NewTriggerFile(path string) *TriggerFile {
	return &TriggerFile{path: path}
}

// Path returns the file path used by this store.
func (f *TriggerFile) Path() string {
	return f.path
}

// Load decodes the file. A missing file is an empty document. Triggers that
// fail to decode or carry no id are skipped and logged.
func (f *TriggerFile) Load() (*types.TriggerDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	return decodeDocument(f.path, doc), nil
}

// Get finds a trigger by id.
func (f *TriggerFile) Get(id types.TriggerID) (*types.Trigger, error) {
	doc, err := f.Load()
	if err != nil {
		return nil, err
	}
	for _, t := range doc.Triggers {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("trigger %s: %w", id, types.ErrNotFound)
}

// Add appends a trigger, assigning an id and creation time when missing.
// Returns an error if a trigger with the same id already exists.
func (f *TriggerFile) Add(t *types.Trigger) error {
	if t.ID == "" {
		t.ID = types.NewTriggerID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	return f.modify(func(doc []byte) ([]byte, error) {
		if triggerIndex(doc, t.ID) >= 0 {
			return nil, fmt.Errorf("trigger already exists: %s", t.ID)
		}
		return sjson.SetRawBytes(doc, "triggers.-1", value)
	})
}

// Remove deletes a trigger by id.
func (f *TriggerFile) Remove(id types.TriggerID) error {
	return f.modify(func(doc []byte) ([]byte, error) {
		i := triggerIndex(doc, id)
		if i < 0 {
			return nil, fmt.Errorf("trigger %s: %w", id, types.ErrNotFound)
		}
		return sjson.DeleteBytes(doc, fmt.Sprintf("triggers.%d", i))
	})
}

// SetEnabled toggles the enabled flag for a trigger.
func (f *TriggerFile) SetEnabled(id types.TriggerID, enabled bool) error {
	return f.modify(func(doc []byte) ([]byte, error) {
		i := triggerIndex(doc, id)
		if i < 0 {
			return nil, fmt.Errorf("trigger %s: %w", id, types.ErrNotFound)
		}
		return sjson.SetBytes(doc, fmt.Sprintf("triggers.%d.enabled", i), enabled)
	})
}

// MarkFired records a successful fire and, when known, the session the
// trigger is now bound to.
func (f *TriggerFile) MarkFired(id types.TriggerID, firedAt time.Time, sessionID types.SessionID) error {
	return f.modify(func(doc []byte) ([]byte, error) {
		i := triggerIndex(doc, id)
		if i < 0 {
			return nil, fmt.Errorf("trigger %s: %w", id, types.ErrNotFound)
		}
		doc, err := sjson.SetBytes(doc, fmt.Sprintf("triggers.%d.last_fired", i), firedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return nil, err
		}
		if sessionID != "" {
			doc, err = sjson.SetBytes(doc, fmt.Sprintf("triggers.%d.gateway_session_id", i), string(sessionID))
			if err != nil {
				return nil, err
			}
		}
		return doc, nil
	})
}

// read returns the file as plain JSON. Caller must hold f.mu.
func (f *TriggerFile) read() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []byte(`{}`), nil
		}
		return nil, fmt.Errorf("read trigger file: %w", err)
	}
	stripped := jsonc.ToJSON(data)
	if len(bytes.TrimSpace(stripped)) == 0 {
		return []byte(`{}`), nil
	}
	if !gjson.ValidBytes(stripped) {
		return nil, fmt.Errorf("parse trigger file %s: invalid JSON", f.path)
	}
	return stripped, nil
}

// modify applies fn to the current document, stamps it and writes it back
// atomically (temp file + rename).
func (f *TriggerFile) modify(fn func(doc []byte) ([]byte, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return err
	}
	if !gjson.GetBytes(doc, "triggers").IsArray() {
		if doc, err = sjson.SetRawBytes(doc, "triggers", []byte("[]")); err != nil {
			return fmt.Errorf("init triggers: %w", err)
		}
	}
	if doc, err = fn(doc); err != nil {
		return err
	}
	if !gjson.GetBytes(doc, "version").Exists() {
		if doc, err = sjson.SetBytes(doc, "version", triggerFileVersion); err != nil {
			return fmt.Errorf("stamp version: %w", err)
		}
	}
	if doc, err = sjson.SetBytes(doc, "updated_at", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("stamp updated_at: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create trigger dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, pretty.Pretty(doc), 0o644); err != nil {
		return fmt.Errorf("write temp trigger file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp trigger file: %w", err)
	}
	return nil
}

func triggerIndex(doc []byte, id types.TriggerID) int {
	for i, v := range gjson.GetBytes(doc, "triggers").Array() {
		if v.Get("id").String() == string(id) {
			return i
		}
	}
	return -1
}

func decodeDocument(path string, doc []byte) *types.TriggerDocument {
	out := &types.TriggerDocument{
		Version:  int(gjson.GetBytes(doc, "version").Int()),
		Triggers: []*types.Trigger{},
	}
	if ts := gjson.GetBytes(doc, "updated_at").String(); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			out.UpdatedAt = parsed
		}
	}
	for i, v := range gjson.GetBytes(doc, "triggers").Array() {
		var t types.Trigger
		if err := json.Unmarshal([]byte(v.Raw), &t); err != nil {
			slog.Warn("skipping undecodable trigger", "file", path, "index", i, "error", err)
			continue
		}
		if strings.TrimSpace(string(t.ID)) == "" {
			slog.Warn("skipping trigger without id", "file", path, "index", i)
			continue
		}
		out.Triggers = append(out.Triggers, &t)
	}
	return out
}
