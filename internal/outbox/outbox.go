// Package outbox is the append-only JSONL journal for orders, fills, breaker
// transitions and session events.
package outbox

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one journal line.
type Entry struct {
	Type  string          `json:"type"`
	Key   string          `json:"key,omitempty"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Decode unmarshals the entry payload into v.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

type Outbox struct {
	path         string
	dedupeWindow time.Duration
	now          func() time.Time

	mu sync.Mutex
}

// New opens a journal at path, creating its directory. Keys written within
// dedupeWindow are reported by HasRecent.
func New(path string, dedupeWindow time.Duration) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Outbox{
		path:         path,
		dedupeWindow: dedupeWindow,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

func (o *Outbox) Path() string { return o.path }

// Append writes an un-keyed entry.
func (o *Outbox) Append(kind string, data any) error {
	return o.AppendKeyed(kind, "", data)
}

// AppendKeyed writes an entry carrying an idempotency key.
func (o *Outbox) AppendKeyed(kind, key string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("outbox: marshal %s: %w", kind, err)
	}
	line, err := json.Marshal(Entry{Type: kind, Key: key, Data: raw, Event: o.now()})
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

// ReadAll returns every well-formed entry in write order. Lines that fail to
// parse (a torn final write) are skipped.
func (o *Outbox) ReadAll() ([]Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.Open(o.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// ReadType returns the entries of one kind.
func (o *Outbox) ReadType(kind string) ([]Entry, error) {
	all, err := o.ReadAll()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out, nil
}

// HasRecent reports whether key was journaled inside the dedupe window.
func (o *Outbox) HasRecent(key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	all, err := o.ReadAll()
	if err != nil {
		return false, err
	}
	cutoff := o.now().Add(-o.dedupeWindow)
	for _, e := range all {
		if e.Key == key && !e.Event.Before(cutoff) {
			return true, nil
		}
	}
	return false, nil
}
