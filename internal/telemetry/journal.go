package telemetry

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"shellbridge/internal/wire"
)

// Record is one journaled event.
type Record struct {
	Sequence  uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Topic     string    `json:"topic"`
	SessionID string    `json:"session_id,omitempty"`
	// Body holds UTF-8 payloads verbatim; anything else goes to BodyBase64.
	Body       string `json:"body,omitempty"`
	BodyBase64 string `json:"body_b64,omitempty"`
}

// NewRecord converts evt into its journal form.
func NewRecord(evt wire.Event, at time.Time) Record {
	rec := Record{Timestamp: at.UTC(), Topic: evt.Topic, SessionID: evt.SessionID}
	if utf8.Valid(evt.Body) {
		rec.Body = string(evt.Body)
	} else {
		rec.BodyBase64 = base64.StdEncoding.EncodeToString(evt.Body)
	}
	return rec
}

// Writer persists records. It may block; AsyncSink keeps that off the
// caller's path.
type Writer interface {
	Write(Record) error
}

// Journal appends records to a JSON lines file.
type Journal struct {
	path string
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// OpenJournal opens (creating if needed) the journal at path.
func OpenJournal(path string) (*Journal, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("telemetry journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o700); err != nil {
		return nil, fmt.Errorf("ensure journal dir: %w", err)
	}
	j := &Journal{path: trimmed}
	if err := j.ensureWriter(); err != nil {
		return nil, fmt.Errorf("open journal %s: %w", trimmed, err)
	}
	return j, nil
}

// Write appends rec as one line.
func (j *Journal) Write(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.ensureWriter(); err != nil {
		return err
	}
	return j.enc.Encode(rec)
}

// ReadSince returns records with a sequence above since, up to limit (0
// means unlimited), along with the highest sequence seen.
func (j *Journal) ReadSince(since uint64, limit int) ([]Record, uint64, error) {
	file, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, since, nil
		}
		return nil, since, fmt.Errorf("open journal %s: %w", j.path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var result []Record
	highest := since
	for {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, highest, fmt.Errorf("decode journal %s: %w", j.path, err)
		}
		if rec.Sequence > highest {
			highest = rec.Sequence
		}
		if rec.Sequence <= since {
			continue
		}
		result = append(result, rec)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, highest, nil
}

// LastSequence scans the journal for the highest sequence written so far.
func (j *Journal) LastSequence() (uint64, error) {
	_, highest, err := j.ReadSince(0, 0)
	return highest, err
}

// Path returns the on-disk location backing the journal.
func (j *Journal) Path() string { return j.path }

// Close releases the file handle. A later Write reopens it.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var err error
	if j.file != nil {
		err = j.file.Close()
	}
	j.file = nil
	j.enc = nil
	return err
}

func (j *Journal) ensureWriter() error {
	if j.file != nil && j.enc != nil {
		return nil
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	j.file = file
	j.enc = json.NewEncoder(file)
	return nil
}
