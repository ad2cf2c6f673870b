package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/TD-Producoes/revshare-sub005/internal/core"
)

// Mirror receives a copy of every appended entry.
type Mirror interface {
	Write(entry core.AuditEntry) error
	Close() error
}

var _ Mirror = (*FileMirror)(nil)

// FileMirror appends audit entries to a file, one JSON document per line.
// The file can be verified offline with ReadEntries and Verify.
type FileMirror struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

func NewFileMirror(filePath string) (*FileMirror, error) {
	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit mirror file: %w", err)
	}
	return &FileMirror{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

func (f *FileMirror) Write(entry core.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.encoder.Encode(entry); err != nil {
		return fmt.Errorf("writing audit mirror entry: %w", err)
	}
	return nil
}

func (f *FileMirror) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}

// ReadEntries decodes a JSON lines audit export.
func ReadEntries(r io.Reader) ([]core.AuditEntry, error) {
	var entries []core.AuditEntry
	dec := json.NewDecoder(bufio.NewReader(r))
	for {
		var e core.AuditEntry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return nil, fmt.Errorf("decoding audit entry #%d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
}

// ReadFile reads a mirror file written by FileMirror.
func ReadFile(path string) ([]core.AuditEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening audit file '%s': %w", path, err)
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)
	return ReadEntries(f)
}
