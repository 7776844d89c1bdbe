// Package settings edits the external pointer-acceleration settings
// document in place. Edits are byte-level: only the ranges that change are
// rewritten, so formatting, key order and unknown fields survive.
package settings

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed settings.schema.json
var schemaText []byte

const schemaURL = "settings.schema.json"

// ErrInvalid is returned when an edited document fails schema validation.
var ErrInvalid = errors.New("settings: document failed validation")

// Store performs all-or-nothing read-modify-write cycles on the document.
type Store struct {
	path   string
	schema *jsonschema.Schema
	mu     sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithoutValidation skips schema validation of rewritten documents.
func WithoutValidation() Option {
	return func(s *Store) { s.schema = nil }
}

// NewStore returns a store for the document at path.
func NewStore(path string, opts ...Option) (*Store, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaText)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	s := &Store{path: path, schema: schema}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the document path.
func (s *Store) Path() string { return s.path }

// Load reads the document.
func (s *Store) Load() ([]byte, error) {
	doc, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return doc, nil
}

// Validate checks doc against the schema.
func (s *Store) Validate(doc []byte) error {
	if s.schema == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(bytes.TrimPrefix(doc, byteOrderMark), &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Update applies fn to the document under an exclusive lock and writes the
// result atomically. Nothing is written when fn fails, the result does not
// validate, or the bytes are unchanged; changed reports whether the file
// was rewritten.
func (s *Store) Update(fn func(doc []byte) ([]byte, error)) (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockPath(s.path + ".lock")
	if err != nil {
		return false, fmt.Errorf("lock settings: %w", err)
	}
	defer unlock()

	doc, err := s.Load()
	if err != nil {
		return false, err
	}
	next, err := fn(doc)
	if err != nil {
		return false, err
	}
	if bytes.Equal(doc, next) {
		return false, nil
	}
	if err := s.Validate(next); err != nil {
		return false, err
	}
	if err := writeAtomic(s.path, next); err != nil {
		return false, err
	}
	return true, nil
}

func writeAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		return fail(fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync: %w", err))
	}
	if err := tmp.Chmod(mode); err != nil {
		return fail(fmt.Errorf("chmod: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
