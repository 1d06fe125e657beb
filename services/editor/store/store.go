// Copyright (C) 2025 Redline Labs (engineering@redline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists documents in an embedded BadgerDB instance.
//
// The store is the single source of truth for document content and
// version numbers. Commits are optimistic: the caller states the version
// it read, and the store rejects the write with a VersionConflictError
// when another writer got there first. The patch applier serializes
// writes per document, so conflicts only surface across processes or
// after a crash-recovery replay.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/redline-ai/redline/services/editor/datatypes"
)

// ErrNotFound is returned when a document id has no stored record.
var ErrNotFound = errors.New("document not found")

const docKeyPrefix = "doc/"

// DocumentStore is the persistence boundary for documents.
type DocumentStore interface {
	// Load returns the stored document, or ErrNotFound.
	Load(ctx context.Context, id string) (*datatypes.Document, error)

	// Commit writes doc if the stored version still equals
	// expectedVersion. A first commit uses expectedVersion 0. On
	// mismatch it returns a *datatypes.VersionConflictError and leaves
	// the stored record untouched.
	Commit(ctx context.Context, doc *datatypes.Document, expectedVersion int64) error

	// Delete removes a document. Deleting an absent id is a no-op.
	Delete(ctx context.Context, id string) error

	// List returns all stored documents without their chunk payloads,
	// ordered by id.
	List(ctx context.Context) ([]*datatypes.Document, error)

	// BySource returns stored documents whose provenance source matches.
	BySource(ctx context.Context, source string) ([]*datatypes.Document, error)

	// Close releases the underlying database.
	Close() error
}

// Config holds configuration for the badger-backed store.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory
	// is true.
	Path string

	// InMemory disables disk persistence. Used in tests.
	InMemory bool

	// SyncWrites forces fsync on every commit.
	SyncWrites bool

	// GCInterval is how often value log garbage collection runs.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio that triggers a
	// value log rewrite.
	GCDiscardRatio float64

	Logger *slog.Logger
}

// DefaultConfig returns production defaults: durable writes and a
// five-minute GC cadence.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a test configuration with no disk I/O.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore implements DocumentStore over BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	stopGC chan struct{}
	doneGC chan struct{}
	logger *slog.Logger
}

// Open opens (or creates) a document store with the given configuration.
func Open(cfg Config) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// OpenInMemory opens a throwaway in-memory store for tests.
func OpenInMemory() (*BadgerStore, error) {
	return Open(InMemoryConfig())
}

// Load implements DocumentStore.
func (s *BadgerStore) Load(ctx context.Context, id string) (*datatypes.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var doc datatypes.Document
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(docKeyPrefix + id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("load document %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}
	return &doc, nil
}

// Commit implements DocumentStore. The version check and the write
// happen inside one read-write transaction.
func (s *BadgerStore) Commit(ctx context.Context, doc *datatypes.Document, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc == nil || doc.ID == "" {
		return errors.New("document with id is required")
	}

	key := []byte(docKeyPrefix + doc.ID)
	err := s.db.Update(func(txn *badger.Txn) error {
		var stored int64
		item, err := txn.Get(key)
		switch {
		case err == nil:
			verr := item.Value(func(val []byte) error {
				var existing datatypes.Document
				if uerr := json.Unmarshal(val, &existing); uerr != nil {
					return uerr
				}
				stored = existing.Version
				return nil
			})
			if verr != nil {
				return verr
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			stored = 0
		default:
			return err
		}

		if stored != expectedVersion {
			return &datatypes.VersionConflictError{
				DocumentID: doc.ID,
				Expected:   expectedVersion,
				Actual:     stored,
			}
		}

		payload, merr := json.Marshal(doc)
		if merr != nil {
			return fmt.Errorf("encode document: %w", merr)
		}
		return txn.Set(key, payload)
	})
	if err != nil {
		var conflict *datatypes.VersionConflictError
		if errors.As(err, &conflict) {
			return conflict
		}
		return fmt.Errorf("commit document %s: %w", doc.ID, err)
	}
	return nil
}

// Delete implements DocumentStore.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(docKeyPrefix + id))
	})
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

// List implements DocumentStore. Chunk payloads are dropped to keep
// listings cheap; callers needing chunks load the document directly.
func (s *BadgerStore) List(ctx context.Context) ([]*datatypes.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var docs []*datatypes.Document
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(docKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var doc datatypes.Document
				if uerr := json.Unmarshal(val, &doc); uerr != nil {
					return uerr
				}
				doc.Chunks = nil
				docs = append(docs, &doc)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// BySource returns stored documents whose provenance source matches.
// Matching is exact on the recorded source string.
func (s *BadgerStore) BySource(ctx context.Context, source string) ([]*datatypes.Document, error) {
	docs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	matched := docs[:0]
	for _, d := range docs {
		if d.Provenance != nil && strings.EqualFold(d.Provenance.Source, source) {
			matched = append(matched, d)
		}
	}
	return matched, nil
}

// Close implements DocumentStore.
func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
		s.stopGC = nil
	}
	return s.db.Close()
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.doneGC)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when nothing needed
			// collecting.
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

var _ DocumentStore = (*BadgerStore)(nil)
