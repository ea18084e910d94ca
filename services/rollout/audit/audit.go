// Copyright (C) 2026 Expgate Authors (maintainers@expgate.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package audit persists the append-only rollout event trail in BadgerDB.
//
// Every allocation change, rollback, disable, and archive is recorded here
// with its trigger and reason. Events are never mutated or deleted by the
// engine; superseded analysis context lives in the event payload itself.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/expgate/expgate/services/rollout/datatypes"
	"github.com/google/uuid"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("audit log is closed")

// Config holds configuration for the audit log's BadgerDB instance.
type Config struct {
	// Path is the directory for database files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode. Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Audit records should survive a crash; default true in production.
	SyncWrites bool

	// Logger for BadgerDB operations. If nil, BadgerDB's internal logging
	// is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for testing.
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

// Log is the append-only audit log.
//
// Keys are "event:{unixnano}:{uuid}" so a forward iteration is
// chronological and a reverse iteration yields the most recent events.
//
// Thread Safety: Safe for concurrent use; BadgerDB transactions are
// internally synchronized.
type Log struct {
	db     *badger.DB
	closed bool
}

// Open creates and opens the audit log.
//
// Inputs:
//   - cfg: Database configuration. Path is required unless InMemory is true.
//
// Outputs:
//   - *Log: The opened log. Caller must call Close when done.
//   - error: Non-nil if the path is invalid or the database cannot open.
func Open(cfg Config) (*Log, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent audit log")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create audit directory %s: %w", cfg.Path, err)
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
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return &Log{db: db}, nil
}

// Append writes one rollout event.
//
// Description:
//
//	Assigns the event an id and timestamp when missing, serializes it to
//	JSON, and writes it under a chronologically-ordered key. The write is
//	synchronous when SyncWrites is enabled.
//
// Outputs:
//   - error: Non-nil on serialization or storage failure.
//
// Thread Safety: Safe for concurrent use.
func (l *Log) Append(event datatypes.RolloutEvent) error {
	if l.closed {
		return ErrClosed
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal rollout event: %w", err)
	}
	key := fmt.Sprintf("event:%020d:%s", event.Timestamp.UnixNano(), event.ID)

	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), payload)
	})
}

// Recent returns up to limit events, newest first, optionally filtered by
// experiment id (empty matches all).
//
// Thread Safety: Safe for concurrent use.
func (l *Log) Recent(experimentID string, limit int) ([]datatypes.RolloutEvent, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}

	out := make([]datatypes.RolloutEvent, 0, limit)
	err := l.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Reverse = true
		iterOpts.Prefix = []byte("event:")
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		// Reverse iteration starts past the prefix range.
		for it.Seek([]byte("event;")); it.Valid() && len(out) < limit; it.Next() {
			var event datatypes.RolloutEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			}); err != nil {
				return err
			}
			if experimentID != "" && event.ExperimentID != experimentID {
				continue
			}
			out = append(out, event)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read audit events: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
