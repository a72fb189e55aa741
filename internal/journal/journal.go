package journal

// Package journal records routed tool calls in BadgerDB.
// It is an audit trail of invocations, not a cache: nothing is read back
// into the catalog.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const keyPrefixCall = "calls:"

// Record is one routed tool call
type Record struct {
	ID        string        `json:"id"`
	Tool      string        `json:"tool"`
	Server    string        `json:"server,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	IsError   bool          `json:"is_error"`
	Error     string        `json:"error,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
}

// Options configures a Journal
type Options struct {
	// Path is the database directory; ignored when InMemory is set
	Path     string
	InMemory bool
	// Retention expires records after the given age; zero keeps them forever
	Retention time.Duration
	// GCInterval is how often value log GC runs; zero disables it
	GCInterval time.Duration
}

// Journal is an append-only call log
type Journal struct {
	db        *badgerdb.DB
	retention time.Duration

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open opens (or creates) a journal
func Open(opts Options) (*Journal, error) {
	bopts := badgerdb.DefaultOptions(opts.Path)
	if opts.InMemory {
		bopts = badgerdb.DefaultOptions("").WithInMemory(true)
	}
	bopts.Logger = nil // Disable badger's internal logging (use our zerolog)
	bopts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	j := &Journal{
		db:        db,
		retention: opts.Retention,
		stop:      make(chan struct{}),
	}

	if opts.GCInterval > 0 && !opts.InMemory {
		j.wg.Add(1)
		go j.gcLoop(opts.GCInterval)
	}

	log.Info().
		Str("path", opts.Path).
		Bool("in_memory", opts.InMemory).
		Dur("retention", opts.Retention).
		Msg("Invocation journal opened")

	return j, nil
}

func callKey(r *Record) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", keyPrefixCall, r.StartedAt.UnixNano(), r.ID))
}

// Record stores r, assigning an ID and start time when missing
func (j *Journal) Record(ctx context.Context, r *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	entry := badgerdb.NewEntry(callKey(r), data)
	if j.retention > 0 {
		entry = entry.WithTTL(j.retention)
	}

	if err := j.db.Update(func(txn *badgerdb.Txn) error {
		return txn.SetEntry(entry)
	}); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first
func (j *Journal) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	records := make([]Record, 0, limit)
	err := j.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefixCall)
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(records) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var r Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				log.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("Skipping unreadable journal record")
				continue
			}
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return records, nil
}

// Count returns the number of stored records
func (j *Journal) Count(ctx context.Context) (int, error) {
	count := 0
	err := j.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefixCall)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return ctx.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count journal: %w", err)
	}
	return count, nil
}

func (j *Journal) gcLoop(interval time.Duration) {
	defer j.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			if err := j.db.RunValueLogGC(0.5); err != nil && err != badgerdb.ErrNoRewrite {
				log.Warn().Err(err).Msg("Journal GC failed")
			}
		}
	}
}

// Close stops background GC and closes the database
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.stop)
		j.wg.Wait()
		log.Info().Msg("Closing invocation journal")
		err = j.db.Close()
	})
	return err
}
