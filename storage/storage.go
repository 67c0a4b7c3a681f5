// Package storage persists expiry watch ledgers in Cloud Storage or a local directory.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wavesync/pkg/crew"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

const keyPrefix = "watch-"

// ErrNotFound is returned when no ledger exists for a company.
var ErrNotFound = errors.New("storage: object doesn't exist")

// Store handles watch ledger persistence. When localPath is set, ledgers are
// files in that directory and the Cloud Storage client is unused.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// WatchKey returns the object name of a company's ledger, or "" if companyID is
// not a UUID. Only canonical UUIDs reach the filesystem or bucket.
func WatchKey(companyID string) string {
	id, err := uuid.Parse(companyID)
	if err != nil {
		return ""
	}
	return keyPrefix + id.String() + ".json"
}

func withRetry(ctx context.Context, logger *slog.Logger, op, key string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	)
}

// Save writes a ledger.
func (s *Store) Save(ctx context.Context, w *crew.WatchState) error {
	key := WatchKey(w.CompanyID)
	if key == "" {
		return fmt.Errorf("invalid company id %q", w.CompanyID)
	}

	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal watch state: %w", err)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		tmp := filePath + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, filePath); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("Watch state saved to local storage", "path", filePath, "notified", len(w.Notified))
		return nil
	}

	err = withRetry(ctx, s.logger, "save", key, func() error {
		wr := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
		wr.ContentType = "application/json"
		if _, writeErr := wr.Write(data); writeErr != nil {
			if closeErr := wr.Close(); closeErr != nil {
				s.logger.Warn("Failed to close writer after error", "error", closeErr)
			}
			return fmt.Errorf("write to storage: %w", writeErr)
		}
		if closeErr := wr.Close(); closeErr != nil {
			return fmt.Errorf("close storage writer: %w", closeErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("Watch state saved", "key", key, "notified", len(w.Notified))
	return nil
}

// Load reads the ledger of a company. It returns ErrNotFound when none exists.
func (s *Store) Load(ctx context.Context, companyID string) (*crew.WatchState, error) {
	key := WatchKey(companyID)
	if key == "" {
		return nil, ErrNotFound
	}
	return s.load(ctx, key)
}

func (s *Store) load(ctx context.Context, key string) (*crew.WatchState, error) {
	var data []byte

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		var missing bool
		err := withRetry(ctx, s.logger, "load", key, func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if errors.Is(openErr, storage.ErrObjectNotExist) {
				missing = true
				return retry.Unrecoverable(ErrNotFound)
			}
			if openErr != nil {
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		})
		if missing {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var w crew.WatchState
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal watch state: %w", err)
	}
	if w.Notified == nil {
		w.Notified = make(map[string]crew.DocumentStatus)
	}
	return &w, nil
}

// Delete removes a company's ledger. Deleting a missing ledger is not an error.
func (s *Store) Delete(ctx context.Context, companyID string) error {
	key := WatchKey(companyID)
	if key == "" {
		return fmt.Errorf("invalid company id %q", companyID)
	}

	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	err := withRetry(ctx, s.logger, "delete", key, func() error {
		deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
		if errors.Is(deleteErr, storage.ErrObjectNotExist) {
			return nil
		}
		if deleteErr != nil {
			return fmt.Errorf("delete from storage: %w", deleteErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	s.logger.Info("Watch state deleted", "key", key)
	return nil
}

// List loads every ledger. Unreadable ledgers are logged and skipped.
func (s *Store) List(ctx context.Context) ([]*crew.WatchState, error) {
	var keys []string

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), keyPrefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, entry.Name())
		}
	} else {
		it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: keyPrefix})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("iterate storage: %w", err)
			}
			keys = append(keys, attrs.Name)
		}
	}

	var out []*crew.WatchState
	for _, key := range keys {
		w, err := s.load(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load watch state", "key", key, "error", err)
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// IsNotFound checks if an error indicates a ledger was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
