// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/renameio/v2"

	xglog "github.com/ManuGH/xoffline/internal/log"
)

const licenseFileExt = ".license"

// FileStore keeps one file per content ID in a directory. File names are the
// URL-safe base64 of the content ID, so arbitrary manifest URLs map to valid names.
type FileStore struct {
	dir string
}

// OpenFileStore creates dir if needed.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Close() error { return nil }

// FileName returns the file name used for contentID.
func FileName(contentID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(contentID)) + licenseFileExt
}

func (s *FileStore) path(contentID string) string {
	return filepath.Join(s.dir, FileName(contentID))
}

func (s *FileStore) Get(ctx context.Context, contentID string) (*Record, error) {
	data, err := os.ReadFile(s.path(contentID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", contentID, err)
	}
	return decodeRecord(data)
}

// Put writes through a pending file that is fsynced and renamed over the
// destination, so a reader sees either the old or the new record.
func (s *FileStore) Put(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	buf, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	logger := xglog.FromContext(ctx)

	pendingFile, err := renameio.NewPendingFile(s.path(rec.ContentID), renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("create pending license file: %w", err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			logger.Debug().Err(err).Msg("cleanup pending license file")
		}
	}()

	if _, err := pendingFile.Write(buf); err != nil {
		return fmt.Errorf("write license data: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace license file: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, contentID string) error {
	err := os.Remove(s.path(contentID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: remove %s: %w", contentID, err)
	}
	return nil
}

// ListIDs decodes the file names in the store directory. Pending files and
// names that are not valid encodings are ignored.
func (s *FileStore) ListIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", s.dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, licenseFileExt) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, licenseFileExt))
		if err != nil {
			continue
		}
		ids = append(ids, string(raw))
	}
	slices.Sort(ids)
	return ids, nil
}
