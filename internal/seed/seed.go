// Package seed loads the last-saved content of an artifact, used to fill a
// room that has no replica yet, and saves content back.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Source loads the authoritative content for a room. found is false when
// the source has nothing for it.
type Source interface {
	Load(ctx context.Context, room string) (text string, found bool, err error)
}

// Saver stores content for a room.
type Saver interface {
	Save(ctx context.Context, room, text string) error
}

// Store is a Source that can also save.
type Store interface {
	Source
	Saver
}

// File serves a single artifact on disk for whatever room it is asked
// about. The agent edits one artifact per process.
type File struct {
	Path string
}

func (f File) Load(_ context.Context, _ string) (string, bool, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", f.Path, err)
	}
	return string(data), true, nil
}

// Save writes text to a temporary file and renames it over the artifact.
func (f File) Save(_ context.Context, _ string, text string) error {
	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, ".collabtext-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("replacing %s: %w", f.Path, err)
	}
	return nil
}

// Chain tries each source in order and returns the first hit.
type Chain []Source

func (c Chain) Load(ctx context.Context, room string) (string, bool, error) {
	for _, s := range c {
		text, found, err := s.Load(ctx, room)
		if err != nil {
			return "", false, err
		}
		if found {
			return text, true, nil
		}
	}
	return "", false, nil
}

// Fanout saves to every saver, stopping at the first error.
type Fanout []Saver

func (f Fanout) Save(ctx context.Context, room, text string) error {
	for _, s := range f {
		if err := s.Save(ctx, room, text); err != nil {
			return err
		}
	}
	return nil
}
