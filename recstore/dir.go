// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Stasio Authors

// Package recstore keeps voicemail recordings as wav files on disk. It is
// the local counterpart of the server side stored recordings: the same list
// contract, but with metadata read from the files themselves.
package recstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-audio/riff"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arivoip/stasio"
)

// ErrNoAudioData flags a wav file with headers but an empty or missing data
// chunk.
var ErrNoAudioData = errors.New("wav file has no audio data chunk")

// Dir is a filesystem recording store. Files are named "<id>.wav" where ids
// carry the "<mailbox>-" prefix the engine records under, so listing per
// mailbox is a prefix scan.
type Dir struct {
	root string
	log  zerolog.Logger
}

type DirOption func(*Dir)

func WithLogger(l zerolog.Logger) DirOption {
	return func(d *Dir) {
		d.log = l
	}
}

func NewDir(root string, opts ...DirOption) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating recording dir: %w", err)
	}
	d := &Dir{root: root, log: log.Logger}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// List implements stasio.RecordingStore, most recent last by file mtime.
// Files that do not parse as wav are skipped with a warning rather than
// failing the whole listing.
func (d *Dir) List(ctx context.Context, mbox string) ([]stasio.StoredRecording, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("reading recording dir: %w", err)
	}

	prefix := mbox + "-"
	var out []stasio.StoredRecording
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wav") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".wav")
		if !strings.HasPrefix(id, prefix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		rec, err := d.describe(id, mbox)
		if err != nil {
			d.log.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping unreadable recording")
			continue
		}
		rec.StoredAt = info.ModTime()
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StoredAt.Before(out[j].StoredAt)
	})
	return out, nil
}

func (d *Dir) describe(id, mbox string) (stasio.StoredRecording, error) {
	f, err := os.Open(d.path(id))
	if err != nil {
		return stasio.StoredRecording{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return stasio.StoredRecording{}, fmt.Errorf("not a valid wav file")
	}
	dur, err := dec.Duration()
	if err != nil {
		return stasio.StoredRecording{}, fmt.Errorf("reading duration: %w", err)
	}

	return stasio.StoredRecording{
		ID:       id,
		Mailbox:  mbox,
		Format:   "wav",
		Duration: dur,
	}, nil
}

// Put stores a recording after validating it actually carries audio. The
// write goes through a temp file so a half written recording is never
// listed.
func (d *Dir) Put(ctx context.Context, id string, r io.Reader) error {
	tmp, err := os.CreateTemp(d.root, ".rec-*")
	if err != nil {
		return fmt.Errorf("creating temp recording: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing recording: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := validateWav(tmp.Name()); err != nil {
		return fmt.Errorf("recording %q: %w", id, err)
	}
	return os.Rename(tmp.Name(), d.path(id))
}

// Has reports whether a recording is already archived.
func (d *Dir) Has(id string) bool {
	_, err := os.Stat(d.path(id))
	return err == nil
}

func (d *Dir) Delete(ctx context.Context, id string) error {
	err := os.Remove(d.path(id))
	if errors.Is(err, os.ErrNotExist) {
		// Deleting twice is fine, the recording is gone either way
		return nil
	}
	return err
}

func (d *Dir) path(id string) string {
	// ids come from uuid based command ids, but never trust them as paths
	return filepath.Join(d.root, filepath.Base(id)+".wav")
}

// validateWav scans the riff chunks and requires a non empty data chunk.
func validateWav(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	parser := riff.New(f)
	if err := parser.ParseHeaders(); err != nil {
		return fmt.Errorf("parsing riff headers: %w", err)
	}

	for {
		ch, err := parser.NextChunk()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrNoAudioData
			}
			return fmt.Errorf("reading riff chunk: %w", err)
		}
		if ch.ID == riff.DataFormatID {
			if ch.Size == 0 {
				return ErrNoAudioData
			}
			return nil
		}
		ch.Drain()
	}
}
