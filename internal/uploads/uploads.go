// Package uploads stores visitor media on local disk and hands out the
// public /uploads/ URLs persisted into message history.
package uploads

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
)

// ErrTooLarge is returned when an upload exceeds the configured size limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

// maxImageDim caps re-encoded image dimensions.
const maxImageDim = 2048

// Saved describes one stored upload.
type Saved struct {
	URL  string // public path, e.g. /uploads/3f1c...jpg
	Path string // absolute path on disk, usable for direct file uploads
	Size int64
}

// Store writes uploads under a single directory with random names.
type Store struct {
	dir      string
	maxBytes int64
}

// New creates the upload directory if needed.
func New(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

// Dir returns the directory served under /uploads/.
func (s *Store) Dir() string { return s.dir }

// MaxBytes returns the per-file size limit.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Save streams one upload to disk under a random name. Images are re-encoded
// (EXIF orientation applied, oversized dimensions capped) so the stored file
// is plain JPEG/PNG regardless of what the browser sent. Returns ErrTooLarge
// when the stream exceeds the limit; the partial file is removed.
func (s *Store) Save(r io.Reader, originalName string, kind bus.Kind) (*Saved, error) {
	ext := safeExt(originalName, kind)
	name := uuid.NewString() + ext
	path := filepath.Join(s.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}

	written, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("save upload: %w", err)
	}
	if written > s.maxBytes {
		os.Remove(path)
		return nil, ErrTooLarge
	}

	if kind == bus.KindImage {
		if err := sanitizeImage(path); err != nil {
			// A broken image is rejected outright rather than stored raw.
			os.Remove(path)
			return nil, fmt.Errorf("decode image: %w", err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat upload: %w", err)
	}

	slog.Debug("upload stored", "name", name, "bytes", info.Size(), "kind", kind)
	return &Saved{URL: "/uploads/" + name, Path: path, Size: info.Size()}, nil
}

// sanitizeImage decodes and re-encodes an image in place, applying EXIF
// orientation and capping dimensions. Strips metadata as a side effect.
func sanitizeImage(path string) error {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return err
	}
	if img.Bounds().Dx() > maxImageDim || img.Bounds().Dy() > maxImageDim {
		img = imaging.Fit(img, maxImageDim, maxImageDim, imaging.Lanczos)
	}
	return imaging.Save(img, path, imaging.JPEGQuality(85))
}

// safeExt picks a storage extension from the client filename, falling back
// to a default per kind. Anything suspicious is dropped.
func safeExt(name string, kind bus.Kind) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch kind {
	case bus.KindImage:
		// Limited to formats the re-encoder can write back.
		switch ext {
		case ".jpg", ".jpeg", ".png":
			return ext
		}
		return ".jpg"
	case bus.KindVideo:
		switch ext {
		case ".mp4", ".mov", ".webm", ".mkv":
			return ext
		}
		return ".mp4"
	}
	return ".bin"
}
