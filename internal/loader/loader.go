// Package loader opens ELF, PE and flat binaries and normalizes them into
// an image.Image. It is the only package that touches files.
package loader

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"bg/internal/image"
)

var (
	ErrUnsupported = errors.New("unsupported binary")
	ErrEmpty       = errors.New("empty file")
	ErrMalformed   = errors.New("malformed binary")
)

// Options controls format detection.
type Options struct {
	// Format forces a loader: "elf", "pe" or "raw". Empty detects.
	Format string
	// Base is the load address of a raw image.
	Base uint64
}

// File is a loaded binary. Close releases the mapping.
type File struct {
	*image.Image
	Path    string
	Symbols []Symbol
	mapped  []byte
}

// Open maps path read-only and parses it. Gzip and zip wrapped inputs
// are unpacked into memory first.
func Open(path string, opts Options) (*File, error) {
	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer of.Close()

	fi, err := of.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if fi.Size() == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmpty)
	}

	all, err := unix.Mmap(int(of.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	data, err := unwrap(all, path)
	if err != nil {
		unix.Munmap(all)
		return nil, err
	}
	f, err := Parse(filepath.Base(path), data, opts)
	if err != nil {
		unix.Munmap(all)
		return nil, err
	}
	f.Path = path
	if &data[0] == &all[0] {
		f.mapped = all
	} else {
		unix.Munmap(all)
	}
	return f, nil
}

// Close unmaps the file. The image must not be used afterwards.
func (f *File) Close() error {
	if f.mapped == nil {
		return nil
	}
	err := unix.Munmap(f.mapped)
	f.mapped = nil
	f.Image.Data = nil
	return err
}

// Parse builds an image from data already in memory.
func Parse(name string, data []byte, opts Options) (*File, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrEmpty)
	}
	format := opts.Format
	if format == "" {
		format = detect(data)
	}
	var (
		f   *File
		err error
	)
	switch format {
	case "elf":
		f, err = parseELF(data)
	case "pe":
		f, err = parsePE(data)
	case "raw":
		f = &File{Image: image.Raw(name, data, opts.Base)}
	default:
		return nil, fmt.Errorf("%w: format %q", ErrUnsupported, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	f.Image.Name = name
	if err := f.Image.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	f.Symbols = sortSymbols(f.Symbols)
	slog.Debug("Loaded binary", "name", name, "format", f.Format, "sections", len(f.Sections), "symbols", len(f.Symbols))
	return f, nil
}

func detect(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x7fELF")):
		return "elf"
	case bytes.HasPrefix(data, []byte("MZ")):
		return "pe"
	}
	return "raw"
}

// unwrap returns the payload of a gzip stream or the first member of a
// zip archive, and data unchanged otherwise.
func unwrap(data []byte, name string) ([]byte, error) {
	if len(data) < 4 {
		return data, nil
	}

	if data[0] == 0x1f && data[1] == 0x8b {
		slog.Debug("Detected gzip compression", "file", name)
		reader, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer reader.Close()
		out, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("gzip decompression: %w", err)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%s: %w", name, ErrEmpty)
		}
		return out, nil
	}

	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		slog.Debug("Detected ZIP archive", "file", name)
		reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("zip reader: %w", err)
		}
		for _, zf := range reader.File {
			if zf.FileInfo().IsDir() {
				continue
			}
			rc, err := zf.Open()
			if err != nil {
				return nil, fmt.Errorf("open %s in zip: %w", zf.Name, err)
			}
			out, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, fmt.Errorf("read %s from zip: %w", zf.Name, err)
			}
			if len(out) == 0 {
				return nil, fmt.Errorf("%s in zip: %w", zf.Name, ErrEmpty)
			}
			slog.Debug("Using first archive member", "file", name, "member", zf.Name)
			return out, nil
		}
		return nil, fmt.Errorf("zip archive is empty")
	}
	return data, nil
}
