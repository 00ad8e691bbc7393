package simpledatastore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Content file naming.
//
// Every stored object lives in one file named {id}_{hash}.dat, so the name
// alone identifies the object and the content it must hold.

const (
	// FileExt is the extension of content files and of the ledger.
	FileExt = ".dat"

	// ReservedPrefix marks files that belong to the store itself, such as
	// the ledger. Directory scans skip them before decoding.
	ReservedPrefix = "_"

	nameSep = "_"
)

// Descriptor identifies a content file. It is a value: every encode or
// decode builds a fresh one.
type Descriptor struct {
	Path string
	ID   int64
	Hash string
}

// Name returns the base filename of the descriptor.
func (d Descriptor) Name() string {
	return filepath.Base(d.Path)
}

// FileName returns the content filename for an id and hash.
func FileName(id int64, hash string) string {
	return strconv.FormatInt(id, 10) + nameSep + hash + FileExt
}

// EncodeFilename returns the descriptor of the content file for id and hash
// inside dir. It does not touch the filesystem.
func EncodeFilename(dir string, id int64, hash string) Descriptor {
	return Descriptor{
		Path: filepath.Join(dir, FileName(id, hash)),
		ID:   id,
		Hash: hash,
	}
}

// DecodeFilename decodes the content file at path. The file must exist and
// be a regular file; ErrNotFound is returned otherwise.
func DecodeFilename(path string) (Descriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Descriptor{}, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return Descriptor{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return Descriptor{}, fmt.Errorf("%s is not a regular file: %w", path, ErrNotFound)
	}

	id, hash, err := ParseFilename(filepath.Base(path))
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{Path: path, ID: id, Hash: hash}, nil
}

// ParseFilename splits a content filename into its id and hash without
// consulting the filesystem. The hash segment is returned verbatim.
func ParseFilename(name string) (int64, string, error) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))

	parts := strings.SplitN(stem, nameSep, 3)
	if len(parts) < 2 {
		return 0, "", fmt.Errorf("%w: %q has no hash segment", ErrMalformedName, name)
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q: %v", ErrMalformedName, name, err)
	}
	return id, parts[1], nil
}

// IsReserved reports whether name belongs to the store's own bookkeeping.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, ReservedPrefix)
}
