package storage

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNoInput = errors.New("storage: no files selected for transfer")

	// ErrZipSlip marks an archive whose member names escape the
	// extraction root. Nothing is written when it is returned.
	ErrZipSlip = errors.New("storage: archive member escapes extraction directory")
)

// hashBufSize is the read granularity for file digests.
const hashBufSize = 1 << 20

// TransferMeta describes what actually goes on the wire for a share.
type TransferMeta struct {
	IsZip bool   // staged archive vs original file
	Path  string // file to stream (original path, or the staged zip)
	Name  string // wire-visible name shown to receivers
	Size  int64  // bytes on the wire, pre-encryption
}

// PrepareTransfer resolves a user's selection into a single streamable
// file.
//
// Concept:
//
//	The stream protocol moves exactly one file per transfer. A selection
//	of one regular file is sent as-is. Anything else (several files, a
//	directory, a mix) is packed into one DEFLATE zip staged at
//	stagingPath, offered under the fixed name "Archive.zip".
//
// Archive layout:
//
//	plain file      -> <basename>
//	directory tree  -> <dirname>/<relative path>  (forward slashes)
//
// Entries that are neither regular files nor directories are skipped.
// The caller owns the staged archive and deletes it once the offer is
// cancelled or the engine stops.
func PrepareTransfer(paths []string, stagingPath string) (*TransferMeta, error) {
	if len(paths) == 0 {
		return nil, ErrNoInput
	}

	if len(paths) == 1 {
		if fi, err := os.Stat(paths[0]); err == nil && fi.Mode().IsRegular() {
			return &TransferMeta{
				Path: paths[0],
				Name: filepath.Base(paths[0]),
				Size: fi.Size(),
			}, nil
		}
	}

	if err := buildArchive(paths, stagingPath); err != nil {
		os.Remove(stagingPath)
		return nil, err
	}

	fi, err := os.Stat(stagingPath)
	if err != nil {
		return nil, fmt.Errorf("storage: stat staged archive: %w", err)
	}

	return &TransferMeta{
		IsZip: true,
		Path:  stagingPath,
		Name:  "Archive.zip",
		Size:  fi.Size(),
	}, nil
}

func buildArchive(paths []string, stagingPath string) error {
	out, err := os.Create(stagingPath)
	if err != nil {
		return fmt.Errorf("storage: create staging archive: %w", err)
	}

	zw := zip.NewWriter(out)
	for _, path := range paths {
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}

		switch {
		case fi.Mode().IsRegular():
			err = addArchiveFile(zw, path, filepath.Base(path))
		case fi.IsDir():
			err = addArchiveDir(zw, path)
		}
		if err != nil {
			zw.Close()
			out.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("storage: finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("storage: close archive: %w", err)
	}
	return nil
}

func addArchiveDir(zw *zip.Writer, dir string) error {
	base := filepath.Base(filepath.Clean(dir))

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		return addArchiveFile(zw, path, filepath.ToSlash(filepath.Join(base, rel)))
	})
}

func addArchiveFile(zw *zip.Writer, path, arcname string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", path, err)
	}
	defer src.Close()

	dst, err := zw.Create(arcname)
	if err != nil {
		return fmt.Errorf("storage: add archive member %s: %w", arcname, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("storage: write archive member %s: %w", arcname, err)
	}
	return nil
}

// SHA256File computes the hex digest of a file, reading in 1 MiB blocks so
// large transfers never sit fully in memory.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("storage: open for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashBufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("storage: hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// ExtractZip unpacks zipPath into extractDir and deletes the archive on
// success.
//
// Every member name is validated BEFORE anything touches disk: a name whose
// cleaned join escapes extractDir (path traversal via "../" or absolute
// segments) aborts the whole extraction with ErrZipSlip, leaving the
// archive in place for inspection.
func ExtractZip(zipPath, extractDir string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("storage: open archive: %w", err)
	}

	root := filepath.Clean(extractDir)
	for _, member := range zr.File {
		target := filepath.Join(root, filepath.FromSlash(member.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			zr.Close()
			return fmt.Errorf("%w: %q", ErrZipSlip, member.Name)
		}
	}

	for _, member := range zr.File {
		if err := extractMember(member, root); err != nil {
			zr.Close()
			return err
		}
	}

	if err := zr.Close(); err != nil {
		return fmt.Errorf("storage: close archive: %w", err)
	}
	return os.Remove(zipPath)
}

func extractMember(member *zip.File, root string) error {
	target := filepath.Join(root, filepath.FromSlash(member.Name))

	if member.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("storage: create member directory: %w", err)
	}

	src, err := member.Open()
	if err != nil {
		return fmt.Errorf("storage: open archive member %s: %w", member.Name, err)
	}
	defer src.Close()

	// Fixed mode: archives from other peers don't get to pick
	// permissions.
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("storage: create %s: %w", target, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("storage: extract %s: %w", member.Name, err)
	}
	return dst.Close()
}
