// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package filehash computes a content-addressed hash of a filesystem
// subtree. The hash is a pure function of file kind, permission bits, and
// payload — never of timestamps, ownership, or the path used to reach it —
// so that identical output trees produced by different invocations of the
// same action hash identically.
//
// Symbolic links are hashed by their target text and are never followed;
// following a symlink during hashing would let an action's declared output
// point outside the sandbox it was produced in.
package filehash

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"crucible.build/pkg/internal/osutil"
)

// Hash is a 32-byte BLAKE3 digest of a file or directory tree.
type Hash [32]byte

// String returns the lowercase hex encoding of h, the form used for
// filesystem names in the cached-outputs store.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText implements [encoding.TextMarshaler].
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses the lowercase hex encoding produced by [Hash.String].
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != hex.EncodedLen(len(h)) {
		return Hash{}, fmt.Errorf("parse hash %q: want %d hex characters, got %d", s, hex.EncodedLen(len(h)), len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("parse hash %q: %v", s, err)
	}
	return h, nil
}

// File kind tags for the canonical encoding. These values are part of the
// hash's wire format: changing them changes every hash in existence.
const (
	kindRegular   = 0x00
	kindDirectory = 0x01
	kindSymlink   = 0x02
)

// Tree computes the canonical content hash of the filesystem object at
// path, relative to dirfd. dirfd may be [osutil.AT_FDCWD]. If the object is
// a directory, the hash covers its entire recursive contents.
func Tree(dirfd int, path string) (Hash, error) {
	hasher := blake3.New()
	if err := encodeNode(hasher, dirfd, path); err != nil {
		return Hash{}, err
	}
	var sum Hash
	copy(sum[:], hasher.Sum(nil))
	return sum, nil
}

// encodeNode appends the canonical encoding of the object named path
// (relative to dirfd) to w, recursing into directories. The encoding is
// the literal byte stream BLAKE3 is run over, not a hash of the child:
// the tree hasher is defined to be equivalent to "canonically encode the
// whole tree, then BLAKE3 the result."
func encodeNode(w io.Writer, dirfd int, path string) error {
	st, err := osutil.Fstatat(dirfd, path, unix.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	mode := uint16(st.Mode & 0o777)
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		return encodeRegular(w, dirfd, path, mode, st.Size)
	case unix.S_IFDIR:
		return encodeDirectory(w, dirfd, path, mode)
	case unix.S_IFLNK:
		return encodeSymlink(w, dirfd, path)
	default:
		return fmt.Errorf("hash %s: unsupported file kind (mode %#o)", path, st.Mode)
	}
}

func encodeRegular(w io.Writer, dirfd int, path string, mode uint16, size int64) error {
	if err := writeHeader(w, kindRegular, mode, uint64(size)); err != nil {
		return err
	}
	f, err := osutil.Openat(dirfd, path, osutil.ORdOnly, 0)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	defer f.Close()
	n, err := io.Copy(w, f)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	if n != size {
		return fmt.Errorf("hash %s: read %d bytes but stat reported %d (file changed while hashing)", path, n, size)
	}
	return nil
}

func encodeDirectory(w io.Writer, dirfd int, path string, mode uint16) error {
	if _, err := w.Write([]byte{kindDirectory}); err != nil {
		return err
	}
	if err := writeUint16(w, mode); err != nil {
		return err
	}

	dir, err := osutil.Openat(dirfd, path, osutil.ODirectory|osutil.ORdOnly, 0)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	defer dir.Close()
	names, err := dir.Readdirnames(-1)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	sort.Strings(names)

	subdirfd := int(dir.Fd())
	for _, name := range names {
		if _, err := io.WriteString(w, name); err != nil {
			return err
		}
		if err := writeByte(w, 0); err != nil {
			return err
		}
		if err := encodeNode(w, subdirfd, name); err != nil {
			return err
		}
	}
	return writeByte(w, 0)
}

func encodeSymlink(w io.Writer, dirfd int, path string) error {
	if err := writeByte(w, kindSymlink); err != nil {
		return err
	}
	target, err := osutil.Readlinkat(dirfd, path)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	if _, err := io.WriteString(w, target); err != nil {
		return err
	}
	return writeByte(w, 0)
}

func writeHeader(w io.Writer, kind byte, mode uint16, size uint64) error {
	if err := writeByte(w, kind); err != nil {
		return err
	}
	if err := writeUint16(w, mode); err != nil {
		return err
	}
	return writeUint64(w, size)
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func writeUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}
