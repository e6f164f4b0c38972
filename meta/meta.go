// Package meta implements the file metadata analyzer: size and SHA-256 of
// each triage unit.
package meta

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"triagewalk"
	"triagewalk/crash"
)

// Name is the key the analyzer's records are stored under.
const Name = "meta"

type Analyzer struct{}

func (*Analyzer) Name() string { return Name }

func (*Analyzer) Details() map[string]string {
	return map[string]string{"hash": "sha256"}
}

// Analyze reads the whole unit into memory, hashing it on the way. If the
// file can't be read the returned record carries the path and the error.
func (*Analyzer) Analyze(_ context.Context, u *triagewalk.Unit) (any, error) {

	f, err := os.Open(u.Path)
	if err != nil {
		return crash.Meta{Path: u.Path, Error: err.Error()}, fmt.Errorf("couldn't open file %s: %w", u.Path, err)
	}
	defer f.Close()

	hsh := sha256.New()
	data, err := io.ReadAll(io.TeeReader(f, hsh))
	if err != nil {
		return crash.Meta{Path: u.Path, Error: err.Error()}, fmt.Errorf("couldn't read file %s: %w", u.Path, err)
	}

	return crash.Meta{
		Path: u.Path,
		Size: int64(len(data)),
		Hash: hex.EncodeToString(hsh.Sum(nil)),
	}, nil
}
