// Package report writes the merged triage results as a single JSON
// document.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/renameio/v2"

	"triagewalk"
)

// Report is the top level document.
type Report struct {
	Crashes []triagewalk.Result `json:"crashes"`
}

// New wraps results, never producing a null crashes list.
func New(results []triagewalk.Result) Report {
	if results == nil {
		results = []triagewalk.Result{}
	}
	return Report{Crashes: results}
}

// Encode writes r to w.
func (r Report) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// IsStdout reports whether path names standard output.
func IsStdout(path string) bool {
	return path == "" || path == "-" || path == "/dev/stdout"
}

// Write sends r to stdout or to the file at path.
func (r Report) Write(path string) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return Output(path, append(b, '\n'))
}

// Output writes b to stdout, or atomically replaces the file at path so a
// reader never sees a partial report.
func Output(path string, b []byte) error {
	if IsStdout(path) {
		_, err := os.Stdout.Write(b)
		return err
	}
	if err := renameio.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return nil
}
