// Package crash holds the records produced by the triage analyzers, along
// with the compact protobuf Entry used by the results database.
package crash

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"maps"
	"strconv"
	"strings"
)

// Registers is the fixed general purpose register set captured at the
// innermost frame of a crash.
var Registers = []string{
	"rax", "rcx", "rdx", "rbx",
	"rsi", "rdi", "rsp", "rbp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// Frame is one entry in a backtrace. Registers holds the snapshot taken at
// the innermost frame; every frame of a backtrace carries the same values.
type Frame struct {
	Address   string            `json:"address"`
	Function  string            `json:"function"`
	Registers map[string]string `json:"registers"`
}

// Record is the output of a debugger analyzer. A zero Reason with an empty
// Backtrace means no crash was observed.
type Record struct {
	Reason    string  `json:"reason"`
	Backtrace []Frame `json:"backtrace"`
	// Incomplete is set when the target stopped abnormally but the frame or
	// register data could not be read.
	Incomplete bool   `json:"incomplete,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Empty returns a record with a non-nil, empty backtrace so it serializes
// as [] rather than null.
func Empty() Record {
	return Record{Backtrace: []Frame{}}
}

// Crashed reports whether the record describes an observed abnormal stop.
func (r Record) Crashed() bool {
	return r.Reason != "" || len(r.Backtrace) > 0 || r.Incomplete
}

// Meta is the output of the metadata analyzer.
type Meta struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	Hash  string `json:"hash"`
	Error string `json:"error,omitempty"`
}

// Failure stands in for an analyzer record when the analyzer returned an
// error without a record of its own, or panicked.
type Failure struct {
	Error string `json:"error"`
}

// Hex renders a 64 bit value the way addresses and registers appear in
// reports.
func Hex(v uint64) string {
	return fmt.Sprintf("0x%016x", v)
}

// ParseHex is the inverse of Hex. It also accepts unpadded and decimal
// values.
func ParseHex(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

// NewBacktrace builds frames from parallel pc and name slices, innermost
// first, each carrying its own copy of regs.
func NewBacktrace(pcs []uint64, names []string, regs map[string]uint64) []Frame {
	snap := make(map[string]string, len(regs))
	for name, v := range regs {
		snap[name] = Hex(v)
	}
	frames := make([]Frame, 0, len(pcs))
	for i, pc := range pcs {
		name := ""
		if i < len(names) {
			name = names[i]
		}
		frames = append(frames, Frame{
			Address:   Hex(pc),
			Function:  name,
			Registers: maps.Clone(snap),
		})
	}
	return frames
}

// majorDepth is how many frames from the top of the stack feed the major
// half of the bucket hash.
const majorDepth = 5

// Bucket returns a major.minor hash for deduplication. The major hash covers
// the function names of the innermost frames, the minor hash covers the stop
// reason and every frame. Records without a crash hash to "".
func Bucket(r Record) string {
	if !r.Crashed() || len(r.Backtrace) == 0 {
		return ""
	}
	major := md5.New()
	minor := md5.New()
	fmt.Fprintf(minor, "%s\n", r.Reason)
	for i, f := range r.Backtrace {
		name := f.Function
		if name == "" {
			name = "???"
		}
		if i < majorDepth {
			fmt.Fprintf(major, "%s\n", name)
		}
		fmt.Fprintf(minor, "%s\n", name)
	}
	return hex.EncodeToString(major.Sum(nil)) + "." + hex.EncodeToString(minor.Sum(nil))
}

// SplitBucket splits a bucket hash into its halves. A bare major hash is
// returned with an empty minor.
func SplitBucket(h string) (major, minor string) {
	major, minor, _ = strings.Cut(h, ".")
	return major, minor
}
