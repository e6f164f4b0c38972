// triagewalk is a support package for triaging fuzzer crashfiles on unix
// systems. It catalogs the candidate inputs in a directory and runs each one
// through a configurable set of analyzers (file metadata, a debugger
// backend), merging the results per input.
package triagewalk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"

	"triagewalk/crash"
)

// Analyzer is implemented by everything that can inspect a triage unit.
// Analyze should convert its own per-unit failures into a degraded record;
// any error it does return is logged and never stops the run.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, u *Unit) (any, error)
	Details() map[string]string
}

// Unit is one candidate input. Analysis is owned by the Triage that built
// the unit and is written once per analyzer.
type Unit struct {
	Name     string
	Path     string
	Analysis map[string]any
}

// Result is the merged, read-only view of a Unit after a run.
type Result struct {
	Name     string         `json:"name"`
	Path     string         `json:"path"`
	Analysis map[string]any `json:"analysis"`
}

// Result snapshots the unit.
func (u *Unit) Result() Result {
	analysis := make(map[string]any, len(u.Analysis))
	for k, v := range u.Analysis {
		analysis[k] = v
	}
	return Result{Name: u.Name, Path: u.Path, Analysis: analysis}
}

// TriageConfig is used to set the assorted configuration options for
// NewTriage()
type TriageConfig struct {
	Root       string                  // directory holding the candidate inputs
	FilterFunc func(path string) error // non-nil error skips the file
	Analyzers  []Analyzer              // run in this order for every unit
}

// Triage runs analyzers over a catalog. Runs are strictly sequential;
// concurrent calls to Run() are serialised via an internal mutex.
type Triage struct {
	config TriageConfig
	sync.Mutex
}

var ErrNotDir = errors.New("not a directory")

// NewTriage creates a Triage, checking that the root is a directory and that
// analyzer names are unique.
func NewTriage(config TriageConfig) (*Triage, error) {

	fi, err := os.Stat(config.Root)
	if err != nil {
		return nil, fmt.Errorf("couldn't stat root %s: %w", config.Root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s: %w", config.Root, ErrNotDir)
	}

	if len(config.Analyzers) == 0 {
		return nil, errors.New("no analyzers configured")
	}
	seen := make(map[string]bool)
	for _, a := range config.Analyzers {
		if seen[a.Name()] {
			return nil, fmt.Errorf("duplicate analyzer name %q", a.Name())
		}
		seen[a.Name()] = true
	}

	if config.FilterFunc == nil {
		config.FilterFunc = func(string) error { return nil }
	}

	return &Triage{config: config}, nil
}

// Run catalogs the root and analyzes every unit with every analyzer, in
// catalog order and then analyzer order. Only a failure to read the root is
// returned as an error; analyzer failures degrade that unit's entry. If ctx
// is cancelled the results gathered so far are returned with ctx.Err().
func (tw *Triage) Run(ctx context.Context) ([]Result, error) {

	tw.Lock()
	defer tw.Unlock()

	units, err := BuildCatalog(tw.config.Root, tw.config.FilterFunc)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"root":  tw.config.Root,
		"units": len(units),
	}).Info("Catalog built")

	results := make([]Result, 0, len(units))
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		for _, a := range tw.config.Analyzers {
			u.Analysis[a.Name()] = tw.analyze(ctx, a, u)
		}
		results = append(results, u.Result())
	}
	return results, nil
}

// analyze invokes one analyzer and always returns a record for it.
func (tw *Triage) analyze(ctx context.Context, a Analyzer, u *Unit) (rec any) {

	l := log.WithFields(log.Fields{
		"analyzer": a.Name(),
		"unit":     u.Name,
	})

	defer func() {
		if r := recover(); r != nil {
			l.WithField("stack", string(debug.Stack())).Errorf("Analyzer panicked: %v", r)
			rec = crash.Failure{Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	rec, err := a.Analyze(ctx, u)
	if err != nil {
		l.WithError(err).Warning("Analysis degraded")
		if rec == nil {
			rec = crash.Failure{Error: err.Error()}
		}
		return rec
	}
	if rec == nil {
		rec = crash.Failure{Error: "analyzer returned no record"}
	}
	l.Debug("Analysis done")
	return rec
}
