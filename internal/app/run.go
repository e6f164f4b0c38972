package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"triagewalk"
	"triagewalk/gdb"
	"triagewalk/lldb"
	"triagewalk/meta"
	"triagewalk/report"
	"triagewalk/store"
)

// Analyzers builds the analyzer set for a run: file metadata, then the
// selected debugger engine. command is the target binary and its arguments.
func Analyzers(o Options, command []string) ([]triagewalk.Analyzer, error) {

	if err := triagewalk.CheckCommand(command, o.Stdin); err != nil {
		return nil, err
	}

	timeout := time.Duration(o.Timeout) * time.Second
	var engine triagewalk.Analyzer
	switch o.Engine {
	case "gdb":
		cfg := gdb.DefaultConfig()
		cfg.GDB = o.GDB
		cfg.Binary = command[0]
		cfg.Args = command[1:]
		cfg.Stdin = o.Stdin
		cfg.Timeout = timeout
		cfg.WaitTime = time.Duration(o.WaitTime * float64(time.Second))
		cfg.ReadyTimeout = time.Duration(o.Ready * float64(time.Second))
		cfg.Memory = o.Memory
		cfg.Port = o.Port
		cfg.ScriptPath = o.ScriptPath
		e, err := gdb.New(cfg)
		if err != nil {
			return nil, err
		}
		engine = e
	case "lldb":
		e, err := lldb.New(lldb.Config{
			Binary:  command[0],
			Args:    command[1:],
			Timeout: timeout,
			Memory:  o.Memory,
		})
		if err != nil {
			return nil, err
		}
		engine = e
	default:
		return nil, fmt.Errorf("unknown debugging engine %q", o.Engine)
	}

	return []triagewalk.Analyzer{&meta.Analyzer{}, engine}, nil
}

// Run triages every file under root with the target command and emits the
// results. If the run is interrupted the partial results are still emitted.
func Run(ctx context.Context, o Options, root string, command []string) error {
	analyzers, err := Analyzers(o, command)
	if err != nil {
		return err
	}
	return RunWith(ctx, o, root, command, analyzers)
}

// RunWith is Run with a prepared analyzer set.
func RunWith(ctx context.Context, o Options, root string, command []string, analyzers []triagewalk.Analyzer) error {

	filter, err := triagewalk.MatchFilter(o.Match)
	if err != nil {
		return fmt.Errorf("bad match pattern: %w", err)
	}
	tw, err := triagewalk.NewTriage(triagewalk.TriageConfig{
		Root:       root,
		FilterFunc: filter,
		Analyzers:  analyzers,
	})
	if err != nil {
		return err
	}
	for _, a := range analyzers {
		fields := log.Fields{"analyzer": a.Name()}
		for k, v := range a.Details() {
			fields[k] = v
		}
		log.WithFields(fields).Info("Analyzer configured")
	}

	results, runErr := tw.Run(ctx)
	if results == nil && runErr != nil {
		return runErr
	}
	if runErr != nil {
		log.WithError(runErr).WithField("units", len(results)).Warning("Run interrupted, emitting partial results")
	}
	if err := Emit(o, results, command); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Emit writes the results in the configured format, and to the results
// database if one is configured.
func Emit(o Options, results []triagewalk.Result, command []string) error {

	if o.DB != "" {
		if err := Store(o.DB, results, command, o.Engine); err != nil {
			return err
		}
	}

	switch o.Format {
	case "text":
		return report.Output(o.Output, []byte(Text(results, command, o.Engine)))
	default:
		return report.New(results).Write(o.Output)
	}
}

// Text renders one summary per result.
func Text(results []triagewalk.Result, command []string, engine string) string {
	var b strings.Builder
	for _, res := range results {
		e := triagewalk.EntryFor(res, triagewalk.Substitute(command, res.Path), engine)
		b.WriteString(triagewalk.Summarize(e))
		b.WriteByte('\n')
	}
	return b.String()
}

// Store replaces the contents of the results database at path.
func Store(path string, results []triagewalk.Result, command []string, engine string) error {

	db, err := store.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Reset(); err != nil {
		return fmt.Errorf("failed to reset %s: %w", path, err)
	}
	for _, res := range results {
		if err := db.Put(triagewalk.EntryFor(res, triagewalk.Substitute(command, res.Path), engine)); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{"db": path, "entries": len(results)}).Info("Results stored")
	return nil
}
