package main

import (
	"fmt"
	"io"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"triagewalk"
	"triagewalk/crash"
	"triagewalk/store"
)

type summary struct {
	hash   string
	detail string
	count  int
}

// summarize groups the crashing entries of a database by bucket hash, most
// common first.
func summarize(db *store.DB) ([]summary, error) {
	byHash := make(map[string]*summary)
	err := db.ForEach(func(e *crash.Entry) error {
		if !e.Crashed() {
			return nil
		}
		s, ok := byHash[e.Hash]
		if !ok {
			s = &summary{hash: e.Hash, detail: triagewalk.Summarize(e)}
			byHash[e.Hash] = s
		}
		s.count++
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]summary, 0, len(byHash))
	for _, s := range byHash {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].hash < out[j].hash
	})
	return out, nil
}

func dump(w io.Writer, path string) error {
	db, err := store.OpenReadOnly(path)
	if err != nil {
		return err
	}
	defer db.Close()

	summaries, err := summarize(db)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	for _, s := range summaries {
		fmt.Fprintf(w, "(1 of %v) - Hash: %v\n", s.count, s.hash)
		fmt.Fprintln(w, s.detail)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "triagedump /path/to/triage.db [db db ...]",
		Short:         "Summarize the crashes in triage databases by major.minor hash",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				if err := dump(cmd.OutOrStdout(), path); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Fatal("Dump failed")
	}
}
