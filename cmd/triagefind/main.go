package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"triagewalk/store"
)

func newRootCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "triagefind [--db triage.db] hash [hash hash ...]",
		Short: "Find all filenames in a triage database with the given major.minor hashes",
		Long: `triagefind prints the path of every entry whose bucket hash matches one of
the arguments. A bare major hash matches every minor hash under it.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.OpenReadOnly(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			for _, h := range args {
				found, err := db.Find(h)
				if err != nil {
					return err
				}
				for _, e := range found {
					fmt.Fprintln(cmd.OutOrStdout(), e.Path)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "triage.db", "triage DB to search")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Fatal("Find failed")
	}
}
