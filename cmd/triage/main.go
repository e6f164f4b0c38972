package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"triagewalk/internal/app"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "triage [flags] testcase-dir /path/to/target [args ...]",
		Short: "Run crashfiles under a debugger and report how each one stops",
		Long: `triage runs every file in testcase-dir through the target under gdb (or
lldb), recording file metadata and, for inputs that make the target fault,
the stop reason, backtrace and registers.

@@ in the target arguments is substituted for each testcase. With --stdin the
testcase is fed on the target's standard input instead.`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, done, err := app.Setup(cmd, v)
			if err != nil || done {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, o, args[0], args[1:])
		},
	}
	// everything after the binary belongs to the target
	cmd.Flags().SetInterspersed(false)
	app.AddFlags(cmd, v)
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.WithError(err).Fatal("Triage failed")
	}
}
