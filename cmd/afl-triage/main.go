package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"triagewalk"
	"triagewalk/internal/app"
)

// aflTarget works out the crashes directory and the command for an AFL
// output directory. An explicit command wins over the one AFL recorded in
// crashes/README.txt, and so does an explicit memory ceiling.
func aflTarget(dir string, override []string, o *app.Options, memorySet bool) (root string, command []string, err error) {

	root = filepath.Join(dir, "crashes")
	if len(override) > 0 && override[0] == "--" {
		override = override[1:]
	}
	if len(override) > 0 {
		return root, override, nil
	}

	cmd, mem, err := triagewalk.ReadReadme(filepath.Join(root, "README.txt"))
	if err != nil {
		return "", nil, fmt.Errorf("no usable AFL command, pass one after --: %w", err)
	}
	if mem > 0 && !memorySet {
		o.Memory = mem
	}
	return root, cmd, nil
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "afl-triage [flags] /path/to/afl-dir [-- /path/to/target [args ...]]",
		Short: "Triage the crashes found by an AFL session",
		Long: `afl-triage runs every crashfile under afl-dir/crashes through the target
under a debugger. Unless a command is given, the one recorded by afl-fuzz in
crashes/README.txt is used, along with its memory limit.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, done, err := app.Setup(cmd, v)
			if err != nil || done {
				return err
			}
			root, command, err := aflTarget(args[0], args[1:], &o, cmd.Flags().Changed("memory"))
			if err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"root":    root,
				"command": command,
				"memory":  o.Memory,
			}).Info("AFL target")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, o, root, command)
		},
	}
	cmd.Flags().SetInterspersed(false)
	app.AddFlags(cmd, v)
	// only AFL's own crashfiles, not its README.txt
	match := cmd.Flags().Lookup("match")
	match.DefValue = "^id:"
	_ = match.Value.Set(match.DefValue)
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.WithError(err).Fatal("AFL triage failed")
	}
}
