// Package app holds the plumbing shared by the triage commands: flag and
// config file handling, logging setup, analyzer construction and output.
package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"triagewalk/gdb"
)

// Options is the effective configuration of a triage run.
type Options struct {
	Stdin      bool    `yaml:"stdin"`
	Timeout    int     `yaml:"timeout"`       // seconds
	WaitTime   float64 `yaml:"wait-time"`     // seconds
	Ready      float64 `yaml:"ready-timeout"` // seconds
	Memory     int64   `yaml:"memory"`        // bytes, <= 0 for none
	Output     string  `yaml:"output"`
	Engine     string  `yaml:"engine"`
	Format     string  `yaml:"format"`
	DB         string  `yaml:"db"`
	Match      string  `yaml:"match"`
	GDB        string  `yaml:"gdb"`
	Port       int     `yaml:"port"`
	ScriptPath string  `yaml:"script-path"`
	LogLevel   string  `yaml:"log-level"`
	LogFormat  string  `yaml:"log-format"`
}

// Defaults returns the options a bare command line runs with.
func Defaults() Options {
	def := gdb.DefaultConfig()
	return Options{
		Timeout:    int(def.Timeout / time.Second),
		WaitTime:   def.WaitTime.Seconds(),
		Ready:      def.ReadyTimeout.Seconds(),
		Memory:     def.Memory,
		Output:     "-",
		Engine:     "gdb",
		Format:     "json",
		GDB:        def.GDB,
		Port:       def.Port,
		ScriptPath: def.ScriptPath,
		LogLevel:   "info",
		LogFormat:  "text",
	}
}

// AddFlags registers the run flags on cmd and binds them into v.
func AddFlags(cmd *cobra.Command, v *viper.Viper) {
	def := Defaults()
	fs := cmd.Flags()
	fs.String("config", "", "config file (yaml)")
	fs.Bool("print-config", false, "print the effective configuration and exit")
	fs.Bool("stdin", def.Stdin, "feed each testcase to the target on stdin")
	fs.Int("timeout", def.Timeout, "wall clock ceiling per testcase (secs)")
	fs.Float64("wait-time", def.WaitTime, "startup wait before connecting to gdb (secs)")
	fs.Float64("ready-timeout", def.Ready, "how long to keep retrying the gdb connection after wait-time (secs)")
	fs.Int64("memory", def.Memory, "address space ceiling for the target (bytes, 0 for none)")
	fs.StringP("output", "o", def.Output, "output path (- for stdout)")
	fs.String("engine", def.Engine, "debugging engine to use: [gdb lldb]")
	fs.String("format", def.Format, "output format to use: [json text]")
	fs.String("db", def.DB, "also store results in this database")
	fs.String("match", def.Match, "only triage files whose name matches ( go regex syntax )")
	fs.String("gdb", def.GDB, "gdb executable")
	fs.Int("port", def.Port, "loopback port for the gdb channel")
	fs.String("script-path", def.ScriptPath, "where the gdb bootstrap is written")
	fs.String("log-level", def.LogLevel, "log level (debug, info, warn, error)")
	fs.String("log-format", def.LogFormat, "log format (text, json)")

	fs.VisitAll(func(f *pflag.Flag) {
		switch f.Name {
		case "config", "print-config":
			return
		}
		// errors are nil when the flag exists
		_ = v.BindPFlag(f.Name, f)
	})
}

// Load reads the optional config file and TRIAGE_* environment variables on
// top of the bound flags. Flags set on the command line win.
func Load(cmd *cobra.Command, v *viper.Viper) (Options, error) {

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, fmt.Errorf("reading config: %w", err)
		}
	}
	v.SetEnvPrefix("TRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	o := Options{
		Stdin:      v.GetBool("stdin"),
		Timeout:    v.GetInt("timeout"),
		WaitTime:   v.GetFloat64("wait-time"),
		Ready:      v.GetFloat64("ready-timeout"),
		Memory:     v.GetInt64("memory"),
		Output:     v.GetString("output"),
		Engine:     v.GetString("engine"),
		Format:     v.GetString("format"),
		DB:         v.GetString("db"),
		Match:      v.GetString("match"),
		GDB:        v.GetString("gdb"),
		Port:       v.GetInt("port"),
		ScriptPath: v.GetString("script-path"),
		LogLevel:   v.GetString("log-level"),
		LogFormat:  v.GetString("log-format"),
	}
	return o, o.Validate()
}

// Validate checks the option values that can be checked without touching
// the system.
func (o Options) Validate() error {
	var errs []error
	switch o.Engine {
	case "gdb", "lldb":
	default:
		errs = append(errs, fmt.Errorf("unknown debugging engine %q, only [gdb lldb]", o.Engine))
	}
	switch o.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown output format %q, only [json text]", o.Format))
	}
	if o.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %d", o.Timeout))
	}
	if o.WaitTime < 0 {
		errs = append(errs, fmt.Errorf("wait-time can't be negative, got %v", o.WaitTime))
	}
	if o.Engine == "lldb" && o.Stdin {
		errs = append(errs, errors.New("the lldb engine can't feed testcases on stdin"))
	}
	return errors.Join(errs...)
}

// PrintConfig dumps o as yaml.
func PrintConfig(w io.Writer, o Options) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(o); err != nil {
		return err
	}
	return enc.Close()
}

// Setup loads the options, configures logging and handles --print-config.
// done is true when the command has nothing left to do.
func Setup(cmd *cobra.Command, v *viper.Viper) (o Options, done bool, err error) {
	o, err = Load(cmd, v)
	if err != nil {
		return o, false, err
	}
	if err := SetupLogging(os.Stderr, o.LogLevel, o.LogFormat); err != nil {
		return o, false, err
	}
	if p, _ := cmd.Flags().GetBool("print-config"); p {
		return o, true, PrintConfig(cmd.OutOrStdout(), o)
	}
	return o, false, nil
}
