package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dshills/rtledit/internal/config"
	"github.com/dshills/rtledit/internal/logging"
	"github.com/dshills/rtledit/internal/runtime"
)

// shutdownTimeout bounds extension cleanup when a command exits.
const shutdownTimeout = 10 * time.Second

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath    string
	extensionsDir string
	logLevel      string
	pretty        bool
}

// cli carries state resolved once per invocation.
type cli struct {
	opts   globalOptions
	cfg    config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "extctl",
		Short: "Manage rtledit extensions",
		Long: `extctl discovers, installs and toggles rtledit extensions.

Configuration is read from the config file, then RTLEDIT_* environment
variables, then command line flags.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.opts.configPath, "config", "c", config.DefaultPath(), "path to the runtime config file (.toml or .yaml)")
	flags.StringVarP(&c.opts.extensionsDir, "dir", "d", "", "extensions directory (overrides config)")
	flags.StringVar(&c.opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	flags.BoolVar(&c.opts.pretty, "pretty", false, "human readable log output")

	root.AddCommand(
		c.listCmd(),
		c.checkCmd(),
		c.availableCmd(),
		c.quotaCmd(),
		c.installCmd(),
		c.uninstallCmd(),
		c.enableCmd(),
		c.disableCmd(),
		c.invokeCmd(),
		c.runCmd(),
	)
	return root
}

// load resolves the configuration and logger. Flags win over the file and
// the environment.
func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.Load(c.opts.configPath)
	if err != nil {
		return err
	}
	if c.opts.extensionsDir != "" {
		cfg.ExtensionsDir = config.ExpandHome(c.opts.extensionsDir)
	}
	if c.opts.logLevel != "" {
		cfg.LogLevel = c.opts.logLevel
	}
	if c.opts.pretty {
		cfg.LogPretty = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.cfg = cfg
	c.logger = logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Output: cmd.ErrOrStderr(),
		Pretty: cfg.LogPretty,
		Prefix: "extctl",
	})
	return nil
}

// open builds a runtime. Watching is left to the run command.
func (c *cli) open(watch bool) (*runtime.Runtime, error) {
	cfg := c.cfg
	cfg.Watch = watch
	return runtime.New(cfg, runtime.WithLogger(c.logger))
}

// withRuntime opens a runtime, passes it to fn and shuts it down afterwards.
func (c *cli) withRuntime(ctx context.Context, fn func(rt *runtime.Runtime) error) (err error) {
	rt, err := c.open(false)
	if err != nil {
		return err
	}
	defer func() {
		if serr := shutdown(ctx, rt); serr != nil && err == nil {
			err = serr
		}
	}()
	return fn(rt)
}

// shutdown stops rt even when ctx was cancelled by a signal.
func shutdown(ctx context.Context, rt *runtime.Runtime) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return rt.Shutdown(sctx)
}
