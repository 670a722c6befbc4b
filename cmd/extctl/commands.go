package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/rtledit/internal/extension"
	"github.com/dshills/rtledit/internal/registry"
	"github.com/dshills/rtledit/internal/runtime"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed extensions and their compatibility",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				found, err := rt.Discover()
				if err != nil {
					return err
				}
				ids := make([]string, 0, len(found))
				for _, d := range found {
					ids = append(ids, d.ID)
				}
				snap, err := rt.Settings().Load(ids...)
				if err != nil {
					c.logger.Warn().Err(err).Msg("settings unreadable")
				}

				out := cmd.OutOrStdout()
				if len(found) == 0 {
					fmt.Fprintf(out, "no extensions in %s\n", rt.Config().ExtensionsDir)
					return nil
				}
				tw := newTable(out)
				fmt.Fprintln(tw, "ID\tVERSION\tSTATUS\tSETTING\tNAME")
				for _, d := range found {
					ver, name := "-", "-"
					if d.Manifest != nil {
						ver = d.Manifest.Version.String()
						name = d.Manifest.Name
					}
					setting := "enabled"
					if snap.IsDisabled(d.ID) {
						setting = "disabled"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, ver, d.Compatibility, setting, name)
				}
				return tw.Flush()
			})
		},
	}
}

func (c *cli) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [folder...]",
		Short: "Check extension folders against the configured host",
		Long: `check validates each folder's manifest and reports whether the
configured host platform and version can load it. Without arguments every
folder in the extensions directory is checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := c.cfg.Host()
			if err != nil {
				return err
			}

			var results []extension.Discovered
			if len(args) == 0 {
				err = c.withRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
					results, err = rt.Discover()
					return err
				})
				if err != nil {
					return err
				}
			} else {
				store := extension.NewStore(host)
				for _, arg := range args {
					results = append(results, store.Inspect(arg))
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "host %s\n", host)
			failed := 0
			for _, d := range results {
				if d.Compatibility == extension.Compatible {
					fmt.Fprintf(out, "ok    %s %s\n", d.ID, d.Manifest.Version)
					continue
				}
				failed++
				reason := d.Compatibility.String()
				switch {
				case d.Err != nil:
					reason = d.Err.Error()
				case d.Compatibility == extension.IncompatiblePlatform:
					reason = fmt.Sprintf("%s (supports %v)", reason, d.Manifest.Platforms())
				case d.Compatibility == extension.IncompatibleVersion:
					reason = fmt.Sprintf("%s (requires editor %s)", reason, d.Manifest.AppVersion)
				}
				fmt.Fprintf(out, "FAIL  %s: %s\n", d.ID, reason)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d extensions cannot be loaded", failed, len(results))
			}
			return nil
		},
	}
}

func (c *cli) availableCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "available",
		Short: "List registry extensions installable on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				catalog, err := rt.Refresh(cmd.Context(), force)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if catalog.Degraded {
					fmt.Fprintf(cmd.ErrOrStderr(), "registry unavailable, showing catalog cached at %s\n",
						catalog.FetchedAt.Local().Format(time.RFC1123))
				}
				writeCatalog(out, catalog)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "ignore the cache and query the registry")
	return cmd
}

func writeCatalog(w io.Writer, catalog *registry.Catalog) {
	if len(catalog.Items) == 0 {
		fmt.Fprintln(w, "no installable extensions")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tVERSION\tCATEGORY\tAUTHOR\tDESCRIPTION")
	for _, s := range catalog.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Version, orDash(s.Category), orDash(s.Author), orDash(s.Description))
	}
	_ = tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (c *cli) quotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show the registry request quota",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				rl, err := rt.RateLimit(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%d of %d requests remaining\n", rl.Remaining, rl.Limit)
				if !rl.Reset.IsZero() {
					fmt.Fprintf(out, "resets at %s\n", rl.Reset.Local().Format(time.RFC1123))
				}
				return nil
			})
		},
	}
}

func (c *cli) installCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <id>",
		Short: "Download an extension from the registry and activate it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return c.withRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				if _, err := rt.Install(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s into %s\n", id, rt.Config().ExtensionsDir)
				return nil
			})
		},
	}
}

func (c *cli) uninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "uninstall <id>",
		Aliases: []string{"remove"},
		Short:   "Deactivate an extension and delete its folder",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return c.withRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				if _, err := rt.Discover(); err != nil {
					return err
				}
				if err := rt.Uninstall(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s\n", id)
				return nil
			})
		},
	}
}

func (c *cli) enableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <id>",
		Short: "Enable an extension",
		Long: `enable records the extension as enabled in the settings file and
activates it once to verify that it loads.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return c.withRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				if _, err := rt.Discover(); err != nil {
					return err
				}
				if err := rt.Enable(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enabled %s\n", id)
				return nil
			})
		},
	}
}

func (c *cli) disableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable an extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return c.withRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				if _, err := rt.Discover(); err != nil {
					return err
				}
				if err := rt.Disable(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "disabled %s\n", id)
				return nil
			})
		},
	}
}

func (c *cli) invokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invoke <id> <command> [args...]",
		Short: "Activate extensions and run one extension command",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, command := args[0], args[1]
			return c.withRuntime(cmd.Context(), func(rt *runtime.Runtime) error {
				if _, err := rt.Start(cmd.Context()); err != nil {
					return err
				}
				callArgs := make([]any, 0, len(args)-2)
				for _, a := range args[2:] {
					callArgs = append(callArgs, a)
				}
				results, err := rt.Invoke(cmd.Context(), id, command, callArgs...)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, r := range results {
					fmt.Fprintln(out, r)
				}
				return nil
			})
		},
	}
}

func (c *cli) runCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Activate extensions and reload them as they change on disk",
		Long: `run activates every enabled extension, prints lifecycle events and
keeps running until interrupted. With --watch (the default) extensions are
reloaded whenever files under the extensions directory change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			rt, err := c.open(watch)
			if err != nil {
				return err
			}
			defer func() {
				if serr := shutdown(ctx, rt); serr != nil && err == nil {
					err = serr
				}
			}()

			out := cmd.OutOrStdout()
			unsubscribe := rt.Subscribe(func(ev extension.Event) {
				printEvent(out, ev)
			})
			defer unsubscribe()

			report, err := rt.Start(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d active, %d disabled, %d incompatible, %d failed\n",
				len(report.Activated), len(report.Disabled), len(report.Incompatible), len(report.Failures))

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", true, "reload extensions when files change")
	return cmd
}

func printEvent(w io.Writer, ev extension.Event) {
	var b strings.Builder
	b.WriteString(ev.Type.String())
	if ev.ID != "" {
		b.WriteString(" ")
		b.WriteString(ev.ID)
	}
	if ev.InstanceID != "" {
		fmt.Fprintf(&b, " (%s)", ev.InstanceID)
	}
	if ev.Err != nil {
		fmt.Fprintf(&b, ": %v", ev.Err)
	}
	fmt.Fprintln(w, b.String())
}
