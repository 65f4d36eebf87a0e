package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/akagifreeez/aiverse/internal/models"
	"github.com/akagifreeez/aiverse/internal/services"
)

type opener func(ctx context.Context) (*services.KeyManager, func(), error)

type cli struct {
	open    opener
	lang    string
	timeFmt string
}

func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open, timeFmt: "2006-01-02 15:04"}

	root := &cobra.Command{
		Use:   "keyctl",
		Short: "Manage the AIverse provider key pool",
	}
	root.SilenceUsage = true
	root.PersistentFlags().StringVar(&c.lang, "lang", "vi", "Language tag used to format numbers")

	root.AddCommand(
		c.importCmd(),
		c.listCmd(),
		c.statsCmd(),
		c.testCmd(),
		c.testAllCmd(),
		c.quotaCmd(),
		c.statusCmd("enable", true),
		c.statusCmd("disable", false),
		c.deleteCmd(),
	)
	return root
}

func (c *cli) run(cmd *cobra.Command, fn func(ctx context.Context, km *services.KeyManager, p *message.Printer) error) error {
	tag, err := language.Parse(c.lang)
	if err != nil {
		return fmt.Errorf("invalid --lang: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	km, closeFn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	return fn(ctx, km, message.NewPrinter(tag))
}

func parseProvider(s string) (models.Provider, error) {
	p, ok := models.ParseProvider(s)
	if !ok {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}

func (c *cli) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <provider> [file]",
		Short: "Import keys from a file or stdin, one per line or comma separated",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := parseProvider(args[0])
			if err != nil {
				return err
			}

			var in io.Reader = cmd.InOrStdin()
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			raw, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("failed to read keys: %w", err)
			}

			return c.run(cmd, func(ctx context.Context, km *services.KeyManager, p *message.Printer) error {
				res, err := km.ImportBulk(ctx, provider, services.ParseKeyList(string(raw)))
				if err != nil {
					return err
				}
				p.Fprintf(cmd.OutOrStdout(), "imported %d, skipped %d, failed %d\n", res.Imported, res.Skipped, res.Failed)
				return nil
			})
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys with their usage counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter models.Provider
			if provider != "" {
				p, err := parseProvider(provider)
				if err != nil {
					return err
				}
				filter = p
			}

			return c.run(cmd, func(ctx context.Context, km *services.KeyManager, p *message.Printer) error {
				keys, err := km.ListKeys(ctx, filter)
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPROVIDER\tALIAS\tACTIVE\tUSES\tERRORS\tLAST USED")
				for _, k := range keys {
					lastUsed := "-"
					if k.LastUsedAt != nil {
						lastUsed = k.LastUsedAt.Local().Format(c.timeFmt)
					}
					p.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%d\t%s\n",
						k.ID, k.Provider, k.Alias, k.IsActive, k.UsageCount, k.ErrorCount, lastUsed)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "Only list keys of this provider")
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-provider pool statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, km *services.KeyManager, p *message.Printer) error {
				stats, err := km.StatsByProvider(ctx)
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PROVIDER\tTOTAL\tACTIVE\tERRORS\tUSAGE")
				for _, prov := range models.Providers {
					s := stats[prov]
					p.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", prov, s.Total, s.Active, s.Errors, s.TotalUsage)
				}
				return tw.Flush()
			})
		},
	}
}

func printResult(w io.Writer, p *message.Printer, r services.TestResult) {
	if r.Success {
		line := p.Sprintf("ok    %s %s %dms", r.Provider, r.Alias, r.ResponseTimeMs)
		if r.TokensRemaining != nil {
			line += p.Sprintf(" (%d remaining)", *r.TokensRemaining)
		}
		fmt.Fprintln(w, line)
		return
	}
	p.Fprintf(w, "fail  %s %s %dms: %s\n", r.Provider, r.Alias, r.ResponseTimeMs, r.Error)
}

func (c *cli) testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <id>",
		Short: "Probe a single key against its provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, km *services.KeyManager, p *message.Printer) error {
				res, err := km.Test(ctx, args[0])
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), p, res)
				return nil
			})
		},
	}
}

func (c *cli) testAllCmd() *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "test-all",
		Short: "Probe every key, inactive ones included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter models.Provider
			if provider != "" {
				p, err := parseProvider(provider)
				if err != nil {
					return err
				}
				filter = p
			}

			return c.run(cmd, func(ctx context.Context, km *services.KeyManager, p *message.Printer) error {
				results, err := km.TestAll(ctx, filter)
				if err != nil {
					return err
				}
				failed := 0
				for _, r := range results {
					printResult(cmd.OutOrStdout(), p, r)
					if !r.Success {
						failed++
					}
				}
				p.Fprintf(cmd.OutOrStdout(), "%d tested, %d failed\n", len(results), failed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "Only probe keys of this provider")
	return cmd
}

func (c *cli) quotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota <id>",
		Short: "Show the quota a provider reports for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, km *services.KeyManager, p *message.Printer) error {
				q, err := km.Quota(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch {
				case q.Error != "":
					fmt.Fprintf(out, "unavailable: %s\n", q.Error)
				case q.Remaining == nil:
					fmt.Fprintln(out, "provider does not report quota")
				case q.Total != nil:
					p.Fprintf(out, "%d / %d %s remaining\n", *q.Remaining, *q.Total, q.Type)
				default:
					p.Fprintf(out, "%d %s remaining\n", *q.Remaining, q.Type)
				}
				return nil
			})
		},
	}
}

func (c *cli) statusCmd(use string, active bool) *cobra.Command {
	state := "inactive"
	if active {
		state = "active"
	}
	return &cobra.Command{
		Use:   use + " <id>",
		Short: "Mark a key as " + state,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, km *services.KeyManager, p *message.Printer) error {
				view, err := km.SetActive(ctx, args[0], active)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s active=%t\n", view.Provider, view.Alias, view.IsActive)
				return nil
			})
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a key from the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, km *services.KeyManager, p *message.Printer) error {
				if err := km.DeleteKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}
