package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/paperdex/internal/config"
	"github.com/kalambet/paperdex/internal/download"
	"github.com/kalambet/paperdex/internal/search"
)

// withApp runs fn against a fully wired app, handling config loading,
// signal cancellation, and teardown. One-shot commands run the services
// in-process; no server needs to be up.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return fn(ctx, a)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search providers for papers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		providers, _ := cmd.Flags().GetStringSlice("providers")
		asJSON, _ := cmd.Flags().GetBool("json")
		query := strings.Join(args, " ")

		return withApp(func(ctx context.Context, a *app) error {
			res, err := a.metadata.Search(ctx, search.Options{
				Query:     query,
				Limit:     limit,
				Providers: providers,
			})
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}

			for _, w := range res.Warnings {
				printWarning("%s", w)
			}
			for i, p := range res.Papers {
				fmt.Fprintf(os.Stdout, "%2d. %s\n", i+1, p.Title)
				if p.DOI != "" {
					fmt.Fprintf(os.Stdout, "    doi: %s\n", p.DOI)
				}
				if len(p.Authors) > 0 {
					fmt.Fprintf(os.Stdout, "    %s", strings.Join(p.Authors, ", "))
					if p.Year > 0 {
						fmt.Fprintf(os.Stdout, " (%d)", p.Year)
					}
					fmt.Fprintln(os.Stdout)
				}
			}
			printSuccess("%d result(s)", len(res.Papers))
			return nil
		})
	},
}

// --- metadata ---

var metadataCmd = &cobra.Command{
	Use:   "metadata <doi>",
	Short: "Fetch metadata for a DOI",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			m, err := a.metadata.Enrich(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(m)
		})
	},
}

// --- download ---

var downloadCmd = &cobra.Command{
	Use:   "download <doi>",
	Short: "Download and verify the PDF behind a DOI",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, _ := cmd.Flags().GetString("dest")
		skipVerify, _ := cmd.Flags().GetBool("no-verify")

		return withApp(func(ctx context.Context, a *app) error {
			printStep("Downloading %s...", args[0])
			res, err := a.download.Download(ctx, download.Request{
				DOI:         args[0],
				Destination: dest,
				Verify:      !skipVerify,
			})
			if err != nil {
				return err
			}
			printStatus("Path", "%s", res.Path)
			printStatus("SHA-256", "%s", res.ContentHash)
			printStatus("Size", "%d bytes", res.Bytes)
			printSuccess("Stored")
			return nil
		})
	},
}

func init() {
	searchCmd.Flags().Int("limit", 0, "maximum number of results (1-100, default 20)")
	searchCmd.Flags().StringSlice("providers", nil, "provider names to consult (default all)")
	searchCmd.Flags().Bool("json", false, "emit raw JSON")

	downloadCmd.Flags().String("dest", "", "destination file path")
	downloadCmd.Flags().Bool("no-verify", false, "skip the structural PDF check")
}
