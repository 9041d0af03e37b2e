package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/web3-frozen/market-aggregator/internal/aggregator"
	"github.com/web3-frozen/market-aggregator/internal/config"
	"github.com/web3-frozen/market-aggregator/internal/fetch"
	"github.com/web3-frozen/market-aggregator/internal/metrics"
)

type rootOptions struct {
	sourcesFile string
	verbose     bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "mdctl",
		Short:         "Query market data upstreams through the aggregator pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.sourcesFile, "sources", os.Getenv("SOURCES_FILE"), "sources YAML overlay")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log upstream attempts to stderr")

	root.AddCommand(fetchCmd(opts), maxPainCmd(opts), supplyCmd(opts), sourcesCmd(opts))
	return root
}

func (o *rootOptions) logger() *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (o *rootOptions) service() (*aggregator.Service, error) {
	srcs, err := config.LoadSources(o.sourcesFile)
	if err != nil {
		return nil, err
	}
	logger := o.logger()
	f := fetch.New(logger,
		fetch.WithUserAgent(srcs.UserAgent),
		fetch.WithRateLimit(srcs.RateLimit.RPS, srcs.RateLimit.Burst),
		fetch.WithBreakers(srcs.Breaker.Failures, srcs.Breaker.OpenFor),
		fetch.WithObserver(metrics.FetchObserver{}),
		fetch.WithObserver(fetch.ObserverFunc(func(a fetch.Attempt) {
			logger.Debug("upstream attempt", "source", a.Source, "url", a.URL, "status", a.Status, "outcome", fetch.Outcome(a.Err))
		})),
	)
	return aggregator.NewService(srcs, f, os.Getenv("ONCHAIN_API_KEY"), logger)
}

func sourcesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Print the effective sources configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srcs, err := config.LoadSources(opts.sourcesFile)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(srcs)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
