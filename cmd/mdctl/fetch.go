package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/web3-frozen/market-aggregator/internal/aggregator"
	"github.com/web3-frozen/market-aggregator/internal/aggregator/sources"
	"github.com/web3-frozen/market-aggregator/internal/config"
	"github.com/web3-frozen/market-aggregator/internal/envelope"
)

const holdersDomain = "holders"

func fetchCmd(opts *rootOptions) *cobra.Command {
	var interval string
	cmd := &cobra.Command{
		Use:       "fetch <domain>",
		Short:     "Load one domain and print its response envelope",
		Long:      "Domains: " + strings.Join(append(append([]string{}, config.DomainNames...), holdersDomain), ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: append(append([]string{}, config.DomainNames...), holdersDomain),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := opts.service()
			if err != nil {
				return err
			}
			domain := args[0]
			ctx := cmd.Context()

			if domain == holdersDomain {
				return report(cmd, svc.Holders(ctx))
			}
			if domain == config.DomainMaxPain {
				env, err := svc.MaxPain(ctx, "")
				if err != nil {
					return err
				}
				return report(cmd, env)
			}

			b, err := svc.Interval(domain, interval)
			if err != nil {
				return err
			}
			switch domain {
			case config.DomainPrice:
				env := svc.Price(ctx, b)
				if env.Data != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "BTC %s (ATH %s, %.1f%%)\n",
						sources.FormatUSD(env.Data.Latest), sources.FormatUSD(env.Data.ATH), env.Data.DrawdownPct)
				}
				return report(cmd, env)
			case config.DomainOpenInterest:
				return report(cmd, svc.OpenInterest(ctx, b))
			case config.DomainHashrate:
				return report(cmd, svc.Hashrate(ctx, b))
			case config.DomainCohorts:
				return report(cmd, svc.Cohorts(ctx, b))
			case config.DomainExchangeFlows:
				env, err := svc.ExchangeFlows(ctx, b)
				if err != nil {
					return err
				}
				return report(cmd, env)
			case config.DomainValuation:
				return report(cmd, svc.Valuation(ctx, b))
			default:
				return fmt.Errorf("%w: unknown domain %q", aggregator.ErrInvalidArgument, domain)
			}
		},
	}
	cmd.Flags().StringVar(&interval, "interval", "", "daily, weekly or monthly (default per domain)")
	return cmd
}

func maxPainCmd(opts *rootOptions) *cobra.Command {
	var expiry string
	cmd := &cobra.Command{
		Use:   "maxpain",
		Short: "Compute max pain for an option expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := opts.service()
			if err != nil {
				return err
			}
			env, err := svc.MaxPain(cmd.Context(), expiry)
			if err != nil {
				return err
			}
			if env.Data != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s max pain %s, %d visible strikes\n",
					env.Data.Expiry, sources.FormatUSD(env.Data.Strike), len(env.Data.Visible))
			}
			return report(cmd, env)
		},
	}
	cmd.Flags().StringVar(&expiry, "expiry", "", `expiry such as "27DEC24" (default nearest)`)
	return cmd
}

func supplyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "supply",
		Short: "Compare projected issuance with the explorer's tip height",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := opts.service()
			if err != nil {
				return err
			}
			projected := aggregator.DefaultSupplyCalendar().Snapshot(time.Now())
			observed, source, err := svc.ChainSupply(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"projected":   projected,
				"observed":    observed,
				"source":      source,
				"heightDrift": observed.Height - projected.Height,
			})
		},
	}
}

// report prints the envelope and fails the command when no data is served.
func report[T any](cmd *cobra.Command, env envelope.Envelope[T]) error {
	if err := printJSON(cmd.OutOrStdout(), env); err != nil {
		return err
	}
	if env.Status == envelope.StatusUnavailable {
		return fmt.Errorf("%s: %s", env.Source, env.Message)
	}
	return nil
}
