package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"turtle-futures-bot/config"
	"turtle-futures-bot/internal/binance"
	"turtle-futures-bot/internal/bot"
	"turtle-futures-bot/internal/logging"
	"turtle-futures-bot/internal/strategy"
	"turtle-futures-bot/internal/vault"
)

const defaultAPI = "http://localhost:8090"

// newRootCmd builds the command tree. A fresh tree per call keeps flag state
// out of package globals.
func newRootCmd() *cobra.Command {
	var apiURL string

	client := func(cmd *cobra.Command) *apiClient {
		return &apiClient{
			base: strings.TrimRight(apiURL, "/"),
			http: &http.Client{Timeout: time.Minute},
			out:  cmd.OutOrStdout(),
		}
	}

	root := &cobra.Command{
		Use:           "turtlectl",
		Short:         "Operate the turtle futures bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&apiURL, "api", defaultAPI, "status API base URL")

	root.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored strategy contexts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).call(cmd.Context(), http.MethodGet, "/api/contexts")
			},
		},
		&cobra.Command{
			Use:   "show SYMBOL",
			Short: "Show one context",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).call(cmd.Context(), http.MethodGet, contextPath(args[0]))
			},
		},
		&cobra.Command{
			Use:   "subscribe SYMBOL",
			Short: "Create a context and stream prices",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).call(cmd.Context(), http.MethodPost, contextPath(args[0]))
			},
		},
		newUnsubscribeCmd(client),
		&cobra.Command{
			Use:   "refresh SYMBOL",
			Short: "Recompute ATR and channels",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return client(cmd).call(cmd.Context(), http.MethodPost, contextPath(args[0])+"/refresh")
			},
		},
		&cobra.Command{
			Use:   "levels SYMBOL",
			Short: "Print current levels from exchange candles",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return levels(cmd, strings.ToUpper(args[0]))
			},
		},
		&cobra.Command{
			Use:   "sample-config FILE",
			Short: "Write a sample configuration",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return config.GenerateSampleConfig(args[0])
			},
		},
		&cobra.Command{
			Use:   "store-credentials",
			Short: "Copy BINANCE_API_KEY/BINANCE_SECRET_KEY into Vault",
			Args:  cobra.NoArgs,
			RunE:  storeCredentials,
		},
	)
	return root
}

func newUnsubscribeCmd(client func(*cobra.Command) *apiClient) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "unsubscribe SYMBOL",
		Short: "Delete a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := contextPath(args[0])
			if force {
				path += "?force=true"
			}
			return client(cmd).call(cmd.Context(), http.MethodDelete, path)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "unsubscribe even with an open position")
	return cmd
}

func contextPath(symbol string) string {
	return "/api/contexts/" + url.PathEscape(strings.ToUpper(symbol))
}

func levels(cmd *cobra.Command, symbol string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	instruments, err := bot.InstrumentsFromConfig(cfg.Instruments)
	if err != nil {
		return err
	}
	rest := binance.NewFuturesClient(binance.ClientOptions{BaseURL: cfg.BrokerConfig.BaseURL}, instruments, logging.Nop())

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	s := cfg.StrategyConfig
	candles, err := rest.GetCandles(ctx, symbol, s.CandleInterval, s.CandleLimit)
	if err != nil {
		return err
	}
	data, err := strategy.BuildHistoricalData(candles, strategy.Periods{ATR: s.ATRPeriod, Entry: s.EntryPeriod, Exit: s.ExitPeriod})
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(data, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func storeCredentials(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	client, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return err
	}
	if err := client.StoreBrokerCredentials(cmd.Context(), vault.Credentials{
		APIKey:    cfg.BrokerConfig.APIKey,
		SecretKey: cfg.BrokerConfig.SecretKey,
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored broker credentials at %s/%s\n", cfg.VaultConfig.MountPath, cfg.VaultConfig.SecretPath)
	return nil
}
