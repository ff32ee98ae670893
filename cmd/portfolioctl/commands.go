package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/portfolio-aggregator/internal/app"
	"github.com/portfolio-aggregator/internal/config"
	"github.com/portfolio-aggregator/internal/currency"
	"github.com/portfolio-aggregator/internal/logging"
	"github.com/portfolio-aggregator/internal/models"
	"github.com/portfolio-aggregator/internal/ratelimit"
	"github.com/portfolio-aggregator/internal/service"
	"github.com/portfolio-aggregator/internal/storage"
	"github.com/portfolio-aggregator/internal/types"
)

var commands = []subcommands.Command{
	&portfolioCmd{},
	&incomeCmd{},
	&invalidateCmd{},
	&connectionsCmd{},
	&ratesCmd{},
	&throttleCmd{},
}

var stdout io.Writer = os.Stdout

func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.FormatText)
	logger := logging.GetGlobalLogger()
	logger.SetOutput(os.Stderr)
	return cfg, logger, nil
}

// withApp builds the full service stack, runs fn and maps its error to an exit status
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) subcommands.ExitStatus {
	cfg, logger, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printFailures lists per-provider failures on stderr so stdout stays valid JSON
func printFailures(meta models.AggregateMeta) {
	for _, f := range meta.Errors {
		fmt.Fprintf(os.Stderr, "warning: %s: %s: %s\n", f.Provider, f.Code, f.Message)
	}
}

type userFlags struct {
	userID  string
	refresh bool
}

func (u *userFlags) set(f *flag.FlagSet, withRefresh bool) {
	f.StringVar(&u.userID, "user", "", "The user whose connections are read (required).")
	if withRefresh {
		f.BoolVar(&u.refresh, "refresh", false, "Bypass the cached aggregate and query every provider.")
	}
}

func (u *userFlags) validate() bool {
	if u.userID == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		return false
	}
	return true
}

type portfolioCmd struct{ userFlags }

func (*portfolioCmd) Name() string     { return "portfolio" }
func (*portfolioCmd) Synopsis() string { return "print a user's merged holdings as JSON" }
func (*portfolioCmd) Usage() string {
	return `portfolioctl portfolio -user <id> [-refresh]

  Fetches holdings from every connected provider (or the cache), converts
  them to the reporting currency and prints the result.
`
}
func (c *portfolioCmd) SetFlags(f *flag.FlagSet) { c.set(f, true) }

func (c *portfolioCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if !c.validate() {
		return subcommands.ExitUsageError
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		result, err := a.Aggregator.GetPortfolio(ctx, c.userID, service.GetOptions{Refresh: c.refresh})
		if err != nil {
			return err
		}
		printFailures(result.AggregateMeta)
		return printJSON(result)
	})
}

type incomeCmd struct{ userFlags }

func (*incomeCmd) Name() string     { return "income" }
func (*incomeCmd) Synopsis() string { return "print a user's merged income events as JSON" }
func (*incomeCmd) Usage() string {
	return `portfolioctl income -user <id> [-refresh]
`
}
func (c *incomeCmd) SetFlags(f *flag.FlagSet) { c.set(f, true) }

func (c *incomeCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if !c.validate() {
		return subcommands.ExitUsageError
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		result, err := a.Aggregator.GetIncome(ctx, c.userID, service.GetOptions{Refresh: c.refresh})
		if err != nil {
			return err
		}
		printFailures(result.AggregateMeta)
		return printJSON(result)
	})
}

type invalidateCmd struct {
	userFlags
	resource string
}

func (*invalidateCmd) Name() string     { return "invalidate" }
func (*invalidateCmd) Synopsis() string { return "drop a user's cached aggregates" }
func (*invalidateCmd) Usage() string {
	return `portfolioctl invalidate -user <id> [-resource portfolio|income]

  Without -resource every cached aggregate of the user is dropped.
`
}
func (c *invalidateCmd) SetFlags(f *flag.FlagSet) {
	c.set(f, false)
	f.StringVar(&c.resource, "resource", "", "The cached resource to drop (portfolio, income). Empty drops all.")
}

func (c *invalidateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if !c.validate() {
		return subcommands.ExitUsageError
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		if err := a.Aggregator.Invalidate(ctx, c.userID, types.ResourceKey(c.resource)); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "invalidated %s for %s\n", resourceLabel(c.resource), c.userID)
		return nil
	})
}

func resourceLabel(resource string) string {
	if resource == "" {
		return "all resources"
	}
	return resource
}

type connectionsCmd struct{ userFlags }

func (*connectionsCmd) Name() string     { return "connections" }
func (*connectionsCmd) Synopsis() string { return "list a user's provider connections" }
func (*connectionsCmd) Usage() string {
	return `portfolioctl connections -user <id>
`
}
func (c *connectionsCmd) SetFlags(f *flag.FlagSet) { c.set(f, false) }

func (c *connectionsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if !c.validate() {
		return subcommands.ExitUsageError
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		views, err := a.ConnectionService.Status(ctx, c.userID)
		if err != nil {
			return err
		}
		return writeConnections(stdout, views)
	})
}

func writeConnections(w io.Writer, views []models.ConnectionStatusView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tSTATUS\tACCOUNT\tLAST SYNC\tLAST ERROR")
	for _, v := range views {
		lastSync := "-"
		if v.LastSyncAt != nil {
			lastSync = v.LastSyncAt.UTC().Format("2006-01-02 15:04")
		}
		lastErr := "-"
		if v.LastError != nil {
			lastErr = *v.LastError
		}
		account := v.Account
		if account == "" {
			account = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.DisplayName, v.Status, account, lastSync, lastErr)
	}
	return tw.Flush()
}

type ratesCmd struct {
	base string
}

func (*ratesCmd) Name() string     { return "rates" }
func (*ratesCmd) Synopsis() string { return "fetch and print the current exchange rate snapshot" }
func (*ratesCmd) Usage() string {
	return `portfolioctl rates [-base <code>] [<code>...]

  Prints units of each currency per unit of the base. With arguments only
  the named currencies are shown.
`
}
func (c *ratesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.base, "base", "", "Base currency (defaults to FX_BASE_CURRENCY).")
}

func (c *ratesCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, logger, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	base := cfg.FX.BaseCurrency
	if c.base != "" {
		base = c.base
	}

	converter := currency.NewConverter(
		currency.NewHTTPRateSource(cfg.FX.SourceURL, cfg.Fetch.Timeout),
		currency.Config{Base: base, TTL: cfg.FX.TTL, Logger: logger},
	)
	snap, err := converter.Snapshot(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	if err := writeRates(stdout, snap, f.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func writeRates(w io.Writer, snap *models.ExchangeRateSnapshot, only []string) error {
	codes := make([]string, 0, len(snap.Rates))
	if len(only) > 0 {
		for _, code := range only {
			codes = append(codes, strings.ToUpper(code))
		}
	} else {
		for code := range snap.Rates {
			codes = append(codes, code)
		}
		sort.Strings(codes)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "BASE %s\tfetched %s\n", snap.Base, snap.FetchedAt.UTC().Format("2006-01-02 15:04:05"))
	for _, code := range codes {
		rate, ok := snap.Rate(code)
		if !ok {
			fmt.Fprintf(tw, "%s\tunknown\n", code)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\n", code, rate.String())
	}
	return tw.Flush()
}

type throttleCmd struct{}

func (*throttleCmd) Name() string     { return "throttle" }
func (*throttleCmd) Synopsis() string { return "show upstream throttle responses recorded this minute" }
func (*throttleCmd) Usage() string {
	return `portfolioctl throttle

  Reads the per-minute throttle counters every server process writes to Redis.
`
}
func (*throttleCmd) SetFlags(*flag.FlagSet) {}

func (*throttleCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, _, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer redis.Close()

	metrics := ratelimit.NewMetricsCollector(redis.Client())
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tTHROTTLED THIS MINUTE")
	for _, p := range types.AllProviders {
		stats := metrics.Stats(ctx, p)
		fmt.Fprintf(tw, "%s\t%d\n", p.DisplayName(), stats.ThrottledThisMinute)
	}
	if err := tw.Flush(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
