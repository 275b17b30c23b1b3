// Command epicbot announces Epic Games Store free titles to Telegram groups.
//
// Usage:
//
//	epicbot run --config ./config.yaml
//	epicbot fetch
//	epicbot next --time 08:00 --way fri_sat_sun --tz Asia/Shanghai -n 5
//	epicbot check-config --config ./config.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"epicbot/internal/app"
	"epicbot/internal/config"
	"epicbot/internal/plugin/builtin/epicfree"
	"epicbot/internal/plugin/builtin/system"
	"epicbot/pkg/epicstore"
	logx "epicbot/pkg/logx"
	"epicbot/pkg/pushschedule"
)

func main() {
	// Secrets may come from a local .env; real environment variables win.
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:           "epicbot",
		Short:         "Epic Games Store free-titles notifier for Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "./config.yaml", "path to config (.yaml, .yml or .json)")

	root.AddCommand(runCmd(), fetchCmd(), nextCmd(), checkConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bot and its push cycle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			return run(cfgPath, offline)
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the Telegram handshake (for local testing)")
	return cmd
}

func run(cfgPath string, offline bool) error {
	a, err := app.NewApp(cfgPath, app.Options{Offline: offline})
	if err != nil {
		return err
	}
	a.Plugins().Register(epicfree.New(), system.New())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopAppStop
	select {
	case s := <-sigs:
		reason = app.StopSIGTERM
		if s == syscall.SIGINT {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}

func fetchCmd() *cobra.Command {
	var endpoint, locale, country string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch and print the current free-titles digest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			opts := []epicstore.Option{epicstore.WithLogger(logx.NewConsole("WARN"))}
			if endpoint != "" {
				opts = append(opts, epicstore.WithEndpoint(endpoint))
			}
			if locale != "" || country != "" {
				opts = append(opts, epicstore.WithLocale(locale, country))
			}
			fmt.Fprintln(cmd.OutOrStdout(), epicstore.NewClient(opts...).Text(ctx))
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "override the promotions endpoint")
	cmd.Flags().StringVar(&locale, "locale", "", "store locale, e.g. zh-CN")
	cmd.Flags().StringVar(&country, "country", "", "store country, e.g. CN")
	cmd.Flags().DurationVar(&timeout, "timeout", 20*time.Second, "request timeout")
	return cmd
}

func nextCmd() *cobra.Command {
	var at, way, tz string
	var n int
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Print upcoming push times for a schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ft, err := pushschedule.ParseFireTime(at)
			if err != nil {
				return err
			}
			rule, ok := pushschedule.ParseRule(way)
			if !ok {
				return fmt.Errorf("unknown push way %q", way)
			}
			loc, err := config.ParseLocation("timezone", tz)
			if err != nil {
				return err
			}
			plan := pushschedule.Plan{At: ft, Rule: rule}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "schedule: %s (cron %s)\n", plan, plan.CronSpec())

			t := time.Now().In(loc)
			for i := range max(n, 1) {
				next := plan.Next(t)
				fmt.Fprintf(out, "%d. %s (in %.2f hours)\n", i+1, next.Format("2006-01-02 15:04 Mon MST"), time.Until(next).Hours())
				t = next.Add(time.Second)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "time", "08:00", "push time of day, HH:MM")
	cmd.Flags().StringVar(&way, "way", "fri_sat_sun", "push rule (daily, monday..sunday, fri_sat_sun)")
	cmd.Flags().StringVar(&tz, "tz", "Local", "IANA time zone")
	cmd.Flags().IntVarP(&n, "count", "n", 5, "number of fire times to print")
	return cmd
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and plugin sections, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfgm := config.NewConfigManager(cfgPath)
			cfg, err := cfgm.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			pm := app.NewPluginManager(logx.Nop(), cfgm, app.PluginDeps{}, nil)
			pm.Register(epicfree.New(), system.New())
			if err := pm.ValidateConfig(cmd.Context(), cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", cfgPath)
			return nil
		},
	}
}
