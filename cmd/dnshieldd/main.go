package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	dnshield "github.com/dnshield/core"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type cliOptions struct {
	logLevel uint32
	version  bool
}

func main() {
	var opt cliOptions
	cmd := &cobra.Command{
		Use:   "dnshieldd <config> [<config>..]",
		Short: "DNS filtering proxy daemon",
		Long: `DNS filtering proxy daemon.

Listens for queries handed to it by the host's network extension,
checks them against rule sources synced from one or more URLs, and
either synthesizes a block reply or forwards upstream through the
configured interface binding strategy.

Configuration can be split over multiple files with rule sources
and the listener defined separately and provided as arguments.
`,
		Example: `  dnshieldd config.toml`,
		Args:    cobra.MinimumNArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(opt, args)
		},
		SilenceUsage: true,
	}

	cmd.Flags().Uint32VarP(&opt.logLevel, "log-level", "l", 4, "log level; 0=None .. 6=Trace")
	cmd.Flags().BoolVarP(&opt.version, "version", "v", false, "Prints code version string")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var onClose []func()

func start(opt cliOptions, args []string) error {
	if opt.logLevel > 6 {
		return fmt.Errorf("invalid log level: %d", opt.logLevel)
	}
	if opt.version {
		fmt.Println("dnshieldd (development build)")
		os.Exit(0)
	}
	if len(args) < 1 {
		return errors.New("not enough arguments")
	}
	dnshield.Log.SetLevel(logrus.Level(opt.logLevel))

	cfg, err := loadConfig(args...)
	if err != nil {
		return err
	}

	prefs := dnshield.DefaultPreferences()
	if cfg.Preferences != "" {
		prefs, err = dnshield.LoadPreferences(cfg.Preferences)
		if err != nil {
			return fmt.Errorf("loading preferences: %w", err)
		}
	}

	store, err := dnshield.NewRuleStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening rule store: %w", err)
	}
	onClose = append(onClose, func() { store.Close() })

	cacheDir := filepath.Join(filepath.Dir(cfg.Store.Path), "cache")
	cache, err := dnshield.NewCache(dnshield.CacheOptions{
		MemoryBudgetBytes: 8 << 20,
		DiskPath:          cacheDir,
		DiskBudgetBytes:   256 << 20,
	})
	if err != nil {
		return fmt.Errorf("opening rule cache: %w", err)
	}

	registry := dnshield.NewRegistry()
	registry.Register(&dnshield.HostsParser{})
	registry.Register(&dnshield.StructuredParser{})
	registry.Register(&dnshield.PlistParser{})

	var telemetry *dnshield.TelemetrySink
	if cfg.Telemetry.Enabled {
		var transport dnshield.TelemetryTransport
		switch cfg.Telemetry.Transport {
		case "syslog":
			transport = dnshield.NewSyslogTransport(dnshield.SyslogTransportOptions{
				Network: "udp",
				Address: cfg.Telemetry.Address,
				Tag:     "dnshieldd",
			})
		default:
			transport = dnshield.NoopTransport{}
		}
		telemetry = dnshield.NewTelemetrySink(dnshield.TelemetrySinkOptions{
			Transport:  transport,
			BufferPath: cfg.Telemetry.BufferPath,
		})
		onClose = append(onClose, telemetry.Close)
	}

	binder := dnshield.NewInterfaceBinder(dnshield.InterfaceBinderOptions{
		Strategy: dnshield.BindStrategyFromString(prefs.BindingStrategy),
		VPNCIDRs: prefs.VPNCIDRs,
		Sticky:   prefs.StickyBinding,
	})

	retry := dnshield.NewRetryController(dnshield.RetryControllerOptions{
		MaxRetries:       prefs.MaxRetries,
		InitialBackoffMs: prefs.InitialBackoffMs,
	})

	engine := dnshield.NewProxyEngine(dnshield.ProxyEngineOptions{
		Store:     store,
		Binder:    binder,
		Retry:     retry,
		Telemetry: telemetry,
	})
	onClose = append(onClose, engine.Close)

	const statsCleanupSourceID = "__query_stats_cleanup"

	updateFn := func(ctx context.Context, source dnshield.RuleSource) error {
		if source.Identifier == statsCleanupSourceID {
			return store.CleanupOlderThan(30 * 24 * time.Hour)
		}
		fetcher := dnshield.NewHTTPFetcher(dnshield.DefaultFetchOptions(source.URL))
		raw, err := fetcher.Fetch(ctx, nil)
		if err != nil {
			return err
		}
		rs, err := registry.Dispatch(filepath.Ext(source.URL), "", raw, dnshield.DefaultParserOptions())
		if err != nil {
			return err
		}
		for i := range rs.Rules {
			rs.Rules[i].Source = source.Identifier
			rs.Rules[i].Priority = source.Priority
		}
		if err := store.ReplaceAllFromSource(source.Identifier, rs.Rules); err != nil {
			return err
		}
		return cache.Store(source.Identifier, dnshield.CacheEntry{
			RuleSet:   rs,
			SourceID:  source.Identifier,
			DataSizeBytes: int64(len(raw)),
		})
	}

	scheduler := dnshield.NewScheduler(dnshield.SchedulerOptions{
		MaxConcurrentUpdates:     3,
		ReenqueueOnNetworkChange: true,
	}, updateFn)

	for id, sc := range cfg.Sources {
		if !sc.Enabled {
			continue
		}
		scheduler.AddSource(dnshield.RuleSource{
			Identifier: id,
			URL:        sc.URL,
			Format:     sc.Format,
			Enabled:    sc.Enabled,
			Priority:   sc.Priority,
			Strategy:   strategyFromConfig(sc),
		})
	}
	scheduler.AddSource(dnshield.RuleSource{
		Identifier: statsCleanupSourceID,
		Enabled:    true,
		Priority:   0,
		Strategy:   &dnshield.IntervalStrategy{Interval: 6 * time.Hour, JitterPct: 0.1},
	})

	scheduler.Start()
	onClose = append(onClose, scheduler.Stop)

	if cfg.Listener.Address != "" {
		if err := serveUDP(engine, cfg.Listener.Address); err != nil {
			return err
		}
	}

	waitForShutdown()
	return nil
}

func strategyFromConfig(sc sourceConfig) dnshield.UpdateStrategy {
	switch sc.Strategy {
	case "scheduled":
		return &dnshield.ScheduledStrategy{TimesOfDay: []string{sc.Cron}}
	case "manual":
		return &dnshield.ManualStrategy{MinInterval: time.Duration(sc.MinIntervalSecs) * time.Second}
	case "push":
		fallback := time.Duration(sc.FallbackSecs) * time.Second
		if fallback <= 0 {
			fallback = time.Hour
		}
		return &dnshield.PushStrategy{FallbackInterval: fallback}
	case "adaptive":
		return &dnshield.AdaptiveStrategy{
			BaseInterval: time.Duration(sc.IntervalSecs) * time.Second,
			Min:          time.Duration(sc.MinIntervalSecs) * time.Second,
			Max:          time.Duration(sc.MaxIntervalSecs) * time.Second,
			SuccessMult:  1.5,
			FailureMult:  0.5,
		}
	default:
		interval := time.Duration(sc.IntervalSecs) * time.Second
		if interval <= 0 {
			interval = time.Hour
		}
		return &dnshield.IntervalStrategy{Interval: interval, JitterPct: 0.1}
	}
}

// waitForShutdown blocks until an interrupt/term signal, then runs every
// registered cleanup in onClose.
func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	<-sig
	dnshield.Log.Info("stopping")
	for _, f := range onClose {
		f()
	}
}

// serveUDP runs a minimal UDP listener useful for local testing of the
// proxy engine outside the host network extension; production delivery
// comes from the extension's flow surface instead.
func serveUDP(engine *dnshield.ProxyEngine, address string) error {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	onClose = append(onClose, func() { conn.Close() })

	go func() {
		buf := make([]byte, 4096)
		for {
			n, client, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			datagram := append([]byte(nil), buf[:n]...)
			go func() {
				reply := engine.SubmitQuery(context.Background(), dnshield.FlowMetadata{
					ClientEndpoint: client.String(),
				}, datagram)
				conn.WriteToUDP(reply, client)
			}()
		}
	}()
	return nil
}
