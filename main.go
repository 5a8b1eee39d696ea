package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pagespeed/api"
	"pagespeed/config"
	"pagespeed/injector"
	"pagespeed/logging"
	"pagespeed/scheduler"
	"pagespeed/snippet"
	"pagespeed/storage"
	"pagespeed/theme"
)

var (
	dataDir    string
	configPath string
	listen     string
	logLevel   string
	logFormat  string
	appVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:           "pagespeed",
	Short:         "pagespeed – storefront speed optimizer",
	Long:          "Page Speed Optimizer injects a client-side optimization script into a shop's theme and serves its settings API.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a default configuration file",
	Long:  "Generate a default pagespeed.yaml in the data directory (or current directory if not specified).",
	RunE:  runConfigGenerate,
}

var scriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Manage the optimization script in the active theme",
}

var scriptInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Inject the script into the active theme",
	RunE:  runScript(injector.ActionInstall),
}

var scriptUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the script from the active theme",
	RunE:  runScript(injector.ActionUninstall),
}

var scriptStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the script is present in the active theme",
	RunE:  runScript(injector.ActionStatus),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), appVersion)
	},
}

func init() {
	rootCmd.Version = appVersion
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <data-dir>/pagespeed.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json, text")

	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&listen, "listen", ":3000", "Address to listen on")
	}

	configCmd.AddCommand(configGenerateCmd)
	scriptCmd.AddCommand(scriptInstallCmd, scriptUninstallCmd, scriptStatusCmd)
	rootCmd.AddCommand(serveCmd, configCmd, scriptCmd, versionCmd)
}

// loadConfig reads the config and applies the flags that were set
// explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if dataDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Config{}, fmt.Errorf("resolve working directory: %w", err)
		}
		dataDir = wd
	}

	cfg, err := config.Load(dataDir, configPath)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Lookup("listen") != nil && flags.Changed("listen") {
		cfg.ListenAddr = listen
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	abs, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return config.Config{}, fmt.Errorf("resolve data dir: %w", err)
	}
	cfg.DataDir = abs
	return cfg, nil
}

func newInjector(cfg config.Config, logger *slog.Logger, store *storage.Store, publisher injector.Publisher) (*injector.Injector, error) {
	if err := cfg.Shop.Validate(); err != nil {
		return nil, err
	}
	client, err := theme.NewClient(theme.ClientConfig{
		ShopDomain:  cfg.Shop.Domain,
		AccessToken: cfg.Shop.AccessToken,
		APIVersion:  cfg.Shop.APIVersion,
		BaseURL:     cfg.Shop.BaseURL,
		UserAgent:   "pagespeed/" + appVersion,
		HTTPClient:  &http.Client{Timeout: cfg.Shop.Timeout},
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	return injector.New(client, injector.Options{
		Shop:      cfg.Shop.Domain,
		Logger:    logger,
		Recorder:  store,
		Publisher: publisher,
	}), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	store := storage.New(cfg.DataDir)
	if err := store.EnsureDirs(); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}

	hub := api.NewEventHub(logging.WithComponent(logger, "events"))
	handler := api.NewHandler(store, logging.WithComponent(logger, "api")).
		WithEvents(hub).
		WithScriptTimeout(cfg.ScriptTimeout)

	inj, err := newInjector(cfg, logger, store, hub)
	if err != nil {
		logger.Warn("script management disabled", slog.String("reason", err.Error()))
	} else {
		handler.WithScript(inj, cfg.Shop.Domain)
	}

	server := api.NewServer(api.ServerConfig{
		ListenAddr:      cfg.ListenAddr,
		ReadTimeout:     api.DefaultServerConfig().ReadTimeout,
		IdleTimeout:     api.DefaultServerConfig().IdleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		CORSOrigins:     cfg.CORSOrigins,
	}, logging.WithComponent(logger, "http"), appVersion)
	handler.Register(server.API())
	handler.RegisterEvents(server.Router())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})

	if cfg.Audit.Enabled {
		if inj == nil {
			logger.Warn("audit enabled but shop credentials are missing, not scheduling")
		} else {
			sched := scheduler.New(cfg.Audit.Schedule, func(ctx context.Context) error {
				return inj.Status(ctx).Err
			}).
				WithLogger(logging.WithComponent(logger, "scheduler")).
				WithTimeout(cfg.ScriptTimeout)
			if err := sched.Start(gctx); err != nil {
				cancel()
				_ = g.Wait()
				return err
			}
			g.Go(func() error {
				<-gctx.Done()
				sched.Stop()
				return nil
			})
		}
	}

	printListeningAddresses(logger, cfg.ListenAddr)

	err = g.Wait()
	handler.Wait()
	return err
}

func runConfigGenerate(cmd *cobra.Command, args []string) error {
	dir := dataDir
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}

	cfg := config.Default()
	cfg.DataDir = abs

	path := config.Path(cfg)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Generated default config file: %s\n", path)
	return nil
}

func runScript(action injector.Action) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := logging.New(cfg.Logging)

		store := storage.New(cfg.DataDir)
		if err := store.EnsureDirs(); err != nil {
			return fmt.Errorf("ensure data dir: %w", err)
		}
		inj, err := newInjector(cfg, logger, store, nil)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ScriptTimeout)
		defer cancel()

		var res injector.Result
		switch action {
		case injector.ActionInstall:
			settings, err := store.LoadSettings()
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}
			source, err := snippet.Render(settings)
			if err != nil {
				return err
			}
			res = inj.Install(ctx, source)
		case injector.ActionUninstall:
			res = inj.Uninstall(ctx)
		default:
			res = inj.Status(ctx)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res.Record(cfg.Shop.Domain)); err != nil {
			return err
		}
		if !res.OK() {
			return fmt.Errorf("%s: %w", res.Outcome, res.Err)
		}
		return nil
	}
}

func printListeningAddresses(logger *slog.Logger, addr string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		logger.Info("listening", slog.String("url", "http://"+addr))
		return
	}
	if host != "" && host != "0.0.0.0" && host != "::" {
		logger.Info("listening", slog.String("url", "http://"+net.JoinHostPort(host, port)))
		return
	}

	urls := []string{"http://localhost:" + port}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				urls = append(urls, "http://"+net.JoinHostPort(ipnet.IP.String(), port))
			}
		}
	}
	logger.Info("listening", slog.Any("urls", urls))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
