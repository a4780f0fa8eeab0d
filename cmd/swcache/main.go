package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/swcache"
	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/expiration"
	"github.com/always-cache/swcache/fetch"
	"github.com/always-cache/swcache/metrics"
	"github.com/always-cache/swcache/plugin"
	"github.com/always-cache/swcache/precache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	originFlag         string
	hostFlag           string
	dbFilenameFlag     string
	manifestFlag       string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to fetch from")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&manifestFlag, "manifest", "", "Precache manifest file (JSON or YAML)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

// applyFlags overrides config with the flags given on the command line.
func applyFlags(config *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			config.Origin = originFlag
		case "host":
			config.Host = hostFlag
		case "port":
			config.Port = portFlag
		case "db":
			config.DB = dbFilenameFlag
		case "manifest":
			config.Manifest = manifestFlag
		}
	})
}

func main() {
	flag.Parse()

	config, err := loadConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&config)

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	} else if config.DisableDevLogs {
		logLevel = zerolog.InfoLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	if err := run(config); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

func run(config Config) error {
	if config.Origin == "" {
		return errors.New("please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		return fmt.Errorf("could not parse origin: %w", err)
	}
	publicURL := config.PublicURL
	if publicURL == "" {
		publicURL = fmt.Sprintf("http://localhost:%d", config.Port)
	}
	appURL, err := url.Parse(publicURL)
	if err != nil {
		return fmt.Errorf("could not parse public URL: %w", err)
	}

	// set up sqlite memory provider
	dbFilename := config.DB
	if dbFilename == "memory" {
		dbFilename = "file::memory:?cache=shared"
	}
	db, err := cache.OpenSQLite(dbFilename)
	if err != nil {
		return err
	}
	defer db.Close()
	storage, err := cache.NewSQLiteStorage(db)
	if err != nil {
		return err
	}
	store, err := expiration.NewSQLiteStore(db)
	if err != nil {
		return err
	}

	network := fetch.NewClient(fetch.ClientConfig{
		OriginURL:  *originURL,
		OriginHost: config.Host,
		Timeout:    config.Timeout,
	})
	m := metrics.NewMetrics("swcache", nil)

	entries := config.Precache
	if config.Manifest != "" {
		manifest, err := precache.LoadManifest(config.Manifest)
		if err != nil {
			return err
		}
		entries = append(entries, manifest...)
	}

	var shared []*plugin.Plugin
	if len(config.Rules) > 0 {
		shared = append(shared, config.Rules.Plugin())
	}
	routes, err := buildRuntimeCaching(config.RuntimeCaching, runtimeDeps{
		storage: storage,
		network: network,
		store:   store,
		metrics: m,
		logger:  &log.Logger,
		plugins: shared,
	})
	if err != nil {
		return err
	}
	if config.DefaultCache {
		defaults, err := swcache.DefaultRuntimeCaching(swcache.DefaultCacheOptions{
			Storage:         storage,
			Network:         network,
			ExpirationStore: store,
			Metrics:         m,
			Logger:          &log.Logger,
			Plugins:         shared,
		})
		if err != nil {
			return err
		}
		routes = append(routes, defaults...)
	}

	ignored, err := compileAll(config.IgnoreURLParametersMatching)
	if err != nil {
		return err
	}
	allow, err := compileAll(config.NavigateFallbackAllowlist)
	if err != nil {
		return err
	}
	deny, err := compileAll(config.NavigateFallbackDenylist)
	if err != nil {
		return err
	}

	engine, err := swcache.New(swcache.Config{
		PrecacheEntries: entries,
		PrecacheOptions: swcache.PrecacheOptions{
			RouteOptions: precache.RouteOptions{
				IgnoreURLParametersMatching: ignored,
			},
			CacheName:                 config.PrecacheCacheName,
			Concurrency:               config.Concurrency,
			Plugins:                   shared,
			NavigateFallback:          config.NavigateFallback,
			NavigateFallbackAllowlist: allow,
			NavigateFallbackDenylist:  deny,
			DisableNetworkFallback:    config.DisableNetworkFallback,
		},
		SkipWaiting:           config.SkipWaiting,
		ClientsClaim:          config.ClientsClaim,
		NavigationPreload:     config.NavigationPreload,
		CleanupOutdatedCaches: config.CleanupOutdatedCaches,
		RuntimeCaching:        routes,
		Storage:               storage,
		Network:               network,
		Origin:                appURL,
		Logger:                &log.Logger,
		Metrics:               m,
		DisableDevLogs:        config.DisableDevLogs,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// a process start is both install and activation
	if _, err := engine.Install(ctx); err != nil {
		return err
	}
	if _, err := engine.Activate(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	if config.MetricsPath != "" {
		mux.Handle(config.MetricsPath, m.Handler())
	}
	mux.Handle("/", engine)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: mux,
	}

	log.Info().Msgf("Serving port %v from %s (with hostname '%s')", config.Port, originURL.String(), config.Host)
	errc := make(chan error, 1)
	go func() {
		errc <- server.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return engine.Drain(shutdownCtx)
}
