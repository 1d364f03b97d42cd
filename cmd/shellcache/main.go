package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	shellcache "github.com/always-cache/shellcache"
	"github.com/always-cache/shellcache/admin"
	"github.com/always-cache/shellcache/cache"
	"github.com/always-cache/shellcache/pkg/manifest"
	"github.com/always-cache/shellcache/pkg/origin"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

var (
	// CLI flags
	configFlag         string
	verbosityTraceFlag bool
	flagValues         *Config

	// this is set by goreleaser
	buildVersion string
)

func init() {
	pflag.StringVarP(&configFlag, "config", "c", "", "YAML config file, watched for version changes")
	pflag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flagValues = bindFlags(pflag.CommandLine)

	if buildVersion == "" {
		buildVersion = "DEV"
	}
}

type storage interface {
	cache.Store
	cache.Settings
}

func main() {
	pflag.Parse()

	config, err := loadConfig(configFlag, pflag.CommandLine, flagValues)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		pflag.Usage()
		os.Exit(2)
	}
	setupLogging(config.LogFile)

	store, err := openStore(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache store")
	}
	defer store.Close()

	o, err := newOrigin(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up origin")
	}

	host := shellcache.NewHost(shellcache.HostConfig{
		Passthrough: origin.Handler(o),
		SkipWaiting: config.SkipWaiting,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := &deployer{host: host, store: store, origin: o}
	d.deploy(ctx, config)

	if configFlag != "" {
		reload := func() {
			next, err := loadConfig(configFlag, pflag.CommandLine, flagValues)
			if err != nil {
				log.Error().Err(err).Msg("Could not reload config")
				return
			}
			d.deploy(ctx, next)
		}
		if err := watchConfig(ctx, configFlag, 500*time.Millisecond, reload); err != nil {
			log.Error().Err(err).Str("file", configFlag).Msg("Could not watch config file")
		}
	}

	r := chi.NewRouter()
	r.Mount(admin.Prefix, admin.Router(admin.Config{
		Host:     host,
		Store:    store,
		Settings: store,
	}))
	r.Handle("/*", host)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: r,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down cleanly")
		}
	}()

	log.Info().Msgf("Serving port %v from %s (store %s)", config.Port, originName(config), config.Store)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	host.Flush()
	d.wait()
	log.Info().Msg("Stopped")
}

// setupLogging writes to stdout and, if specified, to a log file.
func setupLogging(logFilename string) {
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilename != "" {
		if logFileOutput, err := os.OpenFile(logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", buildVersion).Logger()
}

func openStore(config Config) (storage, error) {
	switch config.Store {
	case "memory":
		return cache.NewMemStore(), nil
	case "bolt":
		return cache.NewBoltStore(config.DB)
	default:
		dbFilename := config.DB
		if dbFilename == "memory" {
			dbFilename = ""
		}
		return cache.NewSQLiteStore(dbFilename)
	}
}

func newOrigin(config Config) (origin.Origin, error) {
	if config.Dir != "" {
		return origin.NewDirOrigin(config.Dir), nil
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		return nil, err
	}
	if originURL.Scheme == "" || originURL.Host == "" {
		return nil, fmt.Errorf("Origin %q is not an absolute URL", config.Origin)
	}
	return origin.NewHTTPOrigin(*originURL, config.Host, config.FetchTimeout), nil
}

func originName(config Config) string {
	if config.Dir != "" {
		return config.Dir
	}
	return config.Origin
}

// deployer registers a new engine whenever the configured version changes.
type deployer struct {
	host   *shellcache.Host
	store  cache.Store
	origin origin.Origin

	mu      sync.Mutex
	version string
	running sync.WaitGroup
}

func (d *deployer) deploy(ctx context.Context, config Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if config.Version == d.version {
		log.Debug().Str("version", config.Version).Msg("Version unchanged")
		return
	}

	var list manifest.List
	if len(config.Manifest) > 0 {
		list = manifest.List(config.Manifest)
	}
	engine, err := shellcache.New(shellcache.Config{
		Version:             config.Version,
		Store:               d.store,
		Origin:              d.origin,
		Manifest:            list,
		ShellPath:           config.ShellPath,
		FetchTimeout:        config.FetchTimeout,
		PrecacheConcurrency: config.PrecacheConcurrency,
		StrictPrecache:      config.StrictPrecache,
	})
	if err != nil {
		log.Error().Err(err).Str("version", config.Version).Msg("Could not create engine")
		return
	}
	d.version = config.Version

	d.running.Add(1)
	go func() {
		defer d.running.Done()
		if err := d.host.Register(ctx, config.Version, engine); err != nil {
			log.Error().Err(err).Msg("Version not activated")
			d.mu.Lock()
			if d.version == config.Version {
				d.version = ""
			}
			d.mu.Unlock()
		}
	}()
}

func (d *deployer) wait() {
	d.running.Wait()
}
