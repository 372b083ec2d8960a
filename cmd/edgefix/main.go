package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/edgefix/edgefix/internal/api"
	"github.com/edgefix/edgefix/internal/command"
	"github.com/edgefix/edgefix/internal/config"
	"github.com/edgefix/edgefix/internal/history"
	"github.com/edgefix/edgefix/internal/intake"
	"github.com/edgefix/edgefix/internal/ladder"
	"github.com/edgefix/edgefix/internal/lease"
	"github.com/edgefix/edgefix/internal/logbuf"
	"github.com/edgefix/edgefix/internal/metrics"
	"github.com/edgefix/edgefix/internal/notifier"
	"github.com/edgefix/edgefix/internal/resolver"
	"github.com/edgefix/edgefix/internal/routing"
	"github.com/edgefix/edgefix/internal/scheduler"
	"github.com/edgefix/edgefix/internal/version"
)

func main() {
	configDir := flag.String("config", "/config", "Directory holding engine.yaml, ladders.yaml and the connector directory")
	logLevel := flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flag.Parse()

	// Keep the last 1000 log lines for /api/logs
	logBuffer := logbuf.New(1000)

	logLevelParsed, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logLevelParsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevelParsed)

	build := version.Get()
	logger := zerolog.New(zerolog.MultiLevelWriter(os.Stdout, logBuffer)).With().
		Timestamp().
		Str("version", build.Version).
		Str("commit", build.Commit).
		Logger()

	logger.Info().Msg("Starting " + build.String())

	// Load configuration
	cfg, err := config.LoadConfigDir(*configDir)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("config_dir", *configDir).
			Msg("Failed to load configuration")
	}
	ec := cfg.Engine

	ladders, err := ladder.FromConfig(cfg.Ladders)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid remedy ladders")
	}
	logger.Info().
		Int("ladders", len(ladders.Types())).
		Int("workers", ec.Workers).
		Str("on_busy", ec.Lease.OnBusy).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Connector routing
	directory, err := routing.NewFileDirectory(ec.Routing.DirectoryFile, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", ec.Routing.DirectoryFile).Msg("Failed to load connector directory")
	}
	routes := routing.NewCache(directory, routing.Options{
		TTL:            ec.Routing.TTL,
		StaleExtension: ec.Routing.StaleExtension,
		FetchTimeout:   ec.Routing.FetchTimeout,
		FetchAttempts:  ec.Routing.FetchAttempts,
	}, m, logger)

	// Device commands
	client := command.NewGNMIClient(commandOptions(ec.Commands), m, logger)

	// Attempt history
	var store history.Store = history.NewMemoryStore()
	var pg *history.PGStore
	if env := ec.History.PostgresDSNEnv; env != "" {
		dsn := os.Getenv(env)
		if dsn == "" {
			logger.Fatal().Str("env", env).Msg("Postgres DSN environment variable is empty")
		}
		openCtx, openCancel := context.WithTimeout(ctx, 30*time.Second)
		pg, err = history.Open(openCtx, dsn)
		openCancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open attempt history")
		}
		store = pg
		logger.Info().Msg("Attempt history stored in postgres")
	}

	// Outcome sinks
	var sinks []notifier.Sink
	for _, wh := range ec.Sinks.Webhooks {
		url := os.Getenv(wh.URLEnv)
		if url == "" {
			logger.Warn().Str("sink", wh.Name).Str("env", wh.URLEnv).Msg("Webhook URL not set, sink disabled")
			continue
		}
		sinks = append(sinks, notifier.NewWebhookSink(wh.Name, url, wh.Timeout))
	}
	var kafkaSink *notifier.KafkaSink
	if k := ec.Sinks.Kafka; k != nil {
		kafkaSink, err = notifier.NewKafkaSink(notifier.KafkaConfig{
			Brokers:      k.Brokers,
			Topic:        k.Topic,
			WriteTimeout: k.WriteTimeout,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create kafka sink")
		}
		sinks = append(sinks, kafkaSink)
	}
	if len(sinks) == 0 {
		logger.Warn().Msg("No outcome sinks configured, outcomes are only logged")
	}
	dispatcher := notifier.NewDispatcher(sinks, notifier.DispatcherOptions{
		QueueSize:     ec.Sinks.QueueSize,
		RetryAttempts: ec.Sinks.RetryAttempts,
		RetryDelay:    ec.Sinks.RetryDelay,
	}, m, logger)

	// Resolution engine
	tracker := lease.NewTracker(logger)
	engine := resolver.NewEngine(resolver.OptionsFromConfig(ec), tracker, routes, ladders, client, store, dispatcher, m, logger)

	// Intake
	alertIntake := intake.New(intake.NewDeduper(logger, ec.Intake.DedupeWindow), engine, logger)
	var source scheduler.Source
	var queue *intake.RedisQueue
	if r := ec.Intake.Redis; r != nil {
		password := ""
		if r.PasswordEnv != "" {
			password = os.Getenv(r.PasswordEnv)
		}
		queue = intake.NewRedisQueue(intake.RedisOptions{
			Addr:     r.Addr,
			Password: password,
			DB:       r.DB,
			Key:      r.Key,
			Batch:    r.PollBatch,
		}, logger)
		source = queue
		logger.Info().Str("addr", r.Addr).Str("key", r.Key).Msg("Polling redis intake queue")
	}

	sched := scheduler.New(scheduler.Options{
		Interval:  ec.Scheduler.Interval,
		Jitter:    ec.Scheduler.Jitter,
		Retention: ec.Scheduler.Retention,
	}, engine, tracker, alertIntake, source, routes, m, logger)

	// API server
	apiServer := api.NewServer(engine, alertIntake, tracker, logger, ec.API.Port)
	apiServer.SetLogBuffer(logBuffer)
	apiServer.SetGatherer(reg)
	apiServer.SetVersion(build.Version, build.Commit, build.BuildDate)
	if pg != nil {
		apiServer.AddHealthCheck("postgres", pg.Ping)
	}
	if queue != nil {
		apiServer.AddHealthCheck("redis", queue.Ping)
	}

	// Dispatcher outlives the engine so the last outcomes still get delivered
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	var sinkWG sync.WaitGroup
	sinkWG.Add(1)
	go func() {
		defer sinkWG.Done()
		dispatcher.Run(sinkCtx)
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		err := directory.Watch(ctx, func(changed []string) {
			for _, deviceID := range changed {
				routes.Invalidate(deviceID)
			}
		})
		if err != nil {
			logger.Error().Err(err).Msg("Connector directory watch stopped")
		}
	}()

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error().
				Err(err).
				Msg("API server error")
		}
	}()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info().Str("port", ec.API.Port).Msg("edgefix running, press Ctrl+C to stop")

	<-sigChan
	logger.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}
	shutdownCancel()

	cancel()
	wg.Wait()
	routes.Wait()

	sinkCancel()
	sinkWG.Wait()
	if n := dispatcher.Dropped(); n > 0 {
		logger.Warn().Int("dropped", n).Msg("Outcomes dropped while the sink queue was full")
	}

	if err := client.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing connector channels")
	}
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing kafka writer")
		}
	}
	if queue != nil {
		if err := queue.Close(); err != nil {
			logger.Error().Err(err).Msg("Error closing redis client")
		}
	}
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing attempt history")
	}

	logger.Info().Msg("edgefix stopped")
}

// commandOptions maps the commands section onto the gNMI client options.
// The connector password is read from the environment variable it names.
func commandOptions(cc config.CommandConfig) command.Options {
	opts := command.Options{
		Username:    cc.Username,
		DialTimeout: cc.DialTimeout,
		Allowed:     cc.Allowed,
	}
	if cc.PasswordEnv != "" {
		opts.Password = os.Getenv(cc.PasswordEnv)
	}
	if cc.TLS.Enabled {
		opts.TLS = &command.TLSConfig{
			Enabled:            true,
			InsecureSkipVerify: cc.TLS.InsecureSkipVerify,
			ServerName:         cc.TLS.ServerName,
			CAFile:             cc.TLS.CAFile,
			CertFile:           cc.TLS.CertFile,
			KeyFile:            cc.TLS.KeyFile,
		}
	}
	return opts
}
