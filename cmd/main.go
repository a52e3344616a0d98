/**
 * @description
 * Entry point of the collections console. It loads configuration, wires the
 * stores, the authenticated gateway and the backend clients into a
 * synchronizer, then runs one subcommand against it. `serve` keeps the
 * synchronizer alive behind the view server with the background jobs attached.
 */
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/redis/go-redis/v9"
	"github.com/slack-go/slack"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/app"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/config"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/notify"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/render"
	"github.com/suriyaganapathi/Ai-Loan-Call/internal/store"
	"github.com/suriyaganapathi/Ai-Loan-Call/pkg/authclient"
	"github.com/suriyaganapathi/Ai-Loan-Call/pkg/backendclient"
	"github.com/suriyaganapathi/Ai-Loan-Call/pkg/gateway"
	"github.com/suriyaganapathi/Ai-Loan-Call/pkg/rabbitmq"
)

func main() {
	// Load .env before viper so both see the same values.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	global := flag.NewFlagSet("collections", flag.ContinueOnError)
	output := global.String("o", "", "output format: text, json or yaml (default text on a terminal, json otherwise)")
	verbose := global.Bool("v", false, "log debug output to stderr")
	global.Usage = func() { usage(global.Output(), global) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if global.NArg() == 0 {
		usage(os.Stderr, global)
		return 2
	}

	name := global.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage(os.Stderr, global)
		return 2
	}

	format, err := outputFormat(*output, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	if *verbose {
		level.Set(slog.LevelDebug)
	} else if name == "serve" {
		level.Set(slog.LevelInfo)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var notifier notify.Notifier = notify.NewWriterNotifier(os.Stderr)
	if name == "serve" {
		notifier = notify.NewLogNotifier(logger)
	}

	c, err := newConsole(ctx, cfg, logger, notifier)
	if err != nil {
		logger.Error("failed to start console", "error", err)
		fmt.Fprintln(os.Stderr, domain.UserMessage(err))
		return 1
	}
	defer c.Close()
	c.out = os.Stdout
	c.format = format

	if err := cmd.run(ctx, c, global.Args()[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		var reported reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintln(os.Stderr, domain.UserMessage(err))
		}
		return 1
	}
	return 0
}

func outputFormat(flagValue string, stdout *os.File) (render.Format, error) {
	if flagValue != "" {
		return render.ParseFormat(flagValue)
	}
	if isatty.IsTerminal(stdout.Fd()) || isatty.IsCygwinTerminal(stdout.Fd()) {
		return render.FormatText, nil
	}
	return render.FormatJSON, nil
}

func usage(w io.Writer, global *flag.FlagSet) {
	fmt.Fprintln(w, "usage: collections [-o text|json|yaml] [-v] <command> [arguments]")
	fmt.Fprintln(w, "\ncommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-14s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(w, "\nflags:")
	global.SetOutput(w)
	global.PrintDefaults()
}

// console is the wired application for one invocation.
type console struct {
	cfg       config.Config
	logger    *slog.Logger
	sessions  store.SessionStore
	cache     store.DatasetCache
	gateway   *gateway.Gateway
	backend   *backendclient.Client
	publisher rabbitmq.Publisher
	sync      *app.Synchronizer

	out    io.Writer
	format render.Format

	closers []func()
}

func newConsole(ctx context.Context, cfg config.Config, logger *slog.Logger, notifier notify.Notifier) (*console, error) {
	c := &console{cfg: cfg, logger: logger, out: io.Discard, format: render.FormatText}

	sessions, err := c.openSessions(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.sessions = sessions

	cache, err := c.openCache(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.cache = cache
	c.closers = append(c.closers, func() {
		if err := cache.Close(); err != nil {
			logger.Warn("failed to close dataset cache", "error", err)
		}
	})

	auth := authclient.NewClient(cfg.BackendBaseURL, cfg.HTTPTimeout())
	c.gateway = gateway.New(sessions, auth,
		gateway.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout()}),
		gateway.WithRefreshTimeout(cfg.RefreshTimeout()),
		gateway.WithLogger(logger),
	)
	c.backend = backendclient.NewClient(cfg.BackendBaseURL, c.gateway)

	c.publisher = c.openPublisher()
	c.closers = append(c.closers, c.publisher.Close)

	c.sync = app.NewSynchronizer(app.Deps{
		Auth:          auth,
		Backend:       c.backend,
		Sessions:      sessions,
		Cache:         cache,
		Notifier:      notifier,
		Escalator:     c.escalator(),
		Publisher:     c.publisher,
		Logger:        logger,
		UseDummyCalls: cfg.UseDummyCalls,
	})
	c.gateway.OnSessionExpired(c.sync.SessionExpired)
	return c, nil
}

func (c *console) openSessions(ctx context.Context) (store.SessionStore, error) {
	switch c.cfg.SessionStore {
	case config.SessionStoreMemory:
		return store.NewMemorySessionStore(), nil
	case config.SessionStoreRedis:
		opts, err := redis.ParseURL(c.cfg.RedisURL)
		if err != nil {
			c.logger.Warn("invalid REDIS_URL, using the file session store", "error", err)
			break
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			c.logger.Warn("redis unavailable, using the file session store", "error", err)
			client.Close()
			break
		}
		c.closers = append(c.closers, func() { client.Close() })
		c.logger.Debug("redis session store connected")
		return store.NewRedisSessionStore(client, c.cfg.RedisKeyPrefix, sessionOwner(), c.cfg.SessionTTL()), nil
	}
	return store.NewFileSessionStore(c.cfg.SessionDir, c.cfg.SessionEncryptionKey)
}

func (c *console) openCache(ctx context.Context) (store.DatasetCache, error) {
	if c.cfg.CacheStore == config.CacheStorePostgres {
		poolConfig, err := pgxpool.ParseConfig(c.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("unable to parse database URL: %w", err)
		}
		poolConfig.MaxConns = 4
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to database: %w", err)
		}
		cache, err := store.NewPostgresCache(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return cache, nil
	}
	return store.OpenSQLiteCache(c.cfg.CacheSQLitePath)
}

func (c *console) openPublisher() rabbitmq.Publisher {
	if c.cfg.RabbitMQURL == "" {
		return &rabbitmq.EventProducerFallback{}
	}
	producer, err := rabbitmq.NewEventProducer(c.cfg.RabbitMQURL, c.cfg.EventsExchange)
	if err != nil {
		c.logger.Warn("rabbitmq unavailable, dataset events disabled", "error", err)
		return &rabbitmq.EventProducerFallback{}
	}
	return producer
}

func (c *console) escalator() notify.Escalator {
	if c.cfg.SlackBotToken == "" || c.cfg.SlackEscalationChannel == "" {
		return notify.NoopEscalator{}
	}
	return notify.NewSlackEscalator(slack.New(c.cfg.SlackBotToken), c.cfg.SlackEscalationChannel, c.logger)
}

// Close releases resources in reverse order of acquisition.
func (c *console) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func sessionOwner() string {
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "default"
}
