// Command eventpipe-relay moves PENDING outbox entries to the configured
// broker until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker/jetstream"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker/memory"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker/rabbitmq"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/broker/redisstream"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/config"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/idempotency"
	idempotencypg "github.com/LerianStudio/lib-eventpipe/eventpipe/idempotency/postgres"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/outbox"
	outboxpg "github.com/LerianStudio/lib-eventpipe/eventpipe/outbox/postgres"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/postgres"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/redis"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/resilience"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/runtime"
	"github.com/LerianStudio/lib-eventpipe/eventpipe/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "eventpipe-relay:", err)
		os.Exit(1)
	}
}

type stopper interface {
	Shutdown(ctx context.Context) error
}

type relay struct {
	cfg    *config.Config
	logger log.Logger

	pg      *postgres.Client
	redis   *redis.Client
	closers []func() error
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}

	logger, err := zap.New(zap.Config{
		Environment:     zap.Environment(cfg.Env),
		Level:           cfg.Log.Level,
		OTelLibraryName: "eventpipe-relay",
	})
	if err != nil {
		return err
	}

	runtime.SetProductionMode(zap.Environment(cfg.Env) == zap.EnvironmentProduction)
	runtime.SetErrorReporter(zap.NewErrorReporter("eventpipe-relay"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer func() { _ = logger.Sync(context.Background()) }()

	r := &relay{cfg: cfg, logger: logger}
	defer r.close()

	apps, err := r.build(ctx)
	if err != nil {
		logger.Log(ctx, log.LevelError, "relay setup failed", log.Err(err))
		return err
	}

	opts := []eventpipe.LauncherOption{eventpipe.WithLogger(logger)}
	stoppers := make([]stopper, 0, len(apps))

	for name, app := range apps {
		opts = append(opts, eventpipe.RunApp(name, app))
		stoppers = append(stoppers, app)
	}

	go func() {
		<-ctx.Done()

		logger.Log(context.Background(), log.LevelInfo, "shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		for _, s := range stoppers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				logger.Log(shutdownCtx, log.LevelWarn, "graceful shutdown incomplete", log.Err(err))
			}
		}
	}()

	return eventpipe.NewLauncher(opts...).RunWithError()
}

type runnable interface {
	eventpipe.App
	stopper
}

func (r *relay) build(ctx context.Context) (map[string]runnable, error) {
	if err := r.connect(ctx); err != nil {
		return nil, err
	}

	store, err := r.outboxStore(ctx)
	if err != nil {
		return nil, err
	}

	transport, err := r.transport(ctx)
	if err != nil {
		return nil, err
	}

	r.closers = append(r.closers, transport.Close)

	pipeline, err := resilience.New("eventpipe-relay.broker",
		resilience.WithPolicy(r.cfg.ResiliencePolicy()),
		resilience.WithLogger(r.logger),
	)
	if err != nil {
		return nil, err
	}

	b, err := broker.NewResilient(transport, pipeline)
	if err != nil {
		return nil, err
	}

	if err := b.EnsureTopicExists(ctx, r.cfg.Outbox.Topic); err != nil {
		return nil, fmt.Errorf("ensure topic %s: %w", r.cfg.Outbox.Topic, err)
	}

	processorOpts := append(r.cfg.ProcessorOptions(), outbox.WithLogger(r.logger))

	var locker *redis.LockManager

	if r.redis != nil {
		locker, err = redis.NewLockManager(r.redis)
		if err != nil {
			return nil, err
		}

		processorOpts = append(processorOpts, outbox.WithLocker(locker, ""))
	}

	processor, err := outbox.NewProcessor(store, b, processorOpts...)
	if err != nil {
		return nil, err
	}

	apps := map[string]runnable{"outbox-processor": processor}

	if r.pg != nil {
		sweeper, err := r.sweeper(ctx, locker)
		if err != nil {
			return nil, err
		}

		apps["idempotency-sweeper"] = sweeper
	}

	return apps, nil
}

func (r *relay) connect(ctx context.Context) error {
	if r.cfg.Postgres.PrimaryDSN != "" {
		pg, err := postgres.New(postgres.Config{
			PrimaryDSN:   r.cfg.Postgres.PrimaryDSN,
			ReplicaDSN:   r.cfg.Postgres.ReplicaDSN,
			DatabaseName: r.cfg.Postgres.DatabaseName,
			Logger:       r.logger,
		})
		if err != nil {
			return err
		}

		if err := pg.Connect(ctx); err != nil {
			return err
		}

		r.pg = pg
		r.closers = append(r.closers, pg.Close)
	}

	if r.cfg.UsesRedis() {
		client, err := redis.New(ctx, redis.Config{
			Topology: redis.Topology{Standalone: &redis.StandaloneTopology{Address: r.cfg.Redis.Address}},
			Password: r.cfg.Redis.Password,
			Options:  redis.ConnectionOptions{DB: r.cfg.Redis.DB},
			Logger:   r.logger,
		})
		if err != nil {
			return err
		}

		r.redis = client
		r.closers = append(r.closers, client.Close)
	}

	return nil
}

func (r *relay) outboxStore(ctx context.Context) (outbox.Store, error) {
	if r.pg == nil {
		r.logger.Log(ctx, log.LevelWarn, "no postgres dsn configured; using the in-memory outbox store")
		return outbox.NewMemoryStore(), nil
	}

	primary, err := r.pg.Primary(ctx)
	if err != nil {
		return nil, err
	}

	replica, err := r.pg.Replica(ctx)
	if err != nil {
		return nil, err
	}

	return outboxpg.NewStore(primary, outboxpg.WithReadDB(replica), outboxpg.WithLogger(r.logger))
}

func (r *relay) transport(ctx context.Context) (broker.Broker, error) {
	brokerCfg := r.cfg.BrokerConfig()

	switch r.cfg.Broker.Transport {
	case config.TransportRedis:
		client, err := r.redis.GetClient(ctx)
		if err != nil {
			return nil, err
		}

		return redisstream.New(client, redisstream.WithConfig(brokerCfg), redisstream.WithLogger(r.logger))
	case config.TransportJetStream:
		return jetstream.Connect(r.cfg.NATS.URL, jetstream.WithConfig(brokerCfg), jetstream.WithLogger(r.logger))
	case config.TransportRabbitMQ:
		conn, err := rabbitmq.NewConnection(r.cfg.RabbitMQ.URL, r.logger)
		if err != nil {
			return nil, err
		}

		return rabbitmq.New(conn, rabbitmq.WithConfig(brokerCfg), rabbitmq.WithLogger(r.logger))
	case config.TransportMemory:
		r.logger.Log(ctx, log.LevelWarn, "memory transport selected; events never leave this process")
		return memory.New(memory.WithPartitions(brokerCfg.Partitions), memory.WithLogger(r.logger))
	default:
		return nil, errors.New("unsupported broker transport " + r.cfg.Broker.Transport)
	}
}

func (r *relay) sweeper(ctx context.Context, locker *redis.LockManager) (*idempotency.Sweeper, error) {
	primary, err := r.pg.Primary(ctx)
	if err != nil {
		return nil, err
	}

	store, err := idempotencypg.NewStore(primary, idempotencypg.WithLogger(r.logger))
	if err != nil {
		return nil, err
	}

	opts := []idempotency.SweeperOption{
		idempotency.WithRetention(r.cfg.Idempotency.Retention),
		idempotency.WithSweepInterval(r.cfg.Idempotency.SweepInterval),
		idempotency.WithLogger(r.logger),
	}

	if locker != nil {
		opts = append(opts, idempotency.WithLocker(locker, ""))
	}

	return idempotency.NewSweeper(store, opts...)
}

func (r *relay) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Log(context.Background(), log.LevelWarn, "close failed", log.Err(err))
		}
	}
}
