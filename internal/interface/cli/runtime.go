package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/abk1969/ebios-rm-ai-manager-sub005/config"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/application/eventhandler"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/application/orchestrator"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/application/session"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/checkpoint"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/navigation"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/progress"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/shared"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/domain/training"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/external/telegram"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/messaging"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/persistence"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/persistence/memory"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/persistence/postgres"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/persistence/redis"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/infrastructure/persistence/sqlite"
	"github.com/abk1969/ebios-rm-ai-manager-sub005/internal/interface/http/handlers"
)

// runtime is the wired service shared by serve and simulate.
type runtime struct {
	cfg      *config.Config
	log      *slog.Logger
	catalog  *training.StaticCatalog
	repo     training.SnapshotRepository
	events   shared.EventStore
	registry *session.Registry
	health   *handlers.CompositeHealthChecker
	inbox    *eventhandler.Inbox
	monitor  *eventhandler.ErrorMonitor

	closers []func()
}

// close releases resources in reverse order of acquisition.
func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

// policies maps the training configuration onto the domain policies.
func policies(cfg config.TrainingConfig) (orchestrator.Policies, error) {
	w, err := checkpoint.PolicyByName(cfg.Weighting)
	if err != nil {
		return orchestrator.Policies{}, err
	}
	p := orchestrator.DefaultPolicies()
	p.Weighting = w
	p.ComplianceFloor = cfg.ComplianceFloor
	p.Navigation = navigation.Policy{
		AllowBackNavigation: cfg.AllowBackNavigation,
		AllowSkip:           cfg.AllowSkip,
	}
	p.Compliance = progress.CompliancePolicy{
		MinimumMinutes:      cfg.MinimumMinutes,
		MinimumAverageScore: cfg.MinimumAverageScore,
	}
	return p, nil
}

func buildRuntime(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *runtime, err error) {
	rt := &runtime{
		cfg:     cfg,
		log:     log,
		catalog: training.DefaultCatalog().WithMaxAttempts(cfg.Training.MaxAttempts),
		health:  handlers.NewCompositeHealthChecker(cfg.App.Version),
		inbox:   eventhandler.NewInbox(cfg.Session.InboxLimit),
		monitor: eventhandler.NewErrorMonitor(log),
	}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	instanceID := cfg.App.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Storage
	// ─────────────────────────────────────────────────────────────────────────
	var backing training.SnapshotRepository
	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		conn, err := openPostgres(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		rt.onClose(conn.Close)
		if cfg.Storage.AutoMigrate {
			n, err := postgres.NewMigrator(conn).Migrate(ctx)
			if err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			log.Info("database migrations applied", "count", n)
		}
		backing = postgres.NewSnapshotRepository(conn)
		rt.events = postgres.NewEventStore(conn)
		rt.health.AddCheck("postgres", handlers.NewPingCheck(conn))

	case config.StorageSQLite:
		db, err := sqlite.OpenDB(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		rt.onClose(func() { _ = db.Close() })
		backing = sqlite.NewSnapshotRepository(db)
		rt.events = sqlite.NewEventStore(db)
		rt.health.AddCheck("sqlite", db.PingContext)

	default:
		backing = memory.NewSnapshotRepository()
		rt.events = memory.NewEventStore()
	}

	guarded := persistence.NewGuardedRepository("snapshot_store", backing, log)
	rt.repo = guarded
	rt.health.AddCheck("snapshot_breaker", handlers.NewBreakerCheck(guarded.BreakerState))

	// ─────────────────────────────────────────────────────────────────────────
	// Redis: snapshot cache, session locks, event relay
	// ─────────────────────────────────────────────────────────────────────────
	var locker session.Locker
	var relay session.Relay
	if cfg.Redis.Enabled {
		cache, err := redis.NewCache(redis.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   3,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.onClose(func() { _ = cache.Close() })
		rt.repo = redis.NewSnapshotCache(cache, guarded, cfg.Redis.SnapshotTTL, log)
		rt.health.AddOptionalCheck("redis", handlers.NewPingCheck(cache))
		locker = cache

		if cfg.Redis.Relay {
			r, err := startRelay(cache, cfg, instanceID, rt)
			if err != nil {
				return nil, err
			}
			relay = r
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Notifications
	// ─────────────────────────────────────────────────────────────────────────
	senders := []eventhandler.Sender{eventhandler.LogSender{Logger: log}, rt.inbox}
	if cfg.Notify.Enabled() {
		tgCfg := telegram.DefaultClientConfig(cfg.Notify.TelegramToken)
		tgCfg.BaseURL = cfg.Notify.TelegramAPIURL
		tgCfg.Logger = log
		client := telegram.NewClient(tgCfg)
		sc := telegram.DefaultSenderConfig(cfg.Notify.TelegramChatID)
		for _, k := range cfg.Notify.TelegramKinds {
			sc.Kinds = append(sc.Kinds, eventhandler.NotificationKind(k))
		}
		sc.QueueSize = cfg.Notify.TelegramQueueSize
		sc.SendTimeout = cfg.Notify.TelegramSendTimeout
		sc.Logger = log
		tg := telegram.NewSender(client, sc)
		rt.onClose(func() {
			ctx, cancel := context.WithTimeout(context.Background(), sc.SendTimeout)
			defer cancel()
			if err := tg.Stop(ctx); err != nil {
				log.Warn("telegram notifications left undelivered", "error", err)
			}
		})
		senders = append(senders, tg)
		rt.health.AddOptionalCheck("telegram", handlers.NewPingCheck(client))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Sessions
	// ─────────────────────────────────────────────────────────────────────────
	p, err := policies(cfg.Training)
	if err != nil {
		return nil, err
	}
	rt.registry, err = session.NewRegistry(session.Config{
		Catalog:    rt.catalog,
		Policies:   p,
		Repository: rt.repo,
		Orchestrator: orchestrator.Config{
			AutoSave:         cfg.Session.AutoSave,
			AutoSaveInterval: cfg.Session.AutoSaveInterval,
			SaveOnChange:     cfg.Session.SaveOnChange,
			Logger:           log,
		},
		Bus: messaging.Config{
			MaxQueue:       cfg.Session.BusQueueSize,
			DeadLetterSize: cfg.Session.DeadLetterSize,
			EnableMetrics:  cfg.Observability.BusMetrics,
			Logger:         log,
		},
		Consumers: []eventhandler.Registrar{
			eventhandler.NewAuditRecorder(rt.events, log),
			eventhandler.NewMilestoneNotifier(log, senders...),
			rt.monitor,
		},
		Relay:       relay,
		Locker:      locker,
		LockTTL:     cfg.Redis.LockTTL,
		InstanceID:  instanceID,
		IdleTimeout: cfg.Session.IdleTimeout,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func openPostgres(ctx context.Context, cfg config.StorageConfig) (*postgres.Connection, error) {
	conn, err := postgres.NewConnection(ctx, cfg.DatabaseURL, postgres.PoolOptions{
		MaxConns:        int32(cfg.MaxConns),
		MinConns:        int32(cfg.MinConns),
		MaxConnLifetime: cfg.ConnMaxLifetime,
		MaxConnIdleTime: cfg.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return conn, nil
}

// startRelay forwards local session events to other instances. Events of
// remote sessions land on an inbound bus that only feeds notifications.
func startRelay(cache *redis.Cache, cfg *config.Config, instanceID string, rt *runtime) (*messaging.Relay, error) {
	inbound := messaging.NewBus(messaging.Config{Logger: rt.log})
	if err := inbound.Start(); err != nil {
		return nil, err
	}
	rt.onClose(func() { _ = inbound.Stop(context.Background()) })

	notifier := eventhandler.NewMilestoneNotifier(rt.log, rt.inbox)
	if _, err := notifier.Register(inbound); err != nil {
		return nil, err
	}

	relay, err := messaging.NewRelay(messaging.RelayConfig{
		Client:      redis.NewPubSubClient(cache),
		ChannelName: cfg.Redis.RelayChannel,
		InstanceID:  instanceID,
		Inbound:     inbound,
		Logger:      rt.log,
	})
	if err != nil {
		return nil, fmt.Errorf("start relay: %w", err)
	}
	rt.onClose(func() { _ = relay.Close() })
	return relay, nil
}
