package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"clublink/internal/admintoken"
	"clublink/internal/audit"
	"clublink/internal/events"
	httpapi "clublink/internal/http"
	"clublink/internal/linking"
	"clublink/internal/membership/models"
	"clublink/internal/membership/store"
	"clublink/internal/platform/config"
	"clublink/internal/platform/db"
	"clublink/internal/platform/httpserver"
	"clublink/internal/platform/logger"
	"clublink/internal/platform/metrics"
	"clublink/internal/platform/redis"
	"clublink/internal/platform/tracing"
	"clublink/internal/platformapi"
	"clublink/internal/ratelimit"
	"clublink/internal/reconcile"
	"clublink/internal/verification"
	"clublink/pkg/platform/circuit"
)

const shutdownTimeout = 10 * time.Second

// membershipStore is the union of what the link service, the daemon and the
// HTTP layer need from persistence.
type membershipStore interface {
	Register(ctx context.Context, orgID, platformID string, expiryYear int) error
	GetByOrgID(ctx context.Context, orgID string) (*models.Membership, error)
	GetByPlatformID(ctx context.Context, platformID string) (*models.Membership, error)
	Remove(ctx context.Context, orgID string) (int64, error)
	ListAll(ctx context.Context) ([]*models.Membership, error)
	ListExpiredAtOrBefore(ctx context.Context, year int) ([]*models.Membership, error)
	ReferralClick(ctx context.Context, platformID string) error
	ReferralCount(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// main wires dependencies and runs the HTTP server and the reconciliation
// daemon until SIGINT or SIGTERM.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("clublink stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("clublink stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	shutdownTracing, err := tracing.Setup(ctx, cfg.OTLPEndpoint, "clublink")
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	m := metrics.New(prometheus.DefaultRegisterer)
	checks := map[string]httpapi.HealthCheck{}

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	checks["store"] = st.Ping

	redisClient, err := redis.New(ctx, cfg.Redis())
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()
	if redisClient != nil {
		checks["redis"] = redisClient.Health
	}

	var publisher events.Publisher = events.Noop{}
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		kp, err := events.NewKafkaPublisher(brokers, cfg.EventsTopic, events.WithLogger(log))
		if err != nil {
			return err
		}
		defer kp.Close()
		if err := kp.EnsureTopic(ctx, 3, 1); err != nil {
			log.Warn("could not ensure events topic", "topic", cfg.EventsTopic, "error", err)
		}
		publisher = kp
		checks["events"] = kp.Ping
	}

	auditStore, err := audit.NewFileStore(cfg.AuditLogDir)
	if err != nil {
		return err
	}
	auditor := audit.NewPublisher(auditStore, audit.WithLogger(log))

	verifier, err := verification.New(verification.Config{
		VerifyURL:              cfg.VerifyURL,
		TransformURLs:          cfg.TransformURLs(),
		APIUser:                cfg.VerifyAPIUser,
		APIPassword:            cfg.VerifyAPIPassword,
		ClientReference:        cfg.VerifyClientReference,
		ObjectName:             cfg.VerifyObjectName,
		SharedSecret:           cfg.VerifySharedSecret,
		ServiceToken:           cfg.VerifyServiceToken,
		Timeout:                cfg.VerifyTimeout,
		BackdoorOrgID:          cfg.BackdoorOrgID,
		BackdoorCredentialHash: cfg.BackdoorCredentialHash,
	},
		verification.WithBreaker(circuit.New("verification", circuit.WithFailureThreshold(5), circuit.WithCooldown(30*time.Second))),
		verification.WithLogger(log),
		verification.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	if cfg.BackdoorEnabled() {
		log.Warn("verification backdoor enabled", "org_id", cfg.BackdoorOrgID)
	}

	platform, err := platformapi.New(cfg.PlatformBaseURL,
		platformapi.WithTimeout(cfg.CallTimeout),
		platformapi.WithLogger(log),
	)
	if err != nil {
		return err
	}

	links, err := linking.New(st, verifier, platform, policy, linking.Config{
		GroupID:      cfg.PlatformTeamID,
		ServiceToken: cfg.PlatformServiceToken,
	},
		linking.WithLogger(log),
		linking.WithMetrics(m),
		linking.WithEventPublisher(publisher),
		linking.WithAuditPublisher(auditor),
	)
	if err != nil {
		return err
	}

	adminTokens, err := admintoken.New(cfg.AdminJWTSecret)
	if err != nil {
		return err
	}

	var limiterStore ratelimit.Store = ratelimit.NewInMemoryStore()
	if redisClient != nil {
		limiterStore = ratelimit.NewRedisStore(redisClient.Client, "")
	}
	linkLimiter := ratelimit.New(limiterStore, cfg.LinkRateLimit, cfg.LinkRateWindow,
		ratelimit.WithLogger(log),
		ratelimit.WithMetrics(m),
	)

	router := httpapi.NewRouter(httpapi.NewHandler(links, st, checks, log), httpapi.RouterConfig{
		Logger:         log,
		Metrics:        m,
		MetricsHandler: promhttp.Handler(),
		Accounts:       platform,
		AdminTokens:    adminTokens,
		AdminID:        cfg.AdminPlatformID,
		LinkLimiter:    linkLimiter,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, httpserver.New(cfg.HTTPAddr, router), shutdownTimeout, log)
	})

	if cfg.ReconcileEnabled {
		daemonOpts := []reconcile.Option{
			reconcile.WithLogger(log),
			reconcile.WithMetrics(m),
			reconcile.WithEventPublisher(publisher),
			reconcile.WithAuditPublisher(auditor),
		}
		if redisClient != nil {
			daemonOpts = append(daemonOpts, reconcile.WithCycleLock(reconcile.NewRedisLock(redisClient.Client, "")))
		}
		daemon, err := reconcile.New(st, platform, policy, reconcile.Config{
			GroupID:      cfg.PlatformTeamID,
			ServiceToken: cfg.PlatformServiceToken,
			Interval:     cfg.Interval(),
			MemberDelay:  cfg.MemberDelay,
			CallTimeout:  cfg.CallTimeout,
		}, daemonOpts...)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := daemon.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (membershipStore, func(), error) {
	if cfg.StoreDriver == "memory" {
		return store.NewInMemoryStore(), func() {}, nil
	}
	conn, err := db.Open(ctx, cfg.DatabaseURL, db.Options{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgres(conn), func() { _ = conn.Close() }, nil
}
