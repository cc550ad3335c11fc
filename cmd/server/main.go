package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	apikeystore "agent-gateway/backend/internal/apikey/store"
	auditpkg "agent-gateway/backend/internal/audit"
	auditdomain "agent-gateway/backend/internal/audit/domain"
	auditrepo "agent-gateway/backend/internal/audit/repository"
	"agent-gateway/backend/internal/authz"
	"agent-gateway/backend/internal/config"
	"agent-gateway/backend/internal/credential"
	"agent-gateway/backend/internal/db"
	"agent-gateway/backend/internal/pipeline"
	"agent-gateway/backend/internal/security"
	"agent-gateway/backend/internal/server"
	"agent-gateway/backend/internal/server/interceptors"
	sessiondomain "agent-gateway/backend/internal/session/domain"
	sessionstore "agent-gateway/backend/internal/session/store"
	"agent-gateway/backend/internal/telemetry/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "agent-gateway", false)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	var database *sql.DB
	if needsPostgres(cfg) {
		database, err = db.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db: %v", err)
		}
		defer database.Close()
	}

	var rdb *redis.Client
	if needsRedis(cfg) {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis: %v", err)
		}
	}

	recorder, producer := newRecorder(cfg, database)

	sessions := newSessionStore(cfg, database, rdb, recorder)

	hasher := security.NewAPIKeyHasher(cfg.APIKeyBcryptCost)
	keys := newAPIKeyStore(cfg, database, hasher)

	keySource, err := newKeySource(ctx, cfg)
	if err != nil {
		log.Fatalf("keys: %v", err)
	}
	tokens := security.NewTokenVerifier(keySource, cfg.JWTIssuer, cfg.JWTAudience)
	verifier := credential.NewVerifier(tokens, keys, hasher)

	engine, engineHealth := newEngine(cfg)
	if cfg.AuthzFailMode == config.FailOpen {
		// The availability-over-security tradeoff must be visible in the log
		// from the moment the process starts.
		log.Printf("authz: fail-open enabled for relations: %s", strings.Join(cfg.FailOpenRelations(), ", "))
	}
	checker := authz.NewClient(engine, authz.ClientOptions{
		CacheSize:         cfg.AuthzCacheSize,
		CacheTTL:          cfg.AuthzCacheTTL(),
		EngineTimeout:     cfg.EngineTimeout(),
		FailOpen:          cfg.AuthzFailMode == config.FailOpen,
		FailOpenRelations: cfg.FailOpenRelations(),
		OnDegraded: func(subject, relation, object string, allowed bool, cause error) {
			if allowed {
				recorder.Record(context.Background(), subject, auditdomain.ActionAuthzFailOpen, object, true,
					map[string]string{"relation": relation, "cause": cause.Error()})
			}
		},
	})
	guard := authz.NewGuard(checker, cfg.DelegationMaxDepth)

	pipe := pipeline.New(verifier, sessions, keys, checker, guard, recorder, cfg.StoreTimeout())

	deps := server.Deps{
		Pipeline: pipe,
		Recorder: recorder,
		Engine:   engineHealth,
	}
	if database != nil {
		deps.DB = database
	}
	s := server.New(ctx, deps)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	go func() {
		log.Printf("gRPC server listening on %s", cfg.GRPCAddr)
		if err := s.Serve(lis); err != nil {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down gRPC server...")
	cancel()
	s.GracefulStop()
	// Let in-flight async audit records finish before sinks go away.
	time.Sleep(auditpkg.ShutdownDrainDuration)
	if err := producer.Close(); err != nil {
		log.Printf("audit: producer close: %v", err)
	}
	log.Println("gRPC server stopped")
}

func needsPostgres(cfg *config.Config) bool {
	return cfg.SessionBackend == config.BackendPostgres || cfg.CheckpointBackend == config.BackendPostgres
}

func needsRedis(cfg *config.Config) bool {
	return cfg.SessionBackend == config.BackendRedis || cfg.CheckpointBackend == config.BackendRedis
}

func newRecorder(cfg *config.Config, database *sql.DB) (auditpkg.Recorder, *auditpkg.Producer) {
	var repo auditrepo.Repository
	if database != nil {
		repo = auditrepo.NewPostgresRepository(database)
	}
	producer := auditpkg.NewProducer(cfg.KafkaBrokersList(), cfg.AuditKafkaTopic)
	return auditpkg.NewAsync(auditpkg.NewLogger(repo, producer, interceptors.ClientIP)), producer
}

func newSessionStore(cfg *config.Config, database *sql.DB, rdb *redis.Client, recorder auditpkg.Recorder) sessionstore.Store {
	opts := sessionstore.Options{
		Sliding:    cfg.SessionSliding,
		MaxPerUser: cfg.MaxConcurrentSessions,
		TTL:        cfg.SessionTTL(),
		OnEvict: func(ctx context.Context, evicted *sessiondomain.Session) {
			recorder.Record(ctx, evicted.UserID, auditdomain.ActionSessionEvict, evicted.ID, true, nil)
		},
	}
	switch cfg.SessionBackend {
	case config.BackendRedis:
		return sessionstore.NewRedisStore(rdb, opts)
	case config.BackendPostgres:
		return sessionstore.NewPostgresStore(database, opts)
	default:
		return sessionstore.NewMemoryStore(opts)
	}
}

func newAPIKeyStore(cfg *config.Config, database *sql.DB, hasher *security.APIKeyHasher) apikeystore.Store {
	if database != nil {
		return apikeystore.NewPostgresStore(database, hasher)
	}
	return apikeystore.NewMemoryStore(hasher)
}

// newKeySource prefers the issuer's JWKS endpoint and falls back to the
// pinned public key.
func newKeySource(ctx context.Context, cfg *config.Config) (security.KeySource, error) {
	if cfg.JWKSURL != "" {
		source, err := security.NewJWKSSource(ctx, cfg.JWKSURL, cfg.JWKSRefresh())
		if err != nil {
			return nil, err
		}
		go source.Start(ctx)
		return source, nil
	}
	return security.NewStaticKeySource(cfg.JWTPublicKey)
}

// newEngine returns the relationship engine and, for the embedded one, its
// health check. The remote engine's health rides on the decision path.
func newEngine(cfg *config.Config) (authz.Engine, server.EngineChecker) {
	if cfg.AuthzEngineURL != "" {
		return authz.NewRemoteEngine(cfg.AuthzEngineURL, cfg.EngineTimeout()), nil
	}
	embedded, err := authz.NewEmbeddedEngine()
	if err != nil {
		log.Fatalf("authz: %v", err)
	}
	return embedded, embedded
}
