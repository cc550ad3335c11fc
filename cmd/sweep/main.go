// Sweep is the expiry janitor for the Postgres backends: it hard-deletes
// expired session rows and prunes old checkpoints on a fixed interval. Redis
// expires sessions natively and the in-memory store drops them on access, so
// those backends need no janitor.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	checkpointstore "agent-gateway/backend/internal/checkpoint/store"
	"agent-gateway/backend/internal/config"
	"agent-gateway/backend/internal/db"
	sessionstore "agent-gateway/backend/internal/session/store"
)

func main() {
	interval := flag.Duration("interval", 5*time.Minute, "Time between sweep passes")
	keepCheckpoints := flag.Int("keep-checkpoints", 0, "Prune each thread to its newest N checkpoints; 0 disables pruning")
	once := flag.Bool("once", false, "Run a single pass and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.SessionBackend != config.BackendPostgres && cfg.CheckpointBackend != config.BackendPostgres {
		log.Println("sweep: no postgres backend configured; nothing to sweep")
		return
	}

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer database.Close()

	var sessions *sessionstore.PostgresStore
	if cfg.SessionBackend == config.BackendPostgres {
		sessions = sessionstore.NewPostgresStore(database, sessionstore.Options{
			Sliding:    cfg.SessionSliding,
			MaxPerUser: cfg.MaxConcurrentSessions,
			TTL:        cfg.SessionTTL(),
		})
	}
	var checkpoints *checkpointstore.PostgresStore
	if cfg.CheckpointBackend == config.BackendPostgres && *keepCheckpoints > 0 {
		checkpoints = checkpointstore.NewPostgresStore(database)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("sweep: shutting down...")
		cancel()
	}()

	pass := func() {
		passCtx, passCancel := context.WithTimeout(ctx, time.Minute)
		defer passCancel()
		if sessions != nil {
			n, err := sessions.Sweep(passCtx)
			if err != nil {
				log.Printf("sweep: sessions: %v", err)
			} else if n > 0 {
				log.Printf("sweep: removed %d expired sessions", n)
			}
		}
		if checkpoints != nil {
			if err := pruneCheckpoints(passCtx, database, checkpoints, *keepCheckpoints); err != nil {
				log.Printf("sweep: checkpoints: %v", err)
			}
		}
	}

	pass()
	if *once {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("sweep: stopped")
			return
		case <-ticker.C:
			pass()
		}
	}
}

// pruneCheckpoints prunes every thread holding more than keepLastN
// checkpoints down to its newest keepLastN.
func pruneCheckpoints(ctx context.Context, database *sql.DB, store *checkpointstore.PostgresStore, keepLastN int) error {
	rows, err := database.QueryContext(ctx, `
		SELECT thread_id FROM checkpoints
		GROUP BY thread_id HAVING count(*) > $1`, keepLastN)
	if err != nil {
		return err
	}
	defer rows.Close()

	var threads []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		threads = append(threads, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range threads {
		if err := store.Prune(ctx, id, keepLastN); err != nil {
			return err
		}
	}
	if len(threads) > 0 {
		log.Printf("sweep: pruned %d threads to their newest %d checkpoints", len(threads), keepLastN)
	}
	return nil
}
