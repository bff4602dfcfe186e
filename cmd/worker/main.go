package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sakato/internal/attendance"
	"sakato/internal/config"
	"sakato/internal/faceclient"
	"sakato/internal/queue"
	"sakato/internal/store"
)

// The worker owns the background passes: draining the submission
// queue, rolling event statuses forward, and scoring proof photos
// through the face service.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	repo := attendance.NewRepository(db.Client)

	var qstore queue.Store
	if cfg.QueueBackend == "memory" {
		qstore = queue.NewMemoryStore()
	} else {
		qstore = queue.NewRedisStore(redisClient.Client, "")
	}
	q := queue.New(qstore, repo, queue.Options{
		BaseDelay:   cfg.QueueBaseDelay,
		MaxAttempts: cfg.QueueMaxAttempts,
	})

	automation := attendance.NewAutomation(repo)
	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)

	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			log.Printf("WARNING: face service not available: %v", err)
			log.Println("proof scoring will retry on the next tick")
		} else {
			log.Println("face service connected")
		}
	}

	log.Printf("worker started, tick interval %s", cfg.DrainInterval)
	ticker := time.NewTicker(cfg.DrainInterval)
	defer ticker.Stop()

	tick(ctx, q, automation, repo, face)
	for {
		select {
		case <-ctx.Done():
			log.Println("worker stopped")
			return
		case <-ticker.C:
			tick(ctx, q, automation, repo, face)
		}
	}
}

func tick(ctx context.Context, q *queue.Queue, automation *attendance.Automation, repo *attendance.Repository, face *faceclient.Client) {
	report, err := q.Drain(ctx)
	if err != nil {
		log.Printf("queue drain failed: %v", err)
	} else if report.Succeeded+report.Discarded+len(report.Failed) > 0 {
		log.Printf("queue drain: %d delivered, %d duplicates, %d still pending, %d exhausted",
			report.Succeeded, report.Discarded, report.StillPending, len(report.Failed))
	}

	tickReport, err := automation.Tick(ctx)
	if err != nil {
		log.Printf("automation tick failed: %v", err)
	} else if tickReport.EventsUpdated+tickReport.AbsentMarked > 0 {
		log.Printf("automation: %d events advanced, %d marked absent", tickReport.EventsUpdated, tickReport.AbsentMarked)
	}

	scoreProofs(ctx, repo, face)
}

// scoreProofs runs the face service over synced records that carry a
// proof but no score yet. Failures are left pending for the next tick.
func scoreProofs(ctx context.Context, repo *attendance.Repository, face *faceclient.Client) {
	records, err := repo.ListUnverifiedProofs(ctx, 20)
	if err != nil {
		log.Printf("list unverified proofs failed: %v", err)
		return
	}
	for _, rec := range records {
		result, err := face.Verify(ctx, rec.ProofRef)
		if err != nil {
			log.Printf("face verify failed for record %s: %v", rec.ID, err)
			continue
		}
		if err := repo.SetFaceScore(ctx, rec.ID, result.Score); err != nil {
			log.Printf("store face score for record %s failed: %v", rec.ID, err)
			continue
		}
		log.Printf("record %s: %d face(s), score %.2f", rec.ID, result.FacesDetected, result.Score)
		if ctx.Err() != nil {
			return
		}
	}
}
