package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Klab-Rwanda/program-manager-sub005/internal/attendance"
	"github.com/Klab-Rwanda/program-manager-sub005/internal/config"
	"github.com/Klab-Rwanda/program-manager-sub005/internal/queue"
	"github.com/Klab-Rwanda/program-manager-sub005/internal/store"
)

// summaryTTL bounds staleness of cached program aggregates; the next
// recorded check-in refreshes them anyway.
const summaryTTL = 24 * time.Hour

// Worker consumes recorded check-ins and refreshes the per-program summary
// cache that dashboards read.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:events")
	}

	repo := attendance.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for recorded check-ins...")
	for msg := range messages {
		if msg.Type != queue.TypeRecorded {
			continue
		}

		id := string(msg.Body)
		rec, err := repo.Get(ctx, id)
		if err != nil {
			log.Printf("fetch record %s failed: %v", id, err)
			continue
		}

		records, err := repo.ListByProgram(ctx, rec.ProgramID, time.Time{}, time.Time{})
		if err != nil {
			log.Printf("list program %s failed: %v", rec.ProgramID, err)
			continue
		}

		payload, err := json.Marshal(attendance.Summarize(records))
		if err != nil {
			log.Printf("marshal summary for %s failed: %v", rec.ProgramID, err)
			continue
		}

		key := "attendance:summary:" + rec.ProgramID
		if err := redisClient.Client.Set(ctx, key, payload, summaryTTL).Err(); err != nil {
			log.Printf("cache summary for %s failed: %v", rec.ProgramID, err)
			continue
		}
		log.Printf("refreshed summary for program %s (%d records)", rec.ProgramID, len(records))
	}

	log.Println("worker stopped")
}
