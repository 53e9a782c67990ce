package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"remark/api/internal/config"
	"remark/api/internal/export"
	"remark/api/internal/notify"
	"remark/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	eventQueue, err := notify.NewQueue(cfg.RedisURL, cfg.EventQueueKey)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer eventQueue.Close()

	jobQueue, err := export.NewJobQueue(cfg.RedisURL, cfg.ExportQueueKey)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer jobQueue.Close()

	objects, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("object storage connection failed: %v", err)
	}
	if err := ensureBucket(ctx, objects, cfg.ExportBucket); err != nil {
		log.Fatalf("object storage bucket setup failed: %v", err)
	}

	var pusher notify.Pusher = notify.LogPusher{}
	if strings.TrimSpace(cfg.PushGatewayURL) != "" {
		log.Printf("Dispatching notifications through push gateway at %s", cfg.PushGatewayURL)
		pusher = notify.NewHTTPPusher(cfg.PushGatewayURL)
	} else {
		log.Printf("No push gateway configured, notifications are logged only")
	}

	notifyWorker := notify.NewWorker(eventQueue, dataStore, pusher, cfg.FanoutWorkers)
	exportWorker := export.NewWorker(dataStore, jobQueue, objects, cfg.ExportBucket)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		log.Printf("Notification worker running (queue %s, %d dispatchers)", cfg.EventQueueKey, cfg.FanoutWorkers)
		notifyWorker.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		log.Printf("Export worker running (queue %s, bucket %s)", cfg.ExportQueueKey, cfg.ExportBucket)
		exportWorker.Run(runCtx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("Shutting down")
	cancel()
	wg.Wait()
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}
