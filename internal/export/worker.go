package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
)

// uploader is the slice of the object store the worker needs.
type uploader interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Worker drains the export queue: select comments, render, upload, record
// the outcome. One job at a time; exports are rare and large.
type Worker struct {
	store       dataStore
	jobs        *JobQueue
	objects     uploader
	bucket      string
	pollTimeout time.Duration
}

func NewWorker(dataStore dataStore, jobs *JobQueue, objects uploader, bucket string) *Worker {
	return &Worker{
		store:       dataStore,
		jobs:        jobs,
		objects:     objects,
		bucket:      bucket,
		pollTimeout: 5 * time.Second,
	}
}

// Run consumes jobs until the context is cancelled. Queue errors back off
// exponentially; job failures are recorded on the export row, not retried.
func (w *Worker) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		job, ok, err := w.jobs.Dequeue(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.NextBackOff()
			log.Printf("export: dequeue error, retrying in %s: %v", delay, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		bo.Reset()
		if !ok {
			continue
		}

		if err := w.Process(ctx, job); err != nil {
			log.Printf("export: job %s failed: %v", job.ID, err)
			if markErr := w.store.SetExportResult(ctx, job.ID, StatusFailure, "", err.Error()); markErr != nil {
				log.Printf("export: recording failure for job %s failed: %v", job.ID, markErr)
			}
		}
	}
}

// Process runs one export job end to end and records success on the row.
// Failures are returned; Run records them.
func (w *Worker) Process(ctx context.Context, job Job) error {
	comments, err := w.store.ListComments(ctx, job.Filter())
	if err != nil {
		return fmt.Errorf("select comments: %w", err)
	}

	payload, contentType, err := render(job.Format, comments)
	if err != nil {
		return err
	}

	objectKey := fmt.Sprintf("%s/%s.%s", time.Now().UTC().Format("2006-01-02"), job.ID, job.Format)
	_, err = w.objects.PutObject(ctx, w.bucket, objectKey, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", objectKey, err)
	}

	if err := w.store.SetExportResult(ctx, job.ID, StatusSuccess, objectKey, ""); err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	return nil
}
