package export

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"remark/api/internal/store"
	"remark/api/internal/util"
)

// resultTTL is how long presigned download links stay valid.
const resultTTL = 15 * time.Minute

type dataStore interface {
	ListComments(ctx context.Context, filter store.CommentFilter) ([]store.Comment, error)
	InsertExportFile(ctx context.Context, file store.ExportFile) error
	SetExportResult(ctx context.Context, exportID, status, objectKey, errorMessage string) error
	GetExportFile(ctx context.Context, exportID string) (store.ExportFile, error)
}

// presigner is the slice of the object store the result path needs.
type presigner interface {
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// Service accepts export requests and reports their outcomes. The heavy
// lifting happens in the worker; requesting an export only records a pending
// row and queues a job.
type Service struct {
	store   dataStore
	jobs    *JobQueue
	objects presigner
	bucket  string
}

func NewService(dataStore *store.PostgresStore, jobs *JobQueue, objects presigner, bucket string) *Service {
	return &Service{
		store:   dataStore,
		jobs:    jobs,
		objects: objects,
		bucket:  bucket,
	}
}

// RequestExport records a pending export and queues the job. The returned row
// carries the id callers poll with.
func (s *Service) RequestExport(ctx context.Context, format string, filter store.CommentFilter) (store.ExportFile, error) {
	if format != FormatCSV && format != FormatXML {
		return store.ExportFile{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	file := store.ExportFile{
		ID:     util.NewID("exp"),
		Status: StatusPending,
		Format: format,
	}
	if err := s.store.InsertExportFile(ctx, file); err != nil {
		return store.ExportFile{}, err
	}
	if err := s.jobs.Enqueue(ctx, NewJob(file.ID, format, filter)); err != nil {
		// The job never reached the queue, so the row would stay pending
		// forever. Mark it failed right away.
		if markErr := s.store.SetExportResult(ctx, file.ID, StatusFailure, "", err.Error()); markErr != nil {
			return store.ExportFile{}, markErr
		}
		return store.ExportFile{}, err
	}
	return file, nil
}

// ExportResult reports the current state of a job and, when it succeeded, a
// short-lived download link.
func (s *Service) ExportResult(ctx context.Context, exportID string) (Result, error) {
	file, err := s.store.GetExportFile(ctx, exportID)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		ID:     file.ID,
		Status: file.Status,
		Format: file.Format,
		Error:  file.Error,
	}
	if file.Status == StatusSuccess && file.ObjectKey != "" {
		link, err := s.objects.PresignedGetObject(ctx, s.bucket, file.ObjectKey, resultTTL, nil)
		if err != nil {
			return Result{}, fmt.Errorf("presign export %s: %w", file.ID, err)
		}
		result.URL = link.String()
	}
	return result, nil
}
