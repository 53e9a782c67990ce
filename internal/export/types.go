// Package export produces comment dumps asynchronously: a job queue feeds a
// worker that renders the selected comments and uploads the file to object
// storage.
package export

import (
	"errors"
	"time"

	"remark/api/internal/commentable"
	"remark/api/internal/store"
)

const (
	FormatCSV = "csv"
	FormatXML = "xml"
)

const (
	StatusPending = "PENDING"
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

// Job is the unit of work placed on the export queue. The filter is flattened
// so the payload stays a plain JSON object.
type Job struct {
	ID         string     `json:"id"`
	Format     string     `json:"format"`
	TargetKind string     `json:"target_kind,omitempty"`
	TargetID   string     `json:"target_id,omitempty"`
	AuthorID   string     `json:"author_id,omitempty"`
	DateFrom   *time.Time `json:"date_from,omitempty"`
	DateTo     *time.Time `json:"date_to,omitempty"`
}

// NewJob flattens a comment filter into a queueable job.
func NewJob(id, format string, filter store.CommentFilter) Job {
	job := Job{
		ID:       id,
		Format:   format,
		AuthorID: filter.AuthorID,
		DateFrom: filter.DateFrom,
		DateTo:   filter.DateTo,
	}
	if filter.Target != nil {
		job.TargetKind = filter.Target.Kind
		job.TargetID = filter.Target.ObjectID
	}
	return job
}

// Filter rebuilds the comment filter the job was created from.
func (j Job) Filter() store.CommentFilter {
	filter := store.CommentFilter{
		AuthorID: j.AuthorID,
		DateFrom: j.DateFrom,
		DateTo:   j.DateTo,
	}
	if j.TargetKind != "" || j.TargetID != "" {
		filter.Target = &commentable.Ref{Kind: j.TargetKind, ObjectID: j.TargetID}
	}
	return filter
}

// Result is what a caller polling an export job gets back.
type Result struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Format string `json:"format"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}
