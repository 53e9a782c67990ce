package store

import (
	"time"

	"remark/api/internal/commentable"
)

// MaxCommentSize bounds the comment body, in runes.
const MaxCommentSize = 3000

type Comment struct {
	ID          string
	Target      commentable.Ref
	AuthorID    string
	EditorID    *string
	Body        string
	SubmittedAt time.Time
	IsRemoved   bool
}

// HistoryRecord is one row of the append-only mutation ledger. Rows are
// written only by the store's mutation funnel and are immutable afterwards
// (enforced by a database trigger).
type HistoryRecord struct {
	ID           int64
	CommentID    string
	EventAt      time.Time
	ActorID      *string
	OldBody      string
	NewBody      string
	OldIsRemoved bool
	NewIsRemoved bool
}

type Subscription struct {
	ID           string
	Target       commentable.Ref
	SubscriberID string
}

type Device struct {
	ID             string
	UserID         string
	RegistrationID string
	CreatedAt      time.Time
}

type ExportFile struct {
	ID        string
	Status    string
	Format    string
	ObjectKey string
	Error     string
	CreatedAt time.Time
}

// Mutation captures the before/after state of one committed comment change.
// Changed is false when the write was an exact no-op, in which case no
// history row was produced.
type Mutation struct {
	Old     Comment
	New     Comment
	Changed bool
}

// CommentFilter narrows first-level comment listings and exports.
type CommentFilter struct {
	Target   *commentable.Ref
	AuthorID string
	DateFrom *time.Time // inclusive, on submitted_at
	DateTo   *time.Time // exclusive
}

// HistoryFilter narrows history listings.
type HistoryFilter struct {
	CommentID string
	ActorID   string
}
