package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"remark/api/internal/commentable"
)

// State conflicts detected under the row lock inside the mutation funnel.
var (
	ErrHasReplies     = errors.New("comment has replies")
	ErrAlreadyRemoved = errors.New("comment is already removed")
	ErrNotRemoved     = errors.New("comment is not removed")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const commentColumns = `id, target_kind, target_id, author_id, editor_id, body, submitted_at, is_removed`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComment(row rowScanner) (Comment, error) {
	var item Comment
	var editorID sql.NullString
	err := row.Scan(
		&item.ID,
		&item.Target.Kind,
		&item.Target.ObjectID,
		&item.AuthorID,
		&editorID,
		&item.Body,
		&item.SubmittedAt,
		&item.IsRemoved,
	)
	if err != nil {
		return Comment{}, err
	}
	if editorID.Valid {
		item.EditorID = &editorID.String
	}
	return item, nil
}

// CreateComment inserts the comment row and its "insert" history row in one
// transaction. The caller assigns the id; submitted_at is server time.
func (s *PostgresStore) CreateComment(ctx context.Context, item Comment) (Comment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Comment{}, fmt.Errorf("begin create comment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO comments (id, target_kind, target_id, author_id, body)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING submitted_at
	`, item.ID, item.Target.Kind, item.Target.ObjectID, item.AuthorID, item.Body).Scan(&item.SubmittedAt)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	item.IsRemoved = false

	if err := appendHistory(ctx, tx, HistoryRecord{
		CommentID:    item.ID,
		ActorID:      &item.AuthorID,
		OldBody:      "",
		NewBody:      item.Body,
		OldIsRemoved: false,
		NewIsRemoved: false,
	}); err != nil {
		return Comment{}, err
	}

	if err := tx.Commit(); err != nil {
		return Comment{}, fmt.Errorf("commit create comment: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE id=$1
	`, commentID)
	return scanComment(row)
}

// HasReplies reports whether any comment targets the given one, regardless of
// the replies' removal state.
func (s *PostgresStore) HasReplies(ctx context.Context, commentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM comments WHERE target_kind=$1 AND target_id=$2)
	`, commentable.KindComment, commentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check replies: %w", err)
	}
	return exists, nil
}

// mutate is the single funnel every comment write goes through. It locks the
// row, lets apply produce the new state (or a state-conflict error), and on a
// real change persists the row together with its history record in the same
// transaction. If the history insert fails the whole mutation rolls back.
func (s *PostgresStore) mutate(ctx context.Context, commentID string, actorID string, apply func(tx *sql.Tx, current Comment) (Comment, error)) (Mutation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Mutation{}, fmt.Errorf("begin mutate comment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE id=$1
		FOR UPDATE
	`, commentID)
	old, err := scanComment(row)
	if err != nil {
		return Mutation{}, err
	}

	updated, err := apply(tx, old)
	if err != nil {
		return Mutation{}, err
	}

	if updated.Body == old.Body && updated.IsRemoved == old.IsRemoved {
		// Exact no-op: history capture is change-triggered, not write-triggered.
		if err := tx.Commit(); err != nil {
			return Mutation{}, fmt.Errorf("commit noop mutate: %w", err)
		}
		return Mutation{Old: old, New: old, Changed: false}, nil
	}

	updated.EditorID = &actorID
	if _, err := tx.ExecContext(ctx, `
		UPDATE comments
		SET body=$2, is_removed=$3, editor_id=$4
		WHERE id=$1
	`, commentID, updated.Body, updated.IsRemoved, actorID); err != nil {
		return Mutation{}, fmt.Errorf("update comment: %w", err)
	}

	if err := appendHistory(ctx, tx, HistoryRecord{
		CommentID:    commentID,
		ActorID:      &actorID,
		OldBody:      old.Body,
		NewBody:      updated.Body,
		OldIsRemoved: old.IsRemoved,
		NewIsRemoved: updated.IsRemoved,
	}); err != nil {
		return Mutation{}, err
	}

	if err := tx.Commit(); err != nil {
		return Mutation{}, fmt.Errorf("commit mutate comment: %w", err)
	}
	return Mutation{Old: old, New: updated, Changed: true}, nil
}

func appendHistory(ctx context.Context, tx *sql.Tx, record HistoryRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO comment_history (comment_id, actor_id, old_body, new_body, old_is_removed, new_is_removed)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.CommentID, record.ActorID, record.OldBody, record.NewBody, record.OldIsRemoved, record.NewIsRemoved)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCommentBody(ctx context.Context, commentID, editorID, body string) (Mutation, error) {
	return s.mutate(ctx, commentID, editorID, func(_ *sql.Tx, current Comment) (Comment, error) {
		current.Body = body
		return current, nil
	})
}

// SoftDeleteComment flips is_removed on a leaf comment. The reply check runs
// inside the mutation transaction, but a reply inserted concurrently can still
// land after the check and before commit; that race is accepted (a removed
// comment may end up with an orphaned child).
func (s *PostgresStore) SoftDeleteComment(ctx context.Context, commentID, editorID string) (Mutation, error) {
	return s.mutate(ctx, commentID, editorID, func(tx *sql.Tx, current Comment) (Comment, error) {
		if current.IsRemoved {
			return Comment{}, ErrAlreadyRemoved
		}
		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM comments WHERE target_kind=$1 AND target_id=$2)
		`, commentable.KindComment, commentID).Scan(&exists)
		if err != nil {
			return Comment{}, fmt.Errorf("check replies: %w", err)
		}
		if exists {
			return Comment{}, ErrHasReplies
		}
		current.IsRemoved = true
		return current, nil
	})
}

func (s *PostgresStore) RecoverComment(ctx context.Context, commentID, editorID string) (Mutation, error) {
	return s.mutate(ctx, commentID, editorID, func(_ *sql.Tx, current Comment) (Comment, error) {
		if !current.IsRemoved {
			return Comment{}, ErrNotRemoved
		}
		current.IsRemoved = false
		return current, nil
	})
}

// ChildrenOf returns the transitive closure of comments under the root
// reference, ordered by submission time. The removal flag is checked at the
// row being added, so a removed comment never enters the closure; querying a
// removed comment as the root still yields its live children.
func (s *PostgresStore) ChildrenOf(ctx context.Context, root commentable.Ref) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE descendants AS (
			SELECT `+commentColumns+`
			FROM comments
			WHERE target_kind=$1 AND target_id=$2 AND is_removed=FALSE

			UNION

			SELECT c.id, c.target_kind, c.target_id, c.author_id, c.editor_id, c.body, c.submitted_at, c.is_removed
			FROM comments c
			JOIN descendants d ON c.target_kind=$3 AND c.target_id=d.id AND c.is_removed=FALSE
		)
		SELECT `+commentColumns+` FROM descendants ORDER BY submitted_at ASC
	`, root.Kind, root.ObjectID, commentable.KindComment)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}
	return items, nil
}

// ListComments returns non-removed first-level comments matching the filter,
// ordered by submission time.
func (s *PostgresStore) ListComments(ctx context.Context, filter CommentFilter) ([]Comment, error) {
	var targetKind, targetID string
	if filter.Target != nil {
		targetKind = filter.Target.Kind
		targetID = filter.Target.ObjectID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE is_removed = FALSE
		  AND ($1='' OR target_kind=$1)
		  AND ($2='' OR target_id=$2)
		  AND ($3='' OR author_id=$3)
		  AND ($4::timestamptz IS NULL OR submitted_at >= $4)
		  AND ($5::timestamptz IS NULL OR submitted_at < $5)
		ORDER BY submitted_at ASC
	`, targetKind, targetID, filter.AuthorID, filter.DateFrom, filter.DateTo)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, filter HistoryFilter) ([]HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, comment_id, event_at, actor_id, old_body, new_body, old_is_removed, new_is_removed
		FROM comment_history
		WHERE ($1='' OR comment_id=$1)
		  AND ($2='' OR actor_id=$2)
		ORDER BY event_at ASC
	`, filter.CommentID, filter.ActorID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	items := make([]HistoryRecord, 0)
	for rows.Next() {
		var item HistoryRecord
		var actorID sql.NullString
		if err := rows.Scan(
			&item.ID,
			&item.CommentID,
			&item.EventAt,
			&actorID,
			&item.OldBody,
			&item.NewBody,
			&item.OldIsRemoved,
			&item.NewIsRemoved,
		); err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		if actorID.Valid {
			item.ActorID = &actorID.String
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return items, nil
}

// InsertSubscription upserts the subscription and returns the stored row, so
// repeated subscribes are idempotent.
func (s *PostgresStore) InsertSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (id, target_kind, target_id, subscriber_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (target_kind, target_id, subscriber_id)
		DO UPDATE SET subscriber_id=EXCLUDED.subscriber_id
		RETURNING id
	`, sub.ID, sub.Target.Kind, sub.Target.ObjectID, sub.SubscriberID).Scan(&sub.ID)
	if err != nil {
		return Subscription{}, fmt.Errorf("insert subscription: %w", err)
	}
	return sub, nil
}

// DeleteSubscription removes a subscription owned by the subscriber.
func (s *PostgresStore) DeleteSubscription(ctx context.Context, subscriptionID, subscriberID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM subscriptions
		WHERE id=$1 AND subscriber_id=$2
	`, subscriptionID, subscriberID)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete subscription rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, subscriberID string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_kind, target_id, subscriber_id
		FROM subscriptions
		WHERE subscriber_id=$1
		ORDER BY id ASC
	`, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	items := make([]Subscription, 0)
	for rows.Next() {
		var item Subscription
		if err := rows.Scan(&item.ID, &item.Target.Kind, &item.Target.ObjectID, &item.SubscriberID); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return items, nil
}

// ListSubscribers returns the distinct subscriber ids watching the target.
func (s *PostgresStore) ListSubscribers(ctx context.Context, target commentable.Ref) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT subscriber_id
		FROM subscriptions
		WHERE target_kind=$1 AND target_id=$2
	`, target.Kind, target.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) RegisterDevice(ctx context.Context, device Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, user_id, registration_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, registration_id) DO NOTHING
	`, device.ID, device.UserID, device.RegistrationID)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDevicesForUsers(ctx context.Context, userIDs []string) ([]Device, error) {
	if len(userIDs) == 0 {
		return []Device{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, registration_id, created_at
		FROM devices
		WHERE user_id = ANY($1)
		ORDER BY created_at ASC
	`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	items := make([]Device, 0)
	for rows.Next() {
		var item Device
		if err := rows.Scan(&item.ID, &item.UserID, &item.RegistrationID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertExportFile(ctx context.Context, file ExportFile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_files (id, status, format)
		VALUES ($1, $2, $3)
	`, file.ID, file.Status, file.Format)
	if err != nil {
		return fmt.Errorf("insert export file: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetExportResult(ctx context.Context, exportID, status, objectKey, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE export_files
		SET status=$2, object_key=$3, error=$4
		WHERE id=$1
	`, exportID, status, objectKey, errorMessage)
	if err != nil {
		return fmt.Errorf("set export result: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExportFile(ctx context.Context, exportID string) (ExportFile, error) {
	var item ExportFile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, format, object_key, error, created_at
		FROM export_files
		WHERE id=$1
	`, exportID).Scan(&item.ID, &item.Status, &item.Format, &item.ObjectKey, &item.Error, &item.CreatedAt)
	if err != nil {
		return ExportFile{}, err
	}
	return item, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
