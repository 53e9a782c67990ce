package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"remark/api/internal/commentable"
	"remark/api/internal/notify"
	"remark/api/internal/store"
)

type fakeStore struct {
	createCommentFn      func(context.Context, store.Comment) (store.Comment, error)
	getCommentFn         func(context.Context, string) (store.Comment, error)
	updateCommentBodyFn  func(context.Context, string, string, string) (store.Mutation, error)
	softDeleteCommentFn  func(context.Context, string, string) (store.Mutation, error)
	recoverCommentFn     func(context.Context, string, string) (store.Mutation, error)
	childrenOfFn         func(context.Context, commentable.Ref) ([]store.Comment, error)
	listCommentsFn       func(context.Context, store.CommentFilter) ([]store.Comment, error)
	listHistoryFn        func(context.Context, store.HistoryFilter) ([]store.HistoryRecord, error)
	insertSubscriptionFn func(context.Context, store.Subscription) (store.Subscription, error)
	deleteSubscriptionFn func(context.Context, string, string) (bool, error)
	listSubscriptionsFn  func(context.Context, string) ([]store.Subscription, error)
	registerDeviceFn     func(context.Context, store.Device) error
}

func (f *fakeStore) CreateComment(ctx context.Context, item store.Comment) (store.Comment, error) {
	if f.createCommentFn != nil {
		return f.createCommentFn(ctx, item)
	}
	item.SubmittedAt = time.Now()
	return item, nil
}
func (f *fakeStore) GetComment(ctx context.Context, commentID string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, commentID)
	}
	return store.Comment{}, sql.ErrNoRows
}
func (f *fakeStore) UpdateCommentBody(ctx context.Context, commentID, editorID, body string) (store.Mutation, error) {
	if f.updateCommentBodyFn != nil {
		return f.updateCommentBodyFn(ctx, commentID, editorID, body)
	}
	return store.Mutation{}, sql.ErrNoRows
}
func (f *fakeStore) SoftDeleteComment(ctx context.Context, commentID, editorID string) (store.Mutation, error) {
	if f.softDeleteCommentFn != nil {
		return f.softDeleteCommentFn(ctx, commentID, editorID)
	}
	return store.Mutation{}, sql.ErrNoRows
}
func (f *fakeStore) RecoverComment(ctx context.Context, commentID, editorID string) (store.Mutation, error) {
	if f.recoverCommentFn != nil {
		return f.recoverCommentFn(ctx, commentID, editorID)
	}
	return store.Mutation{}, sql.ErrNoRows
}
func (f *fakeStore) ChildrenOf(ctx context.Context, root commentable.Ref) ([]store.Comment, error) {
	if f.childrenOfFn != nil {
		return f.childrenOfFn(ctx, root)
	}
	return nil, nil
}
func (f *fakeStore) ListComments(ctx context.Context, filter store.CommentFilter) ([]store.Comment, error) {
	if f.listCommentsFn != nil {
		return f.listCommentsFn(ctx, filter)
	}
	return nil, nil
}
func (f *fakeStore) ListHistory(ctx context.Context, filter store.HistoryFilter) ([]store.HistoryRecord, error) {
	if f.listHistoryFn != nil {
		return f.listHistoryFn(ctx, filter)
	}
	return nil, nil
}
func (f *fakeStore) InsertSubscription(ctx context.Context, sub store.Subscription) (store.Subscription, error) {
	if f.insertSubscriptionFn != nil {
		return f.insertSubscriptionFn(ctx, sub)
	}
	return sub, nil
}
func (f *fakeStore) DeleteSubscription(ctx context.Context, subscriptionID, subscriberID string) (bool, error) {
	if f.deleteSubscriptionFn != nil {
		return f.deleteSubscriptionFn(ctx, subscriptionID, subscriberID)
	}
	return false, nil
}
func (f *fakeStore) ListSubscriptions(ctx context.Context, subscriberID string) ([]store.Subscription, error) {
	if f.listSubscriptionsFn != nil {
		return f.listSubscriptionsFn(ctx, subscriberID)
	}
	return nil, nil
}
func (f *fakeStore) RegisterDevice(ctx context.Context, device store.Device) error {
	if f.registerDeviceFn != nil {
		return f.registerDeviceFn(ctx, device)
	}
	return nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeQueue struct {
	events []notify.Event
	err    error
}

func (q *fakeQueue) Enqueue(_ context.Context, event notify.Event) error {
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, event)
	return nil
}

func newTestService(fake *fakeStore, queue *fakeQueue) *Service {
	return &Service{
		registry: commentable.NewRegistry("article"),
		store:    fake,
		events:   queue,
	}
}

func expectDomainError(t *testing.T, err error, status int, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected a domain error, got %v", err)
	}
	if domainErr.Status != status {
		t.Errorf("expected status %d, got %d", status, domainErr.Status)
	}
	if domainErr.Code != code {
		t.Errorf("expected code %s, got %s", code, domainErr.Code)
	}
	return domainErr
}

func TestCreateComment(t *testing.T) {
	var inserted store.Comment
	fake := &fakeStore{
		createCommentFn: func(_ context.Context, item store.Comment) (store.Comment, error) {
			inserted = item
			item.SubmittedAt = time.Now()
			return item, nil
		},
	}
	queue := &fakeQueue{}
	svc := newTestService(fake, queue)

	comment, err := svc.CreateComment(context.Background(), CreateCommentInput{
		TargetKind: "article",
		TargetID:   "42",
		AuthorID:   "usr_1",
		Body:       "first!",
	})
	if err != nil {
		t.Fatalf("CreateComment failed: %v", err)
	}
	if !strings.HasPrefix(comment.ID, "cmt_") {
		t.Errorf("expected a cmt-prefixed id, got %s", comment.ID)
	}
	if inserted.Target != (commentable.Ref{Kind: "article", ObjectID: "42"}) {
		t.Errorf("unexpected stored target: %v", inserted.Target)
	}
	if inserted.IsRemoved {
		t.Error("new comments must not be created removed")
	}

	if len(queue.events) != 1 {
		t.Fatalf("expected 1 queued event, got %d", len(queue.events))
	}
	event := queue.events[0]
	if event.Action != notify.ActionInsert {
		t.Errorf("expected insert event, got %s", event.Action)
	}
	if event.CommentID != comment.ID || event.ActorID != "usr_1" {
		t.Errorf("unexpected event identity: %+v", event)
	}
}

func TestCreateCommentUnknownKind(t *testing.T) {
	fake := &fakeStore{
		createCommentFn: func(context.Context, store.Comment) (store.Comment, error) {
			t.Fatal("store must not be reached for an unknown kind")
			return store.Comment{}, nil
		},
	}
	svc := newTestService(fake, &fakeQueue{})

	_, err := svc.CreateComment(context.Background(), CreateCommentInput{
		TargetKind: "podcast",
		TargetID:   "42",
		AuthorID:   "usr_1",
		Body:       "hello",
	})
	expectDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestCreateCommentEmptyObjectID(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeQueue{})

	_, err := svc.CreateComment(context.Background(), CreateCommentInput{
		TargetKind: "article",
		TargetID:   "  ",
		AuthorID:   "usr_1",
		Body:       "hello",
	})
	expectDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestCreateCommentBodyTooLong(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeQueue{})

	_, err := svc.CreateComment(context.Background(), CreateCommentInput{
		TargetKind: "article",
		TargetID:   "42",
		AuthorID:   "usr_1",
		Body:       strings.Repeat("x", store.MaxCommentSize+1),
	})
	expectDomainError(t, err, 422, "BODY_TOO_LONG")
}

func TestCreateCommentBodySizeCountsRunes(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeQueue{})

	// Multibyte characters at exactly the limit are fine even though the
	// UTF-8 byte count is triple the rune count.
	_, err := svc.CreateComment(context.Background(), CreateCommentInput{
		TargetKind: "article",
		TargetID:   "42",
		AuthorID:   "usr_1",
		Body:       strings.Repeat("語", store.MaxCommentSize),
	})
	if err != nil {
		t.Fatalf("CreateComment failed at the rune limit: %v", err)
	}
}

func TestCreateCommentBlankBody(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeQueue{})

	_, err := svc.CreateComment(context.Background(), CreateCommentInput{
		TargetKind: "article",
		TargetID:   "42",
		AuthorID:   "usr_1",
		Body:       "   ",
	})
	expectDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestCreateCommentReplyTargetsComment(t *testing.T) {
	var inserted store.Comment
	fake := &fakeStore{
		createCommentFn: func(_ context.Context, item store.Comment) (store.Comment, error) {
			inserted = item
			return item, nil
		},
	}
	svc := newTestService(fake, &fakeQueue{})

	_, err := svc.CreateComment(context.Background(), CreateCommentInput{
		TargetKind: commentable.KindComment,
		TargetID:   "cmt_parent",
		AuthorID:   "usr_2",
		Body:       "replying",
	})
	if err != nil {
		t.Fatalf("CreateComment failed: %v", err)
	}
	if inserted.Target != commentable.CommentRef("cmt_parent") {
		t.Errorf("unexpected reply target: %v", inserted.Target)
	}
}

func TestUpdateCommentBody(t *testing.T) {
	fake := &fakeStore{
		updateCommentBodyFn: func(_ context.Context, commentID, editorID, body string) (store.Mutation, error) {
			old := store.Comment{ID: commentID, Body: "before"}
			updated := old
			updated.Body = body
			updated.EditorID = &editorID
			return store.Mutation{Old: old, New: updated, Changed: true}, nil
		},
	}
	queue := &fakeQueue{}
	svc := newTestService(fake, queue)

	comment, err := svc.UpdateCommentBody(context.Background(), "cmt_1", "usr_2", "after")
	if err != nil {
		t.Fatalf("UpdateCommentBody failed: %v", err)
	}
	if comment.Body != "after" {
		t.Errorf("expected updated body, got %q", comment.Body)
	}
	if len(queue.events) != 1 || queue.events[0].Action != notify.ActionUpdate {
		t.Fatalf("expected one update event, got %+v", queue.events)
	}
	if queue.events[0].ActorID != "usr_2" {
		t.Errorf("expected editor as event actor, got %s", queue.events[0].ActorID)
	}
}

func TestUpdateCommentBodyNoopEmitsNothing(t *testing.T) {
	fake := &fakeStore{
		updateCommentBodyFn: func(_ context.Context, commentID, _, body string) (store.Mutation, error) {
			same := store.Comment{ID: commentID, Body: body}
			return store.Mutation{Old: same, New: same, Changed: false}, nil
		},
	}
	queue := &fakeQueue{}
	svc := newTestService(fake, queue)

	if _, err := svc.UpdateCommentBody(context.Background(), "cmt_1", "usr_2", "same"); err != nil {
		t.Fatalf("UpdateCommentBody failed: %v", err)
	}
	if len(queue.events) != 0 {
		t.Errorf("no-op update must not queue events, got %+v", queue.events)
	}
}

func TestUpdateCommentBodyNotFound(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeQueue{})

	_, err := svc.UpdateCommentBody(context.Background(), "cmt_missing", "usr_2", "body")
	expectDomainError(t, err, 404, "NOT_FOUND")
}

func TestSoftDeleteComment(t *testing.T) {
	fake := &fakeStore{
		softDeleteCommentFn: func(_ context.Context, commentID, editorID string) (store.Mutation, error) {
			old := store.Comment{ID: commentID, Body: "gone"}
			removed := old
			removed.IsRemoved = true
			removed.EditorID = &editorID
			return store.Mutation{Old: old, New: removed, Changed: true}, nil
		},
	}
	queue := &fakeQueue{}
	svc := newTestService(fake, queue)

	comment, err := svc.SoftDeleteComment(context.Background(), "cmt_1", "usr_2")
	if err != nil {
		t.Fatalf("SoftDeleteComment failed: %v", err)
	}
	if !comment.IsRemoved {
		t.Error("expected the returned comment to be removed")
	}
	if len(queue.events) != 1 || queue.events[0].Action != notify.ActionDelete {
		t.Fatalf("expected one delete event, got %+v", queue.events)
	}
}

func TestSoftDeleteCommentWithReplies(t *testing.T) {
	fake := &fakeStore{
		softDeleteCommentFn: func(context.Context, string, string) (store.Mutation, error) {
			return store.Mutation{}, store.ErrHasReplies
		},
	}
	queue := &fakeQueue{}
	svc := newTestService(fake, queue)

	_, err := svc.SoftDeleteComment(context.Background(), "cmt_1", "usr_2")
	expectDomainError(t, err, 409, "NOT_DELETABLE")
	if len(queue.events) != 0 {
		t.Errorf("failed delete must not queue events")
	}
}

func TestSoftDeleteCommentAlreadyRemoved(t *testing.T) {
	fake := &fakeStore{
		softDeleteCommentFn: func(context.Context, string, string) (store.Mutation, error) {
			return store.Mutation{}, store.ErrAlreadyRemoved
		},
	}
	svc := newTestService(fake, &fakeQueue{})

	_, err := svc.SoftDeleteComment(context.Background(), "cmt_1", "usr_2")
	expectDomainError(t, err, 409, "ALREADY_REMOVED")
}

func TestRecoverComment(t *testing.T) {
	fake := &fakeStore{
		recoverCommentFn: func(_ context.Context, commentID, editorID string) (store.Mutation, error) {
			removed := store.Comment{ID: commentID, Body: "back", IsRemoved: true}
			restored := removed
			restored.IsRemoved = false
			restored.EditorID = &editorID
			return store.Mutation{Old: removed, New: restored, Changed: true}, nil
		},
	}
	queue := &fakeQueue{}
	svc := newTestService(fake, queue)

	comment, err := svc.RecoverComment(context.Background(), "cmt_1", "usr_2")
	if err != nil {
		t.Fatalf("RecoverComment failed: %v", err)
	}
	if comment.IsRemoved {
		t.Error("expected the returned comment to be live again")
	}
	if len(queue.events) != 1 || queue.events[0].Action != notify.ActionRecover {
		t.Fatalf("expected one recover event, got %+v", queue.events)
	}
}

func TestRecoverCommentNotRemoved(t *testing.T) {
	fake := &fakeStore{
		recoverCommentFn: func(context.Context, string, string) (store.Mutation, error) {
			return store.Mutation{}, store.ErrNotRemoved
		},
	}
	svc := newTestService(fake, &fakeQueue{})

	_, err := svc.RecoverComment(context.Background(), "cmt_1", "usr_2")
	expectDomainError(t, err, 409, "NOT_REMOVED")
}

func TestEnqueueFailureDoesNotFailTheWrite(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeQueue{err: errors.New("redis down")})

	_, err := svc.CreateComment(context.Background(), CreateCommentInput{
		TargetKind: "article",
		TargetID:   "42",
		AuthorID:   "usr_1",
		Body:       "still works",
	})
	if err != nil {
		t.Fatalf("CreateComment must succeed when the queue is down, got %v", err)
	}
}

func TestChildrenOfResolvesTarget(t *testing.T) {
	var queried commentable.Ref
	fake := &fakeStore{
		childrenOfFn: func(_ context.Context, root commentable.Ref) ([]store.Comment, error) {
			queried = root
			return []store.Comment{{ID: "cmt_1"}}, nil
		},
	}
	svc := newTestService(fake, &fakeQueue{})

	comments, err := svc.ChildrenOf(context.Background(), "article", "42")
	if err != nil {
		t.Fatalf("ChildrenOf failed: %v", err)
	}
	if queried != (commentable.Ref{Kind: "article", ObjectID: "42"}) {
		t.Errorf("unexpected queried root: %v", queried)
	}
	if len(comments) != 1 {
		t.Errorf("expected 1 comment, got %d", len(comments))
	}
}

func TestChildrenOfUnknownKind(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeQueue{})

	_, err := svc.ChildrenOf(context.Background(), "podcast", "42")
	expectDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestListCommentsBuildsFilter(t *testing.T) {
	var filter store.CommentFilter
	fake := &fakeStore{
		listCommentsFn: func(_ context.Context, f store.CommentFilter) ([]store.Comment, error) {
			filter = f
			return nil, nil
		},
	}
	svc := newTestService(fake, &fakeQueue{})

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := svc.ListComments(context.Background(), ListCommentsInput{
		TargetKind: "article",
		TargetID:   "42",
		AuthorID:   " usr_1 ",
		DateFrom:   &from,
	})
	if err != nil {
		t.Fatalf("ListComments failed: %v", err)
	}
	if filter.Target == nil || *filter.Target != (commentable.Ref{Kind: "article", ObjectID: "42"}) {
		t.Errorf("unexpected filter target: %v", filter.Target)
	}
	if filter.AuthorID != "usr_1" {
		t.Errorf("expected trimmed author id, got %q", filter.AuthorID)
	}
	if filter.DateFrom == nil || !filter.DateFrom.Equal(from) {
		t.Errorf("unexpected date_from: %v", filter.DateFrom)
	}
}

func TestSubscribeValidatesKind(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeQueue{})

	_, err := svc.Subscribe(context.Background(), "usr_1", "podcast", "42")
	expectDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestSubscribe(t *testing.T) {
	fake := &fakeStore{
		insertSubscriptionFn: func(_ context.Context, sub store.Subscription) (store.Subscription, error) {
			return sub, nil
		},
	}
	svc := newTestService(fake, &fakeQueue{})

	sub, err := svc.Subscribe(context.Background(), "usr_1", "article", "42")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if sub.SubscriberID != "usr_1" {
		t.Errorf("unexpected subscriber: %s", sub.SubscriberID)
	}
	if !strings.HasPrefix(sub.ID, "sub_") {
		t.Errorf("expected a sub-prefixed id, got %s", sub.ID)
	}
}

func TestUnsubscribeNotFound(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeQueue{})

	err := svc.Unsubscribe(context.Background(), "sub_missing", "usr_1")
	expectDomainError(t, err, 404, "NOT_FOUND")
}

func TestRegisterDeviceValidation(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeQueue{})

	_, err := svc.RegisterDevice(context.Background(), "usr_1", " ")
	expectDomainError(t, err, 422, "VALIDATION_ERROR")
}
