package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"remark/api/internal/commentable"
	"remark/api/internal/notify"
	"remark/api/internal/store"
	"remark/api/internal/util"
)

type CreateCommentInput struct {
	TargetKind string `json:"targetKind"`
	TargetID   string `json:"targetId"`
	AuthorID   string `json:"authorId"`
	Body       string `json:"body"`
}

type ListCommentsInput struct {
	TargetKind string
	TargetID   string
	AuthorID   string
	DateFrom   *time.Time
	DateTo     *time.Time
}

type ListHistoryInput struct {
	CommentID string
	ActorID   string
}

type dataStore interface {
	CreateComment(context.Context, store.Comment) (store.Comment, error)
	GetComment(context.Context, string) (store.Comment, error)
	UpdateCommentBody(context.Context, string, string, string) (store.Mutation, error)
	SoftDeleteComment(context.Context, string, string) (store.Mutation, error)
	RecoverComment(context.Context, string, string) (store.Mutation, error)
	ChildrenOf(context.Context, commentable.Ref) ([]store.Comment, error)
	ListComments(context.Context, store.CommentFilter) ([]store.Comment, error)
	ListHistory(context.Context, store.HistoryFilter) ([]store.HistoryRecord, error)
	InsertSubscription(context.Context, store.Subscription) (store.Subscription, error)
	DeleteSubscription(context.Context, string, string) (bool, error)
	ListSubscriptions(context.Context, string) ([]store.Subscription, error)
	RegisterDevice(context.Context, store.Device) error
	Ping(ctx context.Context) error
}

type eventQueue interface {
	Enqueue(context.Context, notify.Event) error
}

type Service struct {
	registry *commentable.Registry
	store    dataStore
	events   eventQueue
}

func New(registry *commentable.Registry, dataStore *store.PostgresStore, events *notify.Queue) *Service {
	return &Service{
		registry: registry,
		store:    dataStore,
		events:   events,
	}
}

// mapNotFound folds the store's missing-row sentinel into the error taxonomy;
// anything else passes through untouched.
func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "comment not found", nil)
	}
	return err
}

func validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	if utf8.RuneCountInString(body) > store.MaxCommentSize {
		return domainError(http.StatusUnprocessableEntity, "BODY_TOO_LONG", "body exceeds the maximum comment size", map[string]any{
			"max": store.MaxCommentSize,
		})
	}
	return nil
}

func (s *Service) resolveTarget(kind, objectID string) (commentable.Ref, error) {
	ref, err := s.registry.Resolve(kind, objectID)
	if err != nil {
		return commentable.Ref{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return ref, nil
}

func (s *Service) CreateComment(ctx context.Context, input CreateCommentInput) (store.Comment, error) {
	target, err := s.resolveTarget(input.TargetKind, input.TargetID)
	if err != nil {
		return store.Comment{}, err
	}
	if strings.TrimSpace(input.AuthorID) == "" {
		return store.Comment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "authorId is required", nil)
	}
	if err := validateBody(input.Body); err != nil {
		return store.Comment{}, err
	}

	comment, err := s.store.CreateComment(ctx, store.Comment{
		ID:       util.NewID("cmt"),
		Target:   target,
		AuthorID: input.AuthorID,
		Body:     input.Body,
	})
	if err != nil {
		return store.Comment{}, err
	}

	s.emit(ctx, notify.ActionInsert, comment, input.AuthorID, comment.SubmittedAt)
	return comment, nil
}

func (s *Service) GetComment(ctx context.Context, commentID string) (store.Comment, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, mapNotFound(err)
	}
	return comment, nil
}

func (s *Service) UpdateCommentBody(ctx context.Context, commentID, editorID, body string) (store.Comment, error) {
	if err := validateBody(body); err != nil {
		return store.Comment{}, err
	}

	mutation, err := s.store.UpdateCommentBody(ctx, commentID, editorID, body)
	if err != nil {
		return store.Comment{}, mapNotFound(err)
	}
	// An identical body commits nothing, so nothing is announced either.
	if mutation.Changed {
		s.emit(ctx, notify.ActionUpdate, mutation.New, editorID, time.Now())
	}
	return mutation.New, nil
}

func (s *Service) SoftDeleteComment(ctx context.Context, commentID, editorID string) (store.Comment, error) {
	mutation, err := s.store.SoftDeleteComment(ctx, commentID, editorID)
	switch {
	case errors.Is(err, store.ErrHasReplies):
		return store.Comment{}, domainError(http.StatusConflict, "NOT_DELETABLE", "comment has replies and cannot be removed", nil)
	case errors.Is(err, store.ErrAlreadyRemoved):
		return store.Comment{}, domainError(http.StatusConflict, "ALREADY_REMOVED", "comment is already removed", nil)
	case err != nil:
		return store.Comment{}, mapNotFound(err)
	}

	s.emit(ctx, notify.ActionDelete, mutation.New, editorID, time.Now())
	return mutation.New, nil
}

func (s *Service) RecoverComment(ctx context.Context, commentID, editorID string) (store.Comment, error) {
	mutation, err := s.store.RecoverComment(ctx, commentID, editorID)
	switch {
	case errors.Is(err, store.ErrNotRemoved):
		return store.Comment{}, domainError(http.StatusConflict, "NOT_REMOVED", "comment is not removed", nil)
	case err != nil:
		return store.Comment{}, mapNotFound(err)
	}

	s.emit(ctx, notify.ActionRecover, mutation.New, editorID, time.Now())
	return mutation.New, nil
}

// ChildrenOf returns every live comment reachable from the target, replies to
// replies included, ordered oldest first.
func (s *Service) ChildrenOf(ctx context.Context, targetKind, targetID string) ([]store.Comment, error) {
	target, err := s.resolveTarget(targetKind, targetID)
	if err != nil {
		return nil, err
	}
	return s.store.ChildrenOf(ctx, target)
}

func (s *Service) ListComments(ctx context.Context, input ListCommentsInput) ([]store.Comment, error) {
	filter := store.CommentFilter{
		AuthorID: strings.TrimSpace(input.AuthorID),
		DateFrom: input.DateFrom,
		DateTo:   input.DateTo,
	}
	if input.TargetKind != "" || input.TargetID != "" {
		target, err := s.resolveTarget(input.TargetKind, input.TargetID)
		if err != nil {
			return nil, err
		}
		filter.Target = &target
	}
	return s.store.ListComments(ctx, filter)
}

func (s *Service) ListHistory(ctx context.Context, input ListHistoryInput) ([]store.HistoryRecord, error) {
	return s.store.ListHistory(ctx, store.HistoryFilter{
		CommentID: strings.TrimSpace(input.CommentID),
		ActorID:   strings.TrimSpace(input.ActorID),
	})
}

func (s *Service) Subscribe(ctx context.Context, subscriberID, targetKind, targetID string) (store.Subscription, error) {
	if strings.TrimSpace(subscriberID) == "" {
		return store.Subscription{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "subscriberId is required", nil)
	}
	target, err := s.resolveTarget(targetKind, targetID)
	if err != nil {
		return store.Subscription{}, err
	}
	return s.store.InsertSubscription(ctx, store.Subscription{
		ID:           util.NewID("sub"),
		Target:       target,
		SubscriberID: subscriberID,
	})
}

func (s *Service) Unsubscribe(ctx context.Context, subscriptionID, subscriberID string) error {
	deleted, err := s.store.DeleteSubscription(ctx, subscriptionID, subscriberID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "subscription not found", nil)
	}
	return nil
}

func (s *Service) ListSubscriptions(ctx context.Context, subscriberID string) ([]store.Subscription, error) {
	return s.store.ListSubscriptions(ctx, subscriberID)
}

func (s *Service) RegisterDevice(ctx context.Context, userID, registrationID string) (store.Device, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(registrationID) == "" {
		return store.Device{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId and registrationId are required", nil)
	}
	device := store.Device{
		ID:             util.NewID("dev"),
		UserID:         userID,
		RegistrationID: registrationID,
	}
	if err := s.store.RegisterDevice(ctx, device); err != nil {
		return store.Device{}, err
	}
	return device, nil
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// emit queues a notification for a committed mutation. The write already
// succeeded, so a queue failure is logged and swallowed rather than surfaced
// to the caller.
func (s *Service) emit(ctx context.Context, action string, comment store.Comment, actorID string, eventTime time.Time) {
	event := notify.NewEvent(uuid.NewString(), action, comment.ID, actorID, comment.Target, comment.Body, eventTime)
	if err := s.events.Enqueue(ctx, event); err != nil {
		log.Printf("app: enqueue %s event for comment %s failed: %v", action, comment.ID, err)
	}
}
