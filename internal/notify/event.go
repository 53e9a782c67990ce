// Package notify carries comment mutation events from the write path to
// subscriber devices through a redis-backed queue and an asynchronous worker.
package notify

import (
	"time"

	"remark/api/internal/commentable"
)

const (
	ActionInsert  = "insert"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionRecover = "recover"
)

// Event is one unit of work on the queue: a committed comment mutation that
// the worker fans out to the subscribers of the comment's target.
type Event struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	CommentID string    `json:"comment_id"`
	ActorID   string    `json:"actor_id"`
	Target    targetRef `json:"target"`
	Body      string    `json:"body"`
	EventTime time.Time `json:"event_time"`
}

type targetRef struct {
	Kind     string `json:"kind"`
	ObjectID string `json:"object_id"`
}

// NewEvent builds a queue event for a committed mutation.
func NewEvent(id, action, commentID, actorID string, target commentable.Ref, body string, eventTime time.Time) Event {
	return Event{
		ID:        id,
		Action:    action,
		CommentID: commentID,
		ActorID:   actorID,
		Target:    targetRef{Kind: target.Kind, ObjectID: target.ObjectID},
		Body:      body,
		EventTime: eventTime,
	}
}

func (e Event) TargetRef() commentable.Ref {
	return commentable.Ref{Kind: e.Target.Kind, ObjectID: e.Target.ObjectID}
}

// Message is the wire payload handed to the push sink, one per device.
type Message struct {
	Action      string `json:"action"`
	ID          string `json:"id"`
	User        string `json:"user"`
	EventDate   string `json:"event_date"`
	ContentType string `json:"content_type"`
	ObjectPK    string `json:"object_pk"`
	Comment     string `json:"comment"`
}

// eventDateLayout renders timestamps the way the delivery consumers expect:
// date and time separated by a space, microseconds, numeric zone offset.
const eventDateLayout = "2006-01-02 15:04:05.999999-07:00"

// NewMessage converts a queue event into the per-device wire payload.
func NewMessage(event Event) Message {
	return Message{
		Action:      event.Action,
		ID:          event.CommentID,
		User:        event.ActorID,
		EventDate:   event.EventTime.Format(eventDateLayout),
		ContentType: event.Target.Kind,
		ObjectPK:    event.Target.ObjectID,
		Comment:     event.Body,
	}
}
