// Package commentable maps (kind, object id) pairs to references that
// comments and subscriptions can target.
package commentable

import (
	"errors"
	"fmt"
	"strings"
)

// KindComment is always registered so comments can target other comments.
const KindComment = "comment"

var (
	ErrUnknownKind = errors.New("unknown commentable kind")
	ErrEmptyObject = errors.New("object id is required")
)

// Ref identifies a single commentable entity. Comparable and usable as a map key.
type Ref struct {
	Kind     string
	ObjectID string
}

func (r Ref) String() string {
	return r.Kind + ":" + r.ObjectID
}

// Registry holds the set of entity kinds that may bear comments. It is built
// once at startup and read-only afterwards.
type Registry struct {
	kinds map[string]struct{}
}

// NewRegistry creates a registry containing the given kinds plus KindComment.
func NewRegistry(kinds ...string) *Registry {
	known := make(map[string]struct{}, len(kinds)+1)
	known[KindComment] = struct{}{}
	for _, kind := range kinds {
		kind = strings.TrimSpace(kind)
		if kind == "" {
			continue
		}
		known[kind] = struct{}{}
	}
	return &Registry{kinds: known}
}

// Resolve validates the kind tag and returns the reference.
func (r *Registry) Resolve(kind, objectID string) (Ref, error) {
	if _, ok := r.kinds[kind]; !ok {
		return Ref{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if strings.TrimSpace(objectID) == "" {
		return Ref{}, ErrEmptyObject
	}
	return Ref{Kind: kind, ObjectID: objectID}, nil
}

// Known reports whether the kind tag is registered.
func (r *Registry) Known(kind string) bool {
	_, ok := r.kinds[kind]
	return ok
}

// CommentRef returns the reference identifying a comment row, used when a
// reply targets an existing comment.
func CommentRef(commentID string) Ref {
	return Ref{Kind: KindComment, ObjectID: commentID}
}
