package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/pool"

	"remark/api/internal/commentable"
	"remark/api/internal/store"
)

// subscriberSource is the slice of the data store the worker reads:
// who watches a target, and which devices those watchers registered.
type subscriberSource interface {
	ListSubscribers(ctx context.Context, target commentable.Ref) ([]string, error)
	ListDevicesForUsers(ctx context.Context, userIDs []string) ([]store.Device, error)
}

// Worker drains the event queue and fans each event out to subscriber
// devices. It runs on its own goroutine pool, decoupled from the write path.
type Worker struct {
	queue       *Queue
	source      subscriberSource
	pusher      Pusher
	maxInFlight int
	pollTimeout time.Duration
}

func NewWorker(queue *Queue, source subscriberSource, pusher Pusher, maxInFlight int) *Worker {
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	return &Worker{
		queue:       queue,
		source:      source,
		pusher:      pusher,
		maxInFlight: maxInFlight,
		pollTimeout: 5 * time.Second,
	}
}

// Run consumes events until the context is cancelled. Queue errors back off
// exponentially; a failing event is logged and dropped, never retried here —
// redelivery policy belongs to the queue's operator.
func (w *Worker) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		event, ok, err := w.queue.Dequeue(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.NextBackOff()
			log.Printf("notify: dequeue error, retrying in %s: %v", delay, err)
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

		if err := w.Dispatch(ctx, event); err != nil {
			log.Printf("notify: event %s (%s on %s) failed: %v", event.ID, event.Action, event.CommentID, err)
		}
	}
}

// Dispatch resolves the subscriber set for the event's target and sends the
// wire message to every registered device. Device sends run concurrently on a
// bounded pool; one device failing never blocks the rest.
func (w *Worker) Dispatch(ctx context.Context, event Event) error {
	subscribers, err := w.source.ListSubscribers(ctx, event.TargetRef())
	if err != nil {
		return err
	}
	if len(subscribers) == 0 {
		return nil
	}

	devices, err := w.source.ListDevicesForUsers(ctx, subscribers)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return nil
	}

	payload, err := json.Marshal(NewMessage(event))
	if err != nil {
		return err
	}

	p := pool.New().WithMaxGoroutines(w.maxInFlight)
	for _, device := range devices {
		p.Go(func() {
			if err := w.pusher.Send(ctx, device, payload); err != nil {
				// Per-device failures are isolated and invisible to the writer.
				log.Printf("notify: dispatch to device %s failed: %v", device.RegistrationID, err)
			}
		})
	}
	p.Wait()
	return nil
}
