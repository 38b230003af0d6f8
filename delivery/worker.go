package delivery

import (
	"context"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/forumfed/forum-ap-bridge/entity"
	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/vocab"
)

// Repository is the slice of the store the worker needs.
type Repository interface {
	GetActorByApID(ctx context.Context, apID string) (types.ApActor, error)
	GetActivityByApID(ctx context.Context, apID string) (types.ApActivity, error)
	GetObjectByApID(ctx context.Context, apID string) (types.ApObjectRecord, error)
	GetFollowers(ctx context.Context, followedID string) ([]types.ApFollow, error)
	MarkActivityPublished(ctx context.Context, apID string, at time.Time) error
	MarkObjectDelivered(ctx context.Context, apID string, at time.Time) error
	TrackDeliveryFailure(ctx context.Context, actorID, domain, reason string) error
	ResetDeliveryFailure(ctx context.Context, actorID, domain string) error
	MaxRetries(ctx context.Context) int
	BackoffBase(ctx context.Context) time.Duration
}

// Poster delivers a signed payload to a remote inbox.
type Poster interface {
	PostToInbox(ctx context.Context, inbox string, object interface{}, signer types.ApActor) error
}

// Backlog is the schedule the worker drains and refills.
type Backlog interface {
	Due(ctx context.Context, now time.Time) ([]Task, error)
	Retry(ctx context.Context, task Task, base time.Duration) error
	Schedule(ctx context.Context, activityID, fromActorID, toActorID string) error
}

// Worker drains the queue and performs deliveries.
type Worker struct {
	queue  Backlog
	store  Repository
	client Poster
}

func NewWorker(queue Backlog, st Repository, client Poster) *Worker {
	return &Worker{queue: queue, store: st, client: client}
}

// Run ticks the queue until the context ends.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// destination is one POST target after shared-inbox collapsing.
type destination struct {
	inbox string
	tasks []Task
}

// inboxes holds a recipient's delivery endpoints.
type inboxes struct {
	personal string
	shared   string
}

// tick pops due tasks and delivers them, one POST per (activity, inbox).
func (w *Worker) tick(ctx context.Context) {
	tasks, err := w.queue.Due(ctx, time.Now())
	if err != nil {
		log.Printf("delivery: pop due tasks: %v", err)
		return
	}
	for _, dest := range w.collapse(ctx, tasks) {
		w.attempt(ctx, dest)
	}
}

func (w *Worker) collapse(ctx context.Context, tasks []Task) []destination {
	return chooseDestinations(tasks, func(t Task) (inboxes, bool) {
		return w.inboxesFor(ctx, t)
	})
}

// chooseDestinations groups due tasks by activity and chosen inbox. The
// shared inbox is used only when it actually saves a POST: two or more
// recipients of the same activity sit behind it. A lone recipient gets its
// personal inbox. Collapsed tasks stay distinct so failures retry per
// recipient.
func chooseDestinations(tasks []Task, inboxesOf func(Task) (inboxes, bool)) []destination {
	type resolved struct {
		task Task
		in   inboxes
	}
	var rs []resolved
	sharedCount := map[string]int{}
	for _, task := range tasks {
		in, ok := inboxesOf(task)
		if !ok {
			continue
		}
		rs = append(rs, resolved{task, in})
		if in.shared != "" {
			sharedCount[task.ActivityID+"|"+in.shared]++
		}
	}

	byKey := map[string]*destination{}
	var order []string
	for _, r := range rs {
		inbox := r.in.personal
		if r.in.shared != "" && (inbox == "" || sharedCount[r.task.ActivityID+"|"+r.in.shared] > 1) {
			inbox = r.in.shared
		}
		if inbox == "" {
			continue
		}
		key := r.task.ActivityID + "|" + inbox
		dest, exists := byKey[key]
		if !exists {
			dest = &destination{inbox: inbox}
			byKey[key] = dest
			order = append(order, key)
		}
		dest.tasks = append(dest.tasks, r.task)
	}
	out := make([]destination, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}

// inboxesFor loads a task's recipient endpoints. A recipient that no longer
// exists drops the task silently.
func (w *Worker) inboxesFor(ctx context.Context, task Task) (inboxes, bool) {
	recipient, err := w.store.GetActorByApID(ctx, task.ToActorID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("delivery: load recipient %s: %v", task.ToActorID, err)
		}
		return inboxes{}, false
	}
	if recipient.Inbox == "" && recipient.SharedInbox == "" {
		return inboxes{}, false
	}
	return inboxes{personal: recipient.Inbox, shared: recipient.SharedInbox}, true
}

// attempt performs one POST. Missing sender or activity rows mean the state
// moved on under us; the tasks are dropped without error.
func (w *Worker) attempt(ctx context.Context, dest destination) {
	task := dest.tasks[0]

	activity, err := w.store.GetActivityByApID(ctx, task.ActivityID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("delivery: load activity %s: %v", task.ActivityID, err)
		}
		return
	}
	sender, err := w.store.GetActorByApID(ctx, task.FromActorID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("delivery: load sender %s: %v", task.FromActorID, err)
		}
		return
	}

	wrapped := entity.FromActivityRecord(&activity)
	if activity.ObjectType == vocab.BaseObject {
		if object, err := w.store.GetObjectByApID(ctx, activity.ObjectID); err == nil {
			wrapped.Object = entity.FromObjectRecord(&object)
		}
	}

	err = w.client.PostToInbox(ctx, dest.inbox, wrapped.JSON().GetData(), sender)
	if err != nil {
		w.fail(ctx, dest, err)
		return
	}

	now := time.Now().UTC()
	if err := w.store.MarkActivityPublished(ctx, activity.ApID, now); err != nil {
		log.Printf("delivery: mark %s published: %v", activity.ApID, err)
	}
	if activity.ObjectType == vocab.BaseObject {
		if err := w.store.MarkObjectDelivered(ctx, activity.ObjectID, now); err != nil {
			log.Printf("delivery: mark %s delivered: %v", activity.ObjectID, err)
		}
	}
	for _, t := range dest.tasks {
		if err := w.store.ResetDeliveryFailure(ctx, t.FromActorID, domainOfInbox(dest.inbox)); err != nil {
			log.Printf("delivery: reset failure tracking: %v", err)
		}
	}
}

// fail tracks the failure and reschedules each collapsed task with backoff,
// dropping those past the retry bound.
func (w *Worker) fail(ctx context.Context, dest destination, cause error) {
	maxRetries := w.store.MaxRetries(ctx)
	base := w.store.BackoffBase(ctx)
	domain := domainOfInbox(dest.inbox)

	for _, task := range dest.tasks {
		if err := w.store.TrackDeliveryFailure(ctx, task.FromActorID, domain, cause.Error()); err != nil {
			log.Printf("delivery: track failure: %v", err)
		}
		if task.RetryCount >= maxRetries {
			log.Printf("delivery: dropping %s -> %s after %d attempts: %v",
				task.ActivityID, task.ToActorID, task.RetryCount+1, cause)
			continue
		}
		if err := w.queue.Retry(ctx, task, base); err != nil {
			log.Printf("delivery: reschedule: %v", err)
		}
	}
}

// FanOutToFollowers schedules one task per accepted follower of an actor.
func (w *Worker) FanOutToFollowers(ctx context.Context, activityID, actorID string) error {
	followers, err := w.store.GetFollowers(ctx, actorID)
	if err != nil {
		return err
	}
	for _, f := range followers {
		if err := w.queue.Schedule(ctx, activityID, actorID, f.FollowerID); err != nil {
			return err
		}
	}
	return nil
}

func domainOfInbox(inbox string) string {
	u, err := url.Parse(inbox)
	if err != nil {
		return inbox
	}
	return strings.ToLower(u.Hostname())
}
