package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/forumfed/forum-ap-bridge/types"
)

func TestBackoffGrowsLinearly(t *testing.T) {
	base := 30 * time.Second
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{5, 150 * time.Second},
	}
	for _, c := range cases {
		if got := Backoff(base, c.retry); got != c.want {
			t.Errorf("Backoff(base, %d) = %v, want %v", c.retry, got, c.want)
		}
	}
}

func TestChooseDestinationsSharedInboxOnlyWhenItCollapses(t *testing.T) {
	tasks := []Task{
		{ActivityID: "a1", FromActorID: "local", ToActorID: "r1"},
		{ActivityID: "a1", FromActorID: "local", ToActorID: "r2"},
		{ActivityID: "a1", FromActorID: "local", ToActorID: "r3"},
		// Same recipient, different activity: r1 is alone in this fan-out,
		// so its shared inbox saves nothing and the personal inbox wins.
		{ActivityID: "a2", FromActorID: "local", ToActorID: "r1"},
		{ActivityID: "a1", FromActorID: "local", ToActorID: "gone"},
	}
	endpoints := map[string]inboxes{
		// r1 and r2 live on the same server behind one shared inbox.
		"r1": {personal: "https://one.example/users/r1/inbox", shared: "https://one.example/inbox"},
		"r2": {personal: "https://one.example/users/r2/inbox", shared: "https://one.example/inbox"},
		"r3": {personal: "https://two.example/users/r3/inbox"},
	}

	dests := chooseDestinations(tasks, func(t Task) (inboxes, bool) {
		in, ok := endpoints[t.ToActorID]
		return in, ok
	})

	if len(dests) != 3 {
		t.Fatalf("expected 3 destinations, got %d: %+v", len(dests), dests)
	}
	if dests[0].inbox != "https://one.example/inbox" || len(dests[0].tasks) != 2 {
		t.Errorf("shared inbox should carry both a1 recipients, got %d tasks to %s",
			len(dests[0].tasks), dests[0].inbox)
	}
	if dests[1].inbox != "https://two.example/users/r3/inbox" || len(dests[1].tasks) != 1 {
		t.Errorf("dedicated inbox mis-grouped: %+v", dests[1])
	}
	if dests[2].inbox != "https://one.example/users/r1/inbox" {
		t.Errorf("lone recipient must get its personal inbox, got %s", dests[2].inbox)
	}
	if dests[2].tasks[0].ActivityID != "a2" {
		t.Errorf("activities must not collapse together, got %+v", dests[2])
	}
}

func TestChooseDestinationsSharedOnlyRecipient(t *testing.T) {
	tasks := []Task{{ActivityID: "a1", FromActorID: "local", ToActorID: "r1"}}
	dests := chooseDestinations(tasks, func(Task) (inboxes, bool) {
		return inboxes{shared: "https://one.example/inbox"}, true
	})
	if len(dests) != 1 || dests[0].inbox != "https://one.example/inbox" {
		t.Fatalf("recipient advertising only a shared inbox must still be reached: %+v", dests)
	}
}

func TestDomainOfInbox(t *testing.T) {
	if got := domainOfInbox("https://One.Example/inbox"); got != "one.example" {
		t.Errorf("got %q", got)
	}
}

const (
	stubSender    = "https://forum.example.com/ap/actors/alice"
	stubRecipient = "https://remote.example.org/actors/bob"
	stubActivity  = "https://forum.example.com/ap/activities/act-1"
)

type stubRepo struct {
	maxRetries int
	base       time.Duration
	failures   int
}

func (r *stubRepo) GetActorByApID(ctx context.Context, apID string) (types.ApActor, error) {
	switch apID {
	case stubSender:
		return types.ApActor{ApID: stubSender, ApType: "Person", Local: true}, nil
	case stubRecipient:
		return types.ApActor{ApID: stubRecipient, Inbox: stubRecipient + "/inbox"}, nil
	}
	return types.ApActor{}, gorm.ErrRecordNotFound
}

func (r *stubRepo) GetActivityByApID(ctx context.Context, apID string) (types.ApActivity, error) {
	if apID != stubActivity {
		return types.ApActivity{}, gorm.ErrRecordNotFound
	}
	return types.ApActivity{ApID: stubActivity, ApType: "Like", ActorID: stubSender}, nil
}

func (r *stubRepo) GetObjectByApID(ctx context.Context, apID string) (types.ApObjectRecord, error) {
	return types.ApObjectRecord{}, gorm.ErrRecordNotFound
}

func (r *stubRepo) GetFollowers(ctx context.Context, followedID string) ([]types.ApFollow, error) {
	return nil, nil
}

func (r *stubRepo) MarkActivityPublished(ctx context.Context, apID string, at time.Time) error {
	return nil
}

func (r *stubRepo) MarkObjectDelivered(ctx context.Context, apID string, at time.Time) error {
	return nil
}

func (r *stubRepo) TrackDeliveryFailure(ctx context.Context, actorID, domain, reason string) error {
	r.failures++
	return nil
}

func (r *stubRepo) ResetDeliveryFailure(ctx context.Context, actorID, domain string) error {
	return nil
}

func (r *stubRepo) MaxRetries(ctx context.Context) int { return r.maxRetries }

func (r *stubRepo) BackoffBase(ctx context.Context) time.Duration { return r.base }

type stubBacklog struct {
	retried   []Task
	scheduled []Task
	bases     []time.Duration
}

func (b *stubBacklog) Due(ctx context.Context, now time.Time) ([]Task, error) { return nil, nil }

func (b *stubBacklog) Retry(ctx context.Context, task Task, base time.Duration) error {
	task.RetryCount++
	b.retried = append(b.retried, task)
	b.bases = append(b.bases, base)
	return nil
}

func (b *stubBacklog) Schedule(ctx context.Context, activityID, fromActorID, toActorID string) error {
	b.scheduled = append(b.scheduled, Task{ActivityID: activityID, FromActorID: fromActorID, ToActorID: toActorID})
	return nil
}

type downPoster struct{ posts int }

func (p *downPoster) PostToInbox(ctx context.Context, inbox string, object interface{}, signer types.ApActor) error {
	p.posts++
	return errors.New("connection refused")
}

// A destination that never answers is retried exactly MaxRetries times and
// then dropped, with nothing new scheduled.
func TestRetryBoundOnPersistentFailure(t *testing.T) {
	ctx := context.Background()
	backlog := &stubBacklog{}
	repo := &stubRepo{maxRetries: 3, base: 30 * time.Second}
	poster := &downPoster{}
	w := NewWorker(backlog, repo, poster)

	pending := []Task{{ActivityID: stubActivity, FromActorID: stubSender, ToActorID: stubRecipient}}
	rounds := 0
	for len(pending) > 0 {
		rounds++
		if rounds > 10 {
			t.Fatal("retries never stop")
		}
		before := len(backlog.retried)
		for _, dest := range w.collapse(ctx, pending) {
			w.attempt(ctx, dest)
		}
		pending = append([]Task(nil), backlog.retried[before:]...)
	}

	if len(backlog.retried) != repo.maxRetries {
		t.Errorf("rescheduled %d times, want exactly %d", len(backlog.retried), repo.maxRetries)
	}
	if poster.posts != repo.maxRetries+1 {
		t.Errorf("attempted %d posts, want %d", poster.posts, repo.maxRetries+1)
	}
	if len(backlog.scheduled) != 0 {
		t.Errorf("a dropped task must not spawn new ones, got %d", len(backlog.scheduled))
	}
	for i, task := range backlog.retried {
		if task.RetryCount != i+1 {
			t.Errorf("reschedule %d carries retry count %d", i, task.RetryCount)
		}
	}
	for _, base := range backlog.bases {
		if base != repo.base {
			t.Errorf("retry used backoff base %v, want %v", base, repo.base)
		}
	}
}
