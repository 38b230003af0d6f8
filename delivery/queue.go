// Package delivery schedules and performs signed outbound deliveries. The
// queue is a redis sorted set scored by ready time, so retries with backoff
// are just re-adds with a later score.
package delivery

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("delivery")

const queueKey = "ap:delivery"

// Task is one pending delivery of one activity to one recipient.
type Task struct {
	ActivityID  string `json:"activity_id"`
	FromActorID string `json:"from_actor_id"`
	ToActorID   string `json:"to_actor_id"`
	RetryCount  int    `json:"retry_count"`
}

// Queue is the redis-backed delivery schedule.
type Queue struct {
	rdb *redis.Client
}

func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Schedule enqueues a delivery ready immediately. Satisfies the pipeline's
// Deliverer.
func (q *Queue) Schedule(ctx context.Context, activityID, fromActorID, toActorID string) error {
	ctx, span := tracer.Start(ctx, "DeliverySchedule")
	defer span.End()

	return q.push(ctx, Task{
		ActivityID:  activityID,
		FromActorID: fromActorID,
		ToActorID:   toActorID,
	}, time.Now())
}

// Retry re-enqueues a failed task with linear backoff: the delay grows by
// one base unit per attempt.
func (q *Queue) Retry(ctx context.Context, task Task, base time.Duration) error {
	ctx, span := tracer.Start(ctx, "DeliveryRetry")
	defer span.End()

	task.RetryCount++
	return q.push(ctx, task, time.Now().Add(Backoff(base, task.RetryCount)))
}

// Backoff returns the delay before a task's next attempt.
func Backoff(base time.Duration, retryCount int) time.Duration {
	return base * time.Duration(retryCount)
}

func (q *Queue) push(ctx context.Context, task Task, at time.Time) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, queueKey, redis.Z{
		Score:  float64(at.Unix()),
		Member: string(data),
	}).Err()
}

// Cancel drops every pending delivery of an activity, as when an Undo
// retracts it before it went out.
func (q *Queue) Cancel(ctx context.Context, activityID string) error {
	ctx, span := tracer.Start(ctx, "DeliveryCancel")
	defer span.End()

	members, err := q.rdb.ZRange(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return err
	}
	var doomed []interface{}
	for _, member := range members {
		var task Task
		if json.Unmarshal([]byte(member), &task) != nil {
			continue
		}
		if task.ActivityID == activityID {
			doomed = append(doomed, member)
		}
	}
	if len(doomed) == 0 {
		return nil
	}
	return q.rdb.ZRem(ctx, queueKey, doomed...).Err()
}

// Due pops every task whose ready time has passed.
func (q *Queue) Due(ctx context.Context, now time.Time) ([]Task, error) {
	ctx, span := tracer.Start(ctx, "DeliveryDue")
	defer span.End()

	members, err := q.rdb.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	var tasks []Task
	for _, member := range members {
		if err := q.rdb.ZRem(ctx, queueKey, member).Err(); err != nil {
			return tasks, err
		}
		var task Task
		if json.Unmarshal([]byte(member), &task) != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
