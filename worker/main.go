package worker

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/forumfed/forum-ap-bridge/ap"
	"github.com/forumfed/forum-ap-bridge/delivery"
	"github.com/forumfed/forum-ap-bridge/entity"
	"github.com/forumfed/forum-ap-bridge/pipeline"
	"github.com/forumfed/forum-ap-bridge/store"
	"github.com/forumfed/forum-ap-bridge/types"
)

// Worker drains the two queues: inbound activities into the pipeline and
// outbound deliveries onto remote inboxes.
type Worker struct {
	rdb       *redis.Client
	store     *store.Store
	processor *pipeline.Processor
	deliverer *delivery.Worker
	config    types.ApConfig
}

func NewWorker(
	rdb *redis.Client,
	store *store.Store,
	processor *pipeline.Processor,
	deliverer *delivery.Worker,
	config types.ApConfig,
) *Worker {
	return &Worker{
		rdb,
		store,
		processor,
		deliverer,
		config,
	}
}

func (w *Worker) Run() {
	go w.StartInboundWorker()
	go w.deliverer.Run(context.Background())
}

// StartInboundWorker blocks on the inbound queue and feeds every queued
// activity through the processing pipeline. Failures are logged and the
// loop moves on; a poisoned document must never wedge the queue.
func (w *Worker) StartInboundWorker() {

	log.Printf("start inbound worker")

	ctx := context.Background()

	for {
		result, err := w.rdb.BRPop(ctx, 0, ap.InboundQueueKey).Result()
		if err != nil {
			log.Printf("worker/inbound BRPop: %v", err)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var item ap.InboxItem
		if err := json.Unmarshal([]byte(result[1]), &item); err != nil {
			log.Printf("worker/inbound unmarshal: %v", err)
			continue
		}

		w.handle(ctx, item)
	}
}

func (w *Worker) handle(ctx context.Context, item ap.InboxItem) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker/inbound panic: %v", r)
		}
	}()

	if enabled := w.store.FederationEnabled(ctx); !enabled {
		return
	}

	raw, err := types.LoadAsRawApObj(item.Body)
	if err != nil {
		log.Printf("worker/inbound parse: %v", err)
		return
	}

	activity, ok := entity.Factory(raw).(*entity.Activity)
	if !ok {
		log.Printf("worker/inbound not an activity: %v", raw.MustGetString("type"))
		return
	}

	processed, err := w.processor.Process(ctx, activity, item.Recipient)
	if err != nil {
		log.Printf("worker/inbound process %v: %v", activity.ID(), err)
		return
	}
	if !processed {
		log.Printf("worker/inbound dropped %v (%v)", activity.ID(), activity.Type())
	}
}
