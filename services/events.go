package services

import (
	"sync"
	"time"

	"github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/lac-hong-legacy/gatekeep/model"
)

// eventRecorder is what engine-side components need from the recorder. Record
// must never block or fail the calling decision path.
type eventRecorder interface {
	Record(event model.RateLimitEvent)
}

// EventSink is the durable side of EventService. PostgresService implements
// it; tests use a capturing fake.
type EventSink interface {
	AppendEvent(event *model.RateLimitEvent) error
}

// EventService appends audit events through a buffered worker. Enqueue is
// non-blocking: when the buffer is full the event is dropped and counted,
// because observability must not affect availability.
type EventService struct {
	context.DefaultService

	sink EventSink

	queue     chan model.RateLimitEvent
	wg        sync.WaitGroup
	closeOnce sync.Once
}

const EVENT_SVC = "event_svc"

const eventQueueSize = 1024

func (svc EventService) Id() string {
	return EVENT_SVC
}

func (svc *EventService) Configure(ctx *context.Context) error {
	svc.queue = make(chan model.RateLimitEvent, eventQueueSize)
	return svc.DefaultService.Configure(ctx)
}

func (svc *EventService) Start() error {
	svc.sink = svc.Service(POSTGRES_SVC).(*PostgresService)

	svc.wg.Add(1)
	go svc.drain()
	return nil
}

func (svc *EventService) Shutdown() {
	svc.closeOnce.Do(func() {
		close(svc.queue)
	})
	svc.wg.Wait()
}

// Record enqueues an audit event. Fire and forget: a full queue drops the
// event, a sink failure is logged by the worker. Neither reaches the caller.
func (svc *EventService) Record(event model.RateLimitEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case svc.queue <- event:
	default:
		ratelimitEventsDropped.Inc()
		log.WithFields(log.Fields{
			"module": event.Module,
			"kind":   event.Kind,
		}).Warn("Event queue full, audit event dropped")
	}
}

func (svc *EventService) drain() {
	defer svc.wg.Done()

	for event := range svc.queue {
		if err := svc.sink.AppendEvent(&event); err != nil {
			log.WithFields(log.Fields{
				"module": event.Module,
				"kind":   event.Kind,
				"error":  err.Error(),
			}).Error("Failed to record rate limit event")
		}
	}
}
