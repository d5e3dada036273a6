// Package events fans progress events out to subscribers in publish order.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cubetribe/voxflow-trans-sub002/internal/domain"
)

// Mirror republishes events to an external broker for consumers outside
// this process.
type Mirror interface {
	Publish(event domain.ProgressEvent)
}

const defaultBuffer = 16

type subscriber struct {
	ch chan domain.ProgressEvent
}

// Hub assigns each job's events a monotonically increasing sequence number
// and delivers them to that job's subscribers in order. A subscriber whose
// buffer is full is dropped rather than allowed to stall the pipeline; its
// channel close tells the client to resync from the job snapshot.
type Hub struct {
	log    *slog.Logger
	buffer int
	mirror Mirror

	mu     sync.Mutex
	seqs   map[string]int64
	subs   map[string]map[int]*subscriber
	nextID int
}

func NewHub(log *slog.Logger, buffer int, mirror Mirror) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		log:    log,
		buffer: buffer,
		mirror: mirror,
		seqs:   make(map[string]int64),
		subs:   make(map[string]map[int]*subscriber),
	}
}

// Publish stamps the event with the job's next sequence number and hands it
// to every live subscriber. A terminal event closes the job's stream.
func (h *Hub) Publish(event domain.ProgressEvent) {
	h.mu.Lock()
	h.seqs[event.JobID]++
	event.Seq = h.seqs[event.JobID]
	if event.TimestampMs == 0 {
		event.TimestampMs = time.Now().UnixMilli()
	}

	subs := h.subs[event.JobID]
	for id, s := range subs {
		select {
		case s.ch <- event:
		default:
			close(s.ch)
			delete(subs, id)
			h.log.Warn("dropping slow event subscriber",
				slog.String("job_id", event.JobID),
				slog.Int64("seq", event.Seq),
			)
		}
	}

	if event.Type.Terminal() {
		for id, s := range subs {
			close(s.ch)
			delete(subs, id)
		}
		delete(h.subs, event.JobID)
		delete(h.seqs, event.JobID)
	}
	h.mu.Unlock()

	if h.mirror != nil {
		h.mirror.Publish(event)
	}
}

// Subscribe registers a listener for one job's events. The returned cancel
// func is safe to call more than once and after the hub has already closed
// the channel.
func (h *Hub) Subscribe(jobID string) (<-chan domain.ProgressEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	s := &subscriber{ch: make(chan domain.ProgressEvent, h.buffer)}
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[int]*subscriber)
	}
	h.subs[jobID][id] = s

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs, ok := h.subs[jobID]
		if !ok {
			return
		}
		if cur, ok := subs[id]; ok {
			close(cur.ch)
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.subs, jobID)
			}
		}
	}
	return s.ch, cancel
}
