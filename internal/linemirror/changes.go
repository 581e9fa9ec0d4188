package linemirror

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 64

type hubSubscriber struct {
	topic Topic
	ch    chan Change
}

// changeHub fans store changes out to in-process subscribers. A subscriber
// whose buffer is full is dropped so one slow reader cannot stall writers.
type changeHub struct {
	mu     sync.Mutex
	nextID int
	buffer int
	subs   map[int]*hubSubscriber
}

func newChangeHub(buffer int) *changeHub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &changeHub{buffer: buffer, subs: map[int]*hubSubscriber{}}
}

func (h *changeHub) register(topic Topic) (int, <-chan Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &hubSubscriber{topic: topic, ch: make(chan Change, h.buffer)}
	h.subs[h.nextID] = sub
	return h.nextID, sub.ch
}

func (h *changeHub) unregister(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

func (h *changeHub) publish(change Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		if !change.matches(sub.topic) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			delete(h.subs, id)
			close(sub.ch)
		}
	}
}

func (h *changeHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// open registers before taking the snapshot so no change can fall between the two.
func (h *changeHub) open(ctx context.Context, topic Topic, snapshot func() (Snapshot, error)) (*Subscription, error) {
	if err := topic.validate(); err != nil {
		return nil, err
	}
	id, ch := h.register(topic)
	snap, err := snapshot()
	if err != nil {
		h.unregister(id)
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-subCtx.Done()
		h.unregister(id)
	}()
	return &Subscription{Snapshot: snap, Changes: ch, cancel: cancel}, nil
}
