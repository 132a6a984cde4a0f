package session

import (
	"context"
	"time"

	"medlink/gateway/internal/log"
	"medlink/gateway/internal/metrics"
)

const shadowQueue = 32

// shadowStore persists the session TTL and the device shadow. Registry
// implements it.
type shadowStore interface {
	Touch(ctx context.Context, device string) error
	UpdateShadow(ctx context.Context, device string, fields map[string]any) error
	IncrShadow(ctx context.Context, device, field string, n int64) error
}

// shadowUpdate is a field overwrite, a counter increment or a TTL refresh.
type shadowUpdate struct {
	fields  map[string]any
	counter string
	touch   bool
}

// shadowWriter applies registry updates on its own goroutine so a slow store
// never holds up the session loop. Updates that do not fit the queue are
// dropped and counted.
type shadowWriter struct {
	store   shadowStore
	device  string
	timeout time.Duration
	log     *log.Logger
	metrics *metrics.Collector

	q    chan shadowUpdate
	done chan struct{}
}

func newShadowWriter(store shadowStore, device string, l *log.Logger, m *metrics.Collector) *shadowWriter {
	w := &shadowWriter{
		store:   store,
		device:  device,
		timeout: registryTimeout,
		log:     l,
		metrics: m,
		q:       make(chan shadowUpdate, shadowQueue),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// enqueue never blocks.
func (w *shadowWriter) enqueue(u shadowUpdate) bool {
	select {
	case w.q <- u:
		return true
	default:
		w.metrics.IncShadowDropped()
		return false
	}
}

// close flushes what is queued and waits for the writer to exit. No
// enqueue may follow.
func (w *shadowWriter) close() {
	close(w.q)
	<-w.done
}

func (w *shadowWriter) run() {
	defer close(w.done)
	for u := range w.q {
		if err := w.apply(u); err != nil {
			w.log.Debug("registry update failed", map[string]any{"error": err.Error()})
		}
	}
}

func (w *shadowWriter) apply(u shadowUpdate) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if u.touch {
		return w.store.Touch(ctx, w.device)
	}
	if u.counter != "" {
		return w.store.IncrShadow(ctx, w.device, u.counter, 1)
	}
	return w.store.UpdateShadow(ctx, w.device, u.fields)
}
