package serialmux

import (
	"context"
	"net/http"
	"sync"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/monitoring"
)

// DisabledLink is a no-op LinkInterface used when no UART is attached
// (`vaod run` without `--port`). Sends are dropped. Subscribers are tracked so
// their channels close on Unsubscribe or Close and readers unblock during
// shutdown.
type DisabledLink struct {
	mu          sync.Mutex
	subscribers map[string]chan Message
	closing     bool
	dropped     int
}

func NewDisabledLink() *DisabledLink {
	return &DisabledLink{
		subscribers: make(map[string]chan Message),
	}
}

func (d *DisabledLink) Subscribe() (string, chan Message) {
	id := randomID()
	ch := make(chan Message)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledLink) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledLink) Send(_ context.Context, msg Message) error {
	d.mu.Lock()
	d.dropped++
	n := d.dropped
	d.mu.Unlock()
	if n == 1 {
		monitoring.Opsf("[serialmux] bus disabled, dropping outbound %s and later messages", msg.Type)
	}
	return nil
}

// Dropped returns the number of messages Send discarded.
func (d *DisabledLink) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *DisabledLink) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *DisabledLink) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *DisabledLink) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/bus-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("bus disabled"))
	})
}
