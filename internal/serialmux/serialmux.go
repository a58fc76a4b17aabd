// Package serialmux carries bus messages over a UART link. Messages are
// split into 64-byte packets and sent stop-and-wait: every packet is
// acknowledged before the next goes out. Several clients may subscribe to
// the messages that arrive on the single port.
package serialmux

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tailscale.com/tsweb"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/httputil"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/monitoring"
	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/timeutil"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	ErrNoAck       = errors.New("no acknowledgement")
	ErrPeerReset   = errors.New("peer reset the transfer")
	ErrLinkClosed  = errors.New("link closed")
)

//go:embed templates/*
var adminTemplateFS embed.FS

var busTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/bus.html.tmpl"))

// LinkConfig holds the stop-and-wait parameters.
type LinkConfig struct {
	PacketTimeout time.Duration // wait for each ACK
	MaxRetries    int           // resends per packet before giving up
	Clock         timeutil.Clock
}

// DefaultLinkConfig returns a 500 ms packet timeout and three retries.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{PacketTimeout: 500 * time.Millisecond, MaxRetries: 3}
}

// LinkStats counts link traffic.
type LinkStats struct {
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	Retries          uint64 `json:"retries"`
	ResetsSent       uint64 `json:"resets_sent"`
	Malformed        uint64 `json:"malformed"`
}

// LinkInterface is what the rest of the payload needs from a bus link.
type LinkInterface interface {
	// Subscribe creates a channel that receives every reassembled message.
	// The ID is used to unsubscribe.
	Subscribe() (string, chan Message)
	Unsubscribe(string)
	// Send transfers msg and returns once the peer acknowledged every packet.
	Send(context.Context, Message) error
	// Monitor reads packets until ctx is done or the port fails.
	Monitor(context.Context) error
	Close() error
	// AttachAdminRoutes attaches debugging endpoints under /debug/. These
	// are reachable only over localhost or the tailnet.
	AttachAdminRoutes(*http.ServeMux)
}

// Link is a packet link over one serial port.
type Link[T SerialPorter] struct {
	port T
	cfg  LinkConfig

	writeMu sync.Mutex // whole packets only
	sendMu  sync.Mutex // one outbound message at a time
	acks    chan Meta

	subscribers  map[string]chan Message
	subscriberMu sync.Mutex

	in        assembler // Monitor goroutine only
	done      chan struct{}
	closeOnce sync.Once

	sent, received, retries, resets, malformed atomic.Uint64
}

// NewLink wraps port. Zero LinkConfig fields take their defaults.
func NewLink[T SerialPorter](port T, cfg LinkConfig) *Link[T] {
	def := DefaultLinkConfig()
	if cfg.PacketTimeout <= 0 {
		cfg.PacketTimeout = def.PacketTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Link[T]{
		port:        port,
		cfg:         cfg,
		acks:        make(chan Meta, 8),
		subscribers: make(map[string]chan Message),
		done:        make(chan struct{}),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (l *Link[T]) Subscribe() (string, chan Message) {
	id := randomID()
	ch := make(chan Message, 4)
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	l.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the link.
func (l *Link[T]) Unsubscribe(id string) {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	if ch, ok := l.subscribers[id]; ok {
		close(ch)
		delete(l.subscribers, id)
	}
}

// Stats returns a snapshot of the link counters.
func (l *Link[T]) Stats() LinkStats {
	return LinkStats{
		MessagesSent:     l.sent.Load(),
		MessagesReceived: l.received.Load(),
		Retries:          l.retries.Load(),
		ResetsSent:       l.resets.Load(),
		Malformed:        l.malformed.Load(),
	}
}

func (l *Link[T]) write(pkt []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	n, err := l.port.Write(pkt)
	if err != nil {
		return err
	}
	if n != len(pkt) {
		return ErrWriteFailed
	}
	return nil
}

// Send transfers msg. A packet that is not acknowledged within
// PacketTimeout is resent up to MaxRetries times; a RESET from the peer
// restarts the transfer from the header and counts as a retry.
func (l *Link[T]) Send(ctx context.Context, msg Message) error {
	pkts, err := Packetize(msg)
	if err != nil {
		return err
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	// Drop acknowledgements left over from an abandoned transfer.
	for len(l.acks) > 0 {
		<-l.acks
	}

	seq, attempts := 0, 0
	for seq < len(pkts) {
		if err := l.write(pkts[seq]); err != nil {
			return fmt.Errorf("send %s packet %d: %w", msg.Type, seq, err)
		}
		m, err := l.awaitAck(ctx)
		switch {
		case err == nil && m.Type == PacketAck && int(m.Seq) == seq:
			seq++
			attempts = 0
			continue
		case err != nil && !errors.Is(err, ErrNoAck):
			return err
		}
		attempts++
		l.retries.Add(1)
		if attempts > l.cfg.MaxRetries {
			if err == nil && m.Type == PacketReset {
				err = ErrPeerReset
			}
			return fmt.Errorf("send %s packet %d after %d retries: %w", msg.Type, seq, l.cfg.MaxRetries, err)
		}
		if err == nil && m.Type == PacketReset {
			monitoring.Diagf("[serialmux] peer reset during %s, restarting", msg.Type)
			seq = 0
		}
	}
	l.sent.Add(1)
	monitoring.Tracef("[serialmux] sent %s", msg)
	return nil
}

func (l *Link[T]) awaitAck(ctx context.Context) (Meta, error) {
	timer := l.cfg.Clock.NewTimer(l.cfg.PacketTimeout)
	defer timer.Stop()
	select {
	case m := <-l.acks:
		return m, nil
	case <-timer.C():
		return Meta{}, ErrNoAck
	case <-ctx.Done():
		return Meta{}, ctx.Err()
	case <-l.done:
		return Meta{}, ErrLinkClosed
	}
}

// Monitor reads packets from the port, answers inbound transfers and hands
// acknowledgements to Send.
func (l *Link[T]) Monitor(ctx context.Context) error {
	reader := newPacketReader(l.port)

	type result struct {
		pkt Packet
		err error
	}
	packets := make(chan result)

	// The blocking read runs on its own goroutine so the loop below can
	// still observe cancellation.
	go func() {
		defer close(packets)
		for {
			p, err := reader.next()
			select {
			case packets <- result{p, err}:
			case <-ctx.Done():
				return
			case <-l.done:
				return
			}
			if err != nil && !errors.Is(err, ErrMalformedPacket) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case r, ok := <-packets:
			if !ok {
				return nil
			}
			switch {
			case errors.Is(r.err, ErrMalformedPacket):
				l.malformed.Add(1)
				monitoring.Diagf("[serialmux] %v", r.err)
				continue
			case errors.Is(r.err, io.EOF):
				return nil
			case r.err != nil:
				select {
				case <-l.done:
					return nil
				default:
				}
				return r.err
			}
			if err := l.handle(r.pkt); err != nil {
				return err
			}
		}
	}
}

func (l *Link[T]) handle(p Packet) error {
	switch p.Type {
	case PacketAck, PacketReset:
		select {
		case l.acks <- p.Meta:
		default:
			monitoring.Diagf("[serialmux] dropped unsolicited %s seq=%d", p.Type, p.Seq)
		}
		return nil
	case PacketHeader:
		msgType, count, err := parseHeader(p)
		if err != nil {
			l.malformed.Add(1)
			monitoring.Diagf("[serialmux] %v", err)
			return nil
		}
		l.in.start(msgType, count)
		if err := l.write(controlPacket(PacketAck, p.Seq)); err != nil {
			return err
		}
	case PacketData:
		reply, ok := l.in.data(p, l.cfg.MaxRetries)
		if reply.Type == PacketReset {
			l.resets.Add(1)
			monitoring.Diagf("[serialmux] resetting inbound transfer at seq=%d", p.Seq)
		}
		if err := l.write(controlPacket(reply.Type, reply.Seq)); err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	if msg, ok := l.in.complete(); ok {
		l.received.Add(1)
		monitoring.Tracef("[serialmux] received %s", msg)
		l.dispatch(msg)
	}
	return nil
}

func (l *Link[T]) dispatch(msg Message) {
	l.subscriberMu.Lock()
	defer l.subscriberMu.Unlock()
	for _, ch := range l.subscribers {
		select {
		case ch <- msg:
		default:
			// a full subscriber must not stall the link
		}
	}
}

func (l *Link[T]) Close() error {
	l.closeOnce.Do(func() { close(l.done) })

	l.subscriberMu.Lock()
	for id, ch := range l.subscribers {
		close(ch)
		delete(l.subscribers, id)
	}
	l.subscriberMu.Unlock()
	return l.port.Close()
}

// assembler reassembles one inbound message.
type assembler struct {
	active  bool
	msgType MessageType
	count   uint16
	next    uint16
	buf     []byte
	retries int
}

func (a *assembler) start(t MessageType, count uint16) {
	*a = assembler{active: true, msgType: t, count: count, next: 1, buf: make([]byte, 0, int(count)*PayloadPerPacket)}
}

// data consumes a DATA packet and returns the control packet to answer
// with. ok is false when the packet was not accepted.
func (a *assembler) data(p Packet, maxRetries int) (reply Meta, ok bool) {
	if !a.active {
		return Meta{Type: PacketReset}, false
	}
	if p.Seq == a.next {
		a.buf = append(a.buf, p.Payload...)
		a.next++
		a.retries = 0
		return Meta{Type: PacketAck, Seq: p.Seq}, true
	}
	a.retries++
	if a.retries > maxRetries {
		a.active = false
		return Meta{Type: PacketReset}, false
	}
	// Re-acknowledge the last good packet so the sender resends the next.
	return Meta{Type: PacketAck, Seq: a.next - 1}, false
}

func (a *assembler) complete() (Message, bool) {
	if !a.active || a.next <= a.count {
		return Message{}, false
	}
	a.active = false
	return Message{Type: a.msgType, Payload: a.buf}, true
}

func (l *Link[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("bus", "send bus messages and tail inbound traffic", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := busTemplate.Execute(buf, l.Stats()); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	// API endpoint to send one message; payload is hex encoded.
	debug.HandleSilentFunc("bus-send-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		typ := strings.TrimSpace(r.FormValue("type"))
		if typ == "" {
			http.Error(w, "Missing message type", http.StatusBadRequest)
			return
		}
		msgType, err := ParseMessageType(typ)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		payload, err := hex.DecodeString(strings.TrimSpace(r.FormValue("payload")))
		if err != nil {
			http.Error(w, "Payload is not hex", http.StatusBadRequest)
			return
		}
		msg := Message{Type: msgType, Payload: payload}
		if err := l.Send(r.Context(), msg); err != nil {
			http.Error(w, "Failed to send: "+err.Error(), http.StatusBadGateway)
			return
		}
		io.WriteString(w, fmt.Sprintf("Sent %s", msg))
	})

	debug.HandleSilentFunc("bus-stats", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, l.Stats())
	})

	// Server-Sent Events, one per inbound message.
	debug.HandleSilentFunc("bus-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := l.Subscribe()
		defer l.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case msg, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s %s\n\n", msg, hex.EncodeToString(msg.Payload)); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
