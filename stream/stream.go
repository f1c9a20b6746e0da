// Package stream fans job events out to Server-Sent Events subscribers.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	MaxSubscribers     = 1000
	SubscriberBuffer   = 128
	KeepAliveInterval  = 30 * time.Second
	StaleSweepInterval = 60 * time.Second
	QueueSize          = 1024
)

// Message is one SSE event.
type Message struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

type subscriberChan chan Message

type subscriber struct {
	id       string
	remote   string
	lastSeen atomic.Int64
	sent     atomic.Int64
}

// Hub is the process-wide event fan-out.
type Hub struct {
	// closeMu is held for reading while sending and for writing while
	// closing, so fanOut never sends on a closed channel.
	closeMu  sync.RWMutex
	subs     sync.Map // subscriberChan -> *subscriber
	active   atomic.Int64
	total    atomic.Int64
	dropped  atomic.Int64
	skipped  atomic.Int64
	rejected atomic.Int64
	queue    chan Message
	done     chan struct{}
	once     sync.Once
}

// Stats is a snapshot of hub counters reported by /health.
type Stats struct {
	Subscribers    int64 `json:"subscribers"`
	Delivered      int64 `json:"delivered"`
	Dropped        int64 `json:"dropped"`
	SkippedForSlow int64 `json:"skippedForSlow"`
	Rejected       int64 `json:"rejected"`
}

var hub = newHub()

func newHub() *Hub {
	h := &Hub{
		queue: make(chan Message, QueueSize),
		done:  make(chan struct{}),
	}
	go h.fanOut()
	go h.sweep()
	return h
}

// GetStats returns the current hub counters.
func GetStats() Stats {
	return Stats{
		Subscribers:    hub.active.Load(),
		Delivered:      hub.total.Load(),
		Dropped:        hub.dropped.Load(),
		SkippedForSlow: hub.skipped.Load(),
		Rejected:       hub.rejected.Load(),
	}
}

func subscribe(c subscriberChan, remote string) bool {
	if hub.active.Load() >= MaxSubscribers {
		hub.rejected.Add(1)
		log.Printf("stream: subscriber limit reached, rejecting %s", remote)
		return false
	}
	s := &subscriber{id: fmt.Sprintf("%d-%s", time.Now().UnixNano(), remote), remote: remote}
	s.lastSeen.Store(time.Now().Unix())
	hub.subs.Store(c, s)
	hub.active.Add(1)
	return true
}

func unsubscribe(c subscriberChan) {
	hub.unsubscribe(c)
}

func (h *Hub) unsubscribe(c subscriberChan) {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if _, ok := h.subs.LoadAndDelete(c); ok {
		h.active.Add(-1)
		close(c)
	}
}

// Broadcast queues msg for every subscriber. It never blocks; when the queue
// is full the message is dropped.
func Broadcast(msg Message) {
	select {
	case hub.queue <- msg:
	default:
		hub.dropped.Add(1)
	}
}

// Publish broadcasts v encoded as JSON under the given event type.
func Publish(eventType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("stream: failed to encode %s event: %v", eventType, err)
		return
	}
	Broadcast(Message{Type: eventType, Msg: string(data)})
}

func (h *Hub) fanOut() {
	for {
		select {
		case msg := <-h.queue:
			h.closeMu.RLock()
			h.subs.Range(func(key, value any) bool {
				c := key.(subscriberChan)
				s := value.(*subscriber)
				select {
				case c <- msg:
					s.lastSeen.Store(time.Now().Unix())
					s.sent.Add(1)
					h.total.Add(1)
				default:
					h.skipped.Add(1)
				}
				return true
			})
			h.closeMu.RUnlock()
		case <-h.done:
			return
		}
	}
}

func (h *Hub) sweep() {
	t := time.NewTicker(StaleSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			h.dropStale(time.Now().Unix() - int64(2*StaleSweepInterval/time.Second))
		case <-h.done:
			return
		}
	}
}

func (h *Hub) dropStale(cutoff int64) {
	var stale []subscriberChan
	h.subs.Range(func(key, value any) bool {
		if value.(*subscriber).lastSeen.Load() < cutoff {
			stale = append(stale, key.(subscriberChan))
		}
		return true
	})
	if len(stale) > 0 {
		log.Printf("stream: dropping %d stale subscribers", len(stale))
	}
	for _, c := range stale {
		h.unsubscribe(c)
	}
}

// Shutdown stops the hub and closes every subscriber.
func Shutdown() {
	hub.close()
}

func (h *Hub) close() {
	h.once.Do(func() {
		close(h.done)
		h.subs.Range(func(key, _ any) bool {
			h.unsubscribe(key.(subscriberChan))
			return true
		})
	})
}

// Handler serves the SSE endpoint.
func Handler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	c := make(subscriberChan, SubscriberBuffer)
	if !subscribe(c, r.RemoteAddr) {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}
	defer unsubscribe(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Del("Content-Encoding")

	if _, err := io.WriteString(w, format(Message{Type: "connected", Msg: `{"ok":true}`})); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-c:
			if !ok {
				return
			}
			if _, err := io.WriteString(w, format(msg)); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// format renders msg as an SSE frame. Multi-line payloads get one data line
// per line.
func format(msg Message) string {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(msg.Type)
	b.WriteByte('\n')
	for _, line := range strings.Split(msg.Msg, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}
