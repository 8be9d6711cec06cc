package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const sendChannelBuffer = 100

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrChannelFull     = errors.New("channel send buffer full")
	ErrChannelExists   = errors.New("channel already attached")
)

// Pusher enqueues a frame for a live link without blocking.
type Pusher interface {
	Push(channel string, msg *Message) error
}

// Link is the outbound half of one live agent stream. The stream's send loop
// drains SendCh until Done is closed.
type Link struct {
	Channel string
	SendCh  chan *Message
	ctx     context.Context
	cancel  context.CancelFunc
}

func (l *Link) Done() <-chan struct{} {
	return l.ctx.Done()
}

type Hub struct {
	links map[string]*Link
	mu    sync.RWMutex
}

var _ Pusher = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{links: make(map[string]*Link)}
}

func (h *Hub) Attach(channel string) (*Link, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.links[channel]; ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, channel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	link := &Link{
		Channel: channel,
		SendCh:  make(chan *Message, sendChannelBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	h.links[channel] = link

	slog.Debug("Link attached", "channel", channel, "total_links", len(h.links))
	return link, nil
}

func (h *Hub) Detach(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if link, ok := h.links[channel]; ok {
		link.cancel()
		delete(h.links, channel)
		slog.Debug("Link detached", "channel", channel, "total_links", len(h.links))
	}
}

// Push never blocks. A full buffer is reported instead of waiting for the
// stream to drain it.
func (h *Hub) Push(channel string, msg *Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	link, ok := h.links[channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}

	select {
	case <-link.ctx.Done():
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	default:
	}

	select {
	case link.SendCh <- msg:
		slog.Debug("Message queued for link", "channel", channel, "query", msg.Query, "id", msg.ID)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrChannelFull, channel)
	}
}

func (h *Hub) Connected(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.links[channel]
	return ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.links)
}

// Stop cancels every link. Send loops observe Done and return.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for channel, link := range h.links {
		link.cancel()
		delete(h.links, channel)
	}
}
