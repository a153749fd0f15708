package conntrack

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/postalsys/conenat/internal/logging"
	"github.com/postalsys/conenat/internal/recovery"
	"github.com/postalsys/conenat/internal/tuple"
)

// Hub shares one upstream UDP destroy subscription among several holders.
// The first Acquire subscribes, the last Release unsubscribes. Events are
// delivered to a single sink regardless of the number of holders.
type Hub struct {
	src    Source
	sink   Handler
	logger *slog.Logger

	mu     sync.Mutex
	refs   int
	cancel func()
}

// NewHub creates a hub forwarding UDP destroy events from src to sink.
func NewHub(src Source, sink Handler, logger *slog.Logger) *Hub {
	return &Hub{
		src:    src,
		sink:   sink,
		logger: logging.Component(logger, "conntrack"),
	}
}

// Handle is one holder's share of the subscription.
type Handle struct {
	hub  *Hub
	once sync.Once
}

// Acquire takes a reference, subscribing upstream on the first one. On
// error no reference is taken.
func (h *Hub) Acquire() (*Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refs == 0 {
		cancel, err := h.src.Subscribe(tuple.ProtoUDP, h.deliver)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSubscribe, err)
		}
		h.cancel = cancel
		h.logger.Debug("destroy event subscription established")
	}
	h.refs++
	return &Handle{hub: h}, nil
}

// Release drops the reference. Calling it more than once has no effect.
func (hd *Handle) Release() {
	if hd == nil {
		return
	}
	hd.once.Do(hd.hub.release)
}

func (h *Hub) release() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.refs--
	if h.refs > 0 {
		return
	}
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.logger.Debug("destroy event subscription released")
}

// Refs returns the number of live handles.
func (h *Hub) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

func (h *Hub) deliver(ev Event) {
	if !ev.Original.IsUDP() {
		return
	}
	recovery.Call(h.logger, "conntrack.sink", func() { h.sink(ev) })
}
