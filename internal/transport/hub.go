package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaywoot/internal/wire"
	"github.com/agentworkforce/relaywoot/internal/woot"
)

const (
	defaultReadLimit    = 4 << 20
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
)

// Hub accepts websocket connections from peer sites. Every connected peer
// receives the patches published on this site and may push its own.
type Hub struct {
	siteID   string
	receiver Receiver
	logger   zerolog.Logger

	mu    sync.Mutex
	peers map[*peer]struct{}
}

type peer struct {
	conn   *websocket.Conn
	remote string
	send   chan wire.Envelope
}

func NewHub(siteID string, receiver Receiver, logger zerolog.Logger) *Hub {
	return &Hub{
		siteID:   siteID,
		receiver: receiver,
		logger:   logger.With().Str("component", "hub").Logger(),
		peers:    map[*peer]struct{}{},
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	conn.SetReadLimit(defaultReadLimit)
	p := &peer{conn: conn, remote: r.RemoteAddr, send: make(chan wire.Envelope, defaultSendBuffer)}
	h.add(p)
	defer h.remove(p)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.writeLoop(ctx, p)

	err = readEnvelopes(ctx, conn, func(env wire.Envelope) {
		if env.Origin == h.siteID {
			return
		}
		if _, err := h.receiver.Receive(ctx, env.Origin, env.Patch); err != nil {
			h.logger.Warn().Err(err).Str("origin", env.Origin).Msg("peer patch partially rejected")
		}
	}, h.logger)
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		h.logger.Debug().Str("remote", p.remote).Msg("peer disconnected")
	default:
		h.logger.Info().Err(err).Str("remote", p.remote).Msg("peer connection closed")
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// Publish queues the patch for every connected peer. A peer whose buffer is
// full misses the patch and catches up through the patch log.
func (h *Hub) Publish(_ context.Context, patch woot.Patch) error {
	env := wire.Envelope{Origin: h.siteID, Patch: patch}
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.peers {
		select {
		case p.send <- env:
		default:
			h.logger.Warn().Str("remote", p.remote).Msg("peer send buffer full, dropping patch")
		}
	}
	return nil
}

func (h *Hub) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *Hub) add(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p] = struct{}{}
	h.logger.Info().Str("remote", p.remote).Int("peers", len(h.peers)).Msg("peer connected")
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, p)
}

func (h *Hub) writeLoop(ctx context.Context, p *peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-p.send:
			if err := writeEnvelope(ctx, p.conn, env); err != nil {
				h.logger.Warn().Err(err).Str("remote", p.remote).Msg("peer write failed")
				p.conn.CloseNow()
				return
			}
		}
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env wire.Envelope) error {
	if env.Patch.Operations == nil {
		env.Patch.Operations = []woot.Operation{}
	}
	ctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, env)
}

// readEnvelopes reads frames until the connection fails. Malformed frames
// are logged and skipped.
func readEnvelopes(ctx context.Context, conn *websocket.Conn, handle func(wire.Envelope), logger zerolog.Logger) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		env, err := wire.DecodeEnvelope(data)
		if err != nil {
			if errors.Is(err, woot.ErrStructural) {
				logger.Warn().Err(err).Msg("malformed frame skipped")
				continue
			}
			return err
		}
		handle(env)
	}
}
