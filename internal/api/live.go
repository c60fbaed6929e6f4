package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/code-court/courthouse/internal/scoreboard"
)

const (
	liveWriteTimeout = 5 * time.Second
	liveSendBuffer   = 8
)

// liveClient is one websocket subscriber. Every frame goes through the
// send channel into writePump, the only goroutine that writes to the
// connection, so broadcasts from concurrent invalidations never race.
type liveClient struct {
	conn *websocket.Conn
	send chan []scoreboard.Row
	done chan struct{}
	once sync.Once
}

func newLiveClient(conn *websocket.Conn) *liveClient {
	return &liveClient{
		conn: conn,
		send: make(chan []scoreboard.Row, liveSendBuffer),
		done: make(chan struct{}),
	}
}

// close shuts the client down exactly once. Closing the connection also
// unblocks the handler's read loop.
func (c *liveClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump serializes all writes to the connection.
func (c *liveClient) writePump() {
	defer c.close()
	for {
		select {
		case rows := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			if err := c.conn.WriteJSON(rows); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// liveHub pushes fresh standings to websocket subscribers whenever the
// scoreboard for their contest is invalidated.
type liveHub struct {
	srv      *Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[int64]map[*liveClient]bool
}

func newLiveHub(srv *Server) *liveHub {
	return &liveHub{
		srv: srv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The scoreboard is public, so cross-origin reads are fine.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[int64]map[*liveClient]bool),
	}
}

func (h *liveHub) add(contestID int64, c *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[contestID] == nil {
		h.conns[contestID] = make(map[*liveClient]bool)
	}
	h.conns[contestID][c] = true
}

func (h *liveHub) remove(contestID int64, c *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[contestID], c)
	if len(h.conns[contestID]) == 0 {
		delete(h.conns, contestID)
	}
}

// broadcast recomputes the standings and queues them to every
// subscriber's pump. Runs on the invalidation path, after the cache entry
// is dropped. A subscriber whose buffer is full is dropped rather than
// blocking the invalidation.
func (h *liveHub) broadcast(contestID int64) {
	h.mu.Lock()
	subscribers := make([]*liveClient, 0, len(h.conns[contestID]))
	for c := range h.conns[contestID] {
		subscribers = append(subscribers, c)
	}
	h.mu.Unlock()
	if len(subscribers) == 0 {
		return
	}

	rows, err := h.srv.scores.Scores(context.Background(), contestID)
	if err != nil {
		h.srv.log.Warn("live scores recompute failed", "contest_id", contestID, "error", err)
		return
	}
	for _, c := range subscribers {
		select {
		case c.send <- rows:
		case <-c.done:
		default:
			h.remove(contestID, c)
			c.close()
		}
	}
}

// handleLiveScores upgrades to a websocket and streams standings: one
// snapshot on connect, then one message per scoreboard invalidation.
func (s *Server) handleLiveScores(w http.ResponseWriter, r *http.Request) {
	contestID, err := strconv.ParseInt(mux.Vars(r)["contest_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid contest id")
		return
	}
	if _, err := s.st.ContestByID(r.Context(), contestID); err != nil {
		writeError(w, http.StatusNotFound, "contest not found")
		return
	}

	conn, err := s.live.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := newLiveClient(conn)

	// Queue the connect snapshot before registering so it is the first
	// frame the subscriber sees; the pump starts only once the client is
	// registered, so broadcasts queue behind the snapshot.
	if rows, err := s.scores.Scores(r.Context(), contestID); err == nil {
		client.send <- rows
	}
	s.live.add(contestID, client)
	go client.writePump()
	defer func() {
		s.live.remove(contestID, client)
		client.close()
	}()

	// Drain client frames until the peer goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
