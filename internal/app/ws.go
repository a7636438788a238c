package app

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"courier/api/internal/live"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The session token authenticates the socket; origin checks stay with
	// the CORS layer on the REST surface.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsCommand is what the browser sends: subscribe or unsubscribe for the
// thread list or one thread's messages.
type wsCommand struct {
	Action   string `json:"action"`
	Topic    string `json:"topic"`
	ThreadID string `json:"threadId"`
}

// wsEvent is what the server pushes. Every snapshot is the full current
// state of its topic, never a delta.
type wsEvent struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Message string `json:"message,omitempty"`
}

// wsFeed pairs a subscription with the goroutine draining it. drained
// closes when forward returns, so drop can join the goroutine and
// guarantee nothing from the old feed is enqueued after a replacement.
type wsFeed struct {
	sub     *live.Subscription
	drained chan struct{}
}

type wsClient struct {
	conn    *websocket.Conn
	service *Service
	session Session

	mu   sync.Mutex
	subs map[string]*wsFeed

	send chan wsEvent
	done chan struct{}
	once sync.Once
}

// handleWebSocket upgrades the connection and runs the subscription
// protocol. Browsers cannot set headers on a WebSocket handshake, so the
// access token also rides in the token query parameter.
func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade: %v", err)
		return
	}

	client := &wsClient{
		conn:    conn,
		service: s.service,
		session: session,
		subs:    make(map[string]*wsFeed),
		send:    make(chan wsEvent, 16),
		done:    make(chan struct{}),
	}

	go client.writePump()
	client.readPump(r)
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		feeds := c.subs
		c.subs = map[string]*wsFeed{}
		c.mu.Unlock()
		for _, feed := range feeds {
			feed.sub.Cancel()
			<-feed.drained
		}
		_ = c.conn.Close()
	})
}

func (c *wsClient) readPump(r *http.Request) {
	defer c.close()

	c.conn.SetReadLimit(wsMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read for %s: %v", c.session.UserID, err)
			}
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.sendEvent(wsEvent{Type: "error", Message: "invalid command"})
			continue
		}
		c.handleCommand(r, cmd)
	}
}

func (c *wsClient) handleCommand(r *http.Request, cmd wsCommand) {
	switch cmd.Action {
	case "subscribe":
		switch cmd.Topic {
		case "threads":
			// Tear down any previous feed before opening the new one so no
			// stale snapshot lands after the fresh initial state.
			c.drop(live.ThreadsTopic(c.session.UserID))
			sub := c.service.SubscribeThreads(r.Context(), c.session)
			c.install(live.ThreadsTopic(c.session.UserID), sub)
		case "messages":
			if cmd.ThreadID == "" {
				c.sendEvent(wsEvent{Type: "error", Message: "threadId is required"})
				return
			}
			c.drop(live.MessagesTopic(cmd.ThreadID))
			sub, err := c.service.SubscribeMessages(r.Context(), c.session, cmd.ThreadID)
			if err != nil {
				_, _, message, _ := mapError(err)
				c.sendEvent(wsEvent{Type: "error", Message: message})
				return
			}
			c.install(live.MessagesTopic(cmd.ThreadID), sub)
		default:
			c.sendEvent(wsEvent{Type: "error", Message: "unknown topic"})
		}
	case "unsubscribe":
		switch cmd.Topic {
		case "threads":
			c.drop(live.ThreadsTopic(c.session.UserID))
		case "messages":
			c.drop(live.MessagesTopic(cmd.ThreadID))
		default:
			c.sendEvent(wsEvent{Type: "error", Message: "unknown topic"})
		}
	default:
		c.sendEvent(wsEvent{Type: "error", Message: "unknown action"})
	}
}

// install registers the subscription and starts draining it.
func (c *wsClient) install(topic string, sub *live.Subscription) {
	feed := &wsFeed{sub: sub, drained: make(chan struct{})}
	c.mu.Lock()
	c.subs[topic] = feed
	c.mu.Unlock()
	go c.forward(feed)
}

// drop cancels the topic's feed and waits for its forwarder to finish, so
// a snapshot buffered before the cancel can never be enqueued after a
// replacement feed's initial state.
func (c *wsClient) drop(topic string) {
	c.mu.Lock()
	feed := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if feed == nil {
		return
	}
	feed.sub.Cancel()
	<-feed.drained
}

func (c *wsClient) forward(feed *wsFeed) {
	defer close(feed.drained)
	for snapshot := range feed.sub.Events() {
		c.sendEvent(wsEvent{Type: "snapshot", Topic: snapshot.Topic, Payload: snapshot.Payload})
	}
}

func (c *wsClient) sendEvent(event wsEvent) {
	select {
	case c.send <- event:
	case <-c.done:
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case event := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
