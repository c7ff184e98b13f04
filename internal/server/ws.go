package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ontocollab/internal/graph"
	"github.com/ontocollab/internal/hub"
	"github.com/ontocollab/internal/jsonx"
	"github.com/ontocollab/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 90 * time.Second
	pingPeriod = 30 * time.Second
)

// clientMessage is one inbound frame on the sync socket.
type clientMessage struct {
	Type string `json:"type"`
	// RequestID correlates the server's ack or rejection with the
	// client's pending optimistic mutation.
	RequestID    string                    `json:"request_id,omitempty"`
	Concept      *graph.ConceptChange      `json:"concept,omitempty"`
	Relationship *graph.RelationshipChange `json:"relationship,omitempty"`
	Individual   *graph.IndividualChange   `json:"individual,omitempty"`
	Group        *hub.GroupChange          `json:"group,omitempty"`
	View         string                    `json:"view,omitempty"`
}

// serverMessage is one outbound frame.
type serverMessage struct {
	Type      string     `json:"type"` // event | ack | rejected | presence
	RequestID string     `json:"request_id,omitempty"`
	Event     *hub.Event `json:"event,omitempty"`
	// Committed carries the server-committed entity for acks.
	Committed interface{}       `json:"committed,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Presence  []session.Session `json:"presence,omitempty"`
}

// wsConn serializes writes to one websocket connection; events from the
// subscription pump and acks from the read loop interleave.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(msg serverMessage) error {
	data, err := jsonx.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// handleSync upgrades the connection, joins the ontology and runs the
// read/write pumps until the client goes away.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ontologyID := mux.Vars(r)["id"]
	userID := GetUserID(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	connectionID := uuid.New().String()
	sub, presence, err := s.hub.Join(r.Context(), ontologyID, userID, connectionID)
	if err != nil {
		s.writeCloseAndDrop(conn, err)
		return
	}

	wc := &wsConn{conn: conn}
	// The joiner gets the presence list first, before any event.
	if err := wc.write(serverMessage{Type: "presence", Presence: presence}); err != nil {
		s.hub.Leave(connectionID)
		conn.Close()
		return
	}

	done := make(chan struct{})
	go s.writePump(wc, sub, done)
	s.readPump(wc, ontologyID, userID, connectionID)
	close(done)

	s.hub.Leave(connectionID)
	conn.Close()
}

func (s *Server) writeCloseAndDrop(conn *websocket.Conn, err error) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reasonCode(err))
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

// writePump forwards subscription events and keeps the connection pinged.
func (s *Server) writePump(wc *wsConn, sub *hub.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C():
			if !ok {
				// Evicted or left; the read pump will notice the close.
				wc.conn.Close()
				return
			}
			if err := wc.write(serverMessage{Type: "event", Event: &ev}); err != nil {
				s.logger.Debug("event write failed",
					zap.String("connection_id", sub.ConnectionID()),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := wc.ping(); err != nil {
				return
			}
		}
	}
}

// readPump dispatches inbound frames until the connection drops.
func (s *Server) readPump(wc *wsConn, ontologyID, userID, connectionID string) {
	conn := wc.conn
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		s.hub.Heartbeat(connectionID)
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed unexpectedly",
					zap.String("connection_id", connectionID),
					zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := jsonx.Unmarshal(data, &msg); err != nil {
			wc.write(serverMessage{Type: "rejected", Reason: "MALFORMED"})
			continue
		}
		s.dispatch(wc, msg, ontologyID, userID, connectionID)
	}
}

// dispatch routes one client frame into the hub. Every rejection carries
// the taxonomy reason code; nothing is silently retried server-side.
func (s *Server) dispatch(wc *wsConn, msg clientMessage, ontologyID, userID, connectionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch msg.Type {
	case "heartbeat":
		s.hub.Heartbeat(connectionID)

	case "view":
		if err := s.hub.UpdateCurrentView(connectionID, msg.View); err != nil {
			wc.write(serverMessage{Type: "rejected", RequestID: msg.RequestID, Reason: reasonCode(err)})
		}

	case "concept":
		if msg.Concept == nil {
			wc.write(serverMessage{Type: "rejected", RequestID: msg.RequestID, Reason: "MALFORMED"})
			return
		}
		committed, err := s.hub.ProposeConceptChange(ctx, ontologyID, userID, connectionID, *msg.Concept)
		s.ackOrReject(wc, msg.RequestID, committed, err)

	case "relationship":
		if msg.Relationship == nil {
			wc.write(serverMessage{Type: "rejected", RequestID: msg.RequestID, Reason: "MALFORMED"})
			return
		}
		committed, err := s.hub.ProposeRelationshipChange(ctx, ontologyID, userID, connectionID, *msg.Relationship)
		s.ackOrReject(wc, msg.RequestID, committed, err)

	case "individual":
		if msg.Individual == nil {
			wc.write(serverMessage{Type: "rejected", RequestID: msg.RequestID, Reason: "MALFORMED"})
			return
		}
		committed, err := s.hub.ProposeIndividualChange(ctx, ontologyID, userID, connectionID, *msg.Individual)
		s.ackOrReject(wc, msg.RequestID, committed, err)

	case "group":
		if msg.Group == nil {
			wc.write(serverMessage{Type: "rejected", RequestID: msg.RequestID, Reason: "MALFORMED"})
			return
		}
		committed, err := s.hub.ProposeGroupChange(ctx, ontologyID, userID, connectionID, *msg.Group)
		s.ackOrReject(wc, msg.RequestID, committed, err)

	default:
		wc.write(serverMessage{Type: "rejected", RequestID: msg.RequestID, Reason: "UNKNOWN_TYPE"})
	}
}

func (s *Server) ackOrReject(wc *wsConn, requestID string, committed interface{}, err error) {
	if err != nil {
		s.logger.Info("mutation rejected", zap.String("reason", reasonCode(err)), zap.Error(err))
		wc.write(serverMessage{Type: "rejected", RequestID: requestID, Reason: reasonCode(err)})
		return
	}
	wc.write(serverMessage{Type: "ack", RequestID: requestID, Committed: committed})
}
