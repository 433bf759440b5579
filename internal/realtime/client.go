package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/couchsync/backend/internal/models"
	"github.com/couchsync/backend/internal/playsync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client represents a single WebSocket connection bound to one session.
type Client struct {
	ID            string
	SessionID     uuid.UUID
	UserID        uuid.UUID
	DeviceID      string
	DeviceName    string
	participantID uuid.UUID // zero until session.join succeeds
	hub           *Hub
	svc           *playsync.Service
	conn          *websocket.Conn
	send          chan WSMessage
	logger        *zap.Logger
}

type joinPayload struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

type statePayload struct {
	Timestamp    float64 `json:"timestamp"`
	IsPlaying    bool    `json:"is_playing"`
	PlaybackRate float64 `json:"playback_rate"`
}

type seekPayload struct {
	Timestamp float64 `json:"timestamp"`
}

type heartbeatPayload struct {
	ClientTime   int64   `json:"client_time"` // ms since epoch
	Position     float64 `json:"position"`
	IsPlaying    bool    `json:"is_playing"`
	PlaybackRate float64 `json:"playback_rate"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServeWs handles the WebSocket upgrade and runs the client loop. The
// session is resolved from the `session` query param (session id or access
// code); identity comes from the `token` query param.
func ServeWs(hub *Hub, svc *playsync.Service, logger *zap.Logger, jwtValidate func(token string) (userID uuid.UUID, err error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionRef := c.Query("session")
		token := c.Query("token")
		if sessionRef == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "session and token required"})
			return
		}
		userID, err := jwtValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		session, err := resolveSession(svc, sessionRef)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:        uuid.New().String(),
			SessionID: session.ID,
			UserID:    userID,
			hub:       hub,
			svc:       svc,
			conn:      conn,
			send:      make(chan WSMessage, 256),
			logger:    logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func resolveSession(svc *playsync.Service, ref string) (models.Session, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return svc.GetSession(id)
	}
	return svc.FindByAccessCode(ref)
}

func (c *Client) readPump() {
	defer func() {
		// A dropped connection is not a leave: the participant survives
		// until it explicitly leaves or the heartbeat sweep evicts it.
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case "session.join":
			c.handleJoin(msg.Data)
		case "session.leave":
			c.handleLeave()
		case "sync.state":
			var p statePayload
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				c.sendError(playsync.ErrValidation)
				continue
			}
			c.handleChange(c.svc.UpdatePlaybackState(c.SessionID, c.UserID, models.PlaybackState{
				Timestamp:    p.Timestamp,
				IsPlaying:    p.IsPlaying,
				PlaybackRate: p.PlaybackRate,
			}))
		case "sync.seek":
			var p seekPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				c.sendError(playsync.ErrValidation)
				continue
			}
			c.handleChange(c.svc.Seek(c.SessionID, c.UserID, p.Timestamp))
		case "sync.play":
			var p seekPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				c.sendError(playsync.ErrValidation)
				continue
			}
			c.handleChange(c.svc.Play(c.SessionID, c.UserID, p.Timestamp))
		case "sync.pause":
			var p seekPayload
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				c.sendError(playsync.ErrValidation)
				continue
			}
			c.handleChange(c.svc.Pause(c.SessionID, c.UserID, p.Timestamp))
		case "heartbeat":
			c.handleHeartbeat(msg.Data)
		default:
			// ignore
		}
	}
}

func (c *Client) handleJoin(data json.RawMessage) {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.DeviceID == "" {
		c.sendError(playsync.ErrValidation)
		return
	}
	result, err := c.svc.Join(c.SessionID, c.UserID, p.DeviceID, p.DeviceName)
	if err != nil {
		c.sendError(err)
		return
	}
	c.DeviceID = p.DeviceID
	c.DeviceName = p.DeviceName
	c.participantID = result.Participant.ID
	c.hub.BindParticipant(c.SessionID, result.Participant.ID, c.ID)
	c.reply("session.joined", result)
}

func (c *Client) handleLeave() {
	if c.DeviceID == "" {
		c.sendError(playsync.ErrNotFound)
		return
	}
	left, err := c.svc.Leave(c.SessionID, c.UserID, c.DeviceID)
	if err != nil {
		c.sendError(err)
		return
	}
	c.participantID = uuid.Nil
	c.reply("session.left", gin.H{"left": left})
}

func (c *Client) handleHeartbeat(data json.RawMessage) {
	var p heartbeatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError(playsync.ErrValidation)
		return
	}
	ack, err := c.svc.Heartbeat(c.SessionID, c.participantID, playsync.HeartbeatInput{
		ClientTime:   time.UnixMilli(p.ClientTime),
		Position:     p.Position,
		IsPlaying:    p.IsPlaying,
		PlaybackRate: p.PlaybackRate,
	})
	if err != nil {
		c.sendError(err)
		return
	}
	c.reply("heartbeat.ack", ack)
}

func (c *Client) handleChange(err error) {
	if err != nil {
		c.sendError(err)
	}
}

func (c *Client) reply(event string, payload interface{}) {
	c.hub.SendToClient(c.SessionID, c.ID, event, payload)
}

// sendError surfaces an engine error to this client only; other
// participants never see another client's rejected commands.
func (c *Client) sendError(err error) {
	c.reply("error", errorPayload{Code: errorCode(err), Message: err.Error()})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, playsync.ErrNotFound):
		return "not_found"
	case errors.Is(err, playsync.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, playsync.ErrValidation):
		return "validation_error"
	case errors.Is(err, playsync.ErrCapacity):
		return "capacity"
	case errors.Is(err, playsync.ErrSessionEnded):
		return "session_ended"
	case errors.Is(err, playsync.ErrFatal):
		return "fatal"
	default:
		return "internal"
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
