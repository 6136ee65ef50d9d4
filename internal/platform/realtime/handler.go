package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthpal/healthpal-api/internal/platform/auth"
)

// Client events.
const (
	EventJoin    = "join-consultation"
	EventLeave   = "leave-consultation"
	EventSend    = "send-message"
	EventReceive = "receive-message"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 64 << 10
)

// Frame is the JSON envelope of every websocket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type sendMessage struct {
	ConsultationID json.RawMessage `json:"consultationId"`
	Message        json.RawMessage `json:"message"`
}

type HandlerConfig struct {
	// Tokens, when set, is required to accept a session token before the
	// socket is upgraded. Room membership is never checked.
	Tokens auth.TokenVerifier
	// AllowedOrigins limits browser origins; empty allows any.
	AllowedOrigins []string
}

// Handler serves the consultation websocket.
type Handler struct {
	broker   *Broker
	tokens   auth.TokenVerifier
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewHandler(broker *Broker, cfg HandlerConfig, logger zerolog.Logger) *Handler {
	h := &Handler{broker: broker, tokens: cfg.Tokens, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws", h.Connect)
}

// Connect upgrades the request and starts the connection's pumps.
func (h *Handler) Connect(c echo.Context) error {
	log := h.logger
	if h.tokens != nil {
		token := c.QueryParam("token")
		if token == "" {
			token, _ = auth.BearerToken(c.Request())
		}
		if token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Not authorized, no token")
		}
		claims, err := h.tokens.Verify(token)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "Not authorized, token failed").SetInternal(err)
		}
		log = log.With().Str("identity_id", claims.ID).Logger()
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	client := h.broker.Connect()
	log = log.With().Str("conn_id", client.ID).Logger()
	log.Info().Msg("websocket connected")

	go h.writePump(client, ws, log)
	go h.readPump(client, ws, log)
	return nil
}

func (h *Handler) readPump(client *Client, ws *websocket.Conn, log zerolog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.broker.Disconnect(client.ID)
		ws.Close()
		log.Info().Msg("websocket disconnected")
	}()

	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		h.dispatch(ctx, client, data, log)
	}
}

// dispatch handles one inbound frame. Malformed frames are ignored.
func (h *Handler) dispatch(ctx context.Context, client *Client, data []byte, log zerolog.Logger) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Debug().Err(err).Msg("ignoring malformed frame")
		return
	}

	switch f.Event {
	case EventJoin, EventLeave:
		id, ok := consultationID(f.Data)
		if !ok {
			return
		}
		if f.Event == EventJoin {
			h.broker.Join(client.ID, RoomName(id))
		} else {
			h.broker.Leave(client.ID, RoomName(id))
		}
	case EventSend:
		var msg sendMessage
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			return
		}
		id, ok := consultationID(msg.ConsultationID)
		if !ok {
			return
		}
		out, err := json.Marshal(Frame{Event: EventReceive, Data: msg.Message})
		if err != nil {
			return
		}
		n := h.broker.Relay(ctx, RoomName(id), client.ID, out)
		log.Debug().Str("consultation_id", id).Int("recipients", n).Msg("message relayed")
	default:
		log.Debug().Str("event", f.Event).Msg("ignoring unknown event")
	}
}

// consultationID accepts a JSON string or number.
func consultationID(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil && n != "" {
		return n.String(), true
	}
	return "", false
}

func (h *Handler) writePump(client *Client, ws *websocket.Conn, log zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Send():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
