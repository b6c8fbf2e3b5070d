package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	ws "github.com/stemsi/exstem-attempt/internal/websocket"
)

// InterruptFeed subscribes to the interrupt channel of an attempt's quiz.
type InterruptFeed interface {
	SubscribeInterrupts(ctx context.Context, attemptID uuid.UUID) (<-chan model.Interrupt, func(), error)
}

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler serves the attempt push channel.
type WSHandler struct {
	feed       InterruptFeed
	log        zerolog.Logger
	upgrader   websocket.Upgrader
	pingPeriod time.Duration
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(feed InterruptFeed, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		feed:       feed,
		log:        log.With().Str("component", "ws_handler").Logger(),
		upgrader:   buildUpgrader(allowedOrigins),
		pingPeriod: ws.PingPeriod,
	}
}

// AttemptChannel godoc
// WS /ws/v1/attempts/:attempt_id/channel
// Streams instructor interrupts for the attempt's quiz. Messages addressed to
// other attempts of the same quiz are streamed too; the client filters them.
func (h *WSHandler) AttemptChannel(c *gin.Context) {
	attemptID, ok := uuidParam(c, "attempt_id")
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Subscribe before upgrading so lookup failures are plain HTTP errors.
	interrupts, stop, err := h.feed.SubscribeInterrupts(ctx, attemptID)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	defer stop()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().Str("attempt_id", attemptID.String()).Logger()
	wsLog.Info().Msg("Attempt channel connected")

	if err := ws.WriteTyped(conn, ws.SubscribedResponse{Event: ws.EventSubscribed, AttemptID: attemptID.String()}); err != nil {
		return
	}

	pings := make(chan struct{}, 1)
	go h.readLoop(conn, wsLog, pings, cancel)

	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wsLog.Debug().Msg("Attempt channel closed")
			return

		case msg, ok := <-interrupts:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"),
					time.Now().Add(ws.WriteWait))
				return
			}
			if err := ws.WriteTyped(conn, ws.InterruptResponse{Event: ws.EventInterrupt, Interrupt: msg}); err != nil {
				wsLog.Warn().Err(err).Msg("Interrupt write failed")
				return
			}

		case <-pings:
			if err := ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong}); err != nil {
				return
			}

		case <-ticker.C:
			if err := ws.WritePing(conn); err != nil {
				return
			}
		}
	}
}

// readLoop handles client pings and detects disconnects. It is the only reader.
func (h *WSHandler) readLoop(conn *websocket.Conn, log zerolog.Logger, pings chan<- struct{}, cancel context.CancelFunc) {
	defer cancel()
	ws.KeepAlive(conn)

	for {
		var msg ws.RequestEnvelope
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("Unexpected close")
			}
			return
		}

		switch msg.Action {
		case ws.ActionPing:
			select {
			case pings <- struct{}{}:
			default:
			}
		default:
			log.Debug().Str("action", string(msg.Action)).Msg("Ignoring unknown action")
		}
	}
}
