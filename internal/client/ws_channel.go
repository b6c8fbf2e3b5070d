package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
	ws "github.com/stemsi/exstem-attempt/internal/websocket"
)

// WSChannel delivers instructor interrupts over the attempt WebSocket.
// A dropped connection is redialled with exponential backoff until the
// subscription is released.
type WSChannel struct {
	url        string
	dialer     *websocket.Dialer
	pingPeriod time.Duration
	maxBackoff time.Duration
	log        zerolog.Logger
}

// NewWSChannel creates a WSChannel for attemptID. wsBaseURL is the WebSocket
// root, e.g. "ws://localhost:8080/ws/v1"; http(s) schemes are converted.
func NewWSChannel(wsBaseURL string, attemptID uuid.UUID, log zerolog.Logger) *WSChannel {
	base := strings.TrimRight(wsBaseURL, "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	}

	return &WSChannel{
		url:        base + "/attempts/" + attemptID.String() + "/channel",
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pingPeriod: ws.PingPeriod,
		maxBackoff: 30 * time.Second,
		log:        log.With().Str("component", "ws_channel").Logger(),
	}
}

// Subscribe connects and calls handler for every interrupt on the quiz
// channel. The first connection must succeed; later drops are retried.
func (c *WSChannel) Subscribe(handler func(model.Interrupt)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	go c.run(ctx, conn, handler)

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (c *WSChannel) run(ctx context.Context, conn *websocket.Conn, handler func(model.Interrupt)) {
	for {
		err := c.serve(ctx, conn, handler)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Msg("Attempt channel lost, reconnecting")

		conn, err = c.redial(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Error().Err(err).Msg("Attempt channel gave up")
			}
			return
		}
		c.log.Info().Msg("Attempt channel reconnected")
	}
}

// serve reads one connection until it fails or ctx ends.
func (c *WSChannel) serve(ctx context.Context, conn *websocket.Conn, handler func(model.Interrupt)) error {
	defer conn.Close()

	stopClose := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(ws.WriteWait))
		conn.Close()
	})
	defer stopClose()

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(conn, pingDone)

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(ws.PongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(ws.WriteWait))
	})

	for {
		var env ws.Envelope
		if err := ws.ReadJSON(conn, &env); err != nil {
			return err
		}

		switch env.Event {
		case ws.EventInterrupt:
			var msg model.Interrupt
			if err := json.Unmarshal(env.Interrupt, &msg); err != nil {
				c.log.Warn().Err(err).Msg("Dropping malformed interrupt")
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			handler(msg)
		case ws.EventError:
			c.log.Warn().Str("error", env.Error).Msg("Attempt channel error")
		}
	}
}

// pingLoop keeps the server-side read deadline fresh. It is the only data
// writer of the connection.
func (c *WSChannel) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteTyped(conn, ws.RequestEnvelope{Action: ws.ActionPing}); err != nil {
				return
			}
		}
	}
}

func (c *WSChannel) redial(ctx context.Context) (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = c.maxBackoff
	policy.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Dur("wait", wait).Msg("Attempt channel redial failed")
	}
	return backoff.RetryNotifyWithData(func() (*websocket.Conn, error) {
		conn, err := c.dial(ctx)
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return nil, backoff.Permanent(err)
		}
		return conn, err
	}, backoff.WithContext(policy, ctx), notify)
}

// dial opens the socket and waits for the subscription acknowledgement.
func (c *WSChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, fmt.Errorf("subscribe attempt channel: %w", handshakeError(resp))
		}
		return nil, fmt.Errorf("subscribe attempt channel: %w", err)
	}

	var ack ws.SubscribedResponse
	conn.SetReadDeadline(time.Now().Add(ws.WriteWait))
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read channel acknowledgement: %w", err)
	}
	if ack.Event != ws.EventSubscribed {
		conn.Close()
		return nil, fmt.Errorf("read channel acknowledgement: unexpected event %q", ack.Event)
	}
	return conn, nil
}

// handshakeError turns a refused upgrade into an APIError.
func handshakeError(resp *http.Response) error {
	defer resp.Body.Close()
	apiErr := &APIError{Status: resp.StatusCode}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var env envelope
	if json.Unmarshal(raw, &env) == nil && env.Error != nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	} else {
		apiErr.Message = string(raw)
	}
	return apiErr
}
