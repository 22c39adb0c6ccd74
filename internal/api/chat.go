package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/dbgenie/internal/composer"
	"github.com/kalambet/dbgenie/internal/pipeline"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID string `json:"session_id"`
	*composer.Answer
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if !decodeBody(w, r, &req) {
			return
		}

		reply, err := deps.Chat.Ask(r.Context(), req.SessionID, req.Message)
		if err != nil {
			writeError(w, err)
			return
		}
		ans, err := composer.Collect(r.Context(), reply.Stream)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chatResponse{SessionID: req.SessionID, Answer: ans})
	}
}

func handleChatStream(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		var req chatRequest
		if !decodeBody(w, r, &req) {
			return
		}

		reply, err := deps.Chat.Ask(r.Context(), req.SessionID, req.Message)
		if err != nil && !errors.Is(err, composer.ErrAllRoutesFailed) {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if err != nil {
			writeSSE(w, errorEvent(err))
			flusher.Flush()
			return
		}

		err = relay(reply, func(ev StreamEvent) error {
			if err := writeSSE(w, ev); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		})
		if err != nil {
			slog.Debug("chat stream ended early", "session_id", req.SessionID, "error", err)
		}
	}
}

// relay forwards the route decision and every answer event to send. A send
// error closes the stream, which cancels the turn.
func relay(reply *pipeline.Reply, send func(StreamEvent) error) error {
	defer reply.Stream.Close()
	if err := send(routeEvent(reply.Decision)); err != nil {
		return err
	}
	for {
		ev, ok := reply.Stream.Next()
		if !ok {
			return nil
		}
		if err := send(toStreamEvent(ev)); err != nil {
			return err
		}
		if ev.Terminal() {
			return nil
		}
	}
}

const (
	wsWriteTimeout = 10 * time.Second
	wsIdleTimeout  = 5 * time.Minute
	wsReadLimit    = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleChatWebSocket serves chat turns over one WebSocket connection. Each
// client message is a chat request; turns run one at a time and the server
// replies with the same events as the SSE endpoint. Closing the connection
// cancels the turn in flight.
func handleChatWebSocket(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		inbound := make(chan wsMessage, 8)
		workerDone := make(chan struct{})
		go func() {
			defer close(workerDone)
			send := func(ev StreamEvent) error {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				return conn.WriteJSON(ev)
			}
			for msg := range inbound {
				if err := serveTurn(ctx, deps, msg, send); err != nil {
					cancel()
					return
				}
			}
		}()

		conn.SetReadLimit(wsReadLimit)
		for {
			conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if msgType != websocket.TextMessage {
				continue
			}
			var msg wsMessage
			if err := json.Unmarshal(data, &msg.req); err != nil {
				msg.err = fmt.Errorf("%w: invalid message: %v", pipeline.ErrValidation, err)
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}

		cancel()
		close(inbound)
		<-workerDone
	}
}

type wsMessage struct {
	req chatRequest
	err error
}

// serveTurn runs one chat request and streams its events. Only transport
// errors are returned; request errors are sent as error events.
func serveTurn(ctx context.Context, deps Deps, msg wsMessage, send func(StreamEvent) error) error {
	if msg.err != nil {
		return send(errorEvent(msg.err))
	}
	reply, err := deps.Chat.Ask(ctx, msg.req.SessionID, msg.req.Message)
	if err != nil {
		return send(errorEvent(err))
	}
	return relay(reply, send)
}
