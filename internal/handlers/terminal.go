package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/webosbrew/dev-manager-desktop/internal/session"
)

// terminalRateLimit defines the maximum number of messages allowed per second
// per WebSocket connection. Messages beyond this rate are dropped.
const terminalRateLimit = 200

// terminalRateBurst is the token bucket burst size, allowing short bursts
// of rapid input (e.g., paste operations) before rate limiting kicks in.
const terminalRateBurst = 200

const (
	maxInputMessageSize = 64 * 1024
	maxResizeCols       = 500
	maxResizeRows       = 200
)

type termResizeMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// TerminalWS attaches a websocket to a shell opened with OpenShell.
//
// The server sends the current state as a text frame {"type":"state"}, then
// the formatted screen (PTY shells only) and the live output as binary
// frames. The client sends input as binary frames and resizes as text
// frames {"type":"resize","cols":N,"rows":N}. Closing the websocket leaves
// the shell running; DELETE /shells/{token} ends it.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	s, err := Sessions.Shell(token)
	if err != nil {
		writeErr(w, err)
		return
	}
	hub := hubs.get(token)
	if hub == nil {
		writeError(w, http.StatusConflict, "Shell has no websocket hub")
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[shell-ws] failed to accept websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()
	clientConn.SetReadLimit(1024 * 1024)

	initial := []wsFrame{stateFrame(s.Info())}
	if scr, err := s.Screen(0); err == nil {
		initial = append(initial, wsFrame{typ: websocket.MessageBinary, data: []byte(scr.Data)})
	}
	sub := hub.subscribe(initial...)
	defer hub.unsubscribe(sub)
	log.Printf("[shell-ws] %s: attached", token)

	relayCtx, relayCancel := context.WithCancel(r.Context())
	defer relayCancel()

	// Shell -> Browser
	go func() {
		defer relayCancel()
		for {
			select {
			case f, ok := <-sub.frames:
				if !ok {
					select {
					case <-sub.gone:
						clientConn.Close(4008, "Too slow")
					default:
						clientConn.Close(websocket.StatusNormalClosure, "Shell ended")
					}
					return
				}
				if err := clientConn.Write(relayCtx, f.typ, f.data); err != nil {
					return
				}
			case <-relayCtx.Done():
				return
			}
		}
	}()

	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)

	// Browser -> Shell
	for {
		msgType, data, err := clientConn.Read(relayCtx)
		if err != nil {
			break
		}
		if !limiter.allow() {
			continue
		}
		if msgType == websocket.MessageBinary {
			if len(data) > maxInputMessageSize {
				log.Printf("[shell-ws] %s: input message too large (%d bytes)", token, len(data))
				continue
			}
			if err := s.Write(data); err != nil {
				break
			}
			continue
		}
		var msg termResizeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
			s.Resize(min(msg.Rows, maxResizeRows), min(msg.Cols, maxResizeCols))
		}
	}
	log.Printf("[shell-ws] %s: detached", token)
}

// tokenBucket implements a simple token bucket rate limiter for terminal messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	refill := int(elapsed.Seconds() * float64(tb.refillRate))
	if refill > 0 {
		tb.tokens = min(tb.tokens+refill, tb.maxTokens)
		tb.lastRefill = now
	}
	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

// Shell control endpoints for clients without a websocket.

func ListShells(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Sessions.ShellList())
}

func GetShellScreen(w http.ResponseWriter, r *http.Request) {
	cols, err := queryInt(r, "cols", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid cols")
		return
	}
	scr, err := Sessions.ShellScreen(chi.URLParam(r, "token"), cols)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scr)
}

func ResizeShell(w http.ResponseWriter, r *http.Request) {
	var msg termResizeMsg
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil || msg.Cols <= 0 || msg.Rows <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid terminal size")
		return
	}
	if err := Sessions.ShellResize(chi.URLParam(r, "token"), min(msg.Rows, maxResizeRows), min(msg.Cols, maxResizeCols)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func WriteShell(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r, maxInputMessageSize)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if err := Sessions.ShellWrite(chi.URLParam(r, "token"), data); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func CloseShell(w http.ResponseWriter, r *http.Request) {
	if err := Sessions.ShellClose(chi.URLParam(r, "token")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var _ session.ShellSink = (*shellHub)(nil)
