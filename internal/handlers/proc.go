package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/webosbrew/dev-manager-desktop/internal/session"
)

// procSink queues a command's output for one websocket. frames is closed
// after the final status; gone is closed if the socket fell behind.
type procSink struct {
	mu     sync.Mutex
	frames chan wsFrame
	gone   chan struct{}
	closed bool
}

func newProcSink() *procSink {
	return &procSink{
		frames: make(chan wsFrame, subscriberBuffer),
		gone:   make(chan struct{}),
	}
}

// OnData frames output as one byte of fd followed by the data.
func (s *procSink) OnData(fd int, data []byte) {
	b := make([]byte, 0, len(data)+1)
	b = append(b, byte(fd))
	b = append(b, data...)
	s.push(wsFrame{typ: websocket.MessageBinary, data: b}, false)
}

func (s *procSink) OnStateChanged(st session.ProcStatus) {
	b, _ := json.Marshal(map[string]interface{}{"type": "state", "proc": st})
	s.push(wsFrame{typ: websocket.MessageText, data: b}, st.Done())
}

func (s *procSink) push(f wsFrame, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.frames <- f:
	default:
		s.closed = true
		close(s.gone)
		close(s.frames)
		return
	}
	if final {
		s.closed = true
		close(s.frames)
	}
}

type procControlMsg struct {
	Type string `json:"type"`
}

// ProcWS runs ?command= on a device and streams it over a websocket.
//
// Output arrives as binary frames prefixed with the stream byte (0 stdout,
// 1 stderr) and status changes as text frames {"type":"state"}. The client
// sends stdin as binary frames, {"type":"eof"} to close stdin and
// {"type":"interrupt"} to stop the command. Dropping the socket interrupts
// the command.
func ProcWS(w http.ResponseWriter, r *http.Request) {
	command := r.URL.Query().Get("command")
	if command == "" {
		writeError(w, http.StatusBadRequest, "Missing command")
		return
	}
	dev, err := lookupDevice(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	proc, err := Sessions.Spawn(r.Context(), dev, command)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer proc.Interrupt()

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[proc-ws] failed to accept websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()
	clientConn.SetReadLimit(1024 * 1024)

	sink := newProcSink()
	proc.Attach(sink)
	proc.Ready()

	relayCtx, relayCancel := context.WithCancel(r.Context())
	defer relayCancel()

	if err := proc.Start(relayCtx); err != nil {
		log.Printf("[proc-ws] %s: start %q: %v", dev.Name, command, err)
		clientConn.Close(websocket.StatusInternalError, "Start failed")
		return
	}

	// Proc -> Browser
	go func() {
		defer relayCancel()
		for {
			select {
			case f, ok := <-sink.frames:
				if !ok {
					select {
					case <-sink.gone:
						clientConn.Close(4008, "Too slow")
					default:
						clientConn.Close(websocket.StatusNormalClosure, "Command ended")
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

	// Browser -> Proc
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
				continue
			}
			if err := proc.Write(data); err != nil {
				break
			}
			continue
		}
		var msg procControlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "eof":
			proc.CloseStdin()
		case "interrupt":
			proc.Interrupt()
		}
	}
}
