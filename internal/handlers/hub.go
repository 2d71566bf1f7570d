package handlers

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/coder/websocket"
	"github.com/webosbrew/dev-manager-desktop/internal/session"
)

// subscriberBuffer is how many frames a slow websocket may fall behind
// before it is dropped.
const subscriberBuffer = 256

type wsFrame struct {
	typ  websocket.MessageType
	data []byte
}

type subscriber struct {
	frames   chan wsFrame
	gone     chan struct{}
	goneOnce sync.Once
}

func (s *subscriber) drop() { s.goneOnce.Do(func() { close(s.gone) }) }

// shellHub is the sink of a shell opened over HTTP. It fans output and
// state changes out to every attached websocket. frames is closed after
// the final state has been queued.
type shellHub struct {
	mu    sync.Mutex
	subs  map[*subscriber]struct{}
	ended bool
}

func newShellHub() *shellHub {
	return &shellHub{subs: make(map[*subscriber]struct{})}
}

func (h *shellHub) OnData(_ int, data []byte) {
	h.broadcast(wsFrame{typ: websocket.MessageBinary, data: data}, false)
}

func (h *shellHub) OnStateChanged(info session.ShellInfo) {
	h.broadcast(stateFrame(info), info.State.Terminal())
}

func stateFrame(info session.ShellInfo) wsFrame {
	b, _ := json.Marshal(map[string]interface{}{"type": "state", "shell": info})
	return wsFrame{typ: websocket.MessageText, data: b}
}

func (h *shellHub) broadcast(f wsFrame, final bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.frames <- f:
		default:
			delete(h.subs, s)
			close(s.frames)
			s.drop()
		}
	}
	if final {
		h.ended = true
		for s := range h.subs {
			delete(h.subs, s)
			close(s.frames)
		}
	}
}

// subscribe attaches a new subscriber whose first frames are initial.
func (h *shellHub) subscribe(initial ...wsFrame) *subscriber {
	s := &subscriber{frames: make(chan wsFrame, subscriberBuffer+len(initial)), gone: make(chan struct{})}
	for _, f := range initial {
		s.frames <- f
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		close(s.frames)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

func (h *shellHub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.frames)
	}
}

// hubRegistry maps shell tokens to their hubs while the shell lives.
type hubRegistry struct {
	mu sync.Mutex
	m  map[string]*shellHub
}

var hubs = &hubRegistry{m: make(map[string]*shellHub)}

func (r *hubRegistry) add(s *session.Shell, h *shellHub) {
	r.mu.Lock()
	r.m[s.Token()] = h
	r.mu.Unlock()
	go func() {
		<-s.Done()
		r.mu.Lock()
		delete(r.m, s.Token())
		r.mu.Unlock()
		log.Printf("[shell-ws] %s: hub released", s.Token())
	}()
}

func (r *hubRegistry) get(token string) *shellHub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[token]
}
