package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/webosbrew/dev-manager-desktop/internal/session"
	"github.com/webosbrew/dev-manager-desktop/internal/sshpool"
)

func ListDevices(w http.ResponseWriter, r *http.Request) {
	if Devices == nil {
		writeError(w, http.StatusServiceUnavailable, "Device directory not initialized")
		return
	}
	devices, err := Devices.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

type execRequest struct {
	Command string `json:"command"`
	// Stdin is base64 in JSON.
	Stdin []byte `json:"stdin,omitempty"`
}

// ExecCommand runs a one-shot command on a device.
func ExecCommand(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	dev, err := lookupDevice(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	out, err := Sessions.Exec(r.Context(), dev, req.Command, req.Stdin)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetDeviceEvents returns the connection state and recent pool events of a
// device.
func GetDeviceEvents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	events := Sessions.Events()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"device":      name,
		"state":       events.State(name),
		"events":      events.History(name),
		"transitions": events.Transitions(name),
	})
}

// DisconnectDevice closes every shell of a device and drains its pool.
func DisconnectDevice(w http.ResponseWriter, r *http.Request) {
	Sessions.CloseDevice(chi.URLParam(r, "name"))
	w.WriteHeader(http.StatusNoContent)
}

func GetPoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Sessions.Stats())
}

type openShellRequest struct {
	Cols int  `json:"cols"`
	Rows int  `json:"rows"`
	Dumb bool `json:"dumb"`
}

// OpenShell opens a shell whose output is fanned out to the websockets
// attached at /shells/{token}/ws.
func OpenShell(w http.ResponseWriter, r *http.Request) {
	var req openShellRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	dev, err := lookupDevice(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	hub := newShellHub()
	s, err := Sessions.ShellOpen(detached(r.Context()), dev, session.ShellOptions{
		Cols: req.Cols,
		Rows: req.Rows,
		Dumb: req.Dumb,
	}, hub)
	if err != nil {
		writeErr(w, err)
		return
	}
	hubs.add(s, hub)
	writeJSON(w, http.StatusCreated, s.Info())
}

// EventsWS streams the pool events of a device as JSON text frames until
// the client goes away.
func EventsWS(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[events-ws] failed to accept websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	events := make(chan sshpool.Event, subscriberBuffer)
	unsubscribe := Sessions.Events().Subscribe(func(e sshpool.Event) {
		if e.Device != name {
			return
		}
		select {
		case events <- e:
		default:
		}
	})
	defer unsubscribe()

	// Reads only to notice the close.
	ctx := clientConn.CloseRead(r.Context())
	for {
		select {
		case e := <-events:
			b, _ := json.Marshal(e)
			if err := clientConn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
