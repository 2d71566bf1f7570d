package handlers

import (
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/webosbrew/dev-manager-desktop/internal/logging"
	"github.com/webosbrew/dev-manager-desktop/internal/sshlogs"
)

// ListDeviceLogs reports which log types exist on the device.
func ListDeviceLogs(w http.ResponseWriter, r *http.Request) {
	dev, err := lookupDevice(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	types, err := Logs.Available(r.Context(), dev)
	if err != nil {
		writeErr(w, err)
		return
	}
	if types == nil {
		types = []sshlogs.LogType{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"types": types})
}

// DeviceLogsWS streams a device log file, one text frame per line.
//
// Query: type (system|legacy), path (absolute, wins over type), tail,
// follow (1/true).
func DeviceLogsWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := sshlogs.StreamOptions{
		Type:   sshlogs.LogType(q.Get("type")),
		Path:   q.Get("path"),
		Follow: q.Get("follow") == "1" || q.Get("follow") == "true",
	}
	tail, err := queryInt(r, "tail", sshlogs.DefaultTail)
	if err != nil || tail < 0 {
		writeError(w, http.StatusBadRequest, "tail must be a non-negative integer")
		return
	}
	opts.Tail = tail
	if _, err := Logs.ResolvePath(opts); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dev, err := lookupDevice(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[logs-ws] failed to accept websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	ctx := clientConn.CloseRead(r.Context())
	lines, err := Logs.Stream(ctx, dev, opts)
	if err != nil {
		log.Printf("[logs-ws] %s: %v", logging.Sanitize(chi.URLParam(r, "name")), err)
		clientConn.Close(websocket.StatusInternalError, "Stream failed")
		return
	}
	for line := range lines {
		if err := clientConn.Write(ctx, websocket.MessageText, []byte(line)); err != nil {
			return
		}
	}
	if ctx.Err() == nil {
		clientConn.Close(websocket.StatusNormalClosure, "Log stream ended")
	}
}
