package session

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
)

// Descriptors passed to OnData.
const (
	Stdout = 0
	Stderr = 1
)

// ShellSink receives the output and state changes of a Shell. Calls are
// made from the shell's worker goroutine, one at a time.
type ShellSink interface {
	OnData(fd int, data []byte)
	OnStateChanged(info ShellInfo)
}

// ProcSink receives the output and state changes of a Proc. Calls are made
// from the proc's worker goroutine, one at a time.
type ProcSink interface {
	OnData(fd int, data []byte)
	OnStateChanged(status ProcStatus)
}

// PTYMode is the tri-state PTY flag of a shell. It is PTYUnknown while the
// PTY request is outstanding.
type PTYMode int32

const (
	PTYUnknown PTYMode = iota
	PTYYes
	PTYNo
)

func (m PTYMode) String() string {
	switch m {
	case PTYYes:
		return "yes"
	case PTYNo:
		return "no"
	}
	return "unknown"
}

func (m PTYMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// ShellStateKind is the lifecycle stage of a shell.
type ShellStateKind string

const (
	ShellConnecting ShellStateKind = "connecting"
	ShellConnected  ShellStateKind = "connected"
	ShellExited     ShellStateKind = "exited"
	ShellError      ShellStateKind = "error"
)

// ExitCodeUnknown is reported when a shell ends without an exit status.
const ExitCodeUnknown = -1

// ShellState is Connecting, Connected, Exited{Code} or Error{Detail}.
type ShellState struct {
	Kind   ShellStateKind `json:"kind"`
	Code   int            `json:"code,omitempty"`
	Detail string         `json:"detail,omitempty"`
}

// Terminal reports whether the shell has ended.
func (s ShellState) Terminal() bool {
	return s.Kind == ShellExited || s.Kind == ShellError
}

func (s ShellState) String() string {
	switch s.Kind {
	case ShellExited:
		return "exited(" + strconv.Itoa(s.Code) + ")"
	case ShellError:
		return "error(" + s.Detail + ")"
	}
	return string(s.Kind)
}

// ShellInfo is the published view of a shell.
type ShellInfo struct {
	Token     string     `json:"token"`
	Device    string     `json:"device"`
	Title     string     `json:"title"`
	HasPTY    bool       `json:"has_pty"`
	PTY       PTYMode    `json:"pty"`
	State     ShellState `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
}

// ProcStateKind is the lifecycle stage of a proc.
type ProcStateKind string

const (
	ProcPending ProcStateKind = "pending"
	ProcRunning ProcStateKind = "running"
	ProcExited  ProcStateKind = "exited"
	ProcSignal  ProcStateKind = "signal"
	ProcClosed  ProcStateKind = "closed"
	ProcFailed  ProcStateKind = "error"
)

// ProcStatus is published on every proc state change. The final status
// carries the result: Exit{Code}, Signal{Signal}, Closed, or an error.
type ProcStatus struct {
	ID      string        `json:"id"`
	Command string        `json:"command"`
	Kind    ProcStateKind `json:"kind"`
	Code    int           `json:"code,omitempty"`
	Signal  string        `json:"signal,omitempty"`
	Err     error         `json:"-"`
}

// Done reports whether the status is final.
func (s ProcStatus) Done() bool {
	switch s.Kind {
	case ProcExited, ProcSignal, ProcClosed, ProcFailed:
		return true
	}
	return false
}

func (s ProcStatus) String() string {
	switch s.Kind {
	case ProcExited:
		return "exit(" + strconv.Itoa(s.Code) + ")"
	case ProcSignal:
		return "signal(" + s.Signal + ")"
	case ProcFailed:
		if s.Err != nil {
			return "error(" + s.Err.Error() + ")"
		}
	}
	return string(s.Kind)
}

func (s ProcStatus) MarshalJSON() ([]byte, error) {
	type plain ProcStatus
	out := struct {
		plain
		Error *errdefs.Error `json:"error,omitempty"`
	}{plain: plain(s)}
	if s.Err != nil && !errors.As(s.Err, &out.Error) {
		out.Error = errdefs.New(errdefs.KindMessage, s.Err.Error())
	}
	return json.Marshal(out)
}
