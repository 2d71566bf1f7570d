package sshaudit

import "time"

func outcomeOf(err error) (string, string) {
	if err != nil {
		return OutcomeError, err.Error()
	}
	return OutcomeOK, ""
}

func withReason(details, reason string) string {
	if reason == "" {
		return details
	}
	if details == "" {
		return "error=" + reason
	}
	return details + " error=" + reason
}

// LogConnection records a new authenticated connection.
func (a *Auditor) LogConnection(device, username, connID string) {
	a.Log(Entry{Device: device, EventType: EventConnectionEstablished, Username: username, Details: "conn=" + connID})
}

// LogConnectionFailed records a failed dial or authentication.
func (a *Auditor) LogConnectionFailed(device, username string, err error) {
	_, reason := outcomeOf(err)
	a.Log(Entry{Device: device, EventType: EventConnectionFailed, Username: username, Details: reason, Outcome: OutcomeError})
}

// LogConnectionClosed records a pooled connection being dropped.
func (a *Auditor) LogConnectionClosed(device, connID, reason string, lifetime time.Duration) {
	a.Log(Entry{Device: device, EventType: EventConnectionClosed, Details: "conn=" + connID + " reason=" + reason, DurationMs: lifetime.Milliseconds()})
}

// LogCommand records a completed one-shot command.
func (a *Auditor) LogCommand(device, username, command string, err error, took time.Duration) {
	outcome, reason := outcomeOf(err)
	a.Log(Entry{
		Device:     device,
		EventType:  EventCommandExecution,
		Username:   username,
		Details:    withReason("cmd="+command, reason),
		Outcome:    outcome,
		DurationMs: took.Milliseconds(),
	})
}

// LogSpawn records a streaming process being started.
func (a *Auditor) LogSpawn(device, username, command string) {
	a.Log(Entry{Device: device, EventType: EventProcessSpawn, Username: username, Details: "cmd=" + command})
}

// LogProcessEnd records the outcome of a streaming process.
func (a *Auditor) LogProcessEnd(device, command, result string, took time.Duration) {
	a.Log(Entry{Device: device, EventType: EventProcessEnd, Details: "cmd=" + command + " result=" + result, DurationMs: took.Milliseconds()})
}

// LogFileOperation records an SFTP operation.
func (a *Auditor) LogFileOperation(device, username, operation, path string, err error) {
	outcome, reason := outcomeOf(err)
	a.Log(Entry{
		Device:    device,
		EventType: EventFileOperation,
		Username:  username,
		Details:   withReason(operation+": "+path, reason),
		Outcome:   outcome,
	})
}

// LogShellStart records a shell session being opened.
func (a *Auditor) LogShellStart(device, username, token string, pty bool) {
	details := "session_id=" + token
	if !pty {
		details += " pty=false"
	}
	a.Log(Entry{Device: device, EventType: EventShellSessionStart, Username: username, Details: details})
}

// LogShellEnd records a shell session ending with its final state.
func (a *Auditor) LogShellEnd(device, token, state string, took time.Duration) {
	a.Log(Entry{Device: device, EventType: EventShellSessionEnd, Details: "session_id=" + token + " state=" + state, DurationMs: took.Milliseconds()})
}
