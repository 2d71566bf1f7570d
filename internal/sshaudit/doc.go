// Package sshaudit records SSH activity against devices to the database.
//
// Every command run, process spawned, shell opened or closed, file touched
// and connection failure is written as a database.AuditLog row and echoed to
// the standard logger with the "[ssh-audit]" prefix. Records are kept for a
// configurable number of days; PurgeOlderThan is run by the session
// manager's janitor.
//
// All recording helpers are safe to call on a nil *Auditor, which makes
// auditing optional for callers such as the CLI.
package sshaudit
