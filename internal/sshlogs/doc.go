// Package sshlogs streams device log files over pooled SSH connections.
//
// A stream is a spawned "tail -n N [-F] 'path'" process whose stdout is
// split into lines. Streaming with -F follows the file by name, so it
// survives the log rotation PmLogDaemon does on the device.
//
// # Log Types
//
// Two categories are known, each mapped to a default file path on webOS:
//   - [LogTypeSystem] → /var/log/messages
//   - [LogTypeLegacy] → /var/log/legacy-log
//
// Any absolute path may be streamed instead via [StreamOptions].Path.
//
// # Log Prefixes
//
// Stream start, end and errors are logged at the [sshlogs] prefix.
package sshlogs
