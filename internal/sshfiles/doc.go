// Package sshfiles provides remote file operations on devices.
//
// Operations run over SFTP on a leased pooled connection and follow the
// session manager's retry policy, so a connection that died while idle is
// replaced transparently. Devices whose SSH server has no sftp subsystem
// fall back to plain exec commands for reading, writing, creating
// directories and removing files:
//
//	cat 'path'          read
//	cat > 'path'        write, data piped through stdin
//	mkdir -p 'path'     create directories
//	rm -f 'path'        remove
//
// Listing and stat need SFTP and return errdefs.ErrUnsupported without it.
//
// Paths are shell-quoted for the exec fallback using the standard '\''
// technique.
//
// # Log Prefixes
//
// All operations log timing and size at the [sshfiles] prefix.
package sshfiles
