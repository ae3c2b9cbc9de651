/*
Package session implements the protocol session: one SSH connection
carrying one SFTP client, plus an LRU cache of open remote files.

A Session is created disconnected and brought up with Connect. Reconnect
drops the connection, discards every cached handle and makes a single new
attempt; the caller decides when to try again. Primitive operations (Lstat,
ReadFile, WriteFile, Mkdir, Rename, ...) return *errors.VolumeError values:
CONNECTION_FAILED for transport failures and SFTP_ERROR carrying the remote
status code for everything else. IsConnectionError tells the two apart.

# Transports

Dialers produce the SFTP client. SSHDialer dials TCP with keepalive and a
capped connect timeout, verifies the host key against known_hosts and
authenticates with ssh-agent keys, then identity files, then an optional
password. Tests supply an in-process dialer instead.

# I/O Modes

Non-blocking sessions pipeline reads and writes and bound every call by a
poll timeout (10s by default). Blocking sessions issue one request at a
time under a call timeout (60s by default, the reconnect window inside a
volume). A call that exceeds either tears the connection down and fails
with a connection error. Handles of a dropped connection are forgotten
without a remote close.

# Runtime

The ssh-agent connection is shared process-wide through a reference counted
Runtime. Each Session takes a reference on its first Connect and drops it in
Close.
*/
package session
