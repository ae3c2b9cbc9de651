/*
Package volume exposes one remote directory over SFTP as a filesystem.

A Volume owns a primary session for metadata, a pool of read workers and a
pool of write workers, plus a dedicated probe session used by the health
monitor. Each worker is a serial FIFO over its own session: reads are spread
round-robin, writes are routed by a hash of the path so every write to a file
is ordered.

# Lifecycle

	v, err := volume.New(params, "~/src", opts, volume.Deps{Name: "build"})
	root, err := v.Activate(ctx)
	...
	v.Close()

New validates the options and builds the sessions without dialling.
Activate connects everything, resolves the root and starts the monitor. A
failed activation leaves the volume loaded so it can be retried. Deactivate
and Close fail every queued or running operation with SHUTDOWN_IN_PROGRESS.

# Operations

Every operation is admitted through a semaphore (32 slots, 8 for the git
profile) with a bounded queue wait. When no slot frees up in time the call
fails with WORKER_BUSY and the monitor is asked to reconnect. While the
monitor is reconnecting, operations wait up to the reconnect window. A
transport failure triggers a reconnect and the operation is retried once;
if that is not enough it fails with OPERATION_TIMEOUT.

Items are addressed by tracker handles. Lookup, Create, Mkdir, Symlink
and Resolve track the paths they return. ReadDir only reports the inode
number an entry will get. Rename and removal forget
the affected subtree; adapters re-resolve by path when they need a handle
again.

ToErrno maps any returned error to the errno a kernel adapter should report.
*/
package volume
