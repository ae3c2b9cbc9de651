/*
Package fuse serves an SFTP volume to the local kernel.

The package translates host filesystem requests into volume operations. It
holds no remote state of its own: attributes, listings and open remote files
all live in the volume, and every callback here is a thin translation that
maps the result to an errno.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│              User Applications              │
	│          (ls, cat, git, editors)            │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│        Kernel VFS / FUSE driver             │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              sftpvol FUSE layer             │  ← This Package
	│   go-fuse nodes (default) or cgofuse paths  │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                 volume.Volume               │
	│  admission, workers, cache, item tracker    │
	└─────────────────────────────────────────────┘

# Bindings

Two bindings are selected by build tag:

  - default: github.com/hanwen/go-fuse/v2, a pure Go implementation of the
    Linux and macFUSE kernel protocols. Each kernel inode is a Node holding
    the tracker handle of its item.
  - cgofuse: github.com/winfsp/cgofuse, which links against libfuse,
    macFUSE or WinFsp. Requests arrive by path and are resolved to handles
    on every call.

CreatePlatformMountManager returns whichever binding was compiled in.

# Handles and renames

The volume untracks a renamed item and everything below it. A node whose
handle is no longer tracked resolves its current path again through
Volume.Resolve and retries once, so open files and cached inodes survive
renames of themselves or of any ancestor. When the kernel forgets an inode
the node reclaims its handle.

# Errors

Every error is mapped with volume.ToErrno. Transient conditions such as an
exhausted admission queue surface as EAGAIN, a reconnect that did not finish
in time as ETIMEDOUT, and a deactivated volume as ENOTCONN.

# Usage

	vol, _ := volume.New(params, "~/src", opts, volume.Deps{Name: "src"})
	mgr := fuse.CreatePlatformMountManager(vol, fuse.DefaultMountConfig("/mnt/src"))
	if err := mgr.Mount(ctx); err != nil {
		return err
	}
	defer mgr.Unmount(context.Background())
	mgr.Wait()
*/
package fuse
