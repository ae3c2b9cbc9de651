package types

import (
	"os"
	"time"
)

// Attr is the metadata of one remote item as reported by lstat.
type Attr struct {
	Path       string      `json:"path"`
	Name       string      `json:"name"`
	Size       int64       `json:"size"`
	Mode       os.FileMode `json:"mode"`
	ModTime    time.Time   `json:"mod_time"`
	AccessTime time.Time   `json:"access_time"`
	UID        uint32      `json:"uid"`
	GID        uint32      `json:"gid"`
}

// IsDir reports whether the item is a directory.
func (a Attr) IsDir() bool { return a.Mode.IsDir() }

// IsSymlink reports whether the item is a symbolic link.
func (a Attr) IsSymlink() bool { return a.Mode&os.ModeSymlink != 0 }

// IsRegular reports whether the item is a regular file.
func (a Attr) IsRegular() bool { return a.Mode.IsRegular() }

// DirEntry is one element of a directory listing.
type DirEntry struct {
	Name string `json:"name"`
	Attr Attr   `json:"attr"`
}

// SetAttr describes an attribute change. Nil fields are left untouched.
type SetAttr struct {
	Mode  *os.FileMode
	UID   *uint32
	GID   *uint32
	Size  *uint64
	Atime *time.Time
	Mtime *time.Time
}

// Empty reports whether no attribute would change.
func (s SetAttr) Empty() bool {
	return s.Mode == nil && s.UID == nil && s.GID == nil && s.Size == nil && s.Atime == nil && s.Mtime == nil
}

// StatFS reports filesystem capacity.
type StatFS struct {
	BlockSize   uint64 `json:"block_size"`
	Blocks      uint64 `json:"blocks"`
	BlocksFree  uint64 `json:"blocks_free"`
	BlocksAvail uint64 `json:"blocks_avail"`
	Files       uint64 `json:"files"`
	FilesFree   uint64 `json:"files_free"`
	NameMax     uint64 `json:"name_max"`
}
