package utils

import (
	"fmt"
	"path"
	"strings"
)

// MaxNameLength is the longest single path component accepted.
const MaxNameLength = 255

// ValidateName checks that name is a single remote path component. It rejects
// empty names, "." and "..", separators and NUL bytes.
//
// Example usage:
//
//	if err := ValidateName(name); err != nil {
//		return fmt.Errorf("invalid name: %w", err)
//	}
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("name cannot be empty")
	case name == "." || name == "..":
		return fmt.Errorf("name %q is reserved", name)
	case strings.ContainsRune(name, '/'):
		return fmt.Errorf("name %q contains a path separator", name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("name contains a NUL byte")
	case len(name) > MaxNameLength:
		return fmt.Errorf("name exceeds %d bytes", MaxNameLength)
	}
	return nil
}

// ValidatePath validates that a remote path is absolute and does not contain
// directory traversal once cleaned.
func ValidatePath(p string) error {
	if p == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if !path.IsAbs(p) {
		return fmt.Errorf("path must be absolute: %s", p)
	}
	for _, elem := range strings.Split(p, "/") {
		if elem == ".." {
			return fmt.Errorf("path contains directory traversal: %s", p)
		}
	}
	return nil
}

// IsWithin reports whether p equals base or lies beneath it. Both are
// cleaned as POSIX paths.
func IsWithin(base, p string) bool {
	cleanBase := path.Clean(base)
	cleanPath := path.Clean(p)
	if cleanBase == "/" {
		return strings.HasPrefix(cleanPath, "/")
	}
	return cleanPath == cleanBase || strings.HasPrefix(cleanPath, cleanBase+"/")
}

// SecureJoin joins path elements onto a remote base and ensures the result
// stays within the base directory. Unlike path.Join, the result cannot escape
// through "..".
//
// Example usage:
//
//	child, err := SecureJoin(parentPath, name)
//	if err != nil {
//		return fmt.Errorf("invalid path combination: %w", err)
//	}
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := path.Clean(base)
	fullPath := path.Join(append([]string{cleanBase}, elements...)...)

	if !IsWithin(cleanBase, fullPath) {
		return "", fmt.Errorf("path escapes base directory")
	}
	return fullPath, nil
}

// Parent returns the parent directory of a remote path. The root is its own
// parent.
func Parent(p string) string {
	return path.Dir(path.Clean(p))
}

// Base returns the last element of a remote path.
func Base(p string) string {
	return path.Base(path.Clean(p))
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
