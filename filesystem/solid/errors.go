package solid

import "errors"

// Error kinds surfaced by the engine. The fuse adapter converts these to
// negated POSIX error numbers at the kernel boundary; inside the engine they
// travel wrapped via %w so callers can test with errors.Is.
var (
	// ErrNotFound a path or directory entry does not exist
	ErrNotFound = errors.New("no such file or directory")
	// ErrNotDirectory a path component is not a directory
	ErrNotDirectory = errors.New("not a directory")
	// ErrNotRegular a regular-file operation was applied to a directory
	ErrNotRegular = errors.New("is a directory")
	// ErrExists the name already is in the directory
	ErrExists = errors.New("file exists")
	// ErrNoSpace blocks or inodes are exhausted
	ErrNoSpace = errors.New("no space left on device")
	// ErrFileTooLarge the byte range ends past the maximum addressable offset
	ErrFileTooLarge = errors.New("file too large")
	// ErrNotEmpty rmdir applied to a directory with entries beyond . and ..
	ErrNotEmpty = errors.New("directory not empty")
	// ErrBadID an inode or block id is out of range
	ErrBadID = errors.New("id out of range")
)
