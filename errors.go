package squashfs

import "errors"

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrInvalidFile is returned when the file format is not recognized as SquashFS
	ErrInvalidFile = errors.New("invalid file, squashfs signature not found")

	// ErrInvalidSuper is returned when the superblock data is corrupted or invalid
	ErrInvalidSuper = errors.New("invalid squashfs superblock")

	// ErrInvalidVersion is returned when the SquashFS version is not 4.0
	// This library only supports SquashFS 4.0 format
	ErrInvalidVersion = errors.New("invalid file version, expected squashfs 4.0")

	// ErrInodeNotExported is returned when trying to access an inode that isn't in the export table
	ErrInodeNotExported = errors.New("unknown squashfs inode and no NFS export table")

	// ErrNotDirectory is returned when attempting to perform directory operations on a non-directory
	ErrNotDirectory = errors.New("not a directory")

	// ErrNotAFile is returned when a file operation is attempted on something that isn't a regular file
	ErrNotAFile = errors.New("not a regular file")

	// ErrTooManySymlinks is returned when symlink resolution exceeds the maximum depth
	// This prevents infinite loops in symlink resolution
	ErrTooManySymlinks = errors.New("too many levels of symbolic links")

	// ErrInvalidBlockSize is returned when the superblock's block size is not a
	// power of two in [4KiB, 1MiB]
	ErrInvalidBlockSize = errors.New("invalid block size")

	// ErrInvalidBlockLog is returned when block_log does not match block_size
	ErrInvalidBlockLog = errors.New("block log does not match block size")

	// ErrInvalidOffset is returned when a table offset falls outside bytes_used
	ErrInvalidOffset = errors.New("table offset outside of image bounds")

	// ErrCorruptedInode is returned on an unknown inode type tag or inconsistent inode data
	ErrCorruptedInode = errors.New("corrupted or unsupported inode")

	// ErrCorruptedDirectory is returned on an illegal directory entry (bad name,
	// out-of-order entries, dangling inode reference)
	ErrCorruptedDirectory = errors.New("corrupted directory listing")

	// ErrInvalidCompressor is returned when a compressor id is not registered in this build
	ErrInvalidCompressor = errors.New("unsupported or unknown compressor")

	// ErrCorruptedCompressedData is returned when a compressed block fails to decompress
	ErrCorruptedCompressedData = errors.New("corrupted compressed data")

	// ErrInvalidCompressionOption is returned when a compression options block cannot be parsed
	ErrInvalidCompressionOption = errors.New("invalid compression options")

	// ErrDuplicatedFileName is returned by the tree when inserting a path that already exists
	ErrDuplicatedFileName = errors.New("duplicated file name")

	// ErrInvalidFilePath is returned when a path is malformed, or attempts to
	// descend into a non-directory, or names a node that does not exist
	ErrInvalidFilePath = errors.New("invalid file path")

	// ErrUndefinedFileName is returned when an empty name is used for an entry
	ErrUndefinedFileName = errors.New("undefined file name")

	// ErrInconsistentBlockFlags is returned when a data block descriptor has
	// mutually-inconsistent compressed/uncompressed bits
	ErrInconsistentBlockFlags = errors.New("inconsistent data block flags")
)
