// Package fs holds the file system helpers the segmented log needs to make
// renames and small metadata files durable.
package fs

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
)

// SyncDir flushes any file renames in dirName to the filesystem.
func SyncDir(dirName string) error {
	dir, err := os.OpenFile(dirName, os.O_RDONLY, os.ModeDir)
	if err != nil {
		return err
	}
	defer dir.Close()

	// Some network file systems reject fsync on directories with EINVAL.
	err = dir.Sync()
	var pe *os.PathError
	if errors.As(err, &pe) && pe.Err == syscall.EINVAL {
		err = nil
	} else if err != nil {
		return err
	}
	return dir.Close()
}

// WriteFileAtomic replaces path with data. Readers see either the old or
// the new contents, never a mix.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return SyncDir(filepath.Dir(path))
}
