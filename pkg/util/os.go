package util

import (
	"errors"
	"os"
)

const (
	// the owner can make/remove files inside the directory
	privateDirMode = 0700
)

// Exist reports whether dirpath exists and is a directory.
func Exist(dirpath string) bool {
	info, err := os.Stat(dirpath)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// CreateDir creates dirpath and any missing parents. An existing
// directory is not an error.
func CreateDir(dirpath string) error {
	if Exist(dirpath) {
		return nil
	}

	if err := os.MkdirAll(dirpath, privateDirMode); err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}

	return nil
}

// FileExist reports whether path exists and is a regular file.
func FileExist(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
