// Package safe writes replicated data to its final location atomically so a
// failed or interrupted transfer never leaves a partial file or repository
// behind.
package safe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrAlreadyDone is returned when the safe file has already been closed
// or committed
var ErrAlreadyDone = errors.New("safe file was already committed or closed")

// FileWriter writes to a temporary file next to the target and atomically
// replaces the target on Commit.
type FileWriter struct {
	tmpFile       *os.File
	path          string
	written       int64
	commitOrClose sync.Once
}

// NewFileWriter takes path as an absolute path of the target file. Missing
// parent directories are created.
func NewFileWriter(path string, mode os.FileMode) (*FileWriter, error) {
	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(directory, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, err
	}

	writer := &FileWriter{path: path, tmpFile: tmpFile}
	if mode != 0 {
		if err := tmpFile.Chmod(mode); err != nil {
			_ = writer.Close()
			return nil, err
		}
	}

	return writer, nil
}

// Write wraps the temporary file's Write.
func (fw *FileWriter) Write(p []byte) (int, error) {
	n, err := fw.tmpFile.Write(p)
	fw.written += int64(n)
	return n, err
}

// Written returns the number of bytes written so far.
func (fw *FileWriter) Written() int64 { return fw.written }

// Commit closes the temporary file and renames it to the target. Only the
// first call to Commit or Close has an effect.
func (fw *FileWriter) Commit() error {
	err := ErrAlreadyDone

	fw.commitOrClose.Do(func() {
		if err = fw.tmpFile.Sync(); err != nil {
			err = fmt.Errorf("syncing temp file: %w", err)
			_ = fw.discard()
			return
		}

		if err = fw.tmpFile.Close(); err != nil {
			err = fmt.Errorf("closing temp file: %w", err)
			_ = os.Remove(fw.tmpFile.Name())
			return
		}

		if err = os.Rename(fw.tmpFile.Name(), fw.path); err != nil {
			err = fmt.Errorf("renaming temp file: %w", err)
			_ = os.Remove(fw.tmpFile.Name())
			return
		}

		if err = syncDir(filepath.Dir(fw.path)); err != nil {
			err = fmt.Errorf("syncing dir: %w", err)
			return
		}
	})

	return err
}

// Close removes the temporary file if the writer was not committed.
func (fw *FileWriter) Close() error {
	err := ErrAlreadyDone

	fw.commitOrClose.Do(func() {
		err = fw.discard()
	})

	return err
}

func (fw *FileWriter) discard() error {
	if err := fw.tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Remove(fw.tmpFile.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Sync()
}
