// Package atomicfile provides a write-to-temp-then-rename file handle so a
// signing pass either fully replaces its target or leaves it untouched.
package atomicfile

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// File is an io.WriteCloser that, on Commit, atomically replaces the named
// target with everything written to it. Close without Commit discards the
// temp file and leaves the target untouched.
type File interface {
	io.WriteCloser
	Commit() error
}

type atomicFile struct {
	name string
	temp *os.File
}

// New opens a temp file in the same directory as name, so the final Rename
// is guaranteed to stay on one filesystem.
func New(name string) (File, error) {
	temp, err := ioutil.TempFile(filepath.Dir(name), filepath.Base(name)+".tmp")
	if err != nil {
		return nil, errors.Wrap(err, "atomicfile: creating temp file")
	}
	return &atomicFile{name: name, temp: temp}, nil
}

func (f *atomicFile) Write(d []byte) (int, error) {
	return f.temp.Write(d)
}

func (f *atomicFile) Close() error {
	if f.temp == nil {
		return nil
	}
	name := f.temp.Name()
	f.temp.Close()
	os.Remove(name)
	f.temp = nil
	return nil
}

func (f *atomicFile) Commit() error {
	if f.temp == nil {
		return errors.New("atomicfile: file already closed")
	}
	if err := f.temp.Chmod(0644); err != nil {
		f.temp.Close()
		return errors.Wrap(err, "atomicfile: chmod")
	}
	if err := f.temp.Sync(); err != nil {
		f.temp.Close()
		return errors.Wrap(err, "atomicfile: fsync")
	}
	tempName := f.temp.Name()
	if err := f.temp.Close(); err != nil {
		return errors.Wrap(err, "atomicfile: closing temp file")
	}
	if err := os.Rename(tempName, f.name); err != nil {
		return errors.Wrap(err, "atomicfile: rename")
	}
	f.temp = nil
	return nil
}
