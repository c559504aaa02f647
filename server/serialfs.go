package server

import (
	"context"
	"errors"
	"io"
	"io/fs"
)

// serialFS opens and closes files of an fs.FS on the executor. Reads stay on
// the calling goroutine.
type serialFS struct {
	fsys fs.FS
	exec *Executor
}

func (s serialFS) Open(name string) (fs.File, error) {
	var (
		f   fs.File
		err error
	)
	if derr := s.exec.Do(context.Background(), func() { f, err = s.fsys.Open(name) }); derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}
	return &serialFile{f: f, exec: s.exec}, nil
}

type serialFile struct {
	f    fs.File
	exec *Executor
}

func (s *serialFile) Stat() (fs.FileInfo, error) { return s.f.Stat() }

func (s *serialFile) Read(b []byte) (int, error) { return s.f.Read(b) }

func (s *serialFile) Seek(offset int64, whence int) (int64, error) {
	if sk, ok := s.f.(io.Seeker); ok {
		return sk.Seek(offset, whence)
	}
	return 0, errors.New("server: file does not support seeking")
}

func (s *serialFile) ReadAt(b []byte, off int64) (int, error) {
	if ra, ok := s.f.(io.ReaderAt); ok {
		return ra.ReadAt(b, off)
	}
	return 0, errors.New("server: file does not support ReadAt")
}

func (s *serialFile) Close() error {
	var err error
	if derr := s.exec.Do(context.Background(), func() { err = s.f.Close() }); derr != nil {
		return derr
	}
	return err
}
