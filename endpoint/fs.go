package endpoint

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"time"
)

// StaticFileRenderer is a terminal renderer implementation that serves a
// single file from an fs.File.
//
// StaticFileRenderer expects an fs.File that also implements io.ReadSeeker.
// It closes the file when Close() is called, which happens automatically
// when the renderer is returned by an EndpointHandler.
type StaticFileRenderer struct {
	File fs.File

	// Header holds extra response headers written before the content.
	Header http.Header
}

// Close closes the underlying file.
func (sfr *StaticFileRenderer) Close() error {
	if sfr.File != nil {
		return sfr.File.Close()
	}
	return nil
}

// Render streams the file contents to the response using http.ServeContent,
// which handles Content-Type detection, Content-Length, range requests and
// writes the status line.
func (sfr *StaticFileRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	if sfr.File == nil {
		// Nil File indicates a programming or wiring error.
		return http.ErrMissingFile
	}

	// Derive a name and modification time from the file's Stat result. These
	// are optional hints to ServeContent.
	var (
		name    string
		modTime time.Time
	)
	if info, err := sfr.File.Stat(); err == nil {
		name = info.Name()
		modTime = info.ModTime()
	}

	rs, ok := sfr.File.(io.ReadSeeker)
	if !ok {
		return http.ErrNotSupported
	}

	for k, vs := range sfr.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	http.ServeContent(w, r, name, modTime, rs)
	return nil
}

// FileSystemParams are the decoded request params for FileSystem.
//
// Callers typically mount this using a mux wildcard like: "/rpc/responses/{path...}".
type FileSystemParams struct {
	// Path is the requested file path, relative to the handler mount.
	Path string `path:"path"`
}

// FileSystem is an endpoint for serving plain files from an fs.FS.
//
// Directories are never served; requesting one is treated as not found.
type FileSystem struct {
	// FS is a factory that returns the fs.FS to serve for the current request.
	FS func(ctx context.Context, r *http.Request) (fs.FS, error)

	// Header holds extra headers added to every served file.
	Header http.Header
}

// Endpoint serves a file from the configured FS.
//
// Signature matches endpoint.EndpointFunc so callers can do:
// mux.Handle("/files/{path...}", endpoint.Handler(fs.Endpoint))
func (f *FileSystem) Endpoint(w http.ResponseWriter, r *http.Request, params FileSystemParams) (Renderer, error) {
	if r == nil {
		return nil, Error(http.StatusInternalServerError, "internal server error", errors.New("endpoint: filesystem: nil request"))
	}
	if f == nil || f.FS == nil {
		return nil, Error(http.StatusInternalServerError, "filesystem: nil FS", errors.New("endpoint: filesystem: nil FS"))
	}

	fsys, err := f.FS(r.Context(), r)
	if err != nil {
		return nil, Error(http.StatusInternalServerError, "failed to resolve filesystem", err)
	}
	if fsys == nil {
		return nil, Error(http.StatusInternalServerError, "filesystem: nil FS", errors.New("endpoint: filesystem: FS factory returned nil"))
	}

	// Sanitize and normalize into an fs.FS path.
	//	- fs.FS paths must be relative and must not start with '/'
	//	- path.Clean yields a slash-separated path regardless of OS
	p := strings.TrimPrefix(path.Clean("/"+params.Path), "/")
	if p == "" {
		return nil, Error(http.StatusNotFound, "not found", fs.ErrNotExist)
	}

	file, err := fsys.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) {
			return nil, Error(http.StatusNotFound, "not found", err)
		}
		return nil, Error(http.StatusInternalServerError, "internal server error", err)
	}

	info, statErr := file.Stat()
	if statErr != nil {
		_ = file.Close()
		return nil, Error(http.StatusInternalServerError, "internal server error", statErr)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, Error(http.StatusNotFound, "not found", fs.ErrNotExist)
	}

	return &StaticFileRenderer{File: file, Header: f.Header.Clone()}, nil
}
