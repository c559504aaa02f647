package bridge

import (
	"bytes"
	"io/fs"
	"strings"
	"time"
)

// responseExt is appended to every response name so file servers label the
// content as JSON.
const responseExt = ".json"

// ResponseRecord is a serialized JSON-RPC response waiting to be fetched
// under Name.
type ResponseRecord struct {
	Name    string
	Body    []byte
	Created time.Time

	serial   uint64
	open     bool
	overflow bool
}

// Provider serves ResponseRecords as single-use virtual files. It implements
// fs.FS: Open returns a read-only view of a record, and closing that view
// releases the record so that the name no longer resolves.
//
// Like Store, Provider does no locking.
type Provider struct {
	records  map[string]*ResponseRecord
	tokens   *TokenCodec
	serial   uint64
	overflow int
	now      func() time.Time

	// released, when set, is called after a served record is closed.
	released func()
}

// NewProvider creates a provider that names records with tokens.
func NewProvider(tokens *TokenCodec) *Provider {
	return &Provider{
		records: make(map[string]*ResponseRecord),
		tokens:  tokens,
		now:     time.Now,
	}
}

// Register stores body under a fresh name.
func (p *Provider) Register(body []byte) (*ResponseRecord, error) {
	p.serial++
	created := p.now()
	token, err := p.tokens.Seal(p.serial, created)
	if err != nil {
		return nil, err
	}
	rec := &ResponseRecord{
		Name:    token + responseExt,
		Body:    body,
		Created: created,
		serial:  p.serial,
	}
	p.records[rec.Name] = rec
	return rec, nil
}

// RegisterOverflow stores a reply produced while the provider was full, such
// as a server-busy error. Overflow records are not counted by Pending. At
// most limit of them are kept: registering one more releases the oldest
// overflow record that is not open.
func (p *Provider) RegisterOverflow(body []byte, limit int) (*ResponseRecord, error) {
	if limit > 0 && p.overflow >= limit {
		p.evictOverflow()
	}
	rec, err := p.Register(body)
	if err != nil {
		return nil, err
	}
	rec.overflow = true
	p.overflow++
	return rec, nil
}

func (p *Provider) evictOverflow() {
	var oldest *ResponseRecord
	for _, rec := range p.records {
		if rec.overflow && !rec.open && (oldest == nil || rec.serial < oldest.serial) {
			oldest = rec
		}
	}
	if oldest != nil {
		p.forget(oldest)
	}
}

// Open implements fs.FS. A name that was never registered, is already open,
// or has been closed yields fs.ErrNotExist.
func (p *Provider) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	token, ok := strings.CutSuffix(name, responseExt)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	if _, _, err := p.tokens.Open(token); err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	rec, ok := p.records[name]
	if !ok || rec.open {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	rec.open = true
	return &responseFile{rec: rec, r: bytes.NewReader(rec.Body), p: p}, nil
}

// Sweep releases records older than ttl that are not currently open and
// returns how many were released.
func (p *Provider) Sweep(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := p.now().Add(-ttl)
	n := 0
	for _, rec := range p.records {
		if !rec.open && !rec.Created.After(cutoff) {
			p.forget(rec)
			n++
		}
	}
	return n
}

// Len returns the number of outstanding records.
func (p *Provider) Len() int {
	return len(p.records)
}

// Pending returns the number of outstanding records, not counting overflow
// records.
func (p *Provider) Pending() int {
	return len(p.records) - p.overflow
}

func (p *Provider) forget(rec *ResponseRecord) {
	delete(p.records, rec.Name)
	if rec.overflow {
		p.overflow--
	}
}

func (p *Provider) release(rec *ResponseRecord) {
	p.forget(rec)
	if p.released != nil {
		p.released()
	}
}

// responseFile is an open ResponseRecord. Reads share one offset; ReadAt does
// not move it.
type responseFile struct {
	rec    *ResponseRecord
	r      *bytes.Reader
	p      *Provider
	closed bool
}

func (f *responseFile) Stat() (fs.FileInfo, error) {
	return responseInfo{f.rec}, nil
}

func (f *responseFile) Read(b []byte) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	return f.r.Read(b)
}

func (f *responseFile) ReadAt(b []byte, off int64) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	return f.r.ReadAt(b, off)
}

func (f *responseFile) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	return f.r.Seek(offset, whence)
}

// Close releases the record. The name resolves to fs.ErrNotExist afterwards.
func (f *responseFile) Close() error {
	if f.closed {
		return fs.ErrClosed
	}
	f.closed = true
	f.p.release(f.rec)
	return nil
}

type responseInfo struct {
	rec *ResponseRecord
}

func (i responseInfo) Name() string       { return i.rec.Name }
func (i responseInfo) Size() int64        { return int64(len(i.rec.Body)) }
func (i responseInfo) Mode() fs.FileMode  { return 0o444 }
func (i responseInfo) ModTime() time.Time { return i.rec.Created }
func (i responseInfo) IsDir() bool        { return false }
func (i responseInfo) Sys() any           { return nil }
