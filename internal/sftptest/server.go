// Package sftptest runs an in-memory SFTP server over in-process pipes so
// sessions and volumes can be exercised without sshd.
package sftptest

import (
	"context"
	"io"
	"net"
	"path"
	"sync"
	"sync/atomic"

	"github.com/pkg/sftp"

	"github.com/sftpvol/sftpvol/internal/session"
)

// Server shares one in-memory filesystem across every connection it
// accepts. It implements session.Dialer.
type Server struct {
	handlers sftp.Handlers

	mu       sync.Mutex
	links    map[*link]struct{}
	dials    int
	failures []error
	readHook func(path string)

	keepalives atomic.Int64
}

var _ session.Dialer = (*Server)(nil)

// NewServer creates a server with an empty filesystem rooted at "/".
func NewServer() *Server {
	s := &Server{links: make(map[*link]struct{})}
	h := sftp.InMemHandler()
	h.FileGet = &hookedReader{FileReader: h.FileGet, srv: s}
	s.handlers = h
	return s
}

// Dial implements session.Dialer.
func (s *Server) Dial(ctx context.Context, opts ...sftp.ClientOption) (*sftp.Client, session.Transport, error) {
	s.mu.Lock()
	s.dials++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		return nil, nil, err
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	client, l, err := s.open(opts...)
	if err != nil {
		return nil, nil, err
	}
	return client, l, nil
}

func (s *Server) open(opts ...sftp.ClientOption) (*sftp.Client, *link, error) {
	clientConn, serverConn := net.Pipe()
	rs := sftp.NewRequestServer(serverConn, s.handlers)
	l := &link{srv: s, client: clientConn, server: rs}

	s.mu.Lock()
	s.links[l] = struct{}{}
	s.mu.Unlock()

	go func() {
		_ = rs.Serve()
		_ = rs.Close()
		s.mu.Lock()
		delete(s.links, l)
		s.mu.Unlock()
	}()

	client, err := sftp.NewClientPipe(clientConn, clientConn, opts...)
	if err != nil {
		_ = l.Close()
		_ = rs.Close()
		return nil, nil, err
	}
	return client, l, nil
}

// Client returns a client that is not counted as a dial, for seeding and
// inspecting the filesystem from tests.
func (s *Server) Client() (*sftp.Client, error) {
	c, _, err := s.open()
	return c, err
}

// WriteFile creates p (and its parents) with data.
func (s *Server) WriteFile(p string, data []byte) error {
	c, err := s.Client()
	if err != nil {
		return err
	}
	defer c.Close()

	if dir := path.Dir(p); dir != "/" {
		if err := c.MkdirAll(dir); err != nil {
			return err
		}
	}
	f, err := c.Create(p)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadFile returns the content of p.
func (s *Server) ReadFile(p string) ([]byte, error) {
	c, err := s.Client()
	if err != nil {
		return nil, err
	}
	defer c.Close()

	f, err := c.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Mkdir creates p and its parents.
func (s *Server) Mkdir(p string) error {
	c, err := s.Client()
	if err != nil {
		return err
	}
	defer c.Close()
	return c.MkdirAll(p)
}

// FailNextDials makes the next len(errs) dials fail with errs in order.
func (s *Server) FailNextDials(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// OnRead installs a hook run before every server-side read. Pass nil to
// remove it.
func (s *Server) OnRead(fn func(path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readHook = fn
}

// KillAll severs every live connection from the server side, as a network
// failure would.
func (s *Server) KillAll() {
	s.mu.Lock()
	links := make([]*link, 0, len(s.links))
	for l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()

	for _, l := range links {
		_ = l.server.Close()
	}
}

// Dials returns the number of Dial calls, including failed ones.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Live returns the number of open connections.
func (s *Server) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Keepalives returns the number of transport keepalives received.
func (s *Server) Keepalives() int64 {
	return s.keepalives.Load()
}

func (s *Server) hook() func(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readHook
}

// link is the client end of one pipe. It implements session.Transport.
type link struct {
	srv    *Server
	client net.Conn
	server *sftp.RequestServer
}

func (l *link) Close() error {
	return l.client.Close()
}

func (l *link) Keepalive() error {
	l.srv.keepalives.Add(1)
	return nil
}

type hookedReader struct {
	sftp.FileReader
	srv *Server
}

func (h *hookedReader) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	ra, err := h.FileReader.Fileread(r)
	if err != nil {
		return nil, err
	}
	return &hookedReaderAt{ReaderAt: ra, path: r.Filepath, srv: h.srv}, nil
}

type hookedReaderAt struct {
	io.ReaderAt
	path string
	srv  *Server
}

func (h *hookedReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if fn := h.srv.hook(); fn != nil {
		fn(h.path)
	}
	return h.ReaderAt.ReadAt(p, off)
}
