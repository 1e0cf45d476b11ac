// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ftptest provides an in-process FTP server backed by a local
// directory, for tests of the FTP transport and everything built on it.
package ftptest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Server is a minimal passive-mode FTP server. The zero value is not usable;
// call New.
type Server struct {
	root string
	ln   net.Listener

	mu        sync.Mutex
	disabled  map[string]bool
	user      string
	pass      string
	retrDelay time.Duration
	commands  []string
	active    int
	peak      int
	sessions  int
	conns     map[net.Conn]struct{}
	closed    bool

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithCredentials requires the given login. Without it any login is accepted.
func WithCredentials(user, pass string) Option {
	return func(s *Server) { s.user, s.pass = user, pass }
}

// WithDisabled makes the server reject the given verbs with 502.
func WithDisabled(verbs ...string) Option {
	return func(s *Server) {
		for _, v := range verbs {
			s.disabled[strings.ToUpper(v)] = true
		}
	}
}

// New starts a server serving root on a loopback port. It is closed when the
// test ends.
func New(t testing.TB, root string, opts ...Option) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ftptest: listen: %v", err)
	}
	s := &Server{
		root:     root,
		ln:       ln,
		disabled: make(map[string]bool),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Host returns the listener host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Root returns the served directory.
func (s *Server) Root() string { return s.root }

// SetRetrDelay delays every RETR response by d.
func (s *Server) SetRetrDelay(d time.Duration) {
	s.mu.Lock()
	s.retrDelay = d
	s.mu.Unlock()
}

// Disable rejects the given verbs with 502 from now on.
func (s *Server) Disable(verbs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range verbs {
		s.disabled[strings.ToUpper(v)] = true
	}
}

// Commands returns every command line received so far, across sessions.
// PASS arguments are masked.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// ResetCommands clears the command log.
func (s *Server) ResetCommands() {
	s.mu.Lock()
	s.commands = nil
	s.mu.Unlock()
}

// PeakSessions returns the largest number of simultaneously open sessions.
func (s *Server) PeakSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// Sessions returns the total number of sessions accepted.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// DropSessions closes every open session without closing the listener.
func (s *Server) DropSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// Close stops the listener and all sessions and waits for them to exit.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	_ = s.ln.Close()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.active++
		s.sessions++
		if s.active > s.peak {
			s.peak = s.active
		}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess := &session{srv: s, c: c, r: bufio.NewReader(c), cwd: "/"}
			sess.run()
			_ = c.Close()
			s.mu.Lock()
			delete(s.conns, c)
			s.active--
			s.mu.Unlock()
		}()
	}
}

func (s *Server) record(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.HasPrefix(strings.ToUpper(line), "PASS ") {
		line = "PASS ****"
	}
	s.commands = append(s.commands, line)
}

func (s *Server) isDisabled(verb string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled[verb]
}

type session struct {
	srv    *Server
	c      net.Conn
	r      *bufio.Reader
	cwd    string
	user   string
	authed bool
	pasv   net.Listener
}

func (ss *session) reply(code int, format string, args ...any) {
	_, _ = fmt.Fprintf(ss.c, "%d %s\r\n", code, fmt.Sprintf(format, args...))
}

func (ss *session) run() {
	defer ss.closePasv()
	ss.reply(220, "ftptest ready")
	for {
		line, err := ss.r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		ss.srv.record(line)
		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)
		if ss.srv.isDisabled(verb) {
			ss.reply(502, "%s not implemented", verb)
			continue
		}
		if !ss.authed && verb != "USER" && verb != "PASS" && verb != "QUIT" {
			ss.reply(530, "not logged in")
			continue
		}
		if !ss.handle(verb, arg) {
			return
		}
	}
}

func (ss *session) handle(verb, arg string) bool {
	switch verb {
	case "USER":
		ss.user = arg
		ss.reply(331, "password required")
	case "PASS":
		if ss.srv.user != "" && (ss.user != ss.srv.user || arg != ss.srv.pass) {
			ss.reply(530, "login incorrect")
			return true
		}
		ss.authed = true
		ss.reply(230, "logged in")
	case "TYPE", "OPTS":
		ss.reply(200, "ok")
	case "SYST":
		ss.reply(215, "UNIX Type: L8")
	case "NOOP":
		ss.reply(200, "ok")
	case "PWD":
		ss.reply(257, "%q is current directory", ss.cwd)
	case "CWD":
		ss.cwdTo(arg)
	case "CDUP":
		ss.cwdTo("..")
	case "MKD":
		vp := ss.virtual(arg)
		if err := os.Mkdir(ss.local(vp), 0o750); err != nil {
			ss.reply(550, "cannot create %s", vp)
			return true
		}
		ss.reply(257, "%q created", vp)
	case "EPSV":
		port, err := ss.openPasv()
		if err != nil {
			ss.reply(425, "cannot open data port")
			return true
		}
		ss.reply(229, "Entering Extended Passive Mode (|||%d|)", port)
	case "PASV":
		port, err := ss.openPasv()
		if err != nil {
			ss.reply(425, "cannot open data port")
			return true
		}
		ss.reply(227, "Entering Passive Mode (127,0,0,1,%d,%d)", port>>8, port&0xff)
	case "LIST", "NLST", "MLSD":
		ss.list(verb, arg)
	case "RETR":
		ss.retr(arg)
	case "STOR":
		ss.stor(arg)
	case "QUIT":
		ss.reply(221, "bye")
		return false
	default:
		ss.reply(502, "%s not implemented", verb)
	}
	return true
}

func (ss *session) virtual(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = ss.cwd + "/" + p
	}
	return path.Clean("/" + p)
}

func (ss *session) local(vp string) string {
	return filepath.Join(ss.srv.root, filepath.FromSlash(vp))
}

func (ss *session) cwdTo(arg string) {
	vp := ss.virtual(arg)
	st, err := os.Stat(ss.local(vp))
	if err != nil || !st.IsDir() {
		ss.reply(550, "%s: no such directory", arg)
		return
	}
	ss.cwd = vp
	ss.reply(250, "directory changed to %s", vp)
}

func (ss *session) openPasv() (int, error) {
	ss.closePasv()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	ss.pasv = ln
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (ss *session) closePasv() {
	if ss.pasv != nil {
		_ = ss.pasv.Close()
		ss.pasv = nil
	}
}

// acceptData accepts the pending passive connection.
func (ss *session) acceptData() (net.Conn, bool) {
	if ss.pasv == nil {
		ss.reply(425, "use EPSV or PASV first")
		return nil, false
	}
	ln := ss.pasv
	ss.pasv = nil
	defer func() { _ = ln.Close() }()
	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(time.Now().Add(5 * time.Second))
	}
	dc, err := ln.Accept()
	if err != nil {
		ss.reply(425, "data connection failed")
		return nil, false
	}
	return dc, true
}

func (ss *session) list(verb, arg string) {
	dir := ss.cwd
	if arg != "" && !strings.HasPrefix(arg, "-") {
		dir = ss.virtual(arg)
	}
	entries, err := os.ReadDir(ss.local(dir))
	if err != nil {
		ss.closePasv()
		ss.reply(550, "%s: no such directory", dir)
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	dc, ok := ss.acceptData()
	if !ok {
		return
	}
	ss.reply(150, "here comes the listing")
	w := bufio.NewWriter(dc)
	if verb == "LIST" {
		_, _ = fmt.Fprintf(w, "total %d\r\n", len(entries))
	}
	for _, e := range entries {
		var size int64
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		switch verb {
		case "LIST":
			perm := "-rw-r--r--"
			if e.IsDir() {
				perm = "drwxr-xr-x"
			}
			_, _ = fmt.Fprintf(w, "%s 1 owner group %d Jan 01 00:00 %s\r\n", perm, size, e.Name())
		case "NLST":
			_, _ = fmt.Fprintf(w, "%s\r\n", e.Name())
		case "MLSD":
			kind := "file"
			if e.IsDir() {
				kind = "dir"
			}
			_, _ = fmt.Fprintf(w, "type=%s;size=%d; %s\r\n", kind, size, e.Name())
		}
	}
	_ = w.Flush()
	_ = dc.Close()
	ss.reply(226, "transfer complete")
}

func (ss *session) retr(arg string) {
	vp := ss.virtual(arg)
	f, err := os.Open(ss.local(vp))
	if err != nil {
		ss.closePasv()
		ss.reply(550, "%s: no such file", arg)
		return
	}
	defer func() { _ = f.Close() }()
	if st, err := f.Stat(); err != nil || st.IsDir() {
		ss.closePasv()
		ss.reply(550, "%s: not a plain file", arg)
		return
	}

	ss.srv.mu.Lock()
	delay := ss.srv.retrDelay
	ss.srv.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	dc, ok := ss.acceptData()
	if !ok {
		return
	}
	ss.reply(150, "opening data connection for %s", arg)
	_, err = io.Copy(dc, f)
	_ = dc.Close()
	if err != nil {
		ss.reply(426, "transfer aborted")
		return
	}
	ss.reply(226, "transfer complete")
}

func (ss *session) stor(arg string) {
	vp := ss.virtual(arg)
	dst := ss.local(vp)
	if st, err := os.Stat(filepath.Dir(dst)); err != nil || !st.IsDir() {
		ss.closePasv()
		ss.reply(553, "%s: parent does not exist", arg)
		return
	}
	dc, ok := ss.acceptData()
	if !ok {
		return
	}
	ss.reply(150, "ok to send data")
	f, err := os.Create(dst)
	if err != nil {
		_ = dc.Close()
		ss.reply(553, "cannot create %s", arg)
		return
	}
	_, err = io.Copy(f, dc)
	_ = dc.Close()
	cerr := f.Close()
	if err != nil || cerr != nil {
		ss.reply(426, "transfer aborted")
		return
	}
	ss.reply(226, "transfer complete (%s bytes)", strconv.Itoa(sizeOf(dst)))
}

func sizeOf(p string) int {
	st, err := os.Stat(p)
	if err != nil {
		return 0
	}
	return int(st.Size())
}
