// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ftp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds dialing and every control exchange.
const DefaultTimeout = 10 * time.Second

// control is the primitive command set the Transport needs from one FTP
// control connection. Exactly one command is outstanding at a time.
type control interface {
	Login(ctx context.Context, user, pass string) error
	Pwd(ctx context.Context) (string, error)
	Cwd(ctx context.Context, dir string) error
	List(ctx context.Context) ([]string, error)
	NameList(ctx context.Context) ([]string, error)
	MachineList(ctx context.Context) ([]string, error)
	Retr(ctx context.Context, name string, w io.Writer) error
	Stor(ctx context.Context, name string, r io.Reader) error
	Mkd(ctx context.Context, dir string) error
	Quit() error
	Close() error
}

type dialFunc func(ctx context.Context, addr string, timeout time.Duration) (control, error)

// conn is a passive-mode FTP control connection.
type conn struct {
	nc      net.Conn
	tp      *textproto.Conn
	host    string
	timeout time.Duration
	noEPSV  bool
}

func dialControl(ctx context.Context, addr string, timeout time.Duration) (control, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	c := &conn{
		nc:      nc,
		tp:      textproto.NewConn(nc),
		host:    host,
		timeout: timeout,
	}
	stop := c.arm(ctx)
	_, _, err = c.tp.ReadResponse(220)
	stop()
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("greeting: %w", err)
	}
	return c, nil
}

// arm sets the control deadline for one exchange and aborts the exchange when
// ctx is cancelled. The returned func must be called when the exchange ends.
func (c *conn) arm(ctx context.Context) func() {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.nc.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = c.nc.SetDeadline(time.Unix(1, 0))
	})
	return func() { stop() }
}

// cmd sends one command and reads its reply. expect follows
// textproto.Reader.ReadResponse: 2 accepts any 2xx, 0 accepts anything.
func (c *conn) cmd(ctx context.Context, expect int, format string, args ...any) (int, string, error) {
	defer c.arm(ctx)()
	if err := c.tp.PrintfLine(format, args...); err != nil {
		return 0, "", err
	}
	return c.tp.ReadResponse(expect)
}

func (c *conn) Login(ctx context.Context, user, pass string) error {
	if user == "" {
		user = "anonymous"
	}
	code, msg, err := c.cmd(ctx, 0, "USER %s", user)
	if err != nil {
		return err
	}
	switch code {
	case 230:
	case 331, 332:
		if _, _, err := c.cmd(ctx, 230, "PASS %s", pass); err != nil {
			return err
		}
	default:
		return &textproto.Error{Code: code, Msg: msg}
	}
	_, _, err = c.cmd(ctx, 200, "TYPE I")
	return err
}

func (c *conn) Pwd(ctx context.Context) (string, error) {
	_, msg, err := c.cmd(ctx, 257, "PWD")
	if err != nil {
		return "", err
	}
	return parsePwdReply(msg)
}

// parsePwdReply extracts the quoted directory from a 257 reply, honouring
// doubled quotes as escaped quotes.
func parsePwdReply(msg string) (string, error) {
	start := strings.IndexByte(msg, '"')
	if start < 0 {
		return "", fmt.Errorf("malformed PWD reply %q", msg)
	}
	var b strings.Builder
	for i := start + 1; i < len(msg); i++ {
		if msg[i] != '"' {
			b.WriteByte(msg[i])
			continue
		}
		if i+1 < len(msg) && msg[i+1] == '"' {
			b.WriteByte('"')
			i++
			continue
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("malformed PWD reply %q", msg)
}

func (c *conn) Cwd(ctx context.Context, dir string) error {
	_, _, err := c.cmd(ctx, 250, "CWD %s", dir)
	return err
}

func (c *conn) Mkd(ctx context.Context, dir string) error {
	_, _, err := c.cmd(ctx, 257, "MKD %s", dir)
	return err
}

func (c *conn) List(ctx context.Context) ([]string, error) {
	return c.lines(ctx, "LIST")
}

func (c *conn) NameList(ctx context.Context) ([]string, error) {
	return c.lines(ctx, "NLST")
}

func (c *conn) MachineList(ctx context.Context) ([]string, error) {
	return c.lines(ctx, "MLSD")
}

func (c *conn) lines(ctx context.Context, verb string) ([]string, error) {
	var out []string
	err := c.transfer(ctx, verb, func(dc net.Conn) error {
		sc := bufio.NewScanner(dc)
		for sc.Scan() {
			line := strings.TrimRight(sc.Text(), "\r")
			if line != "" {
				out = append(out, line)
			}
		}
		return sc.Err()
	})
	return out, err
}

func (c *conn) Retr(ctx context.Context, name string, w io.Writer) error {
	return c.transfer(ctx, "RETR "+name, func(dc net.Conn) error {
		_, err := io.Copy(w, dc)
		return err
	})
}

func (c *conn) Stor(ctx context.Context, name string, r io.Reader) error {
	return c.transfer(ctx, "STOR "+name, func(dc net.Conn) error {
		if _, err := io.Copy(dc, r); err != nil {
			return err
		}
		// Closing the data connection marks end-of-file for the server.
		return dc.Close()
	})
}

// transfer opens a passive data connection, issues line, runs fn on the data
// connection and reads the completion reply.
func (c *conn) transfer(ctx context.Context, line string, fn func(net.Conn) error) error {
	dc, err := c.openData(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = dc.Close() }()

	stopCancel := context.AfterFunc(ctx, func() { _ = dc.Close() })
	defer stopCancel()

	if _, _, err := c.cmd(ctx, 1, "%s", line); err != nil {
		return err
	}

	fnErr := fn(&idleConn{Conn: dc, idle: c.timeout})
	_ = dc.Close()

	stop := c.arm(ctx)
	_, _, err = c.tp.ReadResponse(2)
	stop()
	if fnErr != nil {
		return fnErr
	}
	return err
}

func (c *conn) openData(ctx context.Context) (net.Conn, error) {
	port, err := c.passivePort(ctx)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: c.timeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(c.host, strconv.Itoa(port)))
}

// passivePort negotiates EPSV, falling back to PASV once the server rejects EPSV.
func (c *conn) passivePort(ctx context.Context) (int, error) {
	if !c.noEPSV {
		_, msg, err := c.cmd(ctx, 229, "EPSV")
		if err == nil {
			return parseEPSVReply(msg)
		}
		if !isReply(err) {
			return 0, err
		}
		c.noEPSV = true
	}
	_, msg, err := c.cmd(ctx, 227, "PASV")
	if err != nil {
		return 0, err
	}
	return parsePASVReply(msg)
}

// parseEPSVReply parses "Entering Extended Passive Mode (|||6446|)".
func parseEPSVReply(msg string) (int, error) {
	start := strings.IndexByte(msg, '(')
	end := strings.LastIndexByte(msg, ')')
	if start < 0 || end <= start+1 {
		return 0, fmt.Errorf("malformed EPSV reply %q", msg)
	}
	inner := msg[start+1 : end]
	parts := strings.Split(inner, inner[:1])
	if len(parts) < 5 {
		return 0, fmt.Errorf("malformed EPSV reply %q", msg)
	}
	port, err := strconv.Atoi(parts[3])
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("malformed EPSV port in %q", msg)
	}
	return port, nil
}

// parsePASVReply parses "Entering Passive Mode (h1,h2,h3,h4,p1,p2)". The
// advertised host is ignored in favour of the control connection's peer.
func parsePASVReply(msg string) (int, error) {
	start := strings.IndexByte(msg, '(')
	end := strings.LastIndexByte(msg, ')')
	if start < 0 || end <= start {
		return 0, fmt.Errorf("malformed PASV reply %q", msg)
	}
	fields := strings.Split(msg[start+1:end], ",")
	if len(fields) != 6 {
		return 0, fmt.Errorf("malformed PASV reply %q", msg)
	}
	hi, err1 := strconv.Atoi(strings.TrimSpace(fields[4]))
	lo, err2 := strconv.Atoi(strings.TrimSpace(fields[5]))
	if err1 != nil || err2 != nil || hi < 0 || hi > 255 || lo < 0 || lo > 255 {
		return 0, fmt.Errorf("malformed PASV port in %q", msg)
	}
	return hi<<8 | lo, nil
}

func (c *conn) Quit() error {
	_ = c.nc.SetDeadline(time.Now().Add(c.timeout))
	if err := c.tp.PrintfLine("QUIT"); err != nil {
		return err
	}
	_, _, err := c.tp.ReadResponse(2)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (c *conn) Close() error {
	return c.tp.Close()
}

// idleConn extends the deadline on every read or write so that long
// transfers only time out when the data stream stalls.
type idleConn struct {
	net.Conn
	idle time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	_ = c.Conn.SetDeadline(time.Now().Add(c.idle))
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	_ = c.Conn.SetDeadline(time.Now().Add(c.idle))
	return c.Conn.Write(p)
}
