package smtpclient

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudmailing/cm/dns"
)

func TestRelayer(t *testing.T) {
	dir := t.TempDir()
	msgPath := filepath.Join(dir, "cust_ml_1_rcpt_1.rfc822")
	err := os.WriteFile(msgPath, []byte("Subject: hi\r\n\r\nbody\r\n"), 0660)
	tcheck(t, err, "write message")

	clientConn, serverConn := net.Pipe()
	DialHook = func(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error) {
		return clientConn, nil
	}
	defer func() {
		DialHook = nil
	}()

	serverErr := make(chan error, 1)
	go func() {
		defer func() {
			serverConn.Close()
			x := recover()
			if x != nil {
				serverErr <- x.(error)
			} else {
				serverErr <- nil
			}
		}()
		s := xserver{serverConn, bufio.NewReader(serverConn)}
		s.writeline("220 mx.example")
		s.readline("EHLO cm.example")
		s.writeline("250-mx.example")
		s.writeline("250 ENHANCEDSTATUSCODES")

		// First message, delivered.
		s.readline("MAIL FROM:<42-abc@bounce.example>")
		s.writeline("250 2.1.0 ok")
		s.readline("RCPT TO:<a@dest.example>")
		s.writeline("250 2.1.5 ok")
		s.readline("DATA")
		s.writeline("354 continue")
		s.readdata()
		s.writeline("250 2.0.0 queued")

		// Second message has no file, third is refused temporarily.
		s.readline("MAIL FROM:<42-def@bounce.example>")
		s.writeline("250 2.1.0 ok")
		s.readline("RCPT TO:<c@dest.example>")
		s.writeline("452 4.2.2 mailbox full")

		s.readline("QUIT")
		s.writeline("221 bye")
	}()

	r, err := Connect(ctxbg, nil, nil, "mx.example", 25, RelayerOpts{EHLO: dns.Domain{ASCII: "cm.example"}})
	tcheck(t, err, "connect")

	c1 := r.Send("42-abc@bounce.example", []string{"a@dest.example"}, msgPath)
	c2 := r.Send("42-xyz@bounce.example", []string{"b@dest.example"}, filepath.Join(dir, "missing.rfc822"))
	c3 := r.Send("42-def@bounce.example", []string{"c@dest.example"}, msgPath)

	res := <-c1
	code, ecode, text := res.Status("a@dest.example")
	tcompare(t, []any{code, ecode, text}, []any{250, "2.1.5", "ok"})
	tcompare(t, res.Log, "")

	res = <-c2
	tcompare(t, res.ConnLevel, true)
	code, _, _ = res.Status("b@dest.example")
	tcompare(t, code, 471)

	res = <-c3
	code, ecode, text = res.Status("c@dest.example")
	tcompare(t, []any{code, ecode, text}, []any{452, "4.2.2", "mailbox full"})
	if res.Log == "" {
		t.Fatalf("missing transcript for failed delivery")
	}

	r.Close()
	err = <-serverErr
	tcheck(t, err, "server")

	res = <-r.Send("42-abc@bounce.example", []string{"a@dest.example"}, msgPath)
	if !res.ConnLevel || res.Err == nil {
		t.Fatalf("send after close, got %#v", res)
	}
}

func TestRelayerConnectionLost(t *testing.T) {
	dir := t.TempDir()
	msgPath := filepath.Join(dir, "msg.rfc822")
	err := os.WriteFile(msgPath, []byte("Subject: hi\r\n\r\nbody\r\n"), 0660)
	tcheck(t, err, "write message")

	clientConn, serverConn := net.Pipe()
	DialHook = func(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error) {
		return clientConn, nil
	}
	defer func() {
		DialHook = nil
	}()

	go func() {
		defer serverConn.Close()
		s := xserver{serverConn, bufio.NewReader(serverConn)}
		s.writeline("220 mx.example")
		s.readline("EHLO")
		s.writeline("250 mx.example")
		s.readline("MAIL FROM:")
		// Connection dropped.
	}()

	r, err := Connect(ctxbg, nil, nil, "mx.example", 25, RelayerOpts{EHLO: dns.Domain{ASCII: "cm.example"}})
	tcheck(t, err, "connect")
	c1 := r.Send("x@bounce.example", []string{"a@dest.example"}, msgPath)
	c2 := r.Send("x@bounce.example", []string{"b@dest.example"}, msgPath)
	for _, c := range []<-chan Result{c1, c2} {
		res := <-c
		if !res.ConnLevel || res.Code != 0 || res.Err == nil {
			t.Fatalf("expected connection level failure, got %#v", res)
		}
	}
	r.Close()
}
