package verify

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMTA answers RCPT TO with rcptReply and records every command.
func fakeMTA(t *testing.T, rcptReply string) (port int, commands <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	cmds := make(chan string, 64)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSMTP(conn, rcptReply, cmds)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, cmds
}

func serveSMTP(conn net.Conn, rcptReply string, cmds chan<- string) {
	defer conn.Close()
	w := bufio.NewWriter(conn)
	reply := func(s string) {
		w.WriteString(s + "\r\n")
		w.Flush()
	}
	reply("220 mx.test ESMTP")
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		cmds <- verb
		switch verb {
		case "EHLO", "HELO":
			reply("250 mx.test")
		case "MAIL":
			reply("250 OK")
		case "RCPT":
			reply(rcptReply)
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}

func drain(ch <-chan string) []string {
	var out []string
	for {
		select {
		case c := <-ch:
			out = append(out, c)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func TestSMTPProberAccepted(t *testing.T) {
	port, cmds := fakeMTA(t, "250 Accepted")
	p := NewSMTPProber("", "", port)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, detail := p.Probe(ctx, "user@example.com", []string{"127.0.0.1"})
	assert.Equal(t, Accepted, v, detail)

	seen := drain(cmds)
	assert.Contains(t, seen, "RCPT")
	assert.NotContains(t, seen, "DATA")
}

func TestSMTPProberRejected(t *testing.T) {
	port, _ := fakeMTA(t, "550 5.1.1 No such user")
	p := NewSMTPProber("example.com", "verify@example.com", port)

	v, detail := p.Probe(context.Background(), "nobody@example.com", []string{"127.0.0.1"})
	assert.Equal(t, Rejected, v)
	assert.Contains(t, detail, "550")
}

func TestSMTPProberTemporaryFailureIsInconclusive(t *testing.T) {
	port, _ := fakeMTA(t, "451 try again later")
	p := NewSMTPProber("", "", port)

	v, _ := p.Probe(context.Background(), "grey@example.com", []string{"127.0.0.1"})
	assert.Equal(t, Inconclusive, v)
}

func TestSMTPProberFallsThroughUnreachableHosts(t *testing.T) {
	port, _ := fakeMTA(t, "250 OK")

	// Grab a port nobody listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	p := NewSMTPProber("", "", port)
	v, detail := p.Probe(context.Background(), "user@example.com", []string{"127.0.0.2", "127.0.0.1"})
	assert.Equal(t, Accepted, v, detail)

	_, deadPort, _ := net.SplitHostPort(dead)
	n, _ := strconv.Atoi(deadPort)
	p = NewSMTPProber("", "", n)
	v, _ = p.Probe(context.Background(), "user@example.com", []string{"127.0.0.1"})
	assert.Equal(t, Inconclusive, v)
}
