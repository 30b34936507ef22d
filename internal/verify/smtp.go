package verify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"
)

// Verdict is the outcome of a mailbox probe.
type Verdict int

const (
	// Inconclusive means no server gave a definite answer (timeouts,
	// connection failures, temporary 4xx replies).
	Inconclusive Verdict = iota
	Accepted
	// Rejected means a server refused the recipient with a 5xx reply.
	Rejected
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return "inconclusive"
	}
}

// Prober asks the domain's mail servers whether they would accept email.
// It must never deliver a message.
type Prober interface {
	Probe(ctx context.Context, email string, mxHosts []string) (Verdict, string)
}

// SMTPProber runs HELO, MAIL FROM, RCPT TO and QUIT against each MX host in
// preference order until one answers the RCPT definitively.
type SMTPProber struct {
	HeloDomain string
	MailFrom   string
	Port       int
	Dialer     *net.Dialer
}

// NewSMTPProber fills in the defaults for empty fields.
func NewSMTPProber(helo, from string, port int) *SMTPProber {
	if helo == "" {
		helo = "example.com"
	}
	if from == "" {
		from = "verify@example.com"
	}
	if port <= 0 {
		port = 25
	}
	return &SMTPProber{HeloDomain: helo, MailFrom: from, Port: port, Dialer: &net.Dialer{}}
}

func (p *SMTPProber) Probe(ctx context.Context, email string, mxHosts []string) (Verdict, string) {
	detail := "no mail server reachable"
	for _, host := range mxHosts {
		if ctx.Err() != nil {
			return Inconclusive, "handshake timed out"
		}
		v, d := p.probeHost(ctx, host, email)
		if v != Inconclusive {
			return v, d
		}
		detail = d
	}
	return Inconclusive, detail
}

func (p *SMTPProber) probeHost(ctx context.Context, host, email string) (Verdict, string) {
	dialer := p.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	addr := net.JoinHostPort(host, strconv.Itoa(p.Port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Inconclusive, fmt.Sprintf("%s: connect: %v", host, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return classifyReply(host, "greeting", err)
	}
	defer c.Close()

	if err := c.Hello(p.HeloDomain); err != nil {
		return classifyReply(host, "helo", err)
	}
	if err := c.Mail(p.MailFrom); err != nil {
		return classifyReply(host, "mail from", err)
	}
	if err := c.Rcpt(email); err != nil {
		return classifyReply(host, "rcpt to", err)
	}
	c.Quit()
	return Accepted, host + ": recipient accepted"
}

// classifyReply maps a failed SMTP step to a verdict. Only a permanent
// rejection of the recipient itself is treated as a bounce.
func classifyReply(host, step string, err error) (Verdict, string) {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		detail := fmt.Sprintf("%s: %s: %d %s", host, step, tpErr.Code, tpErr.Msg)
		if step == "rcpt to" && tpErr.Code >= 500 && tpErr.Code < 600 {
			return Rejected, detail
		}
		return Inconclusive, detail
	}
	return Inconclusive, fmt.Sprintf("%s: %s: %v", host, step, err)
}
