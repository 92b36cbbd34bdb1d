package smtpprobe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// DialFunc opens the transport connection. Injectable so tests can hand the
// session one end of a pipe.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

var errNoReply = errors.New("smtpprobe: connection closed before reply")

// blacklistError aborts a session: the probing host itself is rejected.
type blacklistError struct {
	reply Reply
}

func (e *blacklistError) Error() string {
	return fmt.Sprintf("smtpprobe: session blacklisted: %s", e.reply)
}

// session drives one SMTP connection to one MX host. All replies flow
// through the framer so fragmented and multi-line responses are handled
// uniformly.
type session struct {
	conn    net.Conn
	framer  *Framer
	pending []Reply
	cfg     *Config
	host    string
	triedHELO bool
}

func dialSession(ctx context.Context, cfg *Config, address, host string) (*session, error) {
	dial := cfg.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: cfg.BaseTimeout}
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("smtpprobe: connect %s: %w", address, err)
	}
	return &session{
		conn:   conn,
		framer: &Framer{},
		cfg:    cfg,
		host:   host,
	}, nil
}

// readReply returns the next complete server reply. Individual reads use the
// stage timeout; the whole wait is capped at 1.5x to bound a server that
// trickles continuation lines forever.
func (s *session) readReply(stageTimeout time.Duration) (Reply, error) {
	if len(s.pending) > 0 {
		r := s.pending[0]
		s.pending = s.pending[1:]
		return r, nil
	}

	inactivityCap := time.Now().Add(stageTimeout + stageTimeout/2)
	buf := make([]byte, 1024)
	for {
		deadline := time.Now().Add(stageTimeout)
		if deadline.After(inactivityCap) {
			deadline = inactivityCap
		}
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return Reply{}, err
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			replies := s.framer.Feed(buf[:n])
			if len(replies) > 0 {
				s.pending = append(s.pending, replies[1:]...)
				return replies[0], nil
			}
		}
		if err != nil {
			return Reply{}, fmt.Errorf("smtpprobe: read from %s: %w", s.host, err)
		}
		if !time.Now().Before(inactivityCap) {
			return Reply{}, fmt.Errorf("smtpprobe: reply from %s incomplete after %s", s.host, stageTimeout)
		}
	}
}

func (s *session) command(line string, stageTimeout time.Duration) (Reply, error) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(stageTimeout)); err != nil {
		return Reply{}, err
	}
	if _, err := s.conn.Write([]byte(line + "\r\n")); err != nil {
		return Reply{}, fmt.Errorf("smtpprobe: write to %s: %w", s.host, err)
	}
	return s.readReply(stageTimeout)
}

// handshake runs banner, EHLO (HELO fallback), optional STARTTLS and MAIL
// FROM. A blacklist-indicating rejection at any step returns blacklistError.
func (s *session) handshake() error {
	t := s.cfg.BaseTimeout

	banner, err := s.readReply(t)
	if err != nil {
		return err
	}
	if IsBlacklistResponse(banner.Code, banner.Message) {
		return &blacklistError{reply: banner}
	}
	if banner.Code != 220 {
		return fmt.Errorf("smtpprobe: unexpected banner from %s: %s", s.host, banner)
	}

	hello, err := s.command("EHLO "+s.cfg.HeloDomain, t)
	if err != nil {
		return err
	}
	if (hello.Code == 500 || hello.Code == 502) && !s.triedHELO {
		s.triedHELO = true
		hello, err = s.command("HELO "+s.cfg.HeloDomain, t)
		if err != nil {
			return err
		}
	}
	if IsBlacklistResponse(hello.Code, hello.Message) {
		return &blacklistError{reply: hello}
	}
	if hello.Code != 250 {
		return fmt.Errorf("smtpprobe: EHLO rejected by %s: %s", s.host, hello)
	}

	if s.cfg.EnableSTARTTLS && !s.triedHELO {
		if err := s.maybeStartTLS(t); err != nil {
			return err
		}
	}

	from, err := s.command(fmt.Sprintf("MAIL FROM:<%s>", s.cfg.FromAddr), t)
	if err != nil {
		return err
	}
	if IsBlacklistResponse(from.Code, from.Message) {
		return &blacklistError{reply: from}
	}
	if from.Code != 250 {
		return fmt.Errorf("smtpprobe: MAIL FROM rejected by %s: %s", s.host, from)
	}
	return nil
}

// maybeStartTLS upgrades the socket when the server accepts STARTTLS. A
// refusal keeps the session on plaintext; verification stays off since the
// goal is probing, not delivery.
func (s *session) maybeStartTLS(t time.Duration) error {
	reply, err := s.command("STARTTLS", t)
	if err != nil {
		return err
	}
	if reply.Code != 220 {
		return nil
	}

	tlsConn := tls.Client(s.conn, &tls.Config{
		ServerName:         s.host,
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
	})
	if err := tlsConn.SetDeadline(time.Now().Add(t)); err != nil {
		return err
	}
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("smtpprobe: STARTTLS with %s: %w", s.host, err)
	}
	s.conn = tlsConn
	s.framer = &Framer{}
	s.pending = nil

	// The SMTP state resets after the upgrade, so identify again.
	hello, err := s.command("EHLO "+s.cfg.HeloDomain, t)
	if err != nil {
		return err
	}
	if hello.Code != 250 {
		return fmt.Errorf("smtpprobe: EHLO after STARTTLS rejected by %s: %s", s.host, hello)
	}
	return nil
}

func (s *session) rcpt(addr string) (Reply, error) {
	t := s.cfg.BaseTimeout + s.cfg.BaseTimeout/5
	return s.command(fmt.Sprintf("RCPT TO:<%s>", addr), t)
}

// quit closes the session politely, waiting a bounded time for the server
// side to acknowledge before tearing the socket down.
func (s *session) quit() {
	wait := s.cfg.BaseTimeout - 500*time.Millisecond
	if wait < time.Second {
		wait = time.Second
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.BaseTimeout / 2))
	_, _ = s.conn.Write([]byte("QUIT\r\n"))
	_ = s.conn.SetReadDeadline(time.Now().Add(wait))
	buf := make([]byte, 256)
	_, _ = s.conn.Read(buf)
	_ = s.conn.Close()
}

func (s *session) close() {
	_ = s.conn.Close()
}
