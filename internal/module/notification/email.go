package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// defaultSessionTimeout bounds an SMTP session when ctx carries no deadline.
const defaultSessionTimeout = 30 * time.Second

// EmailSender delivers an HTML email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// SMTPConfig holds SMTP configuration.
type SMTPConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	FromAddress string
	FromName    string
}

// SMTPEmailSender sends emails via SMTP.
type SMTPEmailSender struct {
	config *SMTPConfig
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
	logger *zap.Logger
}

// NewSMTPEmailSender creates a new SMTP email sender.
func NewSMTPEmailSender(config *SMTPConfig, logger *zap.Logger) *SMTPEmailSender {
	var d net.Dialer
	return &SMTPEmailSender{
		config: config,
		dial:   d.DialContext,
		logger: logger,
	}
}

// Send sends one message. The whole session, dial included, ends when ctx
// is done or after defaultSessionTimeout if ctx has no deadline.
func (s *SMTPEmailSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("send email: header contains line break")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultSessionTimeout)
		defer cancel()
	}

	if err := s.deliver(ctx, to, s.message(to, subject, htmlBody)); err != nil {
		if ctxErr := sessionErr(ctx); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		s.logger.Error("failed to send email",
			zap.String("to", to),
			zap.String("subject", subject),
			zap.Error(err),
		)
		return fmt.Errorf("send email: %w", err)
	}

	s.logger.Info("email sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}

// sessionErr reports why ctx ended the session. A connection deadline can
// fire just before the context timer does.
func sessionErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return nil
}

func (s *SMTPEmailSender) message(to, subject, htmlBody string) []byte {
	from := s.config.FromAddress
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.FromAddress)
	}
	return []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		from, to, subject, htmlBody))
}

func (s *SMTPEmailSender) deliver(ctx context.Context, to string, msg []byte) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	conn, err := s.dial(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	// Cancellation before the deadline unblocks any pending read or write.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	c, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
			return err
		}
	}
	if s.config.User != "" && s.config.Password != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", s.config.User, s.config.Password, s.config.Host)
			if err := c.Auth(auth); err != nil {
				return err
			}
		}
	}

	if err := c.Mail(s.config.FromAddress); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// NoOpEmailSender logs instead of sending. Used when SMTP is not configured.
type NoOpEmailSender struct {
	logger *zap.Logger
}

// NewNoOpEmailSender creates a no-op email sender.
func NewNoOpEmailSender(logger *zap.Logger) *NoOpEmailSender {
	return &NoOpEmailSender{logger: logger}
}

// Send logs but doesn't send.
func (s *NoOpEmailSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	s.logger.Info("email (no-op)",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(htmlBody)),
	)
	return nil
}
