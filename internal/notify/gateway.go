package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/TobiSchelling/trialwatch/internal/config"
	"github.com/TobiSchelling/trialwatch/internal/logging"
	"github.com/TobiSchelling/trialwatch/internal/metrics"
)

// ErrSend wraps every delivery failure.
var ErrSend = errors.New("notification not sent")

// Gateway delivers a summary to people.
type Gateway interface {
	Send(ctx context.Context, s Summary) error
}

// Deliver sends s through g and counts the attempt.
func Deliver(ctx context.Context, g Gateway, s Summary) error {
	err := g.Send(ctx, s)
	status := "sent"
	if err != nil {
		status = "failed"
	}
	metrics.Notifications.WithLabelValues(status).Inc()
	return err
}

// SMTPConfig holds SMTP connection settings.
type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	From     string
	// Timeout bounds one delivery, dial included. Zero uses DefaultSMTPTimeout.
	Timeout time.Duration
}

// DefaultSMTPTimeout bounds a single SMTP delivery.
const DefaultSMTPTimeout = 30 * time.Second

// EmailGateway mails an HTML summary to each recipient.
type EmailGateway struct {
	cfg           SMTPConfig
	recipients    []string
	subjectPrefix string
	auth          smtp.Auth
	sendMail      func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailGateway creates an SMTP gateway. PLAIN auth is used when a user
// and password are set.
func NewEmailGateway(cfg SMTPConfig, recipients []string, subjectPrefix string) *EmailGateway {
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSMTPTimeout
	}
	g := &EmailGateway{
		cfg:           cfg,
		recipients:    recipients,
		subjectPrefix: subjectPrefix,
	}
	g.sendMail = g.deliver
	if cfg.User != "" && cfg.Password != "" {
		g.auth = smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)
	}
	return g
}

// Send mails the summary to every recipient. Failures for individual
// recipients are collected and returned together.
func (g *EmailGateway) Send(ctx context.Context, s Summary) error {
	subject, body := Compose(s)
	if g.subjectPrefix != "" {
		subject = fmt.Sprintf("[%s] %s", g.subjectPrefix, subject)
	}
	html, err := RenderHTML(body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}

	addr := fmt.Sprintf("%s:%s", g.cfg.Host, g.cfg.Port)
	var errs []error
	for _, to := range g.recipients {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		msg := buildMessage(g.cfg.From, to, subject, html)
		if err := g.sendMail(ctx, addr, g.auth, g.cfg.From, []string{to}, msg); err != nil {
			errs = append(errs, fmt.Errorf("sending to %s: %w", to, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrSend, errors.Join(errs...))
	}
	return nil
}

// deliver runs one SMTP session. The dial and every command share a
// deadline of cfg.Timeout, and cancelling ctx closes the connection.
func (g *EmailGateway) deliver(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	dialer := &net.Dialer{Timeout: g.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, g.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer func() { _ = c.Close() }()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: g.cfg.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp server does not support AUTH")
		}
		if err := c.Auth(a); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt to: %w", err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return c.Quit()
}

func buildMessage(from, to, subject, html string) []byte {
	msg := []string{
		"From: " + sanitizeHeader(from),
		"To: " + sanitizeHeader(to),
		"Subject: " + sanitizeHeader(subject),
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
		"",
		html,
	}
	return []byte(strings.Join(msg, "\r\n"))
}

func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

// LogGateway writes the summary to the log. Used when SMTP is not configured.
type LogGateway struct {
	logger logging.Logger
}

// NewLogGateway creates a gateway that only logs.
func NewLogGateway(logger logging.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

// Send logs the composed summary.
func (g *LogGateway) Send(_ context.Context, s Summary) error {
	subject, body := Compose(s)
	g.logger.WithFields(logging.Fields{
		"app":      s.App,
		"event_id": s.EventID,
		"subject":  subject,
	}).Info("Notification\n" + body)
	return nil
}

// FromConfig picks the email gateway when SMTP host and recipients are
// present in the environment, and the log gateway otherwise.
func FromConfig(cfg *config.Config, logger logging.Logger) Gateway {
	n := cfg.Notify
	host := config.Env(n.SMTPHostEnv)
	recipients := cfg.Recipients()
	if host == "" || len(recipients) == 0 {
		logger.Info("SMTP not configured, notifications go to the log")
		return NewLogGateway(logger)
	}
	smtpCfg := SMTPConfig{
		Host:     host,
		Port:     config.Env(n.SMTPPortEnv),
		User:     config.Env(n.SMTPUserEnv),
		Password: config.Env(n.SMTPPassEnv),
		From:     config.Env(n.FromEnv),
	}
	if smtpCfg.From == "" {
		smtpCfg.From = smtpCfg.User
	}
	return NewEmailGateway(smtpCfg, recipients, n.Subject)
}
