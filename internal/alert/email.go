package alert

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"uptime/internal/config"
)

// EmailSender sends plain-text mail over SMTP. STARTTLS is used when the
// server offers it; port 465 uses implicit TLS.
type EmailSender struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	TLSConfig *tls.Config

	now func() time.Time
}

func NewEmailSender(cfg config.EmailConfig) *EmailSender {
	return &EmailSender{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		now:      time.Now,
	}
}

func (e *EmailSender) tlsConfig() *tls.Config {
	if e.TLSConfig != nil {
		return e.TLSConfig
	}
	return &tls.Config{ServerName: e.Host, MinVersion: tls.VersionTLS12}
}

func (e *EmailSender) Send(ctx context.Context, address, message string) error {
	if address == "" {
		return errors.New("empty email address")
	}
	addr := net.JoinHostPort(e.Host, strconv.Itoa(e.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial failed: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if e.Port == 465 {
		conn = tls.Client(conn, e.tlsConfig())
	}

	client, err := smtp.NewClient(conn, e.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake failed: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok && e.Port != 465 {
		if err := client.StartTLS(e.tlsConfig()); err != nil {
			return fmt.Errorf("smtp starttls failed: %w", err)
		}
	}
	if e.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", e.Username, e.Password, e.Host)
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("smtp auth failed: %w", err)
			}
		}
	}

	if err := client.Mail(e.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM failed: %w", err)
	}
	if err := client.Rcpt(address); err != nil {
		return fmt.Errorf("smtp RCPT TO failed: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA failed: %w", err)
	}
	if _, err := w.Write(e.buildMessage(address, message)); err != nil {
		w.Close()
		return fmt.Errorf("smtp write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return client.Quit()
}

// buildMessage uses the first line of the message as subject.
func (e *EmailSender) buildMessage(to, message string) []byte {
	subject, _, _ := strings.Cut(message, "\n")

	var sb strings.Builder
	sb.WriteString("From: " + e.From + "\r\n")
	sb.WriteString("To: " + to + "\r\n")
	sb.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", strings.TrimSpace(subject)) + "\r\n")
	sb.WriteString("Date: " + e.now().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(strings.ReplaceAll(message, "\n", "\r\n"))
	sb.WriteString("\r\n")
	return []byte(sb.String())
}
