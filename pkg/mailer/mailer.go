package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

type Config struct {
	Host     string        `split_words:"true" required:"true"`
	Port     int           `split_words:"true" default:"587"`
	Username string        `split_words:"true" required:"true"`
	Password string        `split_words:"true" required:"true"`
	From     string        `split_words:"true" required:"true"`
	FromName string        `split_words:"true"`
	Timeout  time.Duration `split_words:"true" default:"15s"`
}

// Client sends plain-text mail over SMTP with messages assembled to proper
// MIME form.
type Client struct {
	addr     string
	auth     smtp.Auth
	from     string
	fromName string
	timeout  time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errors.New("smtp host is required")
	}
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		return nil, errors.New("smtp from address is required")
	}

	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		addr:     fmt.Sprintf("%s:%d", host, port),
		auth:     smtp.PlainAuth("", strings.TrimSpace(cfg.Username), cfg.Password, host),
		from:     from,
		fromName: strings.TrimSpace(cfg.FromName),
		timeout:  timeout,
	}, nil
}

func (c *Client) Send(ctx context.Context, recipient, subject, body string) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return errors.New("recipient is required")
	}

	msg, err := c.compose(recipient, subject, body)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(c.addr, c.auth, c.from, []string{recipient}, msg)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) compose(recipient, subject, body string) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(subject)
	h.SetAddressList("From", []*mail.Address{{Name: c.fromName, Address: c.from}})
	h.SetAddressList("To", []*mail.Address{{Address: recipient}})
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
