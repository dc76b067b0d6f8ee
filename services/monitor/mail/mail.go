// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mail delivers policy notification emails. Delivery is
// best-effort: a failed send is logged and counted but never blocks or
// retries, because notifications are advisory and the remediation
// pipeline must not stall on a mail relay.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sends = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "uploadwatch",
	Subsystem: "mail",
	Name:      "sends_total",
	Help:      "Notification emails attempted, by outcome",
}, []string{"status"})

// Message is one notification email. From comes from the active policy
// configuration, so a reconfigure changes the sender without restarting
// the relay client; an empty From falls back to SMTPConfig.From.
type Message struct {
	From     string
	FromName string
	To       []string
	Subject  string
	Body     string
}

// Mailer sends notification emails.
type Mailer interface {
	Send(ctx context.Context, m Message) error
}

// =============================================================================
// SMTP
// =============================================================================

// SMTPConfig holds relay connection settings. An empty Username skips
// authentication, which is the common case for an internal relay. From
// is the fallback sender for messages that do not carry their own.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

type smtpMailer struct {
	config SMTPConfig
	logger *slog.Logger

	// send is swapped in tests to avoid a live relay.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTP creates a Mailer backed by a plain SMTP relay.
func NewSMTP(config SMTPConfig, logger *slog.Logger) Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &smtpMailer{config: config, logger: logger, send: smtp.SendMail}
}

func (s *smtpMailer) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(m.To) == 0 {
		return fmt.Errorf("message has no recipients")
	}
	from := m.From
	if from == "" {
		from = s.config.From
	}
	if from == "" {
		return fmt.Errorf("message has no sender address")
	}

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	if err := s.send(addr, auth, from, m.To, encode(from, m)); err != nil {
		sends.WithLabelValues("error").Inc()
		s.logger.Error("failed to send notification email",
			"to", strings.Join(m.To, ","), "subject", m.Subject, "error", err)
		return fmt.Errorf("send mail via %s: %w", addr, err)
	}
	sends.WithLabelValues("ok").Inc()
	s.logger.Debug("notification email sent", "to", strings.Join(m.To, ","), "subject", m.Subject)
	return nil
}

func encode(from string, m Message) []byte {
	var b strings.Builder
	if m.FromName != "" {
		fmt.Fprintf(&b, "From: %s <%s>\r\n", m.FromName, from)
	} else {
		fmt.Fprintf(&b, "From: %s\r\n", from)
	}
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(m.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(m.Body)
	return []byte(b.String())
}

// =============================================================================
// Recorder
// =============================================================================

// Recorder is an in-memory Mailer for tests and dry runs. It records
// every message instead of delivering it.
type Recorder struct {
	mu       sync.Mutex
	messages []Message

	// Err, when set, is returned by every Send.
	Err error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Send(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.messages = append(r.messages, m)
	return nil
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Reset discards all recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}
