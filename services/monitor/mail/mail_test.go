// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mail

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMTP_EncodesHeadersAndBody(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	m := NewSMTP(SMTPConfig{Host: "relay.internal", Port: 25, From: "monitor@example.edu"}, nil).(*smtpMailer)
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		assert.Nil(t, a, "no auth expected without a username")
		return nil
	}

	err := m.Send(context.Background(), Message{
		To:      []string{"student@example.edu"},
		Subject: "Upload flagged",
		Body:    "Your file exceeded the size limit.",
	})
	require.NoError(t, err)

	assert.Equal(t, "relay.internal:25", gotAddr)
	assert.Equal(t, "monitor@example.edu", gotFrom)
	assert.Equal(t, []string{"student@example.edu"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: Upload flagged\r\n")
	assert.Contains(t, string(gotMsg), "To: student@example.edu\r\n")
	assert.Contains(t, string(gotMsg), "\r\n\r\nYour file exceeded the size limit.")
}

func TestSMTP_UsesPlainAuthWhenConfigured(t *testing.T) {
	m := NewSMTP(SMTPConfig{Host: "relay", Port: 587, From: "a@b", Username: "u", Password: "p"}, nil).(*smtpMailer)
	m.send = func(_ string, a smtp.Auth, _ string, _ []string, _ []byte) error {
		assert.NotNil(t, a)
		return nil
	}
	require.NoError(t, m.Send(context.Background(), Message{To: []string{"x@y"}}))
}

func TestSMTP_MessageSenderOverridesFallback(t *testing.T) {
	var gotFrom string
	var gotMsg []byte
	m := NewSMTP(SMTPConfig{Host: "relay", Port: 25, From: "fallback@example.edu"}, nil).(*smtpMailer)
	m.send = func(_ string, _ smtp.Auth, from string, _ []string, msg []byte) error {
		gotFrom, gotMsg = from, msg
		return nil
	}

	err := m.Send(context.Background(), Message{
		From:     "policy@example.edu",
		FromName: "Upload Monitor",
		To:       []string{"student@example.edu"},
		Subject:  "Upload flagged",
	})
	require.NoError(t, err)
	assert.Equal(t, "policy@example.edu", gotFrom)
	assert.Contains(t, string(gotMsg), "From: Upload Monitor <policy@example.edu>\r\n")
}

func TestSMTP_RejectsMissingSender(t *testing.T) {
	m := NewSMTP(SMTPConfig{Host: "relay", Port: 25}, nil)
	err := m.Send(context.Background(), Message{To: []string{"x@y"}})
	require.Error(t, err)
}

func TestSMTP_RejectsEmptyRecipients(t *testing.T) {
	m := NewSMTP(SMTPConfig{Host: "relay", Port: 25}, nil)
	err := m.Send(context.Background(), Message{Subject: "no one to tell"})
	require.Error(t, err)
}

func TestSMTP_WrapsRelayError(t *testing.T) {
	m := NewSMTP(SMTPConfig{Host: "relay", Port: 25, From: "a@b"}, nil).(*smtpMailer)
	relayErr := errors.New("connection refused")
	m.send = func(string, smtp.Auth, string, []string, []byte) error { return relayErr }

	err := m.Send(context.Background(), Message{To: []string{"x@y"}})
	require.ErrorIs(t, err, relayErr)
}

func TestRecorder_CapturesAndResets(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.Send(context.Background(), Message{To: []string{"x@y"}, Subject: "one"}))
	require.NoError(t, r.Send(context.Background(), Message{To: []string{"x@y"}, Subject: "two"}))

	msgs := r.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Subject)

	r.Reset()
	assert.Empty(t, r.Messages())

	r.Err = errors.New("down")
	assert.Error(t, r.Send(context.Background(), Message{To: []string{"x@y"}}))
}
