package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/config"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	d, err := r.Driver(domain.MessageInternal)
	require.NoError(t, err)
	assert.NoError(t, d.Send(context.Background(), &Message{}))

	_, err = r.Driver(domain.MessageSMS)
	assert.ErrorIs(t, err, ErrNotConfigured)

	called := false
	r.Register(domain.MessageSMS, DriverFunc(func(context.Context, *Message) error {
		called = true
		return nil
	}))
	d, err = r.Driver(domain.MessageSMS)
	require.NoError(t, err)
	require.NoError(t, d.Send(context.Background(), &Message{}))
	assert.True(t, called)
}

func TestEmail_Send(t *testing.T) {
	assert.Nil(t, NewEmail(config.SMTPConfig{}, zap.NewNop()))

	e := NewEmail(config.SMTPConfig{Host: "smtp.example.com", Port: 587, User: "u", Password: "p", From: "noreply@example.com"}, zap.NewNop())
	require.NotNil(t, e)

	var gotAddr string
	var gotTo []string
	var gotBody string
	e.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotBody = addr, to, string(msg)
		assert.NotNil(t, a)
		return nil
	}

	err := e.Send(context.Background(), &Message{UUID: "m1", Recipient: "bob@example.com", Subject: "审批通过", Content: "hello\nworld"})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"bob@example.com"}, gotTo)
	assert.Contains(t, gotBody, "To: bob@example.com\r\n")
	assert.Contains(t, gotBody, "Subject: =?utf-8?q?")
	assert.True(t, strings.HasSuffix(gotBody, "hello\r\nworld"))
}

func TestEmail_RejectsHeaderInjection(t *testing.T) {
	e := NewEmail(config.SMTPConfig{Host: "smtp.example.com", Port: 25}, zap.NewNop())
	e.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("must not send")
		return nil
	}
	err := e.Send(context.Background(), &Message{Recipient: "a@example.com\r\nBcc: x@evil.com"})
	assert.Error(t, err)
}

func TestEmail_WrapsTransportError(t *testing.T) {
	e := NewEmail(config.SMTPConfig{Host: "smtp.example.com", Port: 25}, zap.NewNop())
	boom := errors.New("connection refused")
	e.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return boom }
	err := e.Send(context.Background(), &Message{Recipient: "a@example.com"})
	assert.ErrorIs(t, err, boom)
}

func TestSMS_Send(t *testing.T) {
	var got smsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/send", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		if got.Phone == "000" {
			_, _ = w.Write([]byte(`{"code":40,"message":"blocked number"}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"message":"ok"}`))
	}))
	defer srv.Close()

	s := NewSMS(config.SMSConfig{GatewayURL: srv.URL, APIKey: "secret"}, zap.NewNop())
	require.NotNil(t, s)

	require.NoError(t, s.Send(context.Background(), &Message{UUID: "m2", Recipient: "13800000000", Content: "验证码 1234"}))
	assert.Equal(t, "13800000000", got.Phone)
	assert.Equal(t, "m2", got.RequestID)

	err := s.Send(context.Background(), &Message{UUID: "m3", Recipient: "000", Content: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked number")
}

func TestSMS_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewSMS(config.SMSConfig{GatewayURL: srv.URL}, zap.NewNop())
	err := s.Send(context.Background(), &Message{Recipient: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Nil(t, NewSMS(config.SMSConfig{}, zap.NewNop()))
}

type fakePublisher struct {
	topic   string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(topic string, _ bool, payload []byte) error {
	f.topic, f.payload = topic, payload
	return f.err
}

func TestPush_Send(t *testing.T) {
	pub := &fakePublisher{}
	p := NewPush(pub, "riveredge/push")

	msg := &Message{UUID: "m4", TenantID: 7, Recipient: "alice", Subject: "s", Content: "c"}
	require.NoError(t, p.Send(context.Background(), msg))
	assert.Equal(t, "riveredge/push/7/alice", pub.topic)

	var body pushPayload
	require.NoError(t, json.Unmarshal(pub.payload, &body))
	assert.Equal(t, "m4", body.UUID)
	assert.Equal(t, "c", body.Content)

	pub.err = errors.New("timed out")
	assert.Error(t, p.Send(context.Background(), msg))
}
