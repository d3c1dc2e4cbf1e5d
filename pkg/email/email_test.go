package email

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"testing"

	"skydump-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	raw, err := Build(&Message{
		From:    "SKY DUMP <noreply@example.com>",
		To:      []string{"admin@example.com", "ops@example.com"},
		Subject: "SKY DUMP: New Upload Complete - 电影.mp4",
		Text:    "plain body",
		HTML:    "<p>html body</p>",
	})
	require.NoError(t, err)

	m, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "admin@example.com, ops@example.com", m.Header.Get("To"))

	subject, err := new(mime.WordDecoder).DecodeHeader(m.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "SKY DUMP: New Upload Complete - 电影.mp4", subject)

	mediaType, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/alternative", mediaType)

	mr := multipart.NewReader(m.Body, params["boundary"])
	var bodies []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		b, err := io.ReadAll(p)
		require.NoError(t, err)
		bodies = append(bodies, p.Header.Get("Content-Type")+"|"+string(b))
	}
	assert.Equal(t, []string{
		"text/plain; charset=UTF-8|plain body",
		"text/html; charset=UTF-8|<p>html body</p>",
	}, bodies)
}

func TestSendValidation(t *testing.T) {
	c := NewClient(config.SMTPConfig{Host: "localhost"})
	assert.Equal(t, 587, c.config.Port)

	tests := []struct {
		name string
		msg  Message
	}{
		{name: "缺少发件人", msg: Message{To: []string{"a@example.com"}, Subject: "s"}},
		{name: "缺少收件人", msg: Message{From: "f@example.com", Subject: "s"}},
		{name: "缺少主题", msg: Message{From: "f@example.com", To: []string{"a@example.com"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.msg
			assert.Error(t, c.Send(&msg))
		})
	}
}
