package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"skydump-go/internal/model"
	"skydump-go/pkg/email"
	"skydump-go/pkg/tasks"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []*email.Message
	err  error
}

func (m *fakeMailer) Send(msg *email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fakeIndexer struct {
	docs []model.EsUploadDocument
	err  error
}

func (f *fakeIndexer) IndexUpload(ctx context.Context, doc model.EsUploadDocument) error {
	if f.err != nil {
		return f.err
	}
	f.docs = append(f.docs, doc)
	return nil
}

func completedEvent() tasks.UploadEvent {
	ev := tasks.NewUploadEvent(tasks.EventUploadCompleted)
	ev.FileID = "f1"
	ev.FileName = "movie.mp4"
	ev.FileSize = 110 << 20
	ev.ContentType = "video/mp4"
	ev.DownloadURL = "https://dump.example.com/download/f1"
	return ev
}

func TestBuildNotification(t *testing.T) {
	ev := completedEvent()
	msg, err := buildNotification(ev, "")
	require.NoError(t, err)
	assert.Equal(t, "SKY DUMP: New Upload Complete - movie.mp4", msg.Subject)
	assert.Contains(t, msg.Text, "User: Anonymous User")
	assert.Contains(t, msg.Text, "File Size: 110 MiB")
	assert.Contains(t, msg.Text, "Download URL: https://dump.example.com/download/f1")
	assert.NotContains(t, msg.Text, "Dashboard:")
	assert.Contains(t, msg.HTML, `href="https://dump.example.com/download/f1"`)

	failed := tasks.NewUploadEvent(tasks.EventUploadFailed)
	failed.FileName = "<script>.mp4"
	failed.Username = "alice"
	failed.Error = "network down"
	msg, err = buildNotification(failed, "https://dump.example.com/admin/uploads")
	require.NoError(t, err)
	assert.Equal(t, "SKY DUMP: Upload Failed - <script>.mp4", msg.Subject)
	assert.Contains(t, msg.Text, "User: alice")
	assert.Contains(t, msg.Text, "Error: network down")
	assert.NotContains(t, msg.Text, "File Size:")
	assert.NotContains(t, msg.HTML, "<script>.mp4")
	assert.Contains(t, msg.HTML, "&lt;script&gt;.mp4")

	msg, err = buildNotification(tasks.NewUploadEvent("upload.unknown"), "")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestProcessor_Process(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, EventsChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	mailer := &fakeMailer{}
	indexer := &fakeIndexer{}
	p := NewProcessor(Options{Mailer: mailer, AdminEmail: "admin@example.com", Indexer: indexer, Redis: rdb})

	ev := completedEvent()
	require.NoError(t, p.Process(ctx, ev))

	require.Equal(t, 1, mailer.count())
	assert.Equal(t, []string{"admin@example.com"}, mailer.sent[0].To)
	require.Len(t, indexer.docs, 1)
	assert.Equal(t, "f1", indexer.docs[0].FileID)

	select {
	case m := <-sub.Channel():
		var got tasks.UploadEvent
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &got))
		assert.Equal(t, ev.EventID, got.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("没有收到广播事件")
	}

	// 失败事件不写索引
	require.NoError(t, p.Process(ctx, tasks.UploadEvent{EventID: "e2", Type: tasks.EventUploadFailed, FileName: "x.mp4"}))
	assert.Len(t, indexer.docs, 1)
	assert.Equal(t, 2, mailer.count())
}

func TestProcessor_StepsAreIndependent(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("smtp down")}
	indexer := &fakeIndexer{}
	p := NewProcessor(Options{Mailer: mailer, AdminEmail: "admin@example.com", Indexer: indexer})

	err := p.Process(context.Background(), completedEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
	assert.Len(t, indexer.docs, 1)
}

func TestProcessor_NothingConfigured(t *testing.T) {
	p := NewProcessor(Options{})
	assert.NoError(t, p.Process(context.Background(), completedEvent()))
}

func TestLocalPublisher(t *testing.T) {
	mailer := &fakeMailer{}
	pub := NewLocalPublisher(NewProcessor(Options{Mailer: mailer, AdminEmail: "admin@example.com"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		// 请求 ctx 已取消也不影响后台处理
		require.NoError(t, pub.Publish(ctx, completedEvent()))
	}
	pub.Wait()
	assert.Equal(t, 3, mailer.count())
}
