package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"skydump-go/pkg/uploader"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressModel(t *testing.T) {
	cancelled := false
	m := newProgressModel(func() { cancelled = true })

	m.Update(itemMsg(uploader.Item{ID: "a", Name: "movie.mp4", Size: 110 << 20, Progress: 50, Status: uploader.StatusUploading}))
	m.Update(itemMsg(uploader.Item{ID: "b", Name: "broken.mp4", Size: 10, Status: uploader.StatusError, Error: "Unsupported file type"}))
	m.Update(tea.WindowSizeMsg{Width: 30, Height: 10})
	assert.Equal(t, 22, m.width)
	assert.Equal(t, 22, m.bars["a"].Width)

	view := m.View()
	assert.Contains(t, view, "movie.mp4 (110 MiB)")
	assert.Contains(t, view, "50%")
	assert.Contains(t, view, "error: Unsupported file type")
	assert.Less(t, strings.Index(view, "movie.mp4"), strings.Index(view, "broken.mp4"))

	// 同一个文件只保留一个进度条
	m.Update(itemMsg(uploader.Item{ID: "a", Name: "movie.mp4", Size: 110 << 20, Progress: 100, Status: uploader.StatusSuccess, FileID: "f1"}))
	assert.Len(t, m.order, 2)
	assert.Contains(t, m.View(), "fileId: f1")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Nil(t, cmd)
	assert.True(t, cancelled)
	assert.Contains(t, m.View(), "cancelling...")

	_, cmd = m.Update(doneMsg{err: errors.New("1 of 2 uploads failed")})
	require.NotNil(t, cmd)
	_, quit := cmd().(tea.QuitMsg)
	assert.True(t, quit)
	assert.EqualError(t, m.err, "1 of 2 uploads failed")
}

func TestPlainReporter(t *testing.T) {
	var buf bytes.Buffer
	r := newPlainReporter(&buf)

	it := uploader.Item{ID: "a", Name: "movie.mp4", Size: 100 << 20, Status: uploader.StatusUploading}
	for _, p := range []int{0, 3, 9, 10, 15, 20} {
		it.Progress = p
		r.observe(it)
	}
	it.Progress, it.Status, it.FileID = 100, uploader.StatusSuccess, "f1"
	r.observe(it)
	r.observe(uploader.Item{ID: "b", Name: "bad.txt", Status: uploader.StatusError, Error: "Unsupported file type"})

	assert.Equal(t, strings.Join([]string{
		"[uploading] movie.mp4 0% (0 B / 100 MiB)",
		"[uploading] movie.mp4 10% (10 MiB / 100 MiB)",
		"[uploading] movie.mp4 20% (20 MiB / 100 MiB)",
		"[success] movie.mp4 fileId=f1",
		"[error] bad.txt: Unsupported file type",
	}, "\n")+"\n", buf.String())
}

func TestRunPlain(t *testing.T) {
	var buf bytes.Buffer
	q := uploader.NewQueue()
	err := runPlain(context.Background(), q, &buf, func(ctx context.Context) error {
		q.Add("movie.mp4", "/tmp/movie.mp4", 2048)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "[pending] movie.mp4 (2.0 KiB)\n", buf.String())

	// 返回后不再输出
	q.Add("other.mp4", "/tmp/other.mp4", 1)
	assert.Equal(t, "[pending] movie.mp4 (2.0 KiB)\n", buf.String())
}
