// Package cli 负责上传命令行工具的进度展示。
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"skydump-go/pkg/uploader"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

const (
	padding  = 2
	maxWidth = 60
)

// IsTerminal 报告 f 是否连接到终端。
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Run 执行 fn，同时展示 queue 中每个文件的进度。
// stdout 是终端且 plain 为 false 时使用进度条，否则逐行输出文本。
func Run(ctx context.Context, queue *uploader.Queue, plain bool, fn func(ctx context.Context) error) error {
	if plain || !IsTerminal(os.Stdout) {
		return runPlain(ctx, queue, os.Stdout, fn)
	}
	return runTUI(ctx, queue, fn)
}

func runPlain(ctx context.Context, queue *uploader.Queue, w io.Writer, fn func(ctx context.Context) error) error {
	r := newPlainReporter(w)
	queue.SetObserver(r.observe)
	defer queue.SetObserver(nil)
	return fn(ctx)
}

func runTUI(ctx context.Context, queue *uploader.Queue, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newProgressModel(cancel)
	for _, it := range queue.Items() {
		m.track(it)
	}
	p := tea.NewProgram(m)
	queue.SetObserver(func(it uploader.Item) { p.Send(itemMsg(it)) })
	defer queue.SetObserver(nil)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		p.Send(doneMsg{err: fn(ctx)})
	}()

	final, err := p.Run()
	if err != nil {
		cancel()
		<-finished
		return err
	}
	<-finished
	return final.(*progressModel).err
}

type itemMsg uploader.Item

type doneMsg struct{ err error }

// progressModel 为每个文件维护一个进度条。
type progressModel struct {
	order       []string
	items       map[string]uploader.Item
	bars        map[string]progress.Model
	width       int
	cancel      context.CancelFunc
	interrupted bool
	err         error
}

func newProgressModel(cancel context.CancelFunc) *progressModel {
	return &progressModel{
		items:  make(map[string]uploader.Item),
		bars:   make(map[string]progress.Model),
		width:  maxWidth,
		cancel: cancel,
	}
}

func (m *progressModel) newBar() progress.Model {
	return progress.New(progress.WithDefaultGradient(), progress.WithWidth(m.width))
}

func (m *progressModel) track(it uploader.Item) {
	if _, ok := m.items[it.ID]; !ok {
		m.order = append(m.order, it.ID)
		m.bars[it.ID] = m.newBar()
	}
	m.items[it.ID] = it
}

func (m *progressModel) Init() tea.Cmd {
	return nil
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			// 取消后等待上传函数返回，由 doneMsg 退出
			m.interrupted = true
			if m.cancel != nil {
				m.cancel()
			}
		}
	case tea.WindowSizeMsg:
		m.width = max(min(msg.Width-padding*2-4, maxWidth), 10)
		for id, bar := range m.bars {
			bar.Width = m.width
			m.bars[id] = bar
		}
	case itemMsg:
		m.track(uploader.Item(msg))
	case doneMsg:
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m *progressModel) View() string {
	pad := strings.Repeat(" ", padding)
	var b strings.Builder
	b.WriteString("\n")
	for _, id := range m.order {
		it := m.items[id]
		fmt.Fprintf(&b, "%s%s %s (%s)\n", pad, statusMark(it.Status), it.Name, humanize.IBytes(uint64(it.Size)))
		bar := m.bars[id]
		fmt.Fprintf(&b, "%s%s\n", pad, bar.ViewAs(float64(it.Progress)/100))
		switch it.Status {
		case uploader.StatusError:
			fmt.Fprintf(&b, "%serror: %s\n", pad, it.Error)
		case uploader.StatusSuccess:
			fmt.Fprintf(&b, "%sfileId: %s\n", pad, it.FileID)
		}
	}
	if m.interrupted {
		fmt.Fprintf(&b, "\n%scancelling...\n", pad)
	} else {
		fmt.Fprintf(&b, "\n%spress ctrl+c to cancel\n", pad)
	}
	return b.String()
}

func statusMark(s uploader.Status) string {
	switch s {
	case uploader.StatusUploading:
		return "↑"
	case uploader.StatusSuccess:
		return "✓"
	case uploader.StatusError:
		return "✗"
	default:
		return "·"
	}
}

// plainReporter 在状态变化或进度每跨过 10% 时输出一行。
type plainReporter struct {
	mu   sync.Mutex
	w    io.Writer
	last map[string]plainState
}

type plainState struct {
	status uploader.Status
	step   int
}

func newPlainReporter(w io.Writer) *plainReporter {
	return &plainReporter{w: w, last: make(map[string]plainState)}
}

func (r *plainReporter) observe(it uploader.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()

	step := it.Progress / 10
	prev, seen := r.last[it.ID]
	if seen && prev.status == it.Status && prev.step == step {
		return
	}
	r.last[it.ID] = plainState{status: it.Status, step: step}

	switch it.Status {
	case uploader.StatusPending:
		fmt.Fprintf(r.w, "[pending] %s (%s)\n", it.Name, humanize.IBytes(uint64(it.Size)))
	case uploader.StatusUploading:
		done := uint64(it.Size) * uint64(it.Progress) / 100
		fmt.Fprintf(r.w, "[uploading] %s %d%% (%s / %s)\n", it.Name, it.Progress,
			humanize.IBytes(done), humanize.IBytes(uint64(it.Size)))
	case uploader.StatusSuccess:
		fmt.Fprintf(r.w, "[success] %s fileId=%s\n", it.Name, it.FileID)
	case uploader.StatusError:
		fmt.Fprintf(r.w, "[error] %s: %s\n", it.Name, it.Error)
	}
}
