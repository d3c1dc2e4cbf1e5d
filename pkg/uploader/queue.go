package uploader

import (
	"sync"

	"github.com/google/uuid"
)

// Status 是队列中文件的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// Finished 报告状态是否为终态。
func (s Status) Finished() bool {
	return s == StatusSuccess || s == StatusError
}

// Item 是上传队列中的一个文件，只存在于内存中。
type Item struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"-"`
	Size     int64  `json:"size"`
	Progress int    `json:"progress"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
	FileID   string `json:"fileId,omitempty"`
}

// Queue 保存待上传和已上传的文件，并发安全。
// 每次状态或进度变化都会以副本的形式通知观察者。
type Queue struct {
	mu       sync.Mutex
	items    []*Item
	observer func(Item)
}

// NewQueue 创建一个空队列。
func NewQueue() *Queue {
	return &Queue{}
}

// SetObserver 设置变化通知的回调，传 nil 取消通知。
func (q *Queue) SetObserver(fn func(Item)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observer = fn
}

// Add 把文件加入队列，返回新条目的副本。
func (q *Queue) Add(name, path string, size int64) Item {
	it := &Item{
		ID:     uuid.NewString(),
		Name:   name,
		Path:   path,
		Size:   size,
		Status: StatusPending,
	}
	q.mu.Lock()
	q.items = append(q.items, it)
	observer := q.observer
	snapshot := *it
	q.mu.Unlock()

	if observer != nil {
		observer(snapshot)
	}
	return snapshot
}

// Get 按 ID 返回条目副本。
func (q *Queue) Get(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.ID == id {
			return *it, true
		}
	}
	return Item{}, false
}

// Items 按加入顺序返回所有条目的副本。
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, *it)
	}
	return out
}

// ClearFinished 移除所有成功或失败的条目，进行中的条目保持不变，返回移除的数量。
func (q *Queue) ClearFinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, it := range q.items {
		if !it.Status.Finished() {
			kept = append(kept, it)
		}
	}
	removed := len(q.items) - len(kept)
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return removed
}

// update 在锁内修改条目，然后在锁外通知观察者。
func (q *Queue) update(id string, fn func(*Item)) {
	q.mu.Lock()
	var snapshot Item
	found := false
	for _, it := range q.items {
		if it.ID == id {
			fn(it)
			snapshot = *it
			found = true
			break
		}
	}
	observer := q.observer
	q.mu.Unlock()

	if found && observer != nil {
		observer(snapshot)
	}
}

func (q *Queue) setProgress(id string, progress int) {
	q.update(id, func(it *Item) {
		if progress > 100 {
			progress = 100
		}
		// 同一轮上传中进度只增不减，重试时不回退
		if progress > it.Progress {
			it.Progress = progress
		}
	})
}

func (q *Queue) markUploading(id string) {
	q.update(id, func(it *Item) {
		it.Status = StatusUploading
		it.Progress = 0
		it.Error = ""
	})
}

func (q *Queue) setFileID(id, fileID string) {
	q.update(id, func(it *Item) { it.FileID = fileID })
}

func (q *Queue) markSuccess(id, fileID string) {
	q.update(id, func(it *Item) {
		it.Status = StatusSuccess
		it.Progress = 100
		it.Error = ""
		if fileID != "" {
			it.FileID = fileID
		}
	})
}

func (q *Queue) markError(id, msg string) {
	q.update(id, func(it *Item) {
		it.Status = StatusError
		it.Error = msg
	})
}
