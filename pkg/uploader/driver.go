package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"skydump-go/pkg/log"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

const (
	// DirectUploadLimit 以内（含）的文件通过单次请求直传。
	DirectUploadLimit int64 = 95 << 20
	// DefaultChunkSize 是默认的分片大小。
	DefaultChunkSize int64 = 50 << 20
	// MaxParts 是单个分片上传允许的最大分片数。
	MaxParts = 10000

	DefaultPartTimeout = 2 * time.Minute
	DefaultMaxAttempts = 3
	DefaultRetryBase   = 500 * time.Millisecond
)

// ErrEmptyFile 表示文件长度为 0，不会发出任何请求。
var ErrEmptyFile = errors.New("file is empty")

// Options 控制上传策略，零值字段使用默认值。
type Options struct {
	ChunkSize   int64
	Parallelism int
	PartTimeout time.Duration
	MaxAttempts int
	RetryBase   time.Duration
	// DirectLimit 覆盖直传阈值，主要用于测试
	DirectLimit int64
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Parallelism < 1 {
		o.Parallelism = 1
	}
	if o.PartTimeout <= 0 {
		o.PartTimeout = DefaultPartTimeout
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.DirectLimit <= 0 {
		o.DirectLimit = DirectUploadLimit
	}
	return o
}

// Driver 按文件大小选择直传或分片上传，并把进度写回队列。
type Driver struct {
	client *Client
	queue  *Queue
	opts   Options
}

// NewDriver 创建上传驱动。
func NewDriver(client *Client, queue *Queue, opts Options) *Driver {
	return &Driver{client: client, queue: queue, opts: opts.withDefaults()}
}

// Enqueue 检查本地文件并加入队列。
func (d *Driver) Enqueue(path string) (Item, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Item{}, err
	}
	if info.IsDir() {
		return Item{}, fmt.Errorf("%s is a directory", path)
	}
	return d.queue.Add(filepath.Base(path), path, info.Size()), nil
}

// UploadAll 依次上传队列中所有待上传的文件，单个文件失败不影响其他文件。
func (d *Driver) UploadAll(ctx context.Context) error {
	var total, failed int
	for _, it := range d.queue.Items() {
		if it.Status != StatusPending {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		total++
		if err := d.Upload(ctx, it.ID); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, total)
	}
	return nil
}

// Upload 上传队列中的一个文件，失败时条目被标记为 error 并尽力上报服务端。
func (d *Driver) Upload(ctx context.Context, id string) error {
	it, ok := d.queue.Get(id)
	if !ok {
		return fmt.Errorf("unknown queue item %s", id)
	}
	d.queue.markUploading(id)
	res, err := d.upload(ctx, it)
	if err != nil {
		d.fail(ctx, id, err)
		return err
	}
	d.queue.markSuccess(id, res.FileID)
	log.Infow("上传完成", "file", it.Name, "fileId", res.FileID, "size", res.Size)
	return nil
}

// Resume 续传一个已有的分片上传会话：只重传缺失或大小不符的分片，然后完成上传。
func (d *Driver) Resume(ctx context.Context, id, fileID string) error {
	it, ok := d.queue.Get(id)
	if !ok {
		return fmt.Errorf("unknown queue item %s", id)
	}
	d.queue.markUploading(id)
	d.queue.setFileID(id, fileID)
	res, err := d.resume(ctx, it, fileID)
	if err != nil {
		d.fail(ctx, id, err)
		return err
	}
	d.queue.markSuccess(id, res.FileID)
	log.Infow("续传完成", "file", it.Name, "fileId", res.FileID, "size", res.Size)
	return nil
}

func (d *Driver) upload(ctx context.Context, it Item) (*UploadResult, error) {
	if it.Size <= 0 {
		return nil, ErrEmptyFile
	}
	f, err := os.Open(it.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	contentType := detectContentType(it.Name)
	if it.Size > d.opts.DirectLimit {
		return d.multipart(ctx, it, f, contentType)
	}
	return d.direct(ctx, it, f, contentType)
}

func (d *Driver) direct(ctx context.Context, it Item, f io.ReaderAt, contentType string) (*UploadResult, error) {
	var res *UploadResult
	err := d.retry(ctx, func(ctx context.Context) error {
		body := &countingReader{
			r:     io.NewSectionReader(f, 0, it.Size),
			total: it.Size,
			onProgress: func(p int) {
				d.queue.setProgress(it.ID, p)
			},
		}
		r, err := d.client.Direct(ctx, it.Name, contentType, body, it.Size)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

func (d *Driver) multipart(ctx context.Context, it Item, f io.ReaderAt, contentType string) (*UploadResult, error) {
	created, err := d.client.InitMultipart(ctx, it.Name, contentType, it.Size)
	if err != nil {
		return nil, err
	}
	d.queue.setFileID(it.ID, created.FileID)

	chunk, parts := planParts(it.Size, d.opts.ChunkSize)
	log.Infow("开始分片上传", "file", it.Name, "fileId", created.FileID, "parts", parts, "chunkSize", chunk)
	if err := d.uploadParts(ctx, it, f, created.FileID, chunk, parts, nil); err != nil {
		return nil, err
	}
	return d.client.Complete(ctx, created.FileID)
}

func (d *Driver) resume(ctx context.Context, it Item, fileID string) (*UploadResult, error) {
	if it.Size <= 0 {
		return nil, ErrEmptyFile
	}
	listing, err := d.client.ListParts(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if listing.FileName != "" && listing.FileName != it.Name {
		log.Warnw("续传的本地文件名与会话不一致", "session", listing.FileName, "local", it.Name)
	}

	f, err := os.Open(it.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	chunk, parts := planParts(it.Size, d.opts.ChunkSize)
	done := make(map[int]bool, len(listing.Parts))
	for _, p := range listing.Parts {
		if p.PartNumber >= 1 && p.PartNumber <= parts && p.Size == partSize(it.Size, chunk, p.PartNumber) {
			done[p.PartNumber] = true
		}
	}
	log.Infow("续传分片上传", "file", it.Name, "fileId", fileID, "acknowledged", len(done), "parts", parts)
	if err := d.uploadParts(ctx, it, f, fileID, chunk, parts, done); err != nil {
		return nil, err
	}
	return d.client.Complete(ctx, fileID)
}

// uploadParts 上传 1..parts 中不在 done 里的分片。
// 进度按已完成分片的字节数计算，并行完成的顺序不影响结果。
func (d *Driver) uploadParts(ctx context.Context, it Item, f io.ReaderAt, fileID string, chunk int64, parts int, done map[int]bool) error {
	var completed atomic.Int64
	for n := range done {
		completed.Add(partSize(it.Size, chunk, n))
	}
	d.queue.setProgress(it.ID, percent(completed.Load(), it.Size))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Parallelism)
	for n := 1; n <= parts; n++ {
		if done[n] {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		offset := int64(n-1) * chunk
		size := partSize(it.Size, chunk, n)
		g.Go(func() error {
			err := d.retry(gctx, func(ctx context.Context) error {
				_, err := d.client.UploadPart(ctx, fileID, n, io.NewSectionReader(f, offset, size), size)
				return err
			})
			if err != nil {
				return fmt.Errorf("part %d: %w", n, err)
			}
			d.queue.setProgress(it.ID, percent(completed.Add(size), it.Size))
			return nil
		})
	}
	return g.Wait()
}

// retry 以指数退避执行 op，每次尝试都有独立的超时。
// 除 408 和 429 以外的 4xx 响应不重试。
func (d *Driver) retry(ctx context.Context, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.RetryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.opts.MaxAttempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.PartTimeout)
		defer cancel()
		err := op(attemptCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		log.Warnw("请求失败，稍后重试", "error", err, "backoff", wait)
	})
}

// fail 把条目标记为失败，并尽力向服务端上报，上报失败只记录日志。
func (d *Driver) fail(ctx context.Context, id string, err error) {
	msg := message(err)
	d.queue.markError(id, msg)
	it, _ := d.queue.Get(id)
	log.Warnw("上传失败", "file", it.Name, "fileId", it.FileID, "error", err)
	if errors.Is(err, ErrEmptyFile) {
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	report := FailureReport{FileID: it.FileID, FileName: it.Name, FileSize: it.Size, Error: msg}
	if rerr := d.client.ReportFailure(rctx, report); rerr != nil {
		log.Warnw("上报上传失败出错", "file", it.Name, "error", rerr)
	}
}

// planParts 返回实际使用的分片大小和分片数，分片数超过 MaxParts 时放大分片。
func planParts(size, chunk int64) (int64, int) {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if (size+chunk-1)/chunk > MaxParts {
		chunk = (size + MaxParts - 1) / MaxParts
	}
	return chunk, int((size + chunk - 1) / chunk)
}

// partSize 返回第 n 个分片（从 1 开始）的字节数。
func partSize(size, chunk int64, n int) int64 {
	offset := int64(n-1) * chunk
	if offset >= size {
		return 0
	}
	return min(chunk, size-offset)
}

func percent(done, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(done) * 100 / float64(total)))
}

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
}

func detectContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// countingReader 统计已读取的字节数，百分比变化时回调。
type countingReader struct {
	r          io.Reader
	read       int64
	total      int64
	last       int
	onProgress func(int)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if pct := percent(c.read, c.total); pct != c.last {
		c.last = pct
		c.onProgress(pct)
	}
	return n, err
}
