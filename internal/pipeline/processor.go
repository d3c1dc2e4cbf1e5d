// Package pipeline 定义了上传事件的通知流程。
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"skydump-go/internal/model"
	"skydump-go/pkg/email"
	"skydump-go/pkg/log"
	"skydump-go/pkg/tasks"

	"github.com/go-redis/redis/v8"
)

// EventsChannel 是管理端实时推送使用的 Redis 频道。
const EventsChannel = "skydump:upload-events"

// Indexer 把已完成的上传写入检索后端。
type Indexer interface {
	IndexUpload(ctx context.Context, doc model.EsUploadDocument) error
}

// Options 描述 Processor 的可选依赖，任一项为空时跳过对应步骤。
type Options struct {
	Mailer       email.Sender
	AdminEmail   string
	DashboardURL string
	Indexer      Indexer
	Redis        *redis.Client
}

// Processor 封装了通知处理的所有依赖和逻辑。
type Processor struct {
	opts Options
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(opts Options) *Processor {
	if opts.DashboardURL != "" {
		opts.DashboardURL = strings.TrimRight(opts.DashboardURL, "/") + "/admin/uploads"
	}
	return &Processor{opts: opts}
}

// Process 处理一个上传事件：发送管理员邮件、写入检索索引、广播到实时频道。
// 各步骤互不影响，全部执行后返回合并的错误。
func (p *Processor) Process(ctx context.Context, event tasks.UploadEvent) error {
	log.Infof("[Processor] 开始处理事件, eventId: %s, type: %s, fileName: %s", event.EventID, event.Type, event.FileName)

	var errs []error
	if err := p.notify(event); err != nil {
		log.Errorf("[Processor] 发送通知邮件失败, eventId: %s, error: %v", event.EventID, err)
		errs = append(errs, fmt.Errorf("发送通知邮件失败: %w", err))
	}
	if err := p.index(ctx, event); err != nil {
		log.Errorf("[Processor] 写入检索索引失败, fileId: %s, error: %v", event.FileID, err)
		errs = append(errs, fmt.Errorf("写入检索索引失败: %w", err))
	}
	if err := p.broadcast(ctx, event); err != nil {
		// 实时推送丢失不影响结果，不触发重试
		log.Warnf("[Processor] 广播事件失败, eventId: %s, error: %v", event.EventID, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.Infof("[Processor] 事件处理完成, eventId: %s", event.EventID)
	return nil
}

func (p *Processor) notify(event tasks.UploadEvent) error {
	if p.opts.Mailer == nil || p.opts.AdminEmail == "" {
		return nil
	}
	msg, err := buildNotification(event, p.opts.DashboardURL)
	if err != nil {
		return err
	}
	if msg == nil {
		log.Warnf("[Processor] 未知事件类型, 跳过邮件, type: %s", event.Type)
		return nil
	}
	msg.To = []string{p.opts.AdminEmail}
	return p.opts.Mailer.Send(msg)
}

func (p *Processor) index(ctx context.Context, event tasks.UploadEvent) error {
	if p.opts.Indexer == nil || event.Type != tasks.EventUploadCompleted || event.FileID == "" {
		return nil
	}
	return p.opts.Indexer.IndexUpload(ctx, model.EsUploadDocument{
		FileID:      event.FileID,
		FileName:    event.FileName,
		FileSize:    event.FileSize,
		ContentType: event.ContentType,
		ObjectKey:   event.ObjectKey,
		Username:    event.Username,
		IP:          event.IP,
		CompletedAt: event.OccurredAt,
	})
}

func (p *Processor) broadcast(ctx context.Context, event tasks.UploadEvent) error {
	if p.opts.Redis == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.opts.Redis.Publish(ctx, EventsChannel, payload).Err()
}

// LocalPublisher 在未启用 Kafka 时直接在后台 goroutine 中处理事件。
type LocalPublisher struct {
	processor *Processor
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewLocalPublisher 创建一个进程内的事件发布器。
func NewLocalPublisher(processor *Processor) *LocalPublisher {
	return &LocalPublisher{processor: processor, timeout: time.Minute}
}

// Publish 立即返回，事件在后台处理。请求的 ctx 不会传给后台任务。
func (l *LocalPublisher) Publish(_ context.Context, event tasks.UploadEvent) error {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		if err := l.processor.Process(ctx, event); err != nil {
			log.Errorf("[LocalPublisher] 处理事件失败, eventId: %s, error: %v", event.EventID, err)
		}
	}()
	return nil
}

// Wait 等待所有后台事件处理完毕，用于优雅退出。
func (l *LocalPublisher) Wait() {
	l.wg.Wait()
}
