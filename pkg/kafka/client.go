// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"skydump-go/internal/config"
	"skydump-go/pkg/log"
	"skydump-go/pkg/tasks"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// maxAttempts 是同一事件的最大处理次数，达到后提交 offset 放弃重试。
const maxAttempts = 3

// EventProcessor 定义了处理上传事件的接口，使消费者与具体的处理流程解耦。
type EventProcessor interface {
	Process(ctx context.Context, event tasks.UploadEvent) error
}

func brokers(cfg config.KafkaConfig) []string {
	list := strings.Split(cfg.Brokers, ",")
	for i := range list {
		list[i] = strings.TrimSpace(list[i])
	}
	return list
}

// Producer 把上传事件写入 Kafka。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers(cfg)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// Publish 发送一个上传事件，以 fileId 作为消息 key。
func (p *Producer) Publish(ctx context.Context, event tasks.UploadEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.FileID),
		Value: eventBytes,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// messageReader 是消费循环依赖的 kafka.Reader 子集。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer 从 Kafka 读取上传事件并交给 processor 处理。
type Consumer struct {
	reader     messageReader
	processor  EventProcessor
	rdb        *redis.Client
	retryDelay time.Duration
}

// NewConsumer 创建消费者，rdb 用于记录失败次数。
func NewConsumer(cfg config.KafkaConfig, processor EventProcessor, rdb *redis.Client) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, processor: processor, rdb: rdb, retryDelay: 2 * time.Second}
}

// Run 启动消费循环，直到 ctx 被取消或读取失败。
func (c *Consumer) Run(ctx context.Context) error {
	log.Info("Kafka 消费者已启动")
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				log.Info("Kafka 消费者已停止")
				return nil
			}
			log.Error("从 Kafka 读取消息失败", err)
			return err
		}
		c.handle(ctx, m)
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	log.Infof("收到 Kafka 消息: offset %d", m.Offset)

	var event tasks.UploadEvent
	if err := json.Unmarshal(m.Value, &event); err != nil || event.EventID == "" {
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
		// 消息格式错误，直接提交，避免阻塞队列
		c.commit(ctx, m)
		return
	}

	attemptsKey := fmt.Sprintf("kafka:attempts:%s", event.EventID)
	for {
		err := c.processor.Process(ctx, event)
		if err == nil {
			log.Infof("上传事件处理成功: eventId=%s", event.EventID)
			_ = c.rdb.Del(ctx, attemptsKey).Err()
			c.commit(ctx, m)
			return
		}

		log.Errorf("处理上传事件失败: eventId=%s, Error: %v", event.EventID, err)
		// 失败次数记在 Redis 中，进程重启后仍然有效
		attempts, incErr := c.rdb.Incr(ctx, attemptsKey).Result()
		if incErr != nil {
			// Redis 异常时不提交 offset，让 Kafka 在重新分配后重投
			log.Errorf("记录失败次数出错: %v", incErr)
			return
		}
		_ = c.rdb.Expire(ctx, attemptsKey, 24*time.Hour).Err()
		if attempts >= maxAttempts {
			log.Errorf("上传事件多次失败(>=%d)，提交 offset 终止重试: eventId=%s", maxAttempts, event.EventID)
			_ = c.rdb.Del(ctx, attemptsKey).Err()
			c.commit(ctx, m)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempts) * c.retryDelay):
		}
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}
