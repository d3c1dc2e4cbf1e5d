// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"skydump-go/internal/model"

	"github.com/go-redis/redis/v8"
)

// ErrSessionNotFound 表示分片上传会话不存在：从未创建、已完成、已放弃或已过期。
var ErrSessionNotFound = errors.New("multipart session not found")

// SessionRepository 定义了分片上传会话在 Redis 中的存取操作。
type SessionRepository interface {
	Create(ctx context.Context, session *model.UploadSession, ttl time.Duration) error
	Get(ctx context.Context, fileID string) (*model.UploadSession, error)
	// PutPart 记录一个已确认的分片并刷新整个会话的过期时间。
	PutPart(ctx context.Context, fileID string, part model.PartETag, ttl time.Duration) error
	ListParts(ctx context.Context, fileID string) ([]model.PartETag, error)
	Delete(ctx context.Context, fileID string) error
}

type redisSessionRepository struct {
	redisClient *redis.Client
}

// NewSessionRepository 创建一个新的 SessionRepository 实例。
func NewSessionRepository(redisClient *redis.Client) SessionRepository {
	return &redisSessionRepository{redisClient: redisClient}
}

func sessionKey(fileID string) string { return "multipart:" + fileID }

func partIndexKey(fileID string) string { return "multipart:" + fileID + ":parts" }

func partKey(fileID string, partNumber int) string {
	return "part:" + fileID + ":" + strconv.Itoa(partNumber)
}

// Create 写入一个新的会话。
func (r *redisSessionRepository) Create(ctx context.Context, session *model.UploadSession, ttl time.Duration) error {
	stored := *session
	stored.Parts = nil
	jsonData, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal upload session: %w", err)
	}
	if err := r.redisClient.Set(ctx, sessionKey(session.FileID), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set upload session: %w", err)
	}
	return nil
}

// Get 读取会话，不包含分片列表。
func (r *redisSessionRepository) Get(ctx context.Context, fileID string) (*model.UploadSession, error) {
	jsonData, err := r.redisClient.Get(ctx, sessionKey(fileID)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload session: %w", err)
	}
	var session model.UploadSession
	if err := json.Unmarshal(jsonData, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal upload session: %w", err)
	}
	return &session, nil
}

// PutPart 在一个 MULTI/EXEC 事务中写入分片记录、更新分片索引并刷新所有相关 key 的 TTL。
// 每个分片序号各占一个 key，并发上传不同分片不会互相覆盖；同一序号重复上传时以最后一次为准。
func (r *redisSessionRepository) PutPart(ctx context.Context, fileID string, part model.PartETag, ttl time.Duration) error {
	jsonData, err := json.Marshal(part)
	if err != nil {
		return fmt.Errorf("failed to marshal part: %w", err)
	}

	members, err := r.redisClient.SMembers(ctx, partIndexKey(fileID)).Result()
	if err != nil {
		return fmt.Errorf("failed to read part index: %w", err)
	}

	var sessionAlive *redis.BoolCmd
	_, err = r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, partKey(fileID, part.PartNumber), jsonData, ttl)
		pipe.SAdd(ctx, partIndexKey(fileID), part.PartNumber)
		pipe.Expire(ctx, partIndexKey(fileID), ttl)
		sessionAlive = pipe.Expire(ctx, sessionKey(fileID), ttl)
		for _, m := range members {
			n, convErr := strconv.Atoi(m)
			if convErr != nil || n == part.PartNumber {
				continue
			}
			pipe.Expire(ctx, partKey(fileID, n), ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record part %d: %w", part.PartNumber, err)
	}

	if !sessionAlive.Val() {
		// 会话在上传期间过期或被删除，清理刚写入的孤立记录
		_ = r.redisClient.Del(ctx, partKey(fileID, part.PartNumber), partIndexKey(fileID)).Err()
		return ErrSessionNotFound
	}
	return nil
}

// ListParts 返回按分片序号升序排列的已确认分片，已过期的记录会被跳过。
func (r *redisSessionRepository) ListParts(ctx context.Context, fileID string) ([]model.PartETag, error) {
	members, err := r.redisClient.SMembers(ctx, partIndexKey(fileID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read part index: %w", err)
	}
	if len(members) == 0 {
		return []model.PartETag{}, nil
	}

	keys := make([]string, 0, len(members))
	for _, m := range members {
		n, convErr := strconv.Atoi(m)
		if convErr != nil {
			continue
		}
		keys = append(keys, partKey(fileID, n))
	}

	values, err := r.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read parts: %w", err)
	}

	parts := make([]model.PartETag, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var p model.PartETag
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal part: %w", err)
		}
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// Delete 删除会话、分片索引和全部分片记录。
func (r *redisSessionRepository) Delete(ctx context.Context, fileID string) error {
	members, err := r.redisClient.SMembers(ctx, partIndexKey(fileID)).Result()
	if err != nil {
		return fmt.Errorf("failed to read part index: %w", err)
	}
	keys := []string{sessionKey(fileID), partIndexKey(fileID)}
	for _, m := range members {
		if n, convErr := strconv.Atoi(m); convErr == nil {
			keys = append(keys, partKey(fileID, n))
		}
	}
	if err := r.redisClient.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete upload session: %w", err)
	}
	return nil
}
