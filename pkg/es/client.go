// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"skydump-go/internal/config"
	"skydump-go/internal/model"
	"skydump-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Client 封装了 Elasticsearch 客户端和上传索引名。
type Client struct {
	es        *elasticsearch.Client
	indexName string
}

// InitES 初始化 Elasticsearch 客户端并确保索引存在。
func InitES(esCfg config.ElasticsearchConfig) (*Client, error) {
	addresses := strings.Split(esCfg.Addresses, ",")
	for i := range addresses {
		addresses[i] = strings.TrimSpace(addresses[i])
	}
	cfg := elasticsearch.Config{
		Addresses: addresses,
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	c := &Client{es: client, indexName: esCfg.IndexName}
	if err := c.createIndexIfNotExists(); err != nil {
		return nil, err
	}
	return c, nil
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func (c *Client) createIndexIfNotExists() error {
	res, err := c.es.Indices.Exists([]string{c.indexName})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	defer res.Body.Close()
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", c.indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		log.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", c.indexName, res.StatusCode)
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	// file_name 同时保留 keyword 子字段，便于精确匹配和排序
	mapping := `{
		"mappings": {
			"properties": {
				"file_id": { "type": "keyword" },
				"file_name": {
					"type": "text",
					"fields": { "keyword": { "type": "keyword", "ignore_above": 255 } }
				},
				"file_size": { "type": "long" },
				"content_type": { "type": "text" },
				"object_key": { "type": "keyword" },
				"username": { "type": "text" },
				"ip": { "type": "keyword" },
				"completed_at": { "type": "date" }
			}
		}
	}`

	created, err := c.es.Indices.Create(
		c.indexName,
		c.es.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", c.indexName, err)
		return err
	}
	defer created.Body.Close()
	if created.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", c.indexName, created.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", c.indexName)
	return nil
}

// IndexUpload 将已完成的上传写入索引，文档 ID 为 fileId，重复写入会覆盖。
func (c *Client) IndexUpload(ctx context.Context, doc model.EsUploadDocument) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      c.indexName,
		DocumentID: doc.FileID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引上传记录到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index upload")
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string                 `json:"_id"`
			Score  float64                `json:"_score"`
			Source model.EsUploadDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// SearchUploads 按文件名、类型和用户名做全文检索。
func (c *Client) SearchUploads(ctx context.Context, query string, offset, limit int) ([]model.UploadSearchHit, int64, error) {
	body := map[string]any{
		"from": offset,
		"size": limit,
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":     query,
				"fields":    []string{"file_name^3", "content_type", "username"},
				"fuzziness": "AUTO",
			},
		},
		"sort": []any{"_score", map[string]any{"completed_at": "desc"}},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, 0, err
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.indexName),
		c.es.Search.WithBody(&buf),
		c.es.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("Elasticsearch 检索出错: %s", res.String())
		return nil, 0, fmt.Errorf("search failed: %s", res.Status())
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, 0, fmt.Errorf("解析检索结果失败: %w", err)
	}

	hits := make([]model.UploadSearchHit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hits = append(hits, model.UploadSearchHit{
			ID:          h.ID,
			FileName:    h.Source.FileName,
			FileSize:    h.Source.FileSize,
			ContentType: h.Source.ContentType,
			Username:    h.Source.Username,
			CompletedAt: model.LocalTime(h.Source.CompletedAt.Local()),
			Score:       h.Score,
		})
	}
	return hits, parsed.Hits.Total.Value, nil
}
