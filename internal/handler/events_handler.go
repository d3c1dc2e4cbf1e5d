package handler

import (
	"net/http"
	"time"

	"skydump-go/internal/middleware"
	"skydump-go/internal/pipeline"
	"skydump-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// EventsHandler 把 Redis 频道中的上传事件实时推送给管理端的 WebSocket 连接。
type EventsHandler struct {
	rdb      *redis.Client
	upgrader websocket.Upgrader
}

// NewEventsHandler 创建一个新的 EventsHandler，allowedOrigins 为空或包含 "*" 时允许所有来源。
func NewEventsHandler(rdb *redis.Client, allowedOrigins []string) *EventsHandler {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return &EventsHandler{
		rdb: rdb,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || allowed[origin]
			},
		},
	}
}

// Stream 处理 GET /admin/uploads/events?token=。
func (h *EventsHandler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	username := ""
	if claims, ok := middleware.ClaimsFrom(c); ok {
		username = claims.Username
	}
	log.Infof("[Events] WebSocket 连接已建立, 用户: %s", username)

	ctx := c.Request.Context()
	sub := h.rdb.Subscribe(ctx, pipeline.EventsChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		log.Errorf("[Events] 订阅 Redis 频道失败: %v", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeTimeout))
		return
	}

	// 读循环只用于感知客户端断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	messages := sub.Channel()
	for {
		select {
		case <-closed:
			log.Infof("[Events] WebSocket 连接已关闭, 用户: %s", username)
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				log.Warnf("[Events] 推送事件失败: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
