package internal

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/tictactoe-relay/internal/limiter"
	"github.com/koopa0/system-design/tictactoe-relay/pkg/logger"
)

// 系統設計問題：
//   如何讓每條連接的訊息依序進入路由，同時廣播不被慢客戶端拖住？
//
// 設計方案：
//   ✅ 每條連接一個讀 goroutine - 訊息依序交給 Router，天然序列化
//   ✅ 每條連接一個寫 goroutine - 從緩衝 channel 取出後寫入
//   ✅ Ping/Pong 心跳 - 逾時未回應視為斷線，等同離開房間
//   ✅ 訊息限流 - 每條連接一個令牌桶，超出的訊息直接丟棄

// Hub WebSocket 連接中心
//
// 只負責連接的生命週期，房間與綁定由 Router 管理。
type Hub struct {
	router   *Router
	logger   *slog.Logger
	cfg      WebSocketConfig
	upgrader websocket.Upgrader
	clients  map[*Client]struct{}
	mu       sync.RWMutex
	stopped  bool
	wg       sync.WaitGroup
}

// Client 一條 WebSocket 連接
type Client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	limiter *limiter.TokenBucket
	closed  bool
	mu      sync.Mutex
}

// NewHub 創建 WebSocket Hub
func NewHub(router *Router, cfg WebSocketConfig, logger *slog.Logger) *Hub {
	hub := &Hub{
		router:  router,
		logger:  logger,
		cfg:     cfg,
		clients: make(map[*Client]struct{}),
	}
	hub.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     hub.checkOrigin,
	}
	return hub
}

// checkOrigin 未設定 AllowedOrigins 時不檢查
func (hub *Hub) checkOrigin(r *http.Request) bool {
	if len(hub.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range hub.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeWS 處理 WebSocket 連接
//
// 連接建立後尚未加入任何房間，客戶端需送出 joinRoom。
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	hub.mu.RLock()
	stopped := hub.stopped
	hub.mu.RUnlock()
	if stopped {
		http.Error(w, "服務器關閉中", http.StatusServiceUnavailable)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	client := &Client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, hub.cfg.SendBufferSize),
		hub:     hub,
		limiter: limiter.NewTokenBucket(hub.cfg.MessageBurst, hub.cfg.MessagesPerSecond),
	}

	if !hub.register(client) {
		conn.Close()
		return
	}
	hub.router.OnConnect(client)

	go client.writePump()
	go client.readPump()

	hub.logger.Info("WebSocket 連接建立",
		"client_id", client.id,
		"remote_addr", r.RemoteAddr)
}

// register 註冊連接，Hub 已停止時回傳 false
func (hub *Hub) register(c *Client) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.stopped {
		return false
	}
	hub.clients[c] = struct{}{}
	hub.wg.Add(1)
	return true
}

// unregister 取消註冊並關閉發送通道
func (hub *Hub) unregister(c *Client) {
	hub.mu.Lock()
	if _, ok := hub.clients[c]; ok {
		delete(hub.clients, c)
		hub.wg.Done()
	}
	hub.mu.Unlock()

	c.closeSend()
}

// ConnectionCount 目前連接數
func (hub *Hub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

// Stop 關閉所有連接並等待離開房間的處理完成
func (hub *Hub) Stop(ctx context.Context) {
	hub.mu.Lock()
	hub.stopped = true
	for c := range hub.clients {
		c.conn.Close()
	}
	hub.mu.Unlock()

	done := make(chan struct{})
	go func() {
		hub.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		hub.logger.Info("WebSocket Hub 已停止")
	case <-ctx.Done():
		hub.logger.Warn("等待連接關閉逾時", "error", ctx.Err())
	}
}

// ID 實現 Sender
func (c *Client) ID() string {
	return c.id
}

// Send 實現 Sender（非阻塞）
func (c *Client) Send(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// closeSend 關閉發送通道（只關閉一次）
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump 讀取客戶端消息
//
// 心跳（讀取端）：
//   - PongWait 內沒有收到任何訊息（包括 Pong）就關閉連接
//   - 收到 Pong 重置期限
//
// 迴圈結束時視為斷線：先交給 Router 離開房間，再關閉發送通道。
func (c *Client) readPump() {
	ctx := logger.WithClientID(context.Background(), c.id)

	defer func() {
		c.hub.router.OnDisconnect(ctx, c)
		c.hub.unregister(c)
		c.conn.Close()
		c.hub.logger.InfoContext(ctx, "WebSocket 連接關閉")
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait)); err != nil {
		c.hub.logger.ErrorContext(ctx, "設置讀取期限失敗", "error", err)
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.WarnContext(ctx, "WebSocket 讀取錯誤", "error", err)
			}
			return
		}

		// 任何訊息都代表連接存活
		if err := c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait)); err != nil {
			c.hub.logger.ErrorContext(ctx, "設置讀取期限失敗", "error", err)
		}

		if messageType != websocket.TextMessage {
			continue
		}

		if !c.limiter.Allow() {
			c.hub.logger.WarnContext(ctx, "訊息超過限流，已丟棄")
			continue
		}

		c.hub.router.OnMessage(ctx, c, message)
	}
}

// writePump 寫入消息到客戶端
//
// 心跳（發送端）：每 PingPeriod 發送 Ping，PingPeriod 必須小於 PongWait。
// 發送通道被關閉時送出 Close 幀後結束。
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err, "client_id", c.id)
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			// 每則訊息是獨立的 JSON 物件，逐則寫入
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err, "client_id", c.id)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
