package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/koopa0/system-design/tictactoe-relay/pkg/errors"
)

// Handler HTTP 請求處理器
//
// 提供查詢介面與房間 ID 產生；對局操作全部經由 WebSocket。
type Handler struct {
	manager *Manager
	router  *Router
	logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(manager *Manager, router *Router, logger *slog.Logger) *Handler {
	return &Handler{
		manager: manager,
		router:  router,
		logger:  logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	mux.HandleFunc("GET /api/rooms", wrap(h.listRooms))
	mux.HandleFunc("POST /api/rooms", wrap(h.createRoomID))
	mux.HandleFunc("GET /api/rooms/{room_id}", wrap(h.getRoom))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// listRooms 列出房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.manager.ListRooms(), http.StatusOK)
}

// createRoomID 為未指定房間的客戶端產生房間 ID
func (h *Handler) createRoomID(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"roomId": h.manager.GenerateRoomID(),
	}, http.StatusCreated)
}

// getRoom 房間狀態快照
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.manager.GetRoom(r.PathValue("room_id"))
	if err != nil {
		if apperrors.IsNotFound(err) {
			h.errorResponse(w, "房間不存在", http.StatusNotFound)
			return
		}
		h.errorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.jsonResponse(w, map[string]any{
		"room":       room.Summary(),
		"game_state": room.Snapshot(),
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.manager.Stats()
	for k, v := range h.router.Stats() {
		stats[k] = v
	}
	h.jsonResponse(w, stats, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Debug("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
