package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	apperrors "github.com/koopa0/system-design/tictactoe-relay/pkg/errors"
	"github.com/koopa0/system-design/tictactoe-relay/pkg/logger"
)

// Binding 連接與房間、參與者的綁定
type Binding struct {
	Room        *Room
	Participant *Participant
}

// Result 單則訊息的處理結果
//
// Accepted 為 false 時 Err 說明原因：
//   - PROTOCOL_ERROR：無法解析或未知類型，丟棄
//   - INVALID_INPUT：已回覆 error 訊息
//   - ILLEGAL_MOVE：靜默拒絕
type Result struct {
	Type     string
	Accepted bool
	Err      error
}

// Router 會話路由
//
// 每條連接的訊息由該連接的讀取 goroutine 依序呼叫 OnMessage，
// 同一連接的綁定不會被並發修改；mu 只保護 map 本身。
type Router struct {
	manager  *Manager
	logger   *slog.Logger
	bindings map[Sender]*Binding // nil 表示已連接但未加入房間
	mu       sync.RWMutex
}

// NewRouter 創建路由
func NewRouter(manager *Manager, logger *slog.Logger) *Router {
	return &Router{
		manager:  manager,
		logger:   logger,
		bindings: make(map[Sender]*Binding),
	}
}

// OnConnect 註冊新連接（尚未綁定）
func (rt *Router) OnConnect(c Sender) {
	rt.mu.Lock()
	rt.bindings[c] = nil
	rt.mu.Unlock()
}

// OnMessage 解析並分派一則訊息
func (rt *Router) OnMessage(ctx context.Context, c Sender, raw []byte) Result {
	msg, err := decodeMessage(raw)
	if err != nil {
		rt.logger.WarnContext(ctx, "解析客戶端訊息失敗", "error", err)
		return Result{Err: apperrors.Wrap(err, apperrors.ErrCodeProtocol, apperrors.ErrMalformedMessage.Message)}
	}

	if b := rt.Binding(c); b != nil {
		ctx = logger.WithRoomID(ctx, b.Room.ID)
	}

	switch msg.Type {
	case TypeJoinRoom:
		return rt.handleJoin(ctx, c, msg)
	case TypeMove:
		return rt.handleMove(ctx, c, msg)
	case TypeResetGame:
		return rt.handleRoomCommand(ctx, c, msg.Type, func(room *Room) error {
			return room.ResetGame(c)
		})
	case TypeResetScore:
		return rt.handleRoomCommand(ctx, c, msg.Type, func(room *Room) error {
			return room.ResetScore(c)
		})
	case TypePing, TypeKeepalive:
		rt.send(ctx, c, PongMessage{Type: TypePong})
		return Result{Type: msg.Type, Accepted: true}
	default:
		rt.logger.WarnContext(ctx, "收到未知消息類型", "type", msg.Type)
		return Result{Type: msg.Type, Err: apperrors.ErrUnknownMessageType.WithDetails(msg.Type)}
	}
}

// OnDisconnect 連接關閉
//
// 已綁定時視為離開房間；綁定一律移除。
func (rt *Router) OnDisconnect(ctx context.Context, c Sender) {
	rt.mu.Lock()
	b := rt.bindings[c]
	delete(rt.bindings, c)
	rt.mu.Unlock()

	if b != nil {
		rt.leave(logger.WithRoomID(ctx, b.Room.ID), c, b)
	}
}

// Binding 取得連接目前的綁定
func (rt *Router) Binding(c Sender) *Binding {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.bindings[c]
}

// Stats 連接統計
func (rt *Router) Stats() map[string]any {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	bound := 0
	for _, b := range rt.bindings {
		if b != nil {
			bound++
		}
	}

	return map[string]any{
		"connections":       len(rt.bindings),
		"bound_connections": bound,
	}
}

// handleJoin 加入房間
//
// 已在其他房間時先離開原房間，再加入新房間；
// 已在同一房間時只重送 joinedRoom，名稱維持原本的。
func (rt *Router) handleJoin(ctx context.Context, c Sender, msg InboundMessage) Result {
	roomID := msg.RoomID
	name := strings.TrimSpace(msg.PlayerName)
	if strings.TrimSpace(roomID) == "" || name == "" {
		rt.send(ctx, c, ErrorMessage{Type: TypeError, Message: apperrors.ErrMissingJoinFields.Message})
		return Result{Type: msg.Type, Err: apperrors.ErrMissingJoinFields}
	}

	ctx = logger.WithRoomID(ctx, roomID)

	if prev := rt.Binding(c); prev != nil {
		// 同一房間只重送 joinedRoom，不離開也不重建房間
		if prev.Room.ID == roomID {
			if _, err := prev.Room.Resync(c); err == nil {
				return Result{Type: msg.Type, Accepted: true}
			}
		}
		rt.leave(ctx, c, prev)
		rt.setBinding(c, nil)
	}

	room, p, err := rt.manager.JoinRoom(roomID, c, name)
	if err != nil {
		rt.logger.ErrorContext(ctx, "加入房間失敗", "error", err)
		rt.send(ctx, c, ErrorMessage{Type: TypeError, Message: "Failed to join room"})
		return Result{Type: msg.Type, Err: err}
	}

	rt.setBinding(c, &Binding{Room: room, Participant: p})
	return Result{Type: msg.Type, Accepted: true}
}

// handleMove 落子，非法落子只記錄 debug 日誌
func (rt *Router) handleMove(ctx context.Context, c Sender, msg InboundMessage) Result {
	return rt.handleRoomCommand(ctx, c, msg.Type, func(room *Room) error {
		if msg.Position == nil {
			return apperrors.ErrInvalidPosition
		}
		_, err := room.Move(c, *msg.Position)
		return err
	})
}

// handleRoomCommand 需要綁定房間的指令
func (rt *Router) handleRoomCommand(ctx context.Context, c Sender, msgType string, fn func(room *Room) error) Result {
	b := rt.Binding(c)
	if b == nil {
		rt.logger.DebugContext(ctx, "未加入房間，忽略指令", "type", msgType)
		return Result{Type: msgType, Err: apperrors.ErrNotInRoom}
	}

	if err := fn(b.Room); err != nil {
		rt.logger.DebugContext(ctx, "指令被拒絕", "type", msgType, "reason", err)
		return Result{Type: msgType, Err: err}
	}

	return Result{Type: msgType, Accepted: true}
}

// leave 離開房間，房間空了就回收
func (rt *Router) leave(ctx context.Context, c Sender, b *Binding) {
	p, empty := b.Room.Leave(c)
	if p != nil {
		rt.logger.InfoContext(ctx, "玩家離開房間",
			"participant_id", p.ID,
			"player_name", p.Name,
			"role", p.Role)
	}

	if empty {
		rt.manager.Reap(b.Room)
	}
}

func (rt *Router) setBinding(c Sender, b *Binding) {
	rt.mu.Lock()
	rt.bindings[c] = b
	rt.mu.Unlock()
}

func (rt *Router) send(ctx context.Context, c Sender, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		rt.logger.ErrorContext(ctx, "序列化訊息失敗", "error", err)
		return
	}
	if !c.Send(data) {
		rt.logger.WarnContext(ctx, "連接緩衝區滿")
	}
}
