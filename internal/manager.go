package internal

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/koopa0/system-design/tictactoe-relay/pkg/errors"
)

// Manager 房間管理器（房間註冊表）
//
// 鎖順序：Manager.mu → Room.mu。
// JoinRoom 與 Reap 都在 Manager 寫鎖內操作房間，
// 因此加入請求不會落在剛被回收的房間。
type Manager struct {
	rooms     map[string]*Room // roomID -> Room
	mu        sync.RWMutex
	logger    *slog.Logger
	publisher EventPublisher
	cfg       RoomConfig
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewManager 創建房間管理器
func NewManager(logger *slog.Logger, publisher EventPublisher, cfg RoomConfig) *Manager {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}

	m := &Manager{
		rooms:     make(map[string]*Room),
		logger:    logger,
		publisher: publisher,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}

	// 啟動清理 goroutine
	m.wg.Add(1)
	go m.cleanupLoop()

	return m
}

// GetOrCreate 取得房間，不存在時建立
//
// 房間 ID 為不透明字串，區分大小寫。
func (m *Manager) GetOrCreate(roomID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(roomID)
}

func (m *Manager) getOrCreateLocked(roomID string) (*Room, bool) {
	if room, exists := m.rooms[roomID]; exists {
		return room, false
	}

	room := NewRoom(roomID, m.logger, m.publisher)
	m.rooms[roomID] = room

	m.logger.Info("房間已創建", "room_id", roomID)
	m.publish(EventRoomCreated, roomID)

	return room, true
}

// GenerateRoomID 產生目前未被使用的房間 ID
//
// 取 UUID 前 8 碼並轉為大寫。只產生 ID，不建立房間；
// 房間在第一個 joinRoom 時才建立。
func (m *Manager) GenerateRoomID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for {
		id := strings.ToUpper(uuid.NewString()[:8])
		if _, exists := m.rooms[id]; !exists {
			return id
		}
	}
}

// JoinRoom 加入房間（必要時建立）
func (m *Manager) JoinRoom(roomID string, conn Sender, name string) (*Room, *Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, _ := m.getOrCreateLocked(roomID)

	p, err := room.Join(conn, name)
	if err != nil {
		return nil, nil, err
	}

	m.logger.Info("玩家加入房間",
		"room_id", roomID,
		"participant_id", p.ID,
		"player_name", name,
		"role", p.Role,
		"symbol", p.Mark)

	return room, p, nil
}

// GetRoom 獲取房間
func (m *Manager) GetRoom(roomID string) (*Room, error) {
	m.mu.RLock()
	room, exists := m.rooms[roomID]
	m.mu.RUnlock()

	if !exists {
		return nil, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}

	return room, nil
}

// Reap 回收空房間
//
// 只有在房間仍是註冊中的實例且沒有任何成員時才移除。
func (m *Manager) Reap(room *Room) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.rooms[room.ID]
	if !exists || current != room {
		return false
	}

	if !m.closeIfEmptyLocked(room, 0) {
		return false
	}

	m.logger.Info("房間已回收", "room_id", room.ID)
	return true
}

// closeIfEmptyLocked 房間為空且閒置超過 idle 時關閉並移除
func (m *Manager) closeIfEmptyLocked(room *Room, idle time.Duration) bool {
	room.mu.Lock()
	if !room.emptyLocked() || time.Since(room.lastActive) < idle {
		room.mu.Unlock()
		return false
	}
	room.closed = true
	room.mu.Unlock()

	delete(m.rooms, room.ID)
	m.publish(EventRoomClosed, room.ID)
	return true
}

// ListRooms 列出所有房間（依 ID 排序）
func (m *Manager) ListRooms() []RoomSummary {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	summaries := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		summaries = append(summaries, room.Summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].ID < summaries[j].ID
	})

	return summaries
}

// RoomCount 房間數
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Stats 獲取統計資訊
func (m *Manager) Stats() map[string]any {
	summaries := m.ListRooms()

	totalPlayers := 0
	totalSpectators := 0
	statusCount := make(map[RoomStatus]int)
	for _, s := range summaries {
		totalPlayers += s.PlayersCount
		totalSpectators += s.SpectatorsCount
		statusCount[s.Status]++
	}

	return map[string]any{
		"total_rooms":      len(summaries),
		"total_players":    totalPlayers,
		"total_spectators": totalSpectators,
		"rooms_by_status":  statusCount,
	}
}

// cleanupLoop 定期清理閒置的空房間
//
// 正常情況下最後一位成員離開時 Reap 已立即回收，
// 這裡處理 GetOrCreate 後沒有人加入的房間。
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// cleanup 執行清理
func (m *Manager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, room := range m.rooms {
		if m.closeIfEmptyLocked(room, m.cfg.IdleTimeout) {
			removed++
		}
	}

	if removed > 0 {
		m.logger.Info("清理閒置房間", "removed", removed, "remaining", len(m.rooms))
	}
}

// Stop 停止管理器
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) publish(eventType, roomID string) {
	event := Event{
		Type:      eventType,
		RoomID:    roomID,
		Timestamp: time.Now(),
	}
	if err := m.publisher.Publish(context.Background(), event); err != nil {
		m.logger.Warn("發布房間事件失敗",
			"error", err,
			"room_id", roomID,
			"event", eventType)
	}
}
