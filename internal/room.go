package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/tictactoe-relay/internal/board"
	apperrors "github.com/koopa0/system-design/tictactoe-relay/pkg/errors"
)

// 系統設計問題：
//   如何在多個連接同時操作同一房間時，保持對局狀態的權威性與一致性？
//
// 核心挑戰：
//   1. 並發控制：兩位玩家幾乎同時落子、觀戰者同時加入
//   2. 狀態機：等待 → 對局中 → 結束 → （重置）對局中
//   3. 廣播順序：每個連接看到的狀態變更順序必須一致
//
// 設計方案：
//   ✅ 每個房間一把鎖 - 房間之間完全獨立
//   ✅ 在鎖內廣播 - 廣播順序等同狀態變更順序
//   ✅ 非阻塞發送 - 慢客戶端不會拖住房間

// MaxPlayers 每個房間的玩家上限
const MaxPlayers = 2

// RoomStatus 房間狀態
//
// 有限狀態機：
//
//	waiting → in_progress → concluded
//	              ↑______________↓ (resetGame)
//
// 玩家離開不會退回 waiting，棋盤、回合與比分保持不變。
type RoomStatus string

const (
	StatusWaiting    RoomStatus = "waiting"     // 玩家未到齊
	StatusInProgress RoomStatus = "in_progress" // 對局中
	StatusConcluded  RoomStatus = "concluded"   // 勝負已分或平局
)

// Role 參與者角色
type Role string

const (
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
)

// Sender 可接收房間廣播的連接
//
// Send 必須是非阻塞的，緩衝區滿時回傳 false。
type Sender interface {
	ID() string
	Send(message []byte) bool
}

// Participant 房間內的參與者
type Participant struct {
	ID       string
	Name     string
	Role     Role
	Mark     board.Mark // 觀戰者為空
	JoinedAt time.Time

	conn Sender
}

// Info 回傳給本人的身份資訊
func (p *Participant) Info() ParticipantInfo {
	return ParticipantInfo{
		ID:     p.ID,
		Name:   p.Name,
		Symbol: p.Mark,
		Role:   p.Role,
	}
}

// MoveResult 成功落子的結果
type MoveResult struct {
	Player      board.Mark
	Position    int
	Status      GameStatus
	Winner      board.Mark
	WinningLine []int
}

// RoomSummary 房間列表項目
type RoomSummary struct {
	ID              string     `json:"id"`
	PlayersCount    int        `json:"playersCount"`
	SpectatorsCount int        `json:"spectatorsCount"`
	GameActive      bool       `json:"gameActive"`
	Status          RoomStatus `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Room 一局井字棋及其成員
//
// 所有欄位都由 mu 保護。玩家以加入順序排列，
// 標記在加入時指定，成員存續期間不會改變。
type Room struct {
	ID        string
	CreatedAt time.Time

	mu         sync.RWMutex
	board      board.Board
	turn       board.Mark
	active     bool
	status     RoomStatus
	score      Score
	players    []*Participant
	spectators []*Participant
	lastActive time.Time
	closed     bool // 已從 Manager 移除

	logger    *slog.Logger
	publisher EventPublisher
}

// NewRoom 創建新房間
func NewRoom(id string, logger *slog.Logger, publisher EventPublisher) *Room {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	now := time.Now()
	return &Room{
		ID:         id,
		CreatedAt:  now,
		turn:       board.X,
		active:     true,
		status:     StatusWaiting,
		lastActive: now,
		logger:     logger,
		publisher:  publisher,
	}
}

// Join 加入房間
//
// 玩家未滿兩人時以玩家身份加入，取得空出的標記（先 X 後 O）；
// 否則以觀戰者身份加入，只有本人收到狀態快照。
func (r *Room) Join(conn Sender, name string) (*Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, apperrors.ErrRoomClosed
	}

	if existing := r.findLocked(conn); existing != nil {
		return existing, nil
	}

	p := &Participant{
		ID:       uuid.NewString(),
		Name:     name,
		JoinedAt: time.Now(),
		conn:     conn,
	}
	r.lastActive = p.JoinedAt

	if len(r.players) >= MaxPlayers {
		p.Role = RoleSpectator
		r.spectators = append(r.spectators, p)

		r.sendLocked(p, r.joinedLocked(p))
		r.sendLocked(p, SpectatorMessage{
			Type:      TypeSpectator,
			Message:   "Room is full. You are watching as a spectator.",
			GameState: r.snapshotLocked(),
		})
		return p, nil
	}

	p.Role = RolePlayer
	p.Mark = r.freeMarkLocked()
	r.players = append(r.players, p)

	r.sendLocked(p, r.joinedLocked(p))
	r.broadcastLocked(PlayerJoinedMessage{
		Type:         TypePlayerJoined,
		Player:       PlayerInfo{Name: p.Name, Symbol: p.Mark},
		PlayersCount: len(r.players),
		GameState:    r.snapshotLocked(),
	})

	// 只在等待 → 對局時宣告開局，補位加入不宣告
	if len(r.players) == MaxPlayers && r.status == StatusWaiting {
		r.status = StatusInProgress
		r.broadcastLocked(GameReadyMessage{
			Type:      TypeGameReady,
			Message:   "Both players joined. X goes first!",
			GameState: r.snapshotLocked(),
		})
	}

	r.publishLocked(EventPlayerJoined, map[string]any{
		"player_id": p.ID,
		"name":      p.Name,
		"symbol":    p.Mark,
	})

	return p, nil
}

// Resync 重送 joinedRoom 給已在房間內的連接
//
// 不改變成員與對局狀態，其他成員不會收到任何訊息。
func (r *Room) Resync(conn Sender) (*Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, apperrors.ErrRoomClosed
	}

	p := r.findLocked(conn)
	if p == nil {
		return nil, apperrors.ErrNotInRoom
	}
	r.lastActive = time.Now()
	r.sendLocked(p, r.joinedLocked(p))
	return p, nil
}

// Leave 離開房間
//
// 玩家離開會通知其餘成員並釋放標記；觀戰者離開不廣播。
// 回傳被移除的參與者（不在房間內時為 nil）與房間是否已空。
func (r *Room) Leave(conn Sender) (*Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActive = time.Now()

	for i, p := range r.players {
		if p.conn != conn {
			continue
		}
		r.players = append(r.players[:i], r.players[i+1:]...)
		r.broadcastLocked(PlayerLeftMessage{
			Type:         TypePlayerLeft,
			Message:      fmt.Sprintf("%s left the game", p.Name),
			PlayersCount: len(r.players),
			GameState:    r.snapshotLocked(),
		})
		r.publishLocked(EventPlayerLeft, map[string]any{
			"player_id": p.ID,
			"name":      p.Name,
			"symbol":    p.Mark,
		})
		return p, r.emptyLocked()
	}

	for i, p := range r.spectators {
		if p.conn != conn {
			continue
		}
		r.spectators = append(r.spectators[:i], r.spectators[i+1:]...)
		return p, r.emptyLocked()
	}

	return nil, r.emptyLocked()
}

// Move 落子
//
// 不合法的落子回傳 ILLEGAL_MOVE 錯誤，狀態不變、不廣播。
// 成功時廣播一則 move 訊息給所有成員。
func (r *Room) Move(conn Sender, index int) (*MoveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.findLocked(conn)
	if p == nil || p.Role != RolePlayer {
		return nil, apperrors.ErrNotPlayer
	}
	if r.status != StatusInProgress || !r.active {
		return nil, apperrors.ErrGameNotActive
	}
	if r.turn != p.Mark {
		return nil, apperrors.ErrNotYourTurn
	}
	if index < 0 || index >= board.Size {
		return nil, apperrors.ErrInvalidPosition
	}
	if r.board[index] != board.Empty {
		return nil, apperrors.ErrCellOccupied
	}

	next, err := board.ApplyMove(r.board, index, p.Mark)
	if err != nil {
		return nil, err
	}
	r.board = next
	r.lastActive = time.Now()

	result := &MoveResult{
		Player:   p.Mark,
		Position: index,
		Status:   GameContinue,
	}

	if winner, line, ok := board.CheckWinner(r.board); ok {
		r.concludeLocked()
		if winner == board.X {
			r.score.X++
		} else {
			r.score.O++
		}
		result.Status = GameWin
		result.Winner = winner
		result.WinningLine = line[:]
	} else if board.CheckDraw(r.board) {
		r.concludeLocked()
		r.score.Ties++
		result.Status = GameTie
	} else {
		r.turn = board.Opponent(r.turn)
	}

	r.broadcastLocked(MoveMessage{
		Type:          TypeMove,
		Player:        result.Player,
		Position:      result.Position,
		Board:         r.board.Cells(),
		CurrentPlayer: r.turn,
		GameStatus:    result.Status,
		Winner:        result.Winner,
		WinningLine:   result.WinningLine,
		Score:         r.score,
		GameState:     r.snapshotLocked(),
	})

	if result.Status != GameContinue {
		r.publishLocked(EventGameConcluded, map[string]any{
			"result": result.Status,
			"winner": result.Winner,
			"score":  r.score,
		})
	}

	return result, nil
}

// ResetGame 重置棋盤
//
// 任何玩家在任何狀態下都可呼叫，包括玩家未到齊時。
func (r *Room) ResetGame(conn Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p := r.findLocked(conn); p == nil || p.Role != RolePlayer {
		return apperrors.ErrNotPlayer
	}

	r.board = board.Board{}
	r.turn = board.X
	r.active = true
	r.status = StatusInProgress
	r.lastActive = time.Now()

	r.broadcastLocked(GameResetMessage{
		Type:          TypeGameReset,
		Board:         r.board.Cells(),
		CurrentPlayer: r.turn,
		GameState:     r.snapshotLocked(),
	})
	return nil
}

// ResetScore 比分歸零
func (r *Room) ResetScore(conn Sender) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p := r.findLocked(conn); p == nil || p.Role != RolePlayer {
		return apperrors.ErrNotPlayer
	}

	r.score = Score{}
	r.lastActive = time.Now()

	r.broadcastLocked(ScoreResetMessage{
		Type:  TypeScoreReset,
		Score: r.score,
	})
	return nil
}

// Snapshot 取得狀態快照
func (r *Room) Snapshot() GameState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Summary 取得列表摘要
func (r *Room) Summary() RoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RoomSummary{
		ID:              r.ID,
		PlayersCount:    len(r.players),
		SpectatorsCount: len(r.spectators),
		GameActive:      r.active,
		Status:          r.status,
		CreatedAt:       r.CreatedAt,
	}
}

// Status 目前狀態
func (r *Room) Status() RoomStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// IsEmpty 房間是否沒有任何成員
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.emptyLocked()
}

// IsClosed 房間是否已被回收
func (r *Room) IsClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// freeMarkLocked 取得空出的標記
//
// 玩家離開後標記被釋放，新加入者補上該標記，
// 保證兩位玩家的標記永不重複。
func (r *Room) freeMarkLocked() board.Mark {
	for _, p := range r.players {
		if p.Mark == board.X {
			return board.O
		}
	}
	return board.X
}

func (r *Room) findLocked(conn Sender) *Participant {
	for _, p := range r.players {
		if p.conn == conn {
			return p
		}
	}
	for _, p := range r.spectators {
		if p.conn == conn {
			return p
		}
	}
	return nil
}

func (r *Room) emptyLocked() bool {
	return len(r.players) == 0 && len(r.spectators) == 0
}

func (r *Room) concludeLocked() {
	r.active = false
	r.status = StatusConcluded
}

func (r *Room) snapshotLocked() GameState {
	players := make([]PlayerInfo, 0, len(r.players))
	for _, p := range r.players {
		players = append(players, PlayerInfo{Name: p.Name, Symbol: p.Mark})
	}
	return GameState{
		Board:           r.board.Cells(),
		CurrentPlayer:   r.turn,
		GameActive:      r.active,
		Status:          r.status,
		Score:           r.score,
		Players:         players,
		SpectatorsCount: len(r.spectators),
	}
}

// joinedLocked 組出給 p 本人的 joinedRoom 訊息
func (r *Room) joinedLocked(p *Participant) JoinedRoomMessage {
	as := "spectator"
	if p.Role == RolePlayer {
		as = string(p.Mark)
	}
	return JoinedRoomMessage{
		Type:      TypeJoinedRoom,
		RoomID:    r.ID,
		Player:    p.Info(),
		GameState: r.snapshotLocked(),
		Message:   fmt.Sprintf("Joined room %s as %s", r.ID, as),
	}
}

// sendLocked 發送給單一成員
func (r *Room) sendLocked(p *Participant, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("序列化訊息失敗", "error", err, "room_id", r.ID)
		return
	}
	r.deliver(p, data)
}

// broadcastLocked 廣播給玩家與觀戰者
//
// 只序列化一次。發送不阻塞，緩衝區滿的連接會漏掉這則訊息。
func (r *Room) broadcastLocked(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("序列化訊息失敗", "error", err, "room_id", r.ID)
		return
	}
	for _, p := range r.players {
		r.deliver(p, data)
	}
	for _, p := range r.spectators {
		r.deliver(p, data)
	}
}

func (r *Room) deliver(p *Participant, data []byte) {
	if !p.conn.Send(data) {
		r.logger.Warn("連接緩衝區滿",
			"room_id", r.ID,
			"client_id", p.conn.ID(),
			"participant_id", p.ID)
	}
}

func (r *Room) publishLocked(eventType string, data map[string]any) {
	event := Event{
		Type:      eventType,
		RoomID:    r.ID,
		Data:      data,
		Timestamp: time.Now(),
	}
	if err := r.publisher.Publish(context.Background(), event); err != nil {
		r.logger.Warn("發布房間事件失敗",
			"error", err,
			"room_id", r.ID,
			"event", eventType)
	}
}
