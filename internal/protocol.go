package internal

import (
	"encoding/json"

	"github.com/koopa0/system-design/tictactoe-relay/internal/board"
)

// 客戶端 → 服務器
const (
	TypeJoinRoom   = "joinRoom"
	TypeMove       = "move"
	TypeResetGame  = "resetGame"
	TypeResetScore = "resetScore"
	TypePing       = "ping"
	TypeKeepalive  = "keepalive" // 同 ping
)

// 服務器 → 客戶端
const (
	TypeJoinedRoom   = "joinedRoom"
	TypePlayerJoined = "playerJoined"
	TypePlayerLeft   = "playerLeft"
	TypeGameReady    = "gameReady"
	TypeGameReset    = "gameReset"
	TypeScoreReset   = "scoreReset"
	TypeSpectator    = "spectator"
	TypeError        = "error"
	TypePong         = "pong"
)

// GameStatus 落子結果
type GameStatus string

const (
	GameContinue GameStatus = "continue"
	GameWin      GameStatus = "win"
	GameTie      GameStatus = "tie"
)

// InboundMessage 客戶端訊息
//
// 所有類型共用一個結構，依 Type 決定哪些欄位有效。
// Position 為指標，用來區分「未提供」與 0。
type InboundMessage struct {
	Type       string `json:"type"`
	RoomID     string `json:"roomId,omitempty"`
	PlayerName string `json:"playerName,omitempty"`
	Position   *int   `json:"position,omitempty"`
}

// Score 比分
type Score struct {
	X    int `json:"X"`
	O    int `json:"O"`
	Ties int `json:"ties"`
}

// PlayerInfo 公開的玩家資訊
type PlayerInfo struct {
	Name   string     `json:"name"`
	Symbol board.Mark `json:"symbol"`
}

// ParticipantInfo 回覆給加入者本人的身份資訊
type ParticipantInfo struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Symbol board.Mark `json:"symbol,omitempty"`
	Role   Role       `json:"role"`
}

// GameState 房間完整狀態快照
type GameState struct {
	Board           []string     `json:"board"`
	CurrentPlayer   board.Mark   `json:"currentPlayer"`
	GameActive      bool         `json:"gameActive"`
	Status          RoomStatus   `json:"status"`
	Score           Score        `json:"score"`
	Players         []PlayerInfo `json:"players"`
	SpectatorsCount int          `json:"spectatorsCount"`
}

// JoinedRoomMessage 加入成功
type JoinedRoomMessage struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId"`
	Player    ParticipantInfo `json:"player"`
	GameState GameState       `json:"gameState"`
	Message   string          `json:"message"`
}

// PlayerJoinedMessage 有玩家加入
type PlayerJoinedMessage struct {
	Type         string     `json:"type"`
	Player       PlayerInfo `json:"player"`
	PlayersCount int        `json:"playersCount"`
	GameState    GameState  `json:"gameState"`
}

// GameReadyMessage 兩位玩家到齊
type GameReadyMessage struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	GameState GameState `json:"gameState"`
}

// SpectatorMessage 以觀戰者身份加入
type SpectatorMessage struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	GameState GameState `json:"gameState"`
}

// PlayerLeftMessage 玩家離開
type PlayerLeftMessage struct {
	Type         string    `json:"type"`
	Message      string    `json:"message"`
	PlayersCount int       `json:"playersCount"`
	GameState    GameState `json:"gameState"`
}

// MoveMessage 落子結果
type MoveMessage struct {
	Type          string     `json:"type"`
	Player        board.Mark `json:"player"`
	Position      int        `json:"position"`
	Board         []string   `json:"board"`
	CurrentPlayer board.Mark `json:"currentPlayer"`
	GameStatus    GameStatus `json:"gameStatus"`
	Winner        board.Mark `json:"winner,omitempty"`
	WinningLine   []int      `json:"winningLine,omitempty"`
	Score         Score      `json:"score"`
	GameState     GameState  `json:"gameState"`
}

// GameResetMessage 重置棋盤
type GameResetMessage struct {
	Type          string     `json:"type"`
	Board         []string   `json:"board"`
	CurrentPlayer board.Mark `json:"currentPlayer"`
	GameState     GameState  `json:"gameState"`
}

// ScoreResetMessage 重置比分
type ScoreResetMessage struct {
	Type  string `json:"type"`
	Score Score  `json:"score"`
}

// ErrorMessage 錯誤回覆
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongMessage 心跳回覆
type PongMessage struct {
	Type string `json:"type"`
}

// decodeMessage 解析客戶端訊息
func decodeMessage(raw []byte) (InboundMessage, error) {
	var msg InboundMessage
	err := json.Unmarshal(raw, &msg)
	return msg, err
}
