// Package board 實作井字棋的勝負判定與落子驗證。
//
// 本包為純函數，不持有任何狀態：
//   - ApplyMove: 驗證並落子，回傳新棋盤
//   - CheckWinner: 依固定順序掃描 8 條線
//   - CheckDraw: 棋盤是否已滿
//
// 並發安全由呼叫端（Room）負責。
package board

import (
	apperrors "github.com/koopa0/system-design/tictactoe-relay/pkg/errors"
)

// Mark 棋子標記
type Mark string

const (
	Empty Mark = ""  // 空格
	X     Mark = "X" // 先手
	O     Mark = "O" // 後手
)

// Size 棋盤格數
const Size = 9

// Board 3x3 棋盤，索引 0-8 由左到右、由上到下
type Board [Size]Mark

// Line 一條連線的三個索引
type Line [3]int

// ErrInvalidMove 落子不合法（越界、已佔用或標記無效）
var ErrInvalidMove = apperrors.New(apperrors.ErrCodeIllegalMove, "invalid move")

// lines 掃描順序：三橫、三直、兩斜
//
// 順序固定，CheckWinner 回傳第一條符合的線。
var lines = [8]Line{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// Lines 回傳全部 8 條連線（副本）
func Lines() [8]Line {
	return lines
}

// Valid 是否為有效的玩家標記
func (m Mark) Valid() bool {
	return m == X || m == O
}

// Opponent 回傳對手標記
func Opponent(m Mark) Mark {
	switch m {
	case X:
		return O
	case O:
		return X
	default:
		return Empty
	}
}

// ApplyMove 落子
//
// index 必須在 0-8 之間且該格為空。呼叫端應先行檢查，
// 這裡的錯誤代表契約被破壞。
func ApplyMove(b Board, index int, m Mark) (Board, error) {
	if index < 0 || index >= Size || !m.Valid() {
		return b, ErrInvalidMove
	}
	if b[index] != Empty {
		return b, ErrInvalidMove
	}

	b[index] = m
	return b, nil
}

// CheckWinner 判定勝者
//
// 回傳第一條三格相同且非空的連線。沒有勝者時 ok 為 false。
func CheckWinner(b Board) (winner Mark, line Line, ok bool) {
	for _, l := range lines {
		m := b[l[0]]
		if m != Empty && m == b[l[1]] && m == b[l[2]] {
			return m, l, true
		}
	}
	return Empty, Line{}, false
}

// CheckDraw 棋盤是否已滿
//
// 只應在確認沒有勝者之後呼叫。
func CheckDraw(b Board) bool {
	for _, cell := range b {
		if cell == Empty {
			return false
		}
	}
	return true
}

// Count 計算某標記的棋子數
func Count(b Board, m Mark) int {
	n := 0
	for _, cell := range b {
		if cell == m {
			n++
		}
	}
	return n
}

// Cells 轉為字串切片（JSON 輸出用）
func (b Board) Cells() []string {
	cells := make([]string, Size)
	for i, m := range b {
		cells[i] = string(m)
	}
	return cells
}
