// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeInvalidInput 無效輸入（回覆給客戶端）
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeIllegalMove 非法落子（靜默拒絕）
	ErrCodeIllegalMove = "ILLEGAL_MOVE"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeProtocol 無法解析的訊息
	ErrCodeProtocol = "PROTOCOL_ERROR"
	// ErrCodeRoomClosed 房間已回收
	ErrCodeRoomClosed = "ROOM_CLOSED"
	// ErrCodeRateLimited 超過限流
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is
//
// 同錯誤碼且同訊息視為同一錯誤，讓預定義錯誤可以直接用 errors.Is 比對。
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 添加詳細資訊（回傳副本，不修改預定義錯誤）
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrMissingJoinFields 加入房間缺少欄位
	ErrMissingJoinFields = New(ErrCodeInvalidInput, "Room ID and player name are required")

	// ErrNotInRoom 連接尚未加入任何房間
	ErrNotInRoom = New(ErrCodeInvalidInput, "not in a room")

	// ErrNotPlayer 非玩家（觀戰者或未綁定）
	ErrNotPlayer = New(ErrCodeIllegalMove, "not a player in this room")

	// ErrGameNotActive 對局未進行
	ErrGameNotActive = New(ErrCodeIllegalMove, "game is not in progress")

	// ErrNotYourTurn 不是該玩家的回合
	ErrNotYourTurn = New(ErrCodeIllegalMove, "not your turn")

	// ErrInvalidPosition 位置超出範圍
	ErrInvalidPosition = New(ErrCodeIllegalMove, "position out of range")

	// ErrCellOccupied 格子已有棋子
	ErrCellOccupied = New(ErrCodeIllegalMove, "cell is occupied")

	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = New(ErrCodeNotFound, "room not found")

	// ErrRoomClosed 房間已被回收
	ErrRoomClosed = New(ErrCodeRoomClosed, "room is closed")

	// ErrMalformedMessage 訊息無法解析
	ErrMalformedMessage = New(ErrCodeProtocol, "malformed message")

	// ErrUnknownMessageType 未知的訊息類型
	ErrUnknownMessageType = New(ErrCodeProtocol, "unknown message type")

	// ErrRateLimited 超過限流
	ErrRateLimited = New(ErrCodeRateLimited, "rate limit exceeded")

	// ErrPublisherUnavailable 事件發布器不可用
	ErrPublisherUnavailable = New(ErrCodeUnavailable, "event publisher unavailable")
)

// Code 取得錯誤碼，非 AppError 回傳空字串
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsIllegalMove 檢查是否為非法落子
func IsIllegalMove(err error) bool {
	return Code(err) == ErrCodeIllegalMove
}

// IsInvalidInput 檢查是否為無效輸入
func IsInvalidInput(err error) bool {
	return Code(err) == ErrCodeInvalidInput
}

// IsProtocol 檢查是否為協議錯誤
func IsProtocol(err error) bool {
	return Code(err) == ErrCodeProtocol
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return Code(err) == ErrCodeNotFound
}

// IsRoomClosed 檢查是否為房間已回收
func IsRoomClosed(err error) bool {
	return Code(err) == ErrCodeRoomClosed
}
