package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apperrors "github.com/koopa0/system-design/tictactoe-relay/pkg/errors"
	"github.com/nats-io/nats.go"
)

// 房間事件類型
const (
	EventRoomCreated   = "room_created"
	EventRoomClosed    = "room_closed"
	EventPlayerJoined  = "player_joined"
	EventPlayerLeft    = "player_left"
	EventGameConcluded = "game_concluded"
)

// Event 房間事件
type Event struct {
	Type      string    `json:"event"`
	RoomID    string    `json:"room_id"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher 房間事件發布器
//
// Publish 在房間鎖內被呼叫，實作不可阻塞。
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher 不發布任何事件
type NopPublisher struct{}

// Publish 實現 EventPublisher
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close 實現 EventPublisher
func (NopPublisher) Close() error { return nil }

// natsConn NATS 連接中用到的方法
type natsConn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// NATSPublisher 將房間事件發布到 NATS
//
// 使用 Core NATS（fire-and-forget）：
//   - 事件只用於觀測與下游統計，不影響對局
//   - Publish 寫入客戶端緩衝即返回，斷線期間由重連緩衝暫存
//
// 主題格式：<prefix>.<roomID>.<event>
type NATSPublisher struct {
	conn   natsConn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher 連接 NATS 並建立發布器
func NewNATSPublisher(cfg NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(
		cfg.URL,
		nats.Name("tictactoe-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連線中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS 已重新連線", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, apperrors.ErrPublisherUnavailable.Message)
	}

	return newNATSPublisher(conn, cfg.SubjectPrefix, logger), nil
}

func newNATSPublisher(conn natsConn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger,
	}
}

// Publish 發布事件
func (p *NATSPublisher) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.conn.Publish(p.Subject(event), data); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "publish event")
	}
	return nil
}

// Subject 事件主題
func (p *NATSPublisher) Subject(event Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, subjectToken(event.RoomID), event.Type)
}

// Close 排空緩衝後關閉連接
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

// subjectToken 房間 ID 是任意字串，轉成合法的單一主題 token
//
// '.' 會切分主題，'*' 與 '>' 是萬用字元，空白不允許出現。
func subjectToken(roomID string) string {
	if roomID == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, roomID)
}
