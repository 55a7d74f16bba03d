package internal_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/tictactoe-relay/internal"
	apperrors "github.com/koopa0/system-design/tictactoe-relay/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNATS 記錄發布的主題與內容
type fakeNATS struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
	drainErr error
}

func (f *fakeNATS) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeNATS) Drain() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drained = true
	return f.drainErr
}

func TestSubjectToken(t *testing.T) {
	tests := []struct {
		roomID string
		want   string
	}{
		{roomID: "R1", want: "R1"},
		{roomID: "room.1", want: "room_1"},
		{roomID: "a*b>c", want: "a_b_c"},
		{roomID: "my room\n", want: "my_room_"},
		{roomID: "", want: "_"},
		{roomID: "房間一", want: "房間一"},
	}

	for _, tt := range tests {
		t.Run(tt.roomID, func(t *testing.T) {
			assert.Equal(t, tt.want, internal.SubjectToken(tt.roomID))
		})
	}
}

func TestNATSPublisher_Publish(t *testing.T) {
	conn := &fakeNATS{}
	pub := internal.NewNATSPublisherWithConn(conn, "", quietLogger())

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := pub.Publish(context.Background(), internal.Event{
		Type:      internal.EventGameConcluded,
		RoomID:    "lobby.1",
		Data:      map[string]any{"result": "win", "winner": "X"},
		Timestamp: ts,
	})
	require.NoError(t, err)

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "tictactoe.rooms.lobby_1.game_concluded", conn.subjects[0])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(conn.payloads[0], &decoded))
	assert.Equal(t, "game_concluded", decoded["event"])
	assert.Equal(t, "lobby.1", decoded["room_id"], "內容保留原始房間 ID")
	assert.Equal(t, "2026-01-02T03:04:05Z", decoded["timestamp"])
	assert.Equal(t, map[string]any{"result": "win", "winner": "X"}, decoded["data"])
}

func TestNATSPublisher_CustomPrefix(t *testing.T) {
	pub := internal.NewNATSPublisherWithConn(&fakeNATS{}, "games", quietLogger())

	subject := pub.Subject(internal.Event{Type: internal.EventRoomCreated, RoomID: "R1"})
	assert.Equal(t, "games.R1.room_created", subject)
}

func TestNATSPublisher_Errors(t *testing.T) {
	conn := &fakeNATS{err: errors.New("nats: connection closed")}
	pub := internal.NewNATSPublisherWithConn(conn, "", quietLogger())

	err := pub.Publish(context.Background(), internal.Event{Type: internal.EventRoomClosed, RoomID: "R1"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnavailable, apperrors.Code(err))

	// 無法序列化的資料
	conn.err = nil
	err = pub.Publish(context.Background(), internal.Event{
		Type:   internal.EventRoomClosed,
		RoomID: "R1",
		Data:   make(chan int),
	})
	assert.Error(t, err)
	assert.Empty(t, conn.subjects)
}

func TestNATSPublisher_Close(t *testing.T) {
	conn := &fakeNATS{}
	pub := internal.NewNATSPublisherWithConn(conn, "", quietLogger())

	require.NoError(t, pub.Close())
	assert.True(t, conn.drained)

	conn.drainErr = errors.New("already closed")
	assert.Error(t, pub.Close())
}

// TestNATSPublisher_RoomLifecycle 房間生命週期事件依序發布
func TestNATSPublisher_RoomLifecycle(t *testing.T) {
	conn := &fakeNATS{}
	pub := internal.NewNATSPublisherWithConn(conn, "", quietLogger())
	m := newTestManager(t, pub)

	alice := newFakeConn("alice")
	room, _, err := m.JoinRoom("R1", alice, "alice")
	require.NoError(t, err)
	_, empty := room.Leave(alice)
	require.True(t, empty)
	require.True(t, m.Reap(room))

	assert.Equal(t, []string{
		"tictactoe.rooms.R1.room_created",
		"tictactoe.rooms.R1.player_joined",
		"tictactoe.rooms.R1.player_left",
		"tictactoe.rooms.R1.room_closed",
	}, conn.subjects)
}

func TestNopPublisher(t *testing.T) {
	var pub internal.EventPublisher = internal.NopPublisher{}
	assert.NoError(t, pub.Publish(context.Background(), internal.Event{}))
	assert.NoError(t, pub.Close())
}
