package internal_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/koopa0/system-design/tictactoe-relay/internal"
	"github.com/koopa0/system-design/tictactoe-relay/internal/testutils"
	"github.com/stretchr/testify/require"
)

// fakeConn 記錄收到的訊息，實現 internal.Sender
type fakeConn struct {
	id       string
	mu       sync.Mutex
	messages [][]byte
	full     bool // 模擬緩衝區已滿
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(message []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.messages = append(f.messages, message)
	return true
}

// Messages 解析所有收到的訊息
func (f *fakeConn) Messages(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]map[string]any, 0, len(f.messages))
	for _, raw := range f.messages {
		var msg map[string]any
		require.NoError(t, json.Unmarshal(raw, &msg))
		out = append(out, msg)
	}
	return out
}

// Types 收到的訊息類型（依序）
func (f *fakeConn) Types(t *testing.T) []string {
	t.Helper()
	msgs := f.Messages(t)
	types := make([]string, 0, len(msgs))
	for _, m := range msgs {
		types = append(types, m["type"].(string))
	}
	return types
}

// Last 最後一則訊息
func (f *fakeConn) Last(t *testing.T) map[string]any {
	t.Helper()
	msgs := f.Messages(t)
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

// Count 收到的訊息數
func (f *fakeConn) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// Reset 清空紀錄
func (f *fakeConn) Reset() {
	f.mu.Lock()
	f.messages = nil
	f.mu.Unlock()
}

// recordingPublisher 記錄發布的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []internal.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event internal.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

var quietLogger = testutils.QuietLogger

// boardOf 取出訊息中的棋盤
func boardOf(t *testing.T, msg map[string]any) []string {
	t.Helper()
	raw, ok := msg["board"].([]any)
	require.True(t, ok, "board missing in %v", msg)
	cells := make([]string, len(raw))
	for i, c := range raw {
		cells[i] = c.(string)
	}
	return cells
}
