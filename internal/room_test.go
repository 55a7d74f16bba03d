package internal_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/koopa0/system-design/tictactoe-relay/internal"
	"github.com/koopa0/system-design/tictactoe-relay/internal/board"
	apperrors "github.com/koopa0/system-design/tictactoe-relay/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoom(id string) *internal.Room {
	return internal.NewRoom(id, quietLogger(), nil)
}

// TestRoom_Join 測試加入房間與角色分配
func TestRoom_Join(t *testing.T) {
	tests := []struct {
		name     string
		joiners  []string
		validate func(t *testing.T, room *internal.Room, conns []*fakeConn, ps []*internal.Participant)
	}{
		{
			name:    "first joiner gets X and room waits",
			joiners: []string{"alice"},
			validate: func(t *testing.T, room *internal.Room, conns []*fakeConn, ps []*internal.Participant) {
				assert.Equal(t, internal.RolePlayer, ps[0].Role)
				assert.Equal(t, board.X, ps[0].Mark)
				assert.NotEmpty(t, ps[0].ID)
				assert.Equal(t, internal.StatusWaiting, room.Status())

				assert.Equal(t, []string{internal.TypeJoinedRoom, internal.TypePlayerJoined}, conns[0].Types(t))
				joined := conns[0].Messages(t)[0]
				assert.Equal(t, "R1", joined["roomId"])
				player := joined["player"].(map[string]any)
				assert.Equal(t, "X", player["symbol"])
				assert.Equal(t, "player", player["role"])
			},
		},
		{
			name:    "second joiner gets O and game is ready",
			joiners: []string{"alice", "bob"},
			validate: func(t *testing.T, room *internal.Room, conns []*fakeConn, ps []*internal.Participant) {
				assert.Equal(t, board.O, ps[1].Mark)
				assert.Equal(t, internal.StatusInProgress, room.Status())

				assert.Equal(t, []string{
					internal.TypeJoinedRoom, internal.TypePlayerJoined,
					internal.TypePlayerJoined, internal.TypeGameReady,
				}, conns[0].Types(t))
				assert.Equal(t, []string{
					internal.TypeJoinedRoom, internal.TypePlayerJoined, internal.TypeGameReady,
				}, conns[1].Types(t))

				joined := conns[0].Messages(t)[2]
				assert.Equal(t, float64(2), joined["playersCount"])
			},
		},
		{
			name:    "third and later joiners are spectators",
			joiners: []string{"alice", "bob", "carol", "dave"},
			validate: func(t *testing.T, room *internal.Room, conns []*fakeConn, ps []*internal.Participant) {
				for _, p := range ps[2:] {
					assert.Equal(t, internal.RoleSpectator, p.Role)
					assert.Equal(t, board.Empty, p.Mark)
				}

				// 觀戰者只收到自己的訊息
				assert.Equal(t, []string{internal.TypeJoinedRoom, internal.TypeSpectator}, conns[2].Types(t))
				assert.Len(t, conns[0].Messages(t), 4, "玩家不應收到觀戰者加入通知")

				state := room.Snapshot()
				assert.Len(t, state.Players, 2)
				assert.Equal(t, 2, state.SpectatorsCount)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := newTestRoom("R1")

			var conns []*fakeConn
			var ps []*internal.Participant
			for _, name := range tt.joiners {
				c := newFakeConn(name)
				p, err := room.Join(c, name)
				require.NoError(t, err)
				conns = append(conns, c)
				ps = append(ps, p)
			}

			tt.validate(t, room, conns, ps)
		})
	}
}

// TestRoom_JoinTwice 同一連接重複加入回傳原參與者
func TestRoom_JoinTwice(t *testing.T) {
	room := newTestRoom("R1")
	c := newFakeConn("alice")

	p1, err := room.Join(c, "alice")
	require.NoError(t, err)
	count := c.Count()

	p2, err := room.Join(c, "alice")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, count, c.Count())
	assert.Len(t, room.Snapshot().Players, 1)
}

// TestRoom_WinScenario 完整對局直到 X 獲勝
func TestRoom_WinScenario(t *testing.T) {
	room := newTestRoom("R1")
	alice, bob := newFakeConn("alice"), newFakeConn("bob")

	_, err := room.Join(alice, "alice")
	require.NoError(t, err)
	assert.Equal(t, internal.StatusWaiting, room.Status())

	_, err = room.Join(bob, "bob")
	require.NoError(t, err)
	assert.Equal(t, internal.StatusInProgress, room.Status())

	res, err := room.Move(alice, 0)
	require.NoError(t, err)
	assert.Equal(t, internal.GameContinue, res.Status)
	state := room.Snapshot()
	assert.Equal(t, "X", state.Board[0])
	assert.Equal(t, board.O, state.CurrentPlayer)

	// 已佔用的格子
	before := bob.Count()
	_, err = room.Move(bob, 0)
	assert.ErrorIs(t, err, apperrors.ErrCellOccupied)
	assert.Equal(t, before, bob.Count(), "非法落子不廣播")
	assert.Equal(t, state, room.Snapshot())

	for _, step := range []struct {
		conn *fakeConn
		pos  int
	}{{bob, 4}, {alice, 1}, {bob, 3}} {
		_, err := room.Move(step.conn, step.pos)
		require.NoError(t, err)
	}

	res, err = room.Move(alice, 2)
	require.NoError(t, err)
	assert.Equal(t, internal.GameWin, res.Status)
	assert.Equal(t, board.X, res.Winner)
	assert.Equal(t, []int{0, 1, 2}, res.WinningLine)

	state = room.Snapshot()
	assert.Equal(t, internal.Score{X: 1, O: 0, Ties: 0}, state.Score)
	assert.False(t, state.GameActive)
	assert.Equal(t, internal.StatusConcluded, room.Status())
	assert.Equal(t, []string{"X", "X", "X", "O", "O", "", "", "", ""}, state.Board)

	last := bob.Last(t)
	assert.Equal(t, internal.TypeMove, last["type"])
	assert.Equal(t, "win", last["gameStatus"])
	assert.Equal(t, "X", last["winner"])
	assert.Equal(t, []any{float64(0), float64(1), float64(2)}, last["winningLine"])
	assert.Equal(t, map[string]any{"X": float64(1), "O": float64(0), "ties": float64(0)}, last["score"])

	// 結束後不能再落子
	_, err = room.Move(bob, 8)
	assert.ErrorIs(t, err, apperrors.ErrGameNotActive)
}

// TestRoom_TieScenario 下滿棋盤沒有連線
func TestRoom_TieScenario(t *testing.T) {
	room := newTestRoom("R1")
	alice, bob := newFakeConn("alice"), newFakeConn("bob")
	_, _ = room.Join(alice, "alice")
	_, _ = room.Join(bob, "bob")

	moves := []int{0, 1, 2, 4, 3, 5, 7, 6, 8}
	var res *internal.MoveResult
	for i, pos := range moves {
		conn := alice
		if i%2 == 1 {
			conn = bob
		}
		var err error
		res, err = room.Move(conn, pos)
		require.NoError(t, err, "move %d", i)
		if i < len(moves)-1 {
			require.Equal(t, internal.GameContinue, res.Status, "move %d", i)
		}
	}

	assert.Equal(t, internal.GameTie, res.Status)
	assert.Equal(t, board.Empty, res.Winner)

	state := room.Snapshot()
	assert.Equal(t, internal.Score{Ties: 1}, state.Score)
	assert.False(t, state.GameActive)
	assert.Equal(t, internal.StatusConcluded, room.Status())
	assert.Equal(t, "tie", alice.Last(t)["gameStatus"])
}

// TestRoom_MoveRejections 非法落子
func TestRoom_MoveRejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(room *internal.Room, alice, bob, carol *fakeConn)
		conn    func(alice, bob, carol *fakeConn) *fakeConn
		index   int
		wantErr error
	}{
		{
			name: "not in room",
			setup: func(room *internal.Room, alice, bob, carol *fakeConn) {
				_, _ = room.Join(alice, "alice")
				_, _ = room.Join(bob, "bob")
			},
			conn:    func(alice, bob, carol *fakeConn) *fakeConn { return carol },
			index:   0,
			wantErr: apperrors.ErrNotPlayer,
		},
		{
			name: "spectator cannot move",
			setup: func(room *internal.Room, alice, bob, carol *fakeConn) {
				_, _ = room.Join(alice, "alice")
				_, _ = room.Join(bob, "bob")
				_, _ = room.Join(carol, "carol")
			},
			conn:    func(alice, bob, carol *fakeConn) *fakeConn { return carol },
			index:   0,
			wantErr: apperrors.ErrNotPlayer,
		},
		{
			name: "waiting for second player",
			setup: func(room *internal.Room, alice, bob, carol *fakeConn) {
				_, _ = room.Join(alice, "alice")
			},
			conn:    func(alice, bob, carol *fakeConn) *fakeConn { return alice },
			index:   0,
			wantErr: apperrors.ErrGameNotActive,
		},
		{
			name: "not your turn",
			setup: func(room *internal.Room, alice, bob, carol *fakeConn) {
				_, _ = room.Join(alice, "alice")
				_, _ = room.Join(bob, "bob")
			},
			conn:    func(alice, bob, carol *fakeConn) *fakeConn { return bob },
			index:   0,
			wantErr: apperrors.ErrNotYourTurn,
		},
		{
			name: "index too large",
			setup: func(room *internal.Room, alice, bob, carol *fakeConn) {
				_, _ = room.Join(alice, "alice")
				_, _ = room.Join(bob, "bob")
			},
			conn:    func(alice, bob, carol *fakeConn) *fakeConn { return alice },
			index:   9,
			wantErr: apperrors.ErrInvalidPosition,
		},
		{
			name: "negative index",
			setup: func(room *internal.Room, alice, bob, carol *fakeConn) {
				_, _ = room.Join(alice, "alice")
				_, _ = room.Join(bob, "bob")
			},
			conn:    func(alice, bob, carol *fakeConn) *fakeConn { return alice },
			index:   -1,
			wantErr: apperrors.ErrInvalidPosition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := newTestRoom("R1")
			alice, bob, carol := newFakeConn("alice"), newFakeConn("bob"), newFakeConn("carol")
			tt.setup(room, alice, bob, carol)

			before := room.Snapshot()
			counts := []int{alice.Count(), bob.Count(), carol.Count()}

			res, err := room.Move(tt.conn(alice, bob, carol), tt.index)

			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, apperrors.IsIllegalMove(err))
			assert.Equal(t, before, room.Snapshot())
			assert.Equal(t, counts, []int{alice.Count(), bob.Count(), carol.Count()})
		})
	}
}

// TestRoom_MoveFlipsOnlyTurn 未結束的落子只改變一格與回合
func TestRoom_MoveFlipsOnlyTurn(t *testing.T) {
	room := newTestRoom("R1")
	alice, bob := newFakeConn("alice"), newFakeConn("bob")
	_, _ = room.Join(alice, "alice")
	_, _ = room.Join(bob, "bob")

	before := room.Snapshot()
	_, err := room.Move(alice, 4)
	require.NoError(t, err)
	after := room.Snapshot()

	assert.Equal(t, board.X, before.CurrentPlayer)
	assert.Equal(t, board.O, after.CurrentPlayer)
	assert.Equal(t, before.Score, after.Score)
	assert.Equal(t, before.Players, after.Players)
	assert.Equal(t, before.GameActive, after.GameActive)
	for i := range before.Board {
		if i == 4 {
			assert.Equal(t, "X", after.Board[i])
			continue
		}
		assert.Equal(t, before.Board[i], after.Board[i])
	}

	// 每位成員恰好收到一則 move
	assert.Equal(t, internal.TypeMove, alice.Last(t)["type"])
	assert.Equal(t, "continue", bob.Last(t)["gameStatus"])
	assert.Equal(t, "O", bob.Last(t)["currentPlayer"])
}

// TestRoom_ResetGame 重置棋盤
func TestRoom_ResetGame(t *testing.T) {
	t.Run("after win keeps score", func(t *testing.T) {
		room := newTestRoom("R1")
		alice, bob := newFakeConn("alice"), newFakeConn("bob")
		_, _ = room.Join(alice, "alice")
		_, _ = room.Join(bob, "bob")
		for i, pos := range []int{0, 3, 1, 4, 2} {
			conn := alice
			if i%2 == 1 {
				conn = bob
			}
			_, err := room.Move(conn, pos)
			require.NoError(t, err)
		}
		require.Equal(t, internal.StatusConcluded, room.Status())

		require.NoError(t, room.ResetGame(bob))

		state := room.Snapshot()
		assert.Equal(t, internal.StatusInProgress, room.Status())
		assert.True(t, state.GameActive)
		assert.Equal(t, board.X, state.CurrentPlayer)
		assert.Equal(t, make([]string, 9), state.Board)
		assert.Equal(t, internal.Score{X: 1}, state.Score)

		last := alice.Last(t)
		assert.Equal(t, internal.TypeGameReset, last["type"])
		assert.Equal(t, make([]string, 9), boardOf(t, last))
	})

	t.Run("from waiting", func(t *testing.T) {
		room := newTestRoom("R1")
		alice := newFakeConn("alice")
		_, _ = room.Join(alice, "alice")

		require.NoError(t, room.ResetGame(alice))
		assert.Equal(t, internal.StatusInProgress, room.Status())
		assert.Len(t, room.Snapshot().Players, 1)
	})

	t.Run("spectator cannot reset", func(t *testing.T) {
		room := newTestRoom("R1")
		conns := []*fakeConn{newFakeConn("a"), newFakeConn("b"), newFakeConn("c")}
		for _, c := range conns {
			_, _ = room.Join(c, c.id)
		}
		_, _ = room.Move(conns[0], 0)

		err := room.ResetGame(conns[2])
		assert.ErrorIs(t, err, apperrors.ErrNotPlayer)
		assert.Equal(t, "X", room.Snapshot().Board[0])
	})
}

// TestRoom_ResetScore 比分歸零（冪等）
func TestRoom_ResetScore(t *testing.T) {
	room := newTestRoom("R1")
	alice, bob := newFakeConn("alice"), newFakeConn("bob")
	_, _ = room.Join(alice, "alice")
	_, _ = room.Join(bob, "bob")
	for i, pos := range []int{0, 3, 1, 4, 2} {
		conn := alice
		if i%2 == 1 {
			conn = bob
		}
		_, _ = room.Move(conn, pos)
	}
	require.Equal(t, internal.Score{X: 1}, room.Snapshot().Score)

	for i := 0; i < 2; i++ {
		require.NoError(t, room.ResetScore(alice))
		assert.Equal(t, internal.Score{}, room.Snapshot().Score)

		last := bob.Last(t)
		assert.Equal(t, internal.TypeScoreReset, last["type"])
		assert.Equal(t, map[string]any{"X": float64(0), "O": float64(0), "ties": float64(0)}, last["score"])
	}

	// 棋盤與狀態不受影響
	assert.Equal(t, internal.StatusConcluded, room.Status())
}

// TestRoom_Leave 測試離開房間
func TestRoom_Leave(t *testing.T) {
	t.Run("player leaves mid-game", func(t *testing.T) {
		room := newTestRoom("R1")
		alice, bob := newFakeConn("alice"), newFakeConn("bob")
		_, _ = room.Join(alice, "alice")
		_, _ = room.Join(bob, "bob")
		_, _ = room.Move(alice, 0)

		p, empty := room.Leave(alice)
		require.NotNil(t, p)
		assert.Equal(t, "alice", p.Name)
		assert.False(t, empty)

		last := bob.Last(t)
		assert.Equal(t, internal.TypePlayerLeft, last["type"])
		assert.Equal(t, "alice left the game", last["message"])
		assert.Equal(t, float64(1), last["playersCount"])

		state := room.Snapshot()
		assert.Len(t, state.Players, 1)
		assert.Equal(t, 0, state.SpectatorsCount)
		assert.Equal(t, "X", state.Board[0], "棋盤不變")
		assert.Equal(t, internal.StatusInProgress, room.Status(), "不退回等待狀態")
	})

	t.Run("spectator leaves silently", func(t *testing.T) {
		room := newTestRoom("R1")
		conns := []*fakeConn{newFakeConn("a"), newFakeConn("b"), newFakeConn("c")}
		for _, c := range conns {
			_, _ = room.Join(c, c.id)
		}
		before := conns[0].Count()

		p, empty := room.Leave(conns[2])
		require.NotNil(t, p)
		assert.Equal(t, internal.RoleSpectator, p.Role)
		assert.False(t, empty)
		assert.Equal(t, before, conns[0].Count())
		assert.Equal(t, 0, room.Snapshot().SpectatorsCount)
	})

	t.Run("freed mark goes to next joiner", func(t *testing.T) {
		room := newTestRoom("R1")
		alice, bob, carol := newFakeConn("alice"), newFakeConn("bob"), newFakeConn("carol")
		_, _ = room.Join(alice, "alice")
		_, _ = room.Join(bob, "bob")
		room.Leave(alice)

		p, err := room.Join(carol, "carol")
		require.NoError(t, err)
		assert.Equal(t, internal.RolePlayer, p.Role)
		assert.Equal(t, board.X, p.Mark)

		marks := map[board.Mark]bool{}
		for _, pl := range room.Snapshot().Players {
			marks[pl.Symbol] = true
		}
		assert.Len(t, marks, 2)
	})

	t.Run("last participant leaves", func(t *testing.T) {
		room := newTestRoom("R1")
		alice := newFakeConn("alice")
		_, _ = room.Join(alice, "alice")

		_, empty := room.Leave(alice)
		assert.True(t, empty)
		assert.True(t, room.IsEmpty())
	})

	t.Run("unknown connection", func(t *testing.T) {
		room := newTestRoom("R1")
		_, _ = room.Join(newFakeConn("alice"), "alice")

		p, empty := room.Leave(newFakeConn("ghost"))
		assert.Nil(t, p)
		assert.False(t, empty)
	})
}

// TestRoom_ReplacementJoin 補位玩家加入時不宣告開局，狀態不變
func TestRoom_ReplacementJoin(t *testing.T) {
	tests := []struct {
		name       string
		moves      []int
		wantStatus internal.RoomStatus
	}{
		{name: "in progress", moves: []int{0}, wantStatus: internal.StatusInProgress},
		{name: "concluded", moves: []int{0, 3, 1, 4, 2}, wantStatus: internal.StatusConcluded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := newTestRoom("R1")
			alice, bob, carol := newFakeConn("alice"), newFakeConn("bob"), newFakeConn("carol")
			_, _ = room.Join(alice, "alice")
			_, _ = room.Join(bob, "bob")
			for i, pos := range tt.moves {
				mover := alice
				if i%2 == 1 {
					mover = bob
				}
				_, err := room.Move(mover, pos)
				require.NoError(t, err)
			}
			room.Leave(bob)
			alice.Reset()

			p, err := room.Join(carol, "carol")
			require.NoError(t, err)
			assert.Equal(t, board.O, p.Mark)

			assert.Equal(t, []string{internal.TypeJoinedRoom, internal.TypePlayerJoined}, carol.Types(t))
			assert.Equal(t, []string{internal.TypePlayerJoined}, alice.Types(t))
			assert.Equal(t, tt.wantStatus, room.Status())
		})
	}
}

// TestRoom_Resync 重送 joinedRoom 不改變成員與狀態
func TestRoom_Resync(t *testing.T) {
	room := newTestRoom("R1")
	alice, bob := newFakeConn("alice"), newFakeConn("bob")
	_, _ = room.Join(alice, "alice")
	_, _ = room.Join(bob, "bob")
	_, err := room.Move(alice, 4)
	require.NoError(t, err)
	alice.Reset()
	bob.Reset()
	before := room.Snapshot()

	p, err := room.Resync(alice)
	require.NoError(t, err)
	assert.Equal(t, board.X, p.Mark)

	assert.Equal(t, []string{internal.TypeJoinedRoom}, alice.Types(t))
	last := alice.Last(t)
	assert.Equal(t, "R1", last["roomId"])
	assert.Equal(t, "Joined room R1 as X", last["message"])
	assert.Equal(t, "X", boardOf(t, last["gameState"].(map[string]any))[4])
	assert.Equal(t, 0, bob.Count())
	assert.Equal(t, before, room.Snapshot())

	_, err = room.Resync(newFakeConn("ghost"))
	assert.ErrorIs(t, err, apperrors.ErrNotInRoom)
}

// TestRoom_FullBuffer 緩衝區滿的連接不影響其他成員
func TestRoom_FullBuffer(t *testing.T) {
	room := newTestRoom("R1")
	alice, bob := newFakeConn("alice"), newFakeConn("bob")
	_, _ = room.Join(alice, "alice")
	_, _ = room.Join(bob, "bob")

	bob.full = true
	_, err := room.Move(alice, 0)
	require.NoError(t, err)

	assert.Equal(t, internal.TypeMove, alice.Last(t)["type"])
	assert.Equal(t, board.O, room.Snapshot().CurrentPlayer)
}

// TestRoom_Events 測試房間事件發布
func TestRoom_Events(t *testing.T) {
	pub := &recordingPublisher{}
	room := internal.NewRoom("R1", quietLogger(), pub)
	alice, bob := newFakeConn("alice"), newFakeConn("bob")

	_, _ = room.Join(alice, "alice")
	_, _ = room.Join(bob, "bob")
	for i, pos := range []int{0, 3, 1, 4, 2} {
		conn := alice
		if i%2 == 1 {
			conn = bob
		}
		_, _ = room.Move(conn, pos)
	}
	room.Leave(bob)

	assert.Equal(t, []string{
		internal.EventPlayerJoined,
		internal.EventPlayerJoined,
		internal.EventGameConcluded,
		internal.EventPlayerLeft,
	}, pub.Types())

	// 發布失敗不影響對局
	pub.err = errors.New("nats down")
	_, err := room.Join(newFakeConn("carol"), "carol")
	assert.NoError(t, err)
}

// TestRoom_ConcurrentJoin 並發加入只有兩位玩家
func TestRoom_ConcurrentJoin(t *testing.T) {
	room := newTestRoom("R1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := room.Join(newFakeConn(fmt.Sprintf("c%d", i)), fmt.Sprintf("player%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	state := room.Snapshot()
	require.Len(t, state.Players, 2)
	assert.Equal(t, 18, state.SpectatorsCount)
	assert.NotEqual(t, state.Players[0].Symbol, state.Players[1].Symbol)
}

// TestRoom_ConcurrentMoves 兩位玩家並發落子，棋子數差不超過 1
func TestRoom_ConcurrentMoves(t *testing.T) {
	for round := 0; round < 20; round++ {
		room := newTestRoom("R1")
		alice, bob := newFakeConn("alice"), newFakeConn("bob")
		_, _ = room.Join(alice, "alice")
		_, _ = room.Join(bob, "bob")

		var wg sync.WaitGroup
		for _, conn := range []*fakeConn{alice, bob} {
			wg.Add(1)
			go func(conn *fakeConn) {
				defer wg.Done()
				for attempt := 0; attempt < 50; attempt++ {
					_, _ = room.Move(conn, attempt%9)
				}
			}(conn)
		}
		wg.Wait()

		var b board.Board
		for i, cell := range room.Snapshot().Board {
			b[i] = board.Mark(cell)
		}
		diff := board.Count(b, board.X) - board.Count(b, board.O)
		assert.True(t, diff == 0 || diff == 1, "board %v", b)
	}
}
