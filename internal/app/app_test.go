package app

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/chessroom/internal/config"
	"github.com/cory-johannsen/chessroom/internal/game/room"
	"github.com/cory-johannsen/chessroom/internal/game/session"
	"github.com/cory-johannsen/chessroom/internal/testutil"
	"github.com/cory-johannsen/chessroom/internal/transport/httpapi"
)

func defaultConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.LoadFromViper(config.Defaults())
	require.NoError(t, err)
	cfg.HTTP.Host, cfg.HTTP.Port = "127.0.0.1", 0
	cfg.GRPC.Port = 0
	cfg.Server.ShutdownTimeout = 2 * time.Second
	return cfg
}

func TestInitialize_Chess(t *testing.T) {
	a, err := Initialize(defaultConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "chess", a.Engine.Name())
	assert.Same(t, a.Engine, a.Coordinator.Registry().Engine())
}

func TestInitialize_Lua(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Rules.Engine = "lua"
	cfg.Rules.Manifest = "../../content/rules/tictactoe.yaml"

	a, err := Initialize(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "tictactoe", a.Engine.Name())
}

func TestInitialize_Errors(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Rules.Engine = "lua"
	cfg.Rules.Manifest = "does/not/exist.yaml"
	_, err := Initialize(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)

	cfg.Rules.Engine = "checkers"
	_, err = Initialize(cfg, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "checkers")

	cfg = defaultConfig(t)
	cfg.Rules.StartFEN = "not a fen"
	_, err = Initialize(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestApp_RunsAndStops(t *testing.T) {
	a, err := Initialize(defaultConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, a.Lifecycle.Run(ctx))
}

func TestApp_WebsocketSession(t *testing.T) {
	a, err := Initialize(defaultConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- a.HTTP.Serve(lis) }()

	c := testutil.NewWSClient(t, "ws://"+lis.Addr().String()+httpapi.WSPath)
	data, _ := json.Marshal(session.JoinData{RoomID: "lobby"})
	c.Send(session.Request{RequestID: "1", Intent: session.IntentJoin, Data: data})

	ack := c.ReadUntil(testutil.AckFor("1"), 5*time.Second)
	require.True(t, ack.OK, ack.Error)
	var reply session.JoinReply
	require.NoError(t, json.Unmarshal(ack.Data, &reply))
	assert.Equal(t, room.RoleWhite, reply.Role)
	assert.Equal(t, "chess", reply.Engine)

	ev := c.ReadUntil(testutil.EventNamed(session.EventOccupancyUpdate), 5*time.Second)
	var occ session.OccupancyUpdate
	require.NoError(t, json.Unmarshal(ev.Data, &occ))
	assert.Equal(t, "lobby", occ.RoomID)
	assert.NotEmpty(t, occ.White)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.HTTP.Stop(ctx))
	require.NoError(t, <-served)
	assert.Equal(t, 0, a.Coordinator.ConnectionCount())
}
