package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/caro-server/internal/directory"
	"github.com/caro-server/internal/domain"
	"github.com/caro-server/internal/invite"
	"github.com/caro-server/internal/match"
	"github.com/caro-server/internal/protocol"
	"github.com/caro-server/internal/session"
)

var epoch = time.Unix(1700000000, 0)

type memorySink struct {
	mu      sync.Mutex
	records []domain.MatchRecord
}

func (s *memorySink) Record(_ context.Context, rec domain.MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memorySink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type testServer struct {
	srv    *Server
	clock  *clockwork.FakeClock
	engine *match.Engine
	dir    *directory.Directory
	sink   *memorySink
	addr   string
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(epoch)
	sink := &memorySink{}
	dir := directory.New(logger)
	engine := match.NewEngine(match.Config{BoardSize: 15, ThinkTime: 15 * time.Second}, clock, sink, logger)
	ledger := invite.NewLedger(dir, engine, clock, 0, logger)

	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = 4096
	}
	if cfg.MaxNameLength == 0 {
		cfg.MaxNameLength = 32
	}
	cfg.WriteWait = time.Second
	srv := New(cfg, dir, ledger, engine, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &testServer{srv: srv, clock: clock, engine: engine, dir: dir, sink: sink, addr: ln.Addr().String()}
}

type client struct {
	t      *testing.T
	conn   net.Conn
	reader *protocol.Reader
}

func (ts *testServer) dial(t *testing.T) *client {
	t.Helper()
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, reader: protocol.NewReader(conn, 1<<16)}
}

func (ts *testServer) login(t *testing.T, name string) *client {
	t.Helper()
	c := ts.dial(t)
	c.send(&protocol.Login{Name: name})
	_, ok := c.expect().(*protocol.LoginOK)
	require.True(t, ok)
	return c
}

func (c *client) send(msg protocol.Message) {
	c.t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(c.t, err)
	_, err = c.conn.Write(data)
	require.NoError(c.t, err)
}

func (c *client) sendRaw(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *client) expect() protocol.Message {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := c.read()
	require.NoError(c.t, err)
	return msg
}

func (c *client) read() (protocol.Message, error) {
	frame, err := c.reader.ReadFrame()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(frame)
}

// waitFor skips records until one of type typ arrives
func (c *client) waitFor(typ protocol.Type) protocol.Message {
	c.t.Helper()
	for {
		msg := c.expect()
		if msg.MessageType() == typ {
			return msg
		}
	}
}

func (c *client) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		msg, err := c.read()
		if err != nil {
			require.ErrorIs(c.t, err, protocol.ErrFraming)
			return
		}
		require.Equal(c.t, protocol.TypeUserList, msg.MessageType())
	}
}

func startMatch(t *testing.T, ts *testServer) (an, binh *client) {
	t.Helper()
	an = ts.login(t, "an")
	binh = ts.login(t, "binh")

	an.send(&protocol.Challenge{Opponent: "binh"})
	require.Equal(t, &protocol.Invite{From: "an"}, binh.waitFor(protocol.TypeInvite))

	binh.send(&protocol.Accept{Opponent: "an"})
	require.Equal(t, &protocol.MatchStart{You: "X", Opponent: "binh", Size: 15}, an.waitFor(protocol.TypeMatchStart))
	require.Equal(t, &protocol.YourTurn{Deadline: epoch.Add(15 * time.Second).Unix()}, an.waitFor(protocol.TypeYourTurn))
	require.Equal(t, &protocol.MatchStart{You: "O", Opponent: "an", Size: 15}, binh.waitFor(protocol.TypeMatchStart))
	return an, binh
}

func TestLoginAndRoster(t *testing.T) {
	ts := newTestServer(t, Config{})

	an := ts.login(t, "an")
	require.Equal(t, &protocol.UserList{Users: []string{"an"}}, an.waitFor(protocol.TypeUserList))

	binh := ts.dial(t)
	binh.send(&protocol.Login{Name: "  binh  "})
	require.Equal(t, &protocol.LoginOK{Users: []string{"an", "binh"}}, binh.expect())
	require.Equal(t, &protocol.UserList{Users: []string{"an", "binh"}}, binh.waitFor(protocol.TypeUserList))
	require.Equal(t, &protocol.UserList{Users: []string{"an", "binh"}}, an.waitFor(protocol.TypeUserList))
}

func TestLoginRejections(t *testing.T) {
	ts := newTestServer(t, Config{MaxNameLength: 8})
	an := ts.login(t, "an")

	tests := []struct {
		name  string
		first string
		want  string
	}{
		{"name taken", `{"type":"login","name":"an"}`, "name already in use"},
		{"not a login", `{"type":"challenge","opponent":"an"}`, "must login first"},
		{"unknown type", `{"type":"hello"}`, "must login first"},
		{"empty name", `{"type":"login","name":"   "}`, domain.ErrEmptyName.Error()},
		{"too long", `{"type":"login","name":"abcdefghij"}`, domain.ErrNameTooLong.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ts.dial(t)
			c.sendRaw(tt.first)
			require.Equal(t, &protocol.Error{Msg: tt.want}, c.expect())
			c.expectClosed()
		})
	}

	// the original session is unaffected
	an.send(&protocol.Challenge{Opponent: "ghost"})
	require.Equal(t, &protocol.Error{Msg: "opponent not found"}, an.waitFor(protocol.TypeError))
	require.Equal(t, []string{"an"}, ts.dir.List())
}

func TestProtocolErrorKeepsConnection(t *testing.T) {
	ts := newTestServer(t, Config{})
	an := ts.login(t, "an")

	an.sendRaw(`{"type":"resign"}`)
	_, ok := an.waitFor(protocol.TypeError).(*protocol.Error)
	require.True(t, ok)

	an.sendRaw(`not json`)
	require.Equal(t, &protocol.Error{Msg: "malformed record"}, an.waitFor(protocol.TypeError))

	an.sendRaw(`{"type":"move","x":"seven","y":7}`)
	require.Equal(t, &protocol.Error{Msg: "malformed record"}, an.waitFor(protocol.TypeError))

	an.send(&protocol.Login{Name: "an"})
	require.Equal(t, &protocol.Error{Msg: "already logged in"}, an.waitFor(protocol.TypeError))

	an.send(&protocol.Move{X: protocol.IntPtr(1), Y: protocol.IntPtr(1)})
	require.Equal(t, &protocol.Error{Msg: "not in a match"}, an.waitFor(protocol.TypeError))
}

func TestChallengeAcceptAndMove(t *testing.T) {
	ts := newTestServer(t, Config{})
	an, binh := startMatch(t, ts)

	an.send(&protocol.Move{X: protocol.IntPtr(7), Y: protocol.IntPtr(7)})
	require.Equal(t, &protocol.MoveOK{X: 7, Y: 7, Symbol: "X"}, an.waitFor(protocol.TypeMoveOK))
	require.Equal(t, &protocol.OpponentMove{X: 7, Y: 7, Symbol: "X"}, binh.waitFor(protocol.TypeOpponentMove))
	require.Equal(t, &protocol.YourTurn{Deadline: epoch.Add(15 * time.Second).Unix()}, binh.waitFor(protocol.TypeYourTurn))

	an.send(&protocol.Move{X: protocol.IntPtr(8), Y: protocol.IntPtr(8)})
	require.Equal(t, &protocol.Error{Msg: "not your turn"}, an.waitFor(protocol.TypeError))

	binh.send(&protocol.Move{X: protocol.IntPtr(7), Y: protocol.IntPtr(7)})
	require.Equal(t, &protocol.Error{Msg: "occupied"}, binh.waitFor(protocol.TypeError))

	binh.send(&protocol.Move{X: protocol.IntPtr(20), Y: protocol.IntPtr(7)})
	require.Equal(t, &protocol.Error{Msg: "bad coords"}, binh.waitFor(protocol.TypeError))

	binh.send(&protocol.Chat{Text: "nice"})
	require.Equal(t, &protocol.Chat{From: "binh", Text: "nice"}, an.waitFor(protocol.TypeChat))
}

func TestWinOverTheWire(t *testing.T) {
	ts := newTestServer(t, Config{})
	an, binh := startMatch(t, ts)

	for i := 0; i < 4; i++ {
		an.send(&protocol.Move{X: protocol.IntPtr(i), Y: protocol.IntPtr(0)})
		binh.waitFor(protocol.TypeYourTurn)
		binh.send(&protocol.Move{X: protocol.IntPtr(i), Y: protocol.IntPtr(1)})
		an.waitFor(protocol.TypeYourTurn)
	}
	an.send(&protocol.Move{X: protocol.IntPtr(4), Y: protocol.IntPtr(0)})

	require.Equal(t, &protocol.MatchEnd{Reason: "win", Winner: "you"}, an.waitFor(protocol.TypeMatchEnd))
	require.Equal(t, &protocol.MatchEnd{Reason: "win", Winner: "opponent"}, binh.waitFor(protocol.TypeMatchEnd))
	require.Eventually(t, func() bool { return ts.engine.Count() == 0 && ts.sink.len() == 1 }, time.Second, 5*time.Millisecond)

	// both players are free again
	binh.send(&protocol.Challenge{Opponent: "an"})
	require.Equal(t, &protocol.Invite{From: "binh"}, an.waitFor(protocol.TypeInvite))
}

func TestTimeoutOverTheWire(t *testing.T) {
	ts := newTestServer(t, Config{})
	an, binh := startMatch(t, ts)

	ts.clock.Advance(15 * time.Second)

	require.Equal(t, &protocol.MatchEnd{Reason: "timeout", Winner: "opponent"}, an.waitFor(protocol.TypeMatchEnd))
	require.Equal(t, &protocol.MatchEnd{Reason: "timeout", Winner: "you"}, binh.waitFor(protocol.TypeMatchEnd))
}

func TestDisconnectForfeitsAndUpdatesRoster(t *testing.T) {
	ts := newTestServer(t, Config{})
	an, binh := startMatch(t, ts)

	binh.conn.Close()

	require.Equal(t, &protocol.MatchEnd{Reason: "disconnect", Winner: "you"}, an.waitFor(protocol.TypeMatchEnd))
	require.Equal(t, &protocol.UserList{Users: []string{"an"}}, an.waitFor(protocol.TypeUserList))
	require.Eventually(t, func() bool { return ts.sink.len() == 1 }, time.Second, 5*time.Millisecond)

	// the name is free again
	ts.login(t, "binh")
}

func TestDisconnectPurgesInvites(t *testing.T) {
	ts := newTestServer(t, Config{})
	an := ts.login(t, "an")
	binh := ts.login(t, "binh")

	an.send(&protocol.Challenge{Opponent: "binh"})
	binh.waitFor(protocol.TypeInvite)

	an.conn.Close()
	require.Equal(t, &protocol.UserList{Users: []string{"binh"}}, lastRoster(binh, []string{"binh"}))

	ts.login(t, "an")
	binh.send(&protocol.Accept{Opponent: "an"})
	require.Equal(t, &protocol.Error{Msg: "no invite found"}, binh.waitFor(protocol.TypeError))
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: 0.001, RateBurst: 1})
	an := ts.login(t, "an")

	an.send(&protocol.Chat{Text: "one"})
	an.send(&protocol.Chat{Text: "two"})
	require.Equal(t, &protocol.Error{Msg: "rate limit exceeded"}, an.waitFor(protocol.TypeError))
}

func TestShutdownClosesSessions(t *testing.T) {
	ts := newTestServer(t, Config{})
	an := ts.login(t, "an")

	ts.srv.Shutdown()
	an.expectClosed()
	require.Zero(t, ts.srv.SessionCount())
}

func TestServeConnOverPipe(t *testing.T) {
	ts := newTestServer(t, Config{})
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	go ts.srv.ServeConn(context.Background(), session.NewLineConn(serverSide, 4096, time.Second))

	c := &client{t: t, conn: clientSide, reader: protocol.NewReader(clientSide, 4096)}
	c.send(&protocol.Login{Name: "pipe"})
	require.Equal(t, &protocol.LoginOK{Users: []string{"pipe"}}, c.expect())
}

func lastRoster(c *client, want []string) protocol.Message {
	c.t.Helper()
	for {
		msg := c.waitFor(protocol.TypeUserList)
		if ul := msg.(*protocol.UserList); len(ul.Users) == len(want) {
			return msg
		}
	}
}

func TestDroppedFramesSurviveSessionClose(t *testing.T) {
	ts := newTestServer(t, Config{Session: session.Options{SendBuffer: 1, Overflow: session.OverflowDrop}})
	clientSide, serverSide := net.Pipe()

	go ts.srv.ServeConn(context.Background(), session.NewLineConn(serverSide, 4096, 0))

	c := &client{t: t, conn: clientSide, reader: protocol.NewReader(clientSide, 4096)}
	c.send(&protocol.Login{Name: "slow"})
	require.Equal(t, &protocol.LoginOK{Users: []string{"slow"}}, c.expect())

	// the client stops reading, so the pump stalls and the queue fills
	for i := 0; i < 6; i++ {
		ts.dir.Broadcast(&protocol.Chat{From: "server", Text: "tick"})
	}
	require.Eventually(t, func() bool { return ts.srv.DroppedFrames() >= 3 }, 2*time.Second, 10*time.Millisecond)
	dropped := ts.srv.DroppedFrames()

	clientSide.Close()
	require.Eventually(t, func() bool { return ts.srv.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, dropped, ts.srv.DroppedFrames())
}
