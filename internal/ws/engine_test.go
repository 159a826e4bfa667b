package ws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-relay/internal/history"
	"chat-relay/internal/mocks"
	"chat-relay/internal/models"
	"chat-relay/internal/moderation"
	"chat-relay/internal/upload"
)

type stubSource struct {
	roster moderation.Roster
}

func (s *stubSource) Fetch(ctx context.Context) (moderation.Roster, error) {
	return s.roster, nil
}

type engineFixture struct {
	hub     *Hub
	engine  *Engine
	history *history.Buffer
	mod     *mocks.ModeratorMock
	arch    *mocks.ArchiverMock
	uploads *mocks.GrantIssuerMock
	now     time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		hub:     NewHub(zap.NewNop()),
		history: history.NewBuffer(200),
		mod:     new(mocks.ModeratorMock),
		arch:    new(mocks.ArchiverMock),
		uploads: new(mocks.GrantIssuerMock),
		now:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(f.hub, f.history, f.mod, f.arch, f.uploads, zap.NewNop(), time.Second)
	f.engine.now = func() time.Time { return f.now }
	return f
}

func (f *engineFixture) connect() *Conn {
	c := newTestConn()
	f.hub.Register(c)
	return c
}

func (f *engineFixture) join(t *testing.T, c *Conn, frame string) {
	t.Helper()
	f.engine.HandleFrame(c, []byte(frame))
}

func TestJoinRepliesWithHistoryThenBroadcastsSystemJoin(t *testing.T) {
	f := newEngineFixture(t)
	f.history.Push(models.Message{Type: models.TypeChat, UserID: "b", Text: "earlier"})

	c := f.connect()
	f.join(t, c, `{"type":"join","userId":"a","nickname":"Alice","city":"Taipei"}`)

	frames := drainFrames(t, c)
	require.Len(t, frames, 2)

	// Private history reply first, holding the buffer as it was before the
	// join.
	require.Equal(t, models.TypeHistory, frames[0].Type)
	require.Len(t, frames[0].Messages, 1)
	require.Equal(t, "earlier", frames[0].Messages[0].Text)

	require.Equal(t, models.TypeSystemJoin, frames[1].Type)
	require.Equal(t, "a", frames[1].UserID)
	require.Contains(t, frames[1].Text, "Alice")

	// The system_join itself entered history.
	require.Equal(t, 2, f.history.Len())
}

func TestRejoinResendsHistoryWithoutSecondSystemJoin(t *testing.T) {
	f := newEngineFixture(t)
	c := f.connect()
	f.join(t, c, `{"type":"join","userId":"a","nickname":"Alice"}`)
	drainFrames(t, c)

	f.join(t, c, `{"type":"join","userId":"a","nickname":"Alice II"}`)

	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	require.Equal(t, models.TypeHistory, frames[0].Type)
	require.Equal(t, "Alice II", c.Identity().Nickname)
}

// Scenario: C1 joins and sends a chat message; C2, already joined, receives
// the broadcast stamped with C1's identity and a relay-assigned timestamp.
func TestChatBroadcastCarriesSenderIdentity(t *testing.T) {
	f := newEngineFixture(t)
	c2 := f.connect()
	f.join(t, c2, `{"type":"join","userId":"b","nickname":"Bob"}`)

	c1 := f.connect()
	f.join(t, c1, `{"type":"join","userId":"a","nickname":"Alice","city":"Taipei"}`)
	drainFrames(t, c1)
	drainFrames(t, c2)

	f.mod.On("MuteStatus", "a").Return(moderation.MuteStatus{}).Once()
	f.mod.On("IsBlocked", "hello").Return(false).Once()
	f.arch.On("Enqueue", mock.MatchedBy(func(e models.ArchiveEntry) bool {
		return e.Kind == models.TypeChat && e.UserID == "a" && e.Content == "hello" &&
			e.City == "Taipei" && e.RemoteAddr == "203.0.113.9"
	})).Once()

	f.engine.HandleFrame(c1, []byte(`{"type":"chat","message":"hello","timestamp":"1999-01-01T00:00:00Z"}`))

	frames := drainFrames(t, c2)
	require.Len(t, frames, 1)
	got := frames[0]
	require.Equal(t, models.TypeChat, got.Type)
	require.Equal(t, "a", got.UserID)
	require.Equal(t, "Alice", got.Nickname)
	require.Equal(t, "Taipei", got.City)
	require.Equal(t, "hello", got.Text)
	require.Equal(t, "2024-06-01T12:00:00Z", got.Timestamp, "timestamp is relay-assigned, never trusted")

	// Sender receives its own broadcast too.
	require.Len(t, drainFrames(t, c1), 1)

	f.mod.AssertExpectations(t)
	f.arch.AssertExpectations(t)
}

func TestMutedChatIsRejectedPrivately(t *testing.T) {
	f := newEngineFixture(t)
	c := f.connect()
	other := f.connect()
	f.join(t, c, `{"type":"join","userId":"a","nickname":"Alice"}`)
	f.join(t, other, `{"type":"join","userId":"b","nickname":"Bob"}`)
	drainFrames(t, c)
	drainFrames(t, other)

	f.mod.On("MuteStatus", "a").Return(moderation.MuteStatus{
		Active: true,
		Until:  f.now.Add(10 * time.Minute),
	}).Once()

	before := f.history.Len()
	f.engine.HandleFrame(c, []byte(`{"type":"chat","message":"hello"}`))

	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	require.Equal(t, models.TypeSystemError, frames[0].Type)

	require.Empty(t, drainFrames(t, other), "no broadcast for a muted sender")
	require.Equal(t, before, f.history.Len(), "nothing pushed to history")
	f.arch.AssertNotCalled(t, "Enqueue", mock.Anything)
	f.mod.AssertNotCalled(t, "IsBlocked", mock.Anything)
}

func TestBlockedWordChatIsRejectedLikeMute(t *testing.T) {
	f := newEngineFixture(t)
	c := f.connect()
	other := f.connect()
	f.join(t, c, `{"type":"join","userId":"a"}`)
	f.join(t, other, `{"type":"join","userId":"b"}`)
	drainFrames(t, c)
	drainFrames(t, other)

	f.mod.On("MuteStatus", "a").Return(moderation.MuteStatus{}).Once()
	f.mod.On("IsBlocked", "buy spam now").Return(true).Once()

	f.engine.HandleFrame(c, []byte(`{"type":"chat","message":"buy spam now"}`))

	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	require.Equal(t, models.TypeSystemError, frames[0].Type)
	require.Empty(t, drainFrames(t, other))
	f.arch.AssertNotCalled(t, "Enqueue", mock.Anything)
}

func TestImageSkipsBlockedWordCheckButNotMute(t *testing.T) {
	f := newEngineFixture(t)
	c := f.connect()
	f.join(t, c, `{"type":"join","userId":"a"}`)
	drainFrames(t, c)

	f.mod.On("MuteStatus", "a").Return(moderation.MuteStatus{}).Once()
	f.arch.On("Enqueue", mock.Anything).Once()

	f.engine.HandleFrame(c, []byte(`{"type":"image","imageUrl":"https://cdn.example.com/x.png"}`))

	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	require.Equal(t, "https://cdn.example.com/x.png", frames[0].ImageURL)
	f.mod.AssertNotCalled(t, "IsBlocked", mock.Anything)
	f.arch.AssertExpectations(t)
}

// Scenario: a mute observed now for "0d10m" rejects an immediate message;
// eleven simulated minutes later the same message goes through.
func TestMuteExpiryEndToEnd(t *testing.T) {
	f := newEngineFixture(t)
	src := &stubSource{roster: moderation.Roster{
		Blacklist: []moderation.RosterRecord{{UserID: "a", DurationSpec: "0d10m"}},
	}}
	snap := moderation.NewSnapshot(src, zap.NewNop())
	snap.SetClock(func() time.Time { return f.now })
	require.NoError(t, snap.Refresh(context.Background()))
	f.engine.moderation = snap

	c := f.connect()
	f.join(t, c, `{"type":"join","userId":"a","nickname":"Alice"}`)
	drainFrames(t, c)
	f.arch.On("Enqueue", mock.Anything).Once()

	f.engine.HandleFrame(c, []byte(`{"type":"chat","message":"hello"}`))
	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	require.Equal(t, models.TypeSystemError, frames[0].Type)

	snap.SetClock(func() time.Time { return f.now.Add(11 * time.Minute) })
	f.engine.HandleFrame(c, []byte(`{"type":"chat","message":"hello"}`))
	frames = drainFrames(t, c)
	require.Len(t, frames, 1)
	require.Equal(t, models.TypeChat, frames[0].Type)
	require.Equal(t, "hello", frames[0].Text)
}

func TestChatBeforeJoinIsDropped(t *testing.T) {
	f := newEngineFixture(t)
	c := f.connect()

	f.engine.HandleFrame(c, []byte(`{"type":"chat","message":"hello"}`))
	require.Empty(t, drainFrames(t, c))
}

func TestMalformedFrameIsDroppedSilently(t *testing.T) {
	f := newEngineFixture(t)
	c := f.connect()
	f.join(t, c, `{"type":"join","userId":"a"}`)
	drainFrames(t, c)

	f.engine.HandleFrame(c, []byte(`{not json`))
	f.engine.HandleFrame(c, []byte(`{"type":"warp_drive"}`))
	require.Empty(t, drainFrames(t, c))
}

func TestPingAnsweredWithPongInAnyState(t *testing.T) {
	f := newEngineFixture(t)
	c := f.connect()
	c.alive.Store(false)

	f.engine.HandleFrame(c, []byte(`{"type":"ping"}`))

	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	require.Equal(t, models.TypePong, frames[0].Type)
	require.True(t, c.alive.Load(), "ping re-arms liveness")
}

func TestUploadRequestRepliesPrivately(t *testing.T) {
	f := newEngineFixture(t)
	c := f.connect()
	other := f.connect()
	f.join(t, c, `{"type":"join","userId":"a"}`)
	f.join(t, other, `{"type":"join","userId":"b"}`)
	drainFrames(t, c)
	drainFrames(t, other)

	f.uploads.On("RequestUploadGrant", mock.Anything, "photo.png").Return(upload.Grant{
		WriteURL:  "https://blob.example.com/put?sig=abc",
		PublicURL: "https://blob.example.com/chat-uploads/photo.png",
	}, nil).Once()

	f.engine.HandleFrame(c, []byte(`{"type":"upload_request","fileName":"photo.png"}`))

	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	require.Equal(t, models.TypeUploadResponse, frames[0].Type)
	require.Equal(t, "https://blob.example.com/put?sig=abc", frames[0].WriteURL)
	require.Empty(t, drainFrames(t, other), "grants are never broadcast")
	f.uploads.AssertExpectations(t)
}

func TestUploadGrantFailureReportsToRequesterOnly(t *testing.T) {
	f := newEngineFixture(t)
	c := f.connect()
	other := f.connect()
	f.join(t, c, `{"type":"join","userId":"a"}`)
	f.join(t, other, `{"type":"join","userId":"b"}`)
	drainFrames(t, c)
	drainFrames(t, other)

	f.uploads.On("RequestUploadGrant", mock.Anything, "photo.png").
		Return(upload.Grant{}, context.DeadlineExceeded).Once()

	f.engine.HandleFrame(c, []byte(`{"type":"upload_request","fileName":"photo.png"}`))

	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	require.Equal(t, models.TypeSystemError, frames[0].Type)
	require.Empty(t, drainFrames(t, other))
}

func TestNicknameChangeBroadcastsSystemMessage(t *testing.T) {
	f := newEngineFixture(t)
	c := f.connect()
	f.join(t, c, `{"type":"join","userId":"a","nickname":"Alice"}`)
	drainFrames(t, c)

	f.engine.HandleFrame(c, []byte(`{"type":"nickname_change","nickname":"Alicia"}`))

	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	require.Equal(t, models.TypeSystemNameChange, frames[0].Type)
	require.Contains(t, frames[0].Text, "Alice")
	require.Contains(t, frames[0].Text, "Alicia")
	require.Equal(t, "Alicia", c.Identity().Nickname)
}

func TestNicknameChangeToSameNameIsIgnored(t *testing.T) {
	f := newEngineFixture(t)
	c := f.connect()
	f.join(t, c, `{"type":"join","userId":"a","nickname":"Alice"}`)
	drainFrames(t, c)

	f.engine.HandleFrame(c, []byte(`{"type":"nickname_change","nickname":"Alice"}`))
	require.Empty(t, drainFrames(t, c))
}

func TestDisconnectAfterJoinBroadcastsLeave(t *testing.T) {
	f := newEngineFixture(t)
	c := f.connect()
	other := f.connect()
	f.join(t, c, `{"type":"join","userId":"a","nickname":"Alice"}`)
	f.join(t, other, `{"type":"join","userId":"b"}`)
	drainFrames(t, c)
	drainFrames(t, other)

	f.engine.HandleDisconnect(c)

	frames := drainFrames(t, other)
	require.Len(t, frames, 1)
	require.Equal(t, models.TypeSystemLeave, frames[0].Type)
	require.Contains(t, frames[0].Text, "Alice")

	// A second teardown (read loop racing the heartbeat) is a no-op.
	f.engine.HandleDisconnect(c)
	require.Empty(t, drainFrames(t, other))
}

func TestDisconnectBeforeJoinIsSilent(t *testing.T) {
	f := newEngineFixture(t)
	c := f.connect()
	other := f.connect()
	f.join(t, other, `{"type":"join","userId":"b"}`)
	drainFrames(t, other)

	f.engine.HandleDisconnect(c)
	require.Empty(t, drainFrames(t, other))
}
