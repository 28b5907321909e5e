package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/amoryn/realtime/internal/auth"
	"github.com/amoryn/realtime/internal/presence"
	"github.com/amoryn/realtime/internal/registry"
	"github.com/amoryn/realtime/internal/store"
)

// nullPresenceStore satisfies presence.Store without any backing store.
type nullPresenceStore struct{}

func (nullPresenceStore) SetOnline(context.Context, string) error  { return nil }
func (nullPresenceStore) SetOffline(context.Context, string) error { return nil }

// fakeResolver implements router.Resolver over fixed fixtures: one direct
// conversation between alice and bob, one group with alice and bob as
// members.
type fakeResolver struct{}

func (fakeResolver) ResolveDirectPeer(_ context.Context, conversationID, userID string) (string, error) {
	if conversationID == "conv-ab" {
		switch userID {
		case "alice":
			return "bob", nil
		case "bob":
			return "alice", nil
		}
	}
	return "", context.Canceled
}

func (fakeResolver) IsGroupMember(_ context.Context, groupID, userID string) (bool, error) {
	return groupID == "grp-1" && (userID == "alice" || userID == "bob"), nil
}

// testClient is the remote end of a piped connection. A background goroutine
// drains text frames (and any close frame) into channels so server writes
// never block on the synchronous pipe.
type testClient struct {
	conn   *Connection
	frames chan []byte
	closes chan wsutil.ClosedError
}

func newTestClient(t *testing.T, userID string) *testClient {
	t.Helper()

	server, client := net.Pipe()
	c := newConnection("test-"+userID, server, time.Second)
	c.UserID = userID

	frames := make(chan []byte, 16)
	closes := make(chan wsutil.ClosedError, 1)
	go func() {
		for {
			// Read frames directly rather than via wsutil.ReadServerData:
			// its control handler echoes close frames back into the
			// synchronous pipe, which blocks when the server side is not
			// reading.
			frame, err := ws.ReadFrame(client)
			if err != nil {
				close(frames)
				return
			}
			switch frame.Header.OpCode {
			case ws.OpText:
				frames <- frame.Payload
			case ws.OpClose:
				code, reason := ws.ParseCloseFrameData(frame.Payload)
				closes <- wsutil.ClosedError{Code: code, Reason: reason}
				close(frames)
				return
			}
		}
	}()
	t.Cleanup(func() {
		c.Close()
		client.Close()
	})

	return &testClient{conn: c, frames: frames, closes: closes}
}

// nextEvent waits for the next text frame and decodes it.
func (tc *testClient) nextEvent(t *testing.T) map[string]interface{} {
	t.Helper()

	select {
	case data, ok := <-tc.frames:
		if !ok {
			t.Fatal("connection closed before event arrived")
		}
		var evt map[string]interface{}
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// nextClose waits for the close frame and returns its code and reason.
func (tc *testClient) nextClose(t *testing.T) wsutil.ClosedError {
	t.Helper()

	select {
	case ce := <-tc.closes:
		return ce
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close frame")
		return wsutil.ClosedError{}
	}
}

// expectSilence asserts no frame arrives within a short window.
func (tc *testClient) expectSilence(t *testing.T) {
	t.Helper()

	select {
	case data := <-tc.frames:
		t.Fatalf("expected no event, got %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestServer() *Server {
	cfg := DefaultServerConfig()
	cfg.SendTimeout = time.Second
	tracker := presence.NewTracker(nullPresenceStore{}, time.Second)
	return NewServer(cfg, registry.New(), tracker, nil, nil, nil, fakeResolver{}, nil, nil)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{name: "query param", target: "/ws?token=abc", want: "abc"},
		{name: "authorization header", target: "/ws", header: "Bearer xyz", want: "xyz"},
		{name: "query wins over header", target: "/ws?token=abc", header: "Bearer xyz", want: "abc"},
		{name: "missing", target: "/ws", want: ""},
		{name: "malformed header", target: "/ws", header: "Basic abc", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := bearerToken(r); got != tt.want {
				t.Errorf("bearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDispatchMalformedFrame(t *testing.T) {
	s := newTestServer()
	alice := newTestClient(t, "alice")

	s.dispatch(alice.conn, []byte("{not json"))

	evt := alice.nextEvent(t)
	if evt["type"] != "error" || evt["code"] != "parse_error" {
		t.Errorf("got %v, want parse_error error event", evt)
	}
}

func TestDispatchUnknownType(t *testing.T) {
	s := newTestServer()
	alice := newTestClient(t, "alice")

	s.dispatch(alice.conn, []byte(`{"type":"teleport"}`))

	evt := alice.nextEvent(t)
	if evt["type"] != "error" || evt["code"] != "unknown_type" {
		t.Errorf("got %v, want unknown_type error event", evt)
	}
}

func TestJoinGroupAnnouncesToJoinedMembers(t *testing.T) {
	s := newTestServer()
	alice := newTestClient(t, "alice")
	bob := newTestClient(t, "bob")

	s.reg.Register("alice", alice.conn)
	s.reg.Register("bob", bob.conn)
	s.reg.Join("grp-1", "bob")

	s.dispatch(alice.conn, []byte(`{"type":"join_group","group_id":"grp-1"}`))

	evt := bob.nextEvent(t)
	if evt["type"] != "group_member_joined" || evt["user_id"] != "alice" || evt["group_id"] != "grp-1" {
		t.Errorf("bob got %v, want group_member_joined for alice", evt)
	}
	// The joiner does not receive their own announcement.
	alice.expectSilence(t)

	members := s.reg.MembersOf("grp-1")
	if len(members) != 2 {
		t.Errorf("MembersOf = %v, want alice and bob", members)
	}
}

func TestJoinGroupDeniedForNonMember(t *testing.T) {
	s := newTestServer()
	carol := newTestClient(t, "carol")
	s.reg.Register("carol", carol.conn)

	s.dispatch(carol.conn, []byte(`{"type":"join_group","group_id":"grp-1"}`))

	evt := carol.nextEvent(t)
	if evt["type"] != "error" || evt["code"] != "access_denied" {
		t.Errorf("got %v, want access_denied error event", evt)
	}
	if len(s.reg.MembersOf("grp-1")) != 0 {
		t.Error("denied user must not appear in the room")
	}
}

func TestLeaveGroupAnnouncesDeparture(t *testing.T) {
	s := newTestServer()
	alice := newTestClient(t, "alice")
	bob := newTestClient(t, "bob")

	s.reg.Register("alice", alice.conn)
	s.reg.Register("bob", bob.conn)
	s.reg.Join("grp-1", "alice")
	s.reg.Join("grp-1", "bob")

	s.dispatch(alice.conn, []byte(`{"type":"leave_group","group_id":"grp-1"}`))

	evt := bob.nextEvent(t)
	if evt["type"] != "group_member_left" || evt["user_id"] != "alice" {
		t.Errorf("bob got %v, want group_member_left for alice", evt)
	}

	members := s.reg.MembersOf("grp-1")
	if len(members) != 1 || members[0] != "bob" {
		t.Errorf("MembersOf = %v, want only bob", members)
	}
}

func TestLeaveGroupNotJoinedIsNoOp(t *testing.T) {
	s := newTestServer()
	alice := newTestClient(t, "alice")
	bob := newTestClient(t, "bob")

	s.reg.Register("alice", alice.conn)
	s.reg.Register("bob", bob.conn)
	s.reg.Join("grp-1", "bob")

	s.dispatch(alice.conn, []byte(`{"type":"leave_group","group_id":"grp-1"}`))

	alice.expectSilence(t)
	bob.expectSilence(t)
}

func TestGroupTypingRequiresJoin(t *testing.T) {
	s := newTestServer()
	alice := newTestClient(t, "alice")
	s.reg.Register("alice", alice.conn)

	s.dispatch(alice.conn, []byte(`{"type":"group_typing","group_id":"grp-1","is_typing":true}`))

	evt := alice.nextEvent(t)
	if evt["type"] != "error" || evt["code"] != "access_denied" {
		t.Errorf("got %v, want access_denied error event", evt)
	}
}

func TestGroupTypingRelayedToJoinedMembers(t *testing.T) {
	s := newTestServer()
	alice := newTestClient(t, "alice")
	bob := newTestClient(t, "bob")

	s.reg.Register("alice", alice.conn)
	s.reg.Register("bob", bob.conn)
	s.reg.Join("grp-1", "alice")
	s.reg.Join("grp-1", "bob")

	s.dispatch(alice.conn, []byte(`{"type":"group_typing","group_id":"grp-1","is_typing":true}`))

	evt := bob.nextEvent(t)
	if evt["type"] != "group_typing" || evt["user_id"] != "alice" || evt["is_typing"] != true {
		t.Errorf("bob got %v, want group_typing from alice", evt)
	}
	alice.expectSilence(t)
}

func TestTypingRelayedToConversationPeer(t *testing.T) {
	s := newTestServer()
	alice := newTestClient(t, "alice")
	bob := newTestClient(t, "bob")

	s.reg.Register("alice", alice.conn)
	s.reg.Register("bob", bob.conn)

	s.dispatch(alice.conn, []byte(`{"type":"typing","conversation_id":"conv-ab","is_typing":true}`))

	evt := bob.nextEvent(t)
	if evt["type"] != "typing" || evt["user_id"] != "alice" || evt["conversation_id"] != "conv-ab" {
		t.Errorf("bob got %v, want typing from alice", evt)
	}
}

func TestTypingUnknownConversationDroppedSilently(t *testing.T) {
	s := newTestServer()
	alice := newTestClient(t, "alice")
	s.reg.Register("alice", alice.conn)

	s.dispatch(alice.conn, []byte(`{"type":"typing","conversation_id":"conv-zz","is_typing":true}`))

	alice.expectSilence(t)
}

// fakeVerifier returns a fixed identity or error regardless of the token.
type fakeVerifier struct {
	userID string
	err    error
}

func (f fakeVerifier) Verify(string) (string, error) { return f.userID, f.err }

// fakeUserLookup returns an active user for any ID, or a fixed error.
type fakeUserLookup struct {
	err error
}

func (f fakeUserLookup) GetActiveUser(_ context.Context, userID string) (*store.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &store.User{ID: userID, Active: true}, nil
}

func TestAuthenticateFailureCloseCodes(t *testing.T) {
	tests := []struct {
		name       string
		verifyErr  error
		lookupErr  error
		wantCode   ws.StatusCode
		wantReason string
	}{
		{
			name:       "missing token",
			verifyErr:  auth.ErrMissingToken,
			wantCode:   4001,
			wantReason: "authentication failed",
		},
		{
			name:       "expired token",
			verifyErr:  auth.ErrTokenExpired,
			wantCode:   4002,
			wantReason: "credential expired",
		},
		{
			name:       "invalid token",
			verifyErr:  auth.ErrInvalidToken,
			wantCode:   4002,
			wantReason: "authentication failed",
		},
		{
			name:       "account not found",
			lookupErr:  store.ErrNotFound,
			wantCode:   4003,
			wantReason: "account unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer()
			s.verifier = fakeVerifier{userID: "alice", err: tt.verifyErr}
			s.users = fakeUserLookup{err: tt.lookupErr}

			client := newTestClient(t, "")
			userID, ok := s.authenticate(client.conn, "some-token")
			if ok {
				t.Fatalf("authenticate() = %q, true; want failure", userID)
			}

			evt := client.nextEvent(t)
			if evt["type"] != "error" || evt["code"] != "unauthorized" || evt["message"] != tt.wantReason {
				t.Errorf("error event = %v, want unauthorized %q", evt, tt.wantReason)
			}

			ce := client.nextClose(t)
			if ce.Code != tt.wantCode || ce.Reason != tt.wantReason {
				t.Errorf("close = (%d, %q), want (%d, %q)", ce.Code, ce.Reason, tt.wantCode, tt.wantReason)
			}
		})
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	s := newTestServer()
	s.verifier = fakeVerifier{userID: "alice"}
	s.users = fakeUserLookup{}

	client := newTestClient(t, "")
	userID, ok := s.authenticate(client.conn, "some-token")
	if !ok || userID != "alice" {
		t.Fatalf("authenticate() = (%q, %v), want (alice, true)", userID, ok)
	}
	client.expectSilence(t)
}

func TestRemoveConnectionIsIdempotent(t *testing.T) {
	s := newTestServer()
	alice := newTestClient(t, "alice")

	s.track(alice.conn)
	s.reg.Register("alice", alice.conn)
	s.reg.Join("grp-1", "alice")

	s.removeConnection(alice.conn)
	if s.reg.IsOnline("alice") {
		t.Error("user still online after teardown")
	}
	if len(s.reg.MembersOf("grp-1")) != 0 {
		t.Error("room memberships not pruned on teardown")
	}

	// Second teardown from a racing path must be a no-op.
	s.removeConnection(alice.conn)
	if got := s.connectionCount(); got != 0 {
		t.Errorf("connectionCount = %d, want 0", got)
	}
}
