package services

import (
	"errors"
	"sync"
	"testing"

	"FinanceFlow/models"
)

type recordedEvent struct {
	Room    string
	Event   string
	Payload interface{}
}

// 记录型广播器，测试里代替 WebSocket Hub
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeBroadcaster) Publish(room string, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{Room: room, Event: event, Payload: payload})
}

func (f *fakeBroadcaster) all() []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedEvent, len(f.events))
	copy(out, f.events)
	return out
}

func newRelayTestEnv(t *testing.T) (*RelayService, *SupportService, *fakeBroadcaster) {
	t.Helper()
	store := NewSupportService(newTestDB(t))
	broadcaster := &fakeBroadcaster{}
	relay := NewRelayService(store, broadcaster, nil, "support.events")
	return relay, store, broadcaster
}

func endUser(id string) *models.User {
	return &models.User{ID: id, Role: models.RoleUser, Username: "User " + id}
}

func staffUser() *models.User {
	return &models.User{ID: "s1", Role: models.RoleStaff, Username: "Support Staff"}
}

func TestOpenSessionBroadcastsSnapshotToStaffRoom(t *testing.T) {
	relay, _, broadcaster := newRelayTestEnv(t)

	session, err := relay.OpenSession(endUser("u1"), "u1")
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if session.ID != "u1" || session.Status != models.SessionStatusActive {
		t.Fatalf("unexpected session snapshot: %+v", session)
	}

	events := broadcaster.all()
	if len(events) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(events))
	}
	if events[0].Room != StaffRoom || events[0].Event != "new-session" {
		t.Fatalf("expected new-session to staff room, got %+v", events[0])
	}
	snapshot, ok := events[0].Payload.(*models.SupportSession)
	if !ok || snapshot.ID != "u1" {
		t.Fatalf("payload must be the session snapshot, got %+v", events[0].Payload)
	}
}

func TestOpenSessionIdentityMismatch(t *testing.T) {
	relay, store, broadcaster := newRelayTestEnv(t)

	// u1 冒充 u2 打开会话
	_, err := relay.OpenSession(endUser("u1"), "u2")
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if len(broadcaster.all()) != 0 {
		t.Fatal("denied join must not broadcast")
	}
	if _, err := store.GetSessionByID("u2"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("denied join must not create a session, got %v", err)
	}
}

func TestOpenSessionStaffCanOpenAnySession(t *testing.T) {
	relay, _, _ := newRelayTestEnv(t)

	session, err := relay.OpenSession(staffUser(), "u1")
	if err != nil {
		t.Fatalf("staff OpenSession failed: %v", err)
	}
	if session.ID != "u1" {
		t.Fatalf("expected session u1, got %s", session.ID)
	}
}

func TestSendMessageUserFanout(t *testing.T) {
	relay, store, broadcaster := newRelayTestEnv(t)
	if _, err := relay.OpenSession(endUser("u1"), "u1"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	message, err := relay.SendMessage(endUser("u1"), "u1", "Xin chào")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if message.Sender != models.SenderUser {
		t.Fatalf("sender must derive from role, got %s", message.Sender)
	}

	var userRoom, staffRoom *recordedEvent
	for _, e := range broadcaster.all() {
		if e.Event != "message" {
			continue
		}
		e := e
		switch e.Room {
		case UserRoom("u1"):
			userRoom = &e
		case StaffRoom:
			staffRoom = &e
		}
	}
	if userRoom == nil || staffRoom == nil {
		t.Fatal("message must be fanned out to the user room and the staff room")
	}
	staffMsg, ok := staffRoom.Payload.(*models.SupportMessage)
	if !ok || staffMsg.SessionID != "u1" {
		t.Fatalf("staff fanout must carry the session id, got %+v", staffRoom.Payload)
	}

	session, _ := store.GetSessionByID("u1")
	if session.UnreadCount != 1 || len(session.Messages) != 1 {
		t.Fatalf("expected one unread message, got unread=%d messages=%d", session.UnreadCount, len(session.Messages))
	}
}

func TestSendMessageStaffResetsUnread(t *testing.T) {
	relay, store, broadcaster := newRelayTestEnv(t)
	if _, err := relay.OpenSession(endUser("u1"), "u1"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := relay.SendMessage(endUser("u1"), "u1", "Xin chào"); err != nil {
		t.Fatalf("user message failed: %v", err)
	}

	reply, err := relay.SendMessage(staffUser(), "u1", "Chào bạn")
	if err != nil {
		t.Fatalf("staff SendMessage failed: %v", err)
	}
	if reply.Sender != models.SenderStaff {
		t.Fatalf("expected staff sender, got %s", reply.Sender)
	}

	session, _ := store.GetSessionByID("u1")
	if session.UnreadCount != 0 {
		t.Fatalf("staff reply must reset unread, got %d", session.UnreadCount)
	}

	delivered := false
	for _, e := range broadcaster.all() {
		if e.Room == UserRoom("u1") && e.Event == "message" {
			if msg, ok := e.Payload.(*models.SupportMessage); ok && msg.ID == reply.ID {
				delivered = true
			}
		}
	}
	if !delivered {
		t.Fatal("staff reply must reach the user's room")
	}
}

func TestSendMessageSpoofedSessionDenied(t *testing.T) {
	relay, store, broadcaster := newRelayTestEnv(t)
	if _, err := relay.OpenSession(endUser("u2"), "u2"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	before := len(broadcaster.all())

	_, err := relay.SendMessage(endUser("u1"), "u2", "let me in")
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if len(broadcaster.all()) != before {
		t.Fatal("denied send must not broadcast")
	}
	session, _ := store.GetSessionByID("u2")
	if len(session.Messages) != 0 {
		t.Fatal("denied send must not persist")
	}
}

func TestSendMessageEmptyContentNoBroadcast(t *testing.T) {
	relay, _, broadcaster := newRelayTestEnv(t)
	if _, err := relay.OpenSession(endUser("u1"), "u1"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	before := len(broadcaster.all())

	if _, err := relay.SendMessage(endUser("u1"), "u1", ""); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if len(broadcaster.all()) != before {
		t.Fatal("failed write must never produce a broadcast")
	}
}

func TestUpdateStatusStaffOnly(t *testing.T) {
	relay, store, broadcaster := newRelayTestEnv(t)
	if _, err := relay.OpenSession(endUser("u1"), "u1"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if _, err := relay.UpdateStatus(endUser("u1"), "u1", models.SessionStatusClosed); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("non-staff status change must be denied, got %v", err)
	}

	session, err := relay.UpdateStatus(staffUser(), "u1", models.SessionStatusClosed)
	if err != nil {
		t.Fatalf("staff UpdateStatus failed: %v", err)
	}
	if session.Status != models.SessionStatusClosed {
		t.Fatalf("expected closed, got %s", session.Status)
	}

	rooms := map[string]bool{}
	for _, e := range broadcaster.all() {
		if e.Event != "sessionUpdated" {
			continue
		}
		payload, ok := e.Payload.(map[string]interface{})
		if !ok || payload["session_id"] != "u1" || payload["status"] != models.SessionStatusClosed {
			t.Fatalf("unexpected sessionUpdated payload: %+v", e.Payload)
		}
		rooms[e.Room] = true
	}
	if !rooms[UserRoom("u1")] || !rooms[StaffRoom] {
		t.Fatalf("sessionUpdated must reach both rooms, got %v", rooms)
	}

	stored, _ := store.GetSessionByID("u1")
	if stored.Status != models.SessionStatusClosed || stored.UnreadCount != 0 {
		t.Fatalf("status change not persisted, got %+v", stored)
	}
}

func TestUpdateStatusInvalidValue(t *testing.T) {
	relay, _, broadcaster := newRelayTestEnv(t)
	if _, err := relay.OpenSession(endUser("u1"), "u1"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	before := len(broadcaster.all())

	if _, err := relay.UpdateStatus(staffUser(), "u1", "paused"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if len(broadcaster.all()) != before {
		t.Fatal("rejected status change must not broadcast")
	}
}
