package handlers

import (
	"testing"
	"time"

	"FinanceFlow/models"
	"FinanceFlow/services"
)

// Hub 必须能注入到中继里
var _ services.Broadcaster = (*Hub)(nil)

func newHubClient(id, userID, role string) *Client {
	return &Client{
		ID:    id,
		User:  &models.User{ID: userID, Username: "User " + userID, Role: role},
		Send:  make(chan map[string]interface{}, 8),
		rooms: make(map[string]bool),
	}
}

func receiveEvent(t *testing.T, client *Client) map[string]interface{} {
	t.Helper()
	select {
	case data, ok := <-client.Send:
		if !ok {
			t.Fatal("send channel closed unexpectedly")
		}
		return data
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
		return nil
	}
}

func expectNoEvent(t *testing.T, client *Client) {
	t.Helper()
	select {
	case data := <-client.Send:
		t.Fatalf("unexpected event delivered: %+v", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubRoomFanout(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()

	// 同一用户两个页签 + 一个客服
	tab1 := newHubClient("c1", "u1", models.RoleUser)
	tab2 := newHubClient("c2", "u1", models.RoleUser)
	staff := newHubClient("c3", "s1", models.RoleStaff)

	hub.Join(tab1, services.UserRoom("u1"))
	hub.Join(tab2, services.UserRoom("u1"))
	hub.Join(staff, services.StaffRoom)
	time.Sleep(20 * time.Millisecond)

	hub.Publish(services.UserRoom("u1"), "message", map[string]interface{}{"content": "hello"})

	for _, client := range []*Client{tab1, tab2} {
		event := receiveEvent(t, client)
		if event["type"] != "message" {
			t.Fatalf("expected message event, got %+v", event)
		}
		payload := event["payload"].(map[string]interface{})
		if payload["content"] != "hello" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	}

	// 客服房间不在广播范围内
	expectNoEvent(t, staff)
}

func TestHubMultiRoomMembership(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()

	// 客服同时在共享房间和某个用户房间
	staff := newHubClient("c1", "s1", models.RoleStaff)
	hub.Join(staff, services.StaffRoom)
	hub.Join(staff, services.UserRoom("u1"))
	time.Sleep(20 * time.Millisecond)

	hub.Publish(services.StaffRoom, "new-session", map[string]interface{}{"id": "u1"})
	if event := receiveEvent(t, staff); event["type"] != "new-session" {
		t.Fatalf("expected new-session, got %+v", event)
	}

	hub.Publish(services.UserRoom("u1"), "message", map[string]interface{}{"content": "hi"})
	if event := receiveEvent(t, staff); event["type"] != "message" {
		t.Fatalf("expected message, got %+v", event)
	}
}

func TestHubDisconnectStopsDelivery(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()

	client := newHubClient("c1", "u1", models.RoleUser)
	hub.Join(client, services.UserRoom("u1"))
	time.Sleep(20 * time.Millisecond)

	hub.Disconnect(client)
	time.Sleep(20 * time.Millisecond)

	// 断开后发送通道被关闭，不再收到任何广播
	hub.Publish(services.UserRoom("u1"), "message", map[string]interface{}{"content": "late"})
	select {
	case _, ok := <-client.Send:
		if ok {
			t.Fatal("disconnected client must not receive broadcasts")
		}
	case <-time.After(time.Second):
		t.Fatal("send channel should be closed after disconnect")
	}
}
