package handlers

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"FinanceFlow/models"
	"FinanceFlow/redis"
	"FinanceFlow/services"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 客服通道的一个 WebSocket 连接
// 同一用户可能多开页签，每个页签是独立的 Client
type Client struct {
	ID     string                      // 连接唯一标识（UUID）
	User   *models.User                // 认证后的用户，连接期间唯一的身份来源
	Conn   *websocket.Conn             // WebSocket连接
	Send   chan map[string]interface{} // 发送消息队列（缓冲256条）
	rooms  map[string]bool             // 已加入的房间（仅 Hub 运行协程访问）
	hub    *Hub
	ctx    context.Context
	cancel context.CancelFunc
}

type subscription struct {
	client *Client
	room   string
}

type roomEvent struct {
	room string
	data map[string]interface{}
}

// Hub 管理房间成员与消息分发
// 一个连接可以同时在多个房间（客服连接在共享客服房间之外还可加入用户房间）
type Hub struct {
	rooms      map[string]map[*Client]bool
	register   chan *subscription
	unregister chan *Client
	broadcast  chan *roomEvent
	redis      *redis.RedisClient // 在线列表，可为 nil
	mu         sync.RWMutex
}

func NewHub(redisClient *redis.RedisClient) *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *subscription, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan *roomEvent, 256),
		redis:      redisClient,
	}
}

// Run 核心分发循环，房间状态只在这个协程里变更
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			if sub.client.rooms == nil {
				// 连接已断开，丢弃迟到的加入请求
				h.mu.Unlock()
				continue
			}
			if h.rooms[sub.room] == nil {
				h.rooms[sub.room] = make(map[*Client]bool)
			}
			h.rooms[sub.room][sub.client] = true
			sub.client.rooms[sub.room] = true
			h.mu.Unlock()

			h.addPresence(sub.client, sub.room)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeClient(client)
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.rooms[event.room] {
				select {
				case client.Send <- event.data:
				default:
					log.Printf("[Support] Client %s send buffer full, disconnecting", client.ID)
					h.removeClient(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// 将连接移出所有房间并关闭发送通道，调用方需持有锁
func (h *Hub) removeClient(client *Client) {
	if client.rooms == nil {
		return
	}
	for room := range client.rooms {
		if clients, ok := h.rooms[room]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.rooms, room)
			}
		}
		h.removePresence(client, room)
	}
	client.rooms = nil
	close(client.Send)
}

// Join 将连接加入指定房间
func (h *Hub) Join(client *Client, room string) {
	h.register <- &subscription{client: client, room: room}
}

// Disconnect 连接断开，只影响后续广播的投递，不触碰持久化状态
func (h *Hub) Disconnect(client *Client) {
	h.unregister <- client
}

// Publish 向房间内所有连接广播一个事件，实现 services.Broadcaster
func (h *Hub) Publish(room string, event string, payload interface{}) {
	h.broadcast <- &roomEvent{
		room: room,
		data: map[string]interface{}{
			"type":    event,
			"payload": payload,
		},
	}
}

// 更新Redis在线列表
func (h *Hub) addPresence(client *Client, room string) {
	if h.redis == nil {
		return
	}
	err := h.redis.AddOnlineUser(context.Background(), room, redis.OnlineUser{
		UserID:   client.User.ID,
		Username: client.User.Username,
		Role:     client.User.Role,
	})
	if err != nil {
		log.Printf("[Support] Failed to add user to online list: %v", err)
	}
}

// 同一用户还有其他连接在房间里时不摘除，调用方需持有锁
func (h *Hub) removePresence(client *Client, room string) {
	if h.redis == nil {
		return
	}
	for other := range h.rooms[room] {
		if other.User.ID == client.User.ID && other.ID != client.ID {
			return
		}
	}
	if err := h.redis.RemoveOnlineUser(context.Background(), room, client.User.ID); err != nil {
		log.Printf("[Support] Failed to remove user from online list: %v", err)
	}
}

type SupportWebSocketHandler struct {
	hub   *Hub
	relay *services.RelayService
}

func NewSupportWebSocketHandler(hub *Hub, relay *services.RelayService) *SupportWebSocketHandler {
	return &SupportWebSocketHandler{
		hub:   hub,
		relay: relay,
	}
}

// HandleWebSocket 建立客服实时通道
// 认证在中间件完成，没有合法身份的请求到不了这里
func (h *SupportWebSocketHandler) HandleWebSocket(c echo.Context) error {
	user := c.Get("user").(*models.User)

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		ID:     uuid.New().String(),
		User:   user,
		Conn:   ws,
		Send:   make(chan map[string]interface{}, 256),
		rooms:  make(map[string]bool),
		hub:    h.hub,
		ctx:    ctx,
		cancel: cancel,
	}

	// 客服连接一上来就进共享客服房间，观察所有会话
	if user.Role == models.RoleStaff {
		h.hub.Join(client, services.StaffRoom)
	}

	go h.writePump(client)
	h.readPump(client)

	return nil
}

func (h *SupportWebSocketHandler) readPump(client *Client) {
	defer func() {
		client.cancel()
		h.hub.Disconnect(client)
		client.Conn.Close()
	}()

	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg map[string]interface{}
		err := client.Conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Support] WebSocket error: %v", err)
			}
			break
		}

		h.handleMessage(client, msg)
	}
}

func (h *SupportWebSocketHandler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case <-client.ctx.Done():
			return

		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Conn.WriteJSON(message); err != nil {
				log.Printf("[Support] WriteJSON error: %v", err)
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// 消息类型分发
func (h *SupportWebSocketHandler) handleMessage(client *Client, msg map[string]interface{}) {
	msgType, ok := msg["type"].(string)
	if !ok {
		return
	}

	payload, _ := msg["payload"].(map[string]interface{})

	switch msgType {
	case "join-support":
		h.handleJoinSupport(client, payload)
	case "message":
		h.handleChatMessage(client, payload)
	}
}

// 用户请求进入自己的客服会话，客服可进入任意会话
func (h *SupportWebSocketHandler) handleJoinSupport(client *Client, payload map[string]interface{}) {
	userID, _ := payload["user_id"].(string)
	if userID == "" {
		h.sendError(client, "user_id is required")
		return
	}

	session, err := h.relay.OpenSession(client.User, userID)
	if err != nil {
		h.sendError(client, err.Error())
		return
	}

	h.hub.Join(client, services.UserRoom(session.ID))
}

func (h *SupportWebSocketHandler) handleChatMessage(client *Client, payload map[string]interface{}) {
	sessionID, _ := payload["session_id"].(string)
	content, _ := payload["content"].(string)

	if _, err := h.relay.SendMessage(client.User, sessionID, content); err != nil {
		h.sendError(client, err.Error())
	}
}

func (h *SupportWebSocketHandler) sendError(client *Client, message string) {
	data := map[string]interface{}{
		"type":    "error",
		"payload": message,
	}
	select {
	case client.Send <- data:
	default:
	}
}
