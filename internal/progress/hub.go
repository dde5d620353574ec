package progress

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventType은 진행 이벤트 종류입니다
type EventType string

const (
	EventExportStarted  EventType = "export_started"
	EventEntryAdded     EventType = "entry_added"
	EventEntrySkipped   EventType = "entry_skipped"
	EventExportFinished EventType = "export_finished"
)

// Event는 export 진행 상황 메시지입니다
type Event struct {
	Type     EventType `json:"type"`
	ExportID string    `json:"exportId"`
	Path     string    `json:"path,omitempty"`
	Status   string    `json:"status,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Bytes    int64     `json:"bytes,omitempty"`
	Added    int       `json:"added,omitempty"`
	Skipped  int       `json:"skipped,omitempty"`
	Failed   int       `json:"failed,omitempty"`
	Time     time.Time `json:"time"`
}

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

// Hub는 연결된 모든 WebSocket 클라이언트에 진행 이벤트를 방송합니다
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	clients map[*client]bool
	mutex   sync.RWMutex
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *zap.Logger
}

// HubConfig는 Hub 설정
type HubConfig struct {
	Logger *zap.Logger
	// CheckOrigin이 nil이면 모든 origin 허용
	CheckOrigin func(r *http.Request) bool
}

// NewHub는 새로운 Hub를 생성합니다
func NewHub(config HubConfig) *Hub {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Hub{
		logger:   config.Logger,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		clients:  make(map[*client]bool),
	}
}

// HandleWebSocket은 WebSocket 연결을 수락하고 구독자로 등록합니다
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	id := uuid.NewString()
	c := &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    h,
		logger: h.logger.With(zap.String("client_id", id)),
	}

	h.register(c)

	go c.writePump()
	go c.readPump()

	c.logger.Info("Progress subscriber connected",
		zap.String("remote_addr", r.RemoteAddr),
	)
}

// Publish는 이벤트를 모든 구독자에게 보냅니다. 느린 구독자의 메시지는 버립니다
func (h *Hub) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal progress event", zap.Error(err))
		return
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			c.logger.Warn("Send channel full, dropping progress event",
				zap.String("type", string(event.Type)),
			)
		}
	}
}

// ClientCount는 연결된 구독자 수를 반환합니다
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Close는 모든 구독자 연결을 종료합니다
func (h *Hub) Close() {
	h.logger.Info("Closing progress hub")

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for c := range h.clients {
		c.conn.Close()
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) register(c *client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.clients[c] = true

	h.logger.Debug("Subscriber registered",
		zap.String("client_id", c.id),
		zap.Int("total_clients", len(h.clients)),
	)
}

func (h *Hub) unregister(c *client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, exists := h.clients[c]; exists {
		delete(h.clients, c)
		close(c.send)

		h.logger.Debug("Subscriber unregistered",
			zap.String("client_id", c.id),
			zap.Int("total_clients", len(h.clients)),
		)
	}
}

// readPump은 구독자 메시지를 버리고 연결 종료만 감지합니다
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.logger.Warn("Failed to write message", zap.Error(err))
			return
		}
	}
}
