package websocket

import (
	"bytes"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"reconciler/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ============ sync.Pool для JSON буферов ============

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Размер очереди broadcast; при переполнении сообщения отбрасываются
const broadcastBufferSize = 256

// Hub управляет всеми активными WebSocket соединениями ленты операторов
//
// Назначение:
// Транслирует события сверки, изменения алертов и уведомления всем
// подключенным клиентам в реальном времени.
//
// Публикация никогда не блокирует вызывающего: конвейер сверки пишет
// в Hub после коммита, медленный клиент не должен задерживать тик.
// Если очередь broadcast заполнена, сообщение отбрасывается и учитывается
// в DroppedMessages.
//
// Использование:
// 1. Создать hub: hub := NewHub(logger, origins)
// 2. Запустить в горутине: go hub.Run()
// 3. Подключить к роутеру: router.HandleFunc("/ws/stream", hub.ServeWS)
// 4. Передать hub в конвейер как reconcile.EventPublisher
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	done     chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	dropped atomic.Int64

	origins *OriginChecker
	logger  *zap.Logger
}

// NewHub создает новый Hub
//
// allowedOrigins пуст - принимаются соединения с любым Origin.
func NewHub(logger *zap.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		origins:    NewOriginChecker(allowedOrigins),
		logger:     logger.Named("ws"),
	}
}

// Run запускает главный цикл Hub до вызова Stop
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", zap.Int("clients", total))

		case message := <-h.broadcast:
			// Копируем список под коротким RLock, отправляем без блокировки
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var slow []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					slow = append(slow, client)
				}
			}

			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.logger.Warn("removed slow clients",
					zap.Int("removed", len(slow)),
					zap.Int("clients", total))
			}
		}
	}
}

// Stop останавливает Hub и закрывает все соединения
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast сериализует сообщение и ставит его в очередь всем клиентам
func (h *Hub) Broadcast(message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		jsonBufferPool.Put(buf)
		h.logger.Error("failed to encode broadcast message", zap.Error(err))
		return
	}

	// Убираем trailing newline от Encode
	data := bytes.TrimRight(buf.Bytes(), "\n")

	// Копируем: буфер вернётся в пул
	msg := make([]byte, len(data))
	copy(msg, data)
	jsonBufferPool.Put(buf)

	h.BroadcastRaw(msg)
}

// BroadcastRaw ставит в очередь уже сериализованное сообщение
func (h *Hub) BroadcastRaw(data []byte) {
	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

// PublishEvent транслирует закоммиченное событие сверки
func (h *Hub) PublishEvent(e *models.ReconciliationEvent) {
	if e == nil {
		return
	}
	h.Broadcast(NewEventMessage(e))
}

// PublishAlert транслирует изменение алерта
func (h *Hub) PublishAlert(a *models.GuardAlert) {
	if a == nil {
		return
	}
	h.Broadcast(NewAlertMessage(a))
}

// BroadcastNotification транслирует уведомление
func (h *Hub) BroadcastNotification(n *models.Notification) {
	if n == nil {
		return
	}
	h.Broadcast(NewNotificationMessage(n))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages возвращает число сообщений, отброшенных из-за переполнения
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
