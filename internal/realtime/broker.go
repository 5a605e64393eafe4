package realtime

import (
	"encoding/json"
	"sync"
)

// 事件类型。
const (
	EventCheckCompleted  = "check_completed"
	EventHistoryUpdated  = "history_updated"
	EventSettingsUpdated = "settings_updated"
)

// Event 描述推送给实时订阅者（SSE、WebSocket）的消息载荷。
type Event struct {
	Type    string      `json:"type"`
	Target  string      `json:"target,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// Broker 负责向实时订阅者分发事件。
type Broker struct {
	mu       sync.RWMutex
	clients  map[chan []byte]struct{}
	shutdown chan struct{}
	once     sync.Once
}

// NewBroker 创建一个新的 Broker 实例。
func NewBroker() *Broker {
	return &Broker{
		clients:  make(map[chan []byte]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Subscribe 注册客户端通道，同时返回清理函数。
func (b *Broker) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 8)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cleanup
}

// Publish 将事件广播给所有订阅者。
func (b *Broker) Publish(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- data:
		default:
			// 订阅者处理过慢时丢弃消息。
		}
	}
}

// Subscribers 返回当前订阅者数量。
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Done 在 Broker 关闭后可读，长连接处理器据此退出。
func (b *Broker) Done() <-chan struct{} {
	return b.shutdown
}

// Close 通知所有长连接结束。
func (b *Broker) Close() {
	b.once.Do(func() {
		close(b.shutdown)
	})
}
