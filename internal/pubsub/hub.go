// Package pubsub はtweetチャネルのイベント配信を提供する。
// 購読者ごとにバッファ付きチャネルを持ち、配信はブロックしない。
package pubsub

import (
	"log/slog"
	"sync"

	"github.com/hitoshi/tweetdesk/internal/metrics"
)

// ChannelTweet はイベントを配信するチャネル名。
const ChannelTweet = "tweet"

// イベント種別
const (
	KindRaw   = "raw"
	KindSave  = "save"
	KindError = "error"
	KindStop  = "stop"
)

// defaultBufferSize は購読者ごとの既定バッファサイズ。
const defaultBufferSize = 64

// Event はtweetチャネルに発行されるイベント。
// Payload はJSONにエンコード可能な値（raw: 元のイベント本文、save: 結合済みの投稿、error: 文字列、stop: true）。
type Event struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// Publisher はイベント発行のインターフェース。
// 発行はベストエフォートで、エラーを返さない。
type Publisher interface {
	Publish(kind string, payload any)
}

// Subscription は1購読者の受信チャネル。
type Subscription struct {
	events chan Event
	hub    *Hub
	once   sync.Once
}

// Events は受信チャネルを返す。Unsubscribe後にクローズされる。
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Unsubscribe は購読を解除する。複数回呼び出しても安全。
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.events)
	})
}

// Hub はプロセス内の購読者にイベントをファンアウトする。
type Hub struct {
	mu          sync.RWMutex
	subscribers []*Subscription
	bufferSize  int
	logger      *slog.Logger
	metrics     metrics.MetricsCollector
}

// NewHub は新しいHubを生成する。bufferSizeが0以下の場合は既定値を使用する。
func NewHub(logger *slog.Logger, mc metrics.MetricsCollector, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Hub{
		bufferSize: bufferSize,
		logger:     logger,
		metrics:    mc,
	}
}

// Subscribe は新しい購読者を登録する。
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		events: make(chan Event, h.bufferSize),
		hub:    h,
	}
	h.mu.Lock()
	h.subscribers = append(h.subscribers, sub)
	h.mu.Unlock()
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, existing := range h.subscribers {
		if existing == sub {
			h.subscribers = append(h.subscribers[:i], h.subscribers[i+1:]...)
			return
		}
	}
}

// SubscriberCount は登録中の購読者数を返す。
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish はイベントを全購読者に配信する。
// バッファが満杯の購読者にはそのイベントを配信しない。
func (h *Hub) Publish(kind string, payload any) {
	event := Event{Kind: kind, Payload: payload}
	h.metrics.RecordStreamEvent(kind)

	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for _, sub := range h.subscribers {
		select {
		case sub.events <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn("購読者のバッファが満杯のためイベントを破棄しました",
			slog.String("kind", kind),
			slog.Int("dropped", dropped),
		)
	}
}

var _ Publisher = (*Hub)(nil)
