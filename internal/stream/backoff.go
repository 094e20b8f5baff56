// Package stream はフィルタストリーム接続の監視と、受信イベントのチケット化・配信を提供する。
package stream

import "math"

const (
	// InitialBackoff は再接続待機時間の初期値（秒）。
	InitialBackoff = 1.6
	// MaxBackoff は再接続待機時間の上限（秒）。これを超えると再接続を断念する。
	MaxBackoff = 120.0
)

// Backoff は連続した接続失敗に対する再接続待機時間を管理する。
// 失敗のたびに待機時間を floor(B²) に更新する（1.6 → 2 → 4 → 16 → 256）。
type Backoff struct {
	current float64
}

// NewBackoff は初期値のBackoffを生成する。
func NewBackoff() *Backoff {
	return &Backoff{current: InitialBackoff}
}

// Next は次の待機時間（秒）を計算して返す。
// 上限を超えた場合は初期値に戻し、okにfalseを返す。
func (b *Backoff) Next() (seconds float64, ok bool) {
	next := math.Floor(b.current * b.current)
	if next > MaxBackoff {
		b.current = InitialBackoff
		return next, false
	}
	b.current = next
	return next, true
}

// Reset は待機時間を初期値に戻す。
func (b *Backoff) Reset() {
	b.current = InitialBackoff
}

// Current は現在の待機時間（秒）を返す。
func (b *Backoff) Current() float64 {
	return b.current
}
