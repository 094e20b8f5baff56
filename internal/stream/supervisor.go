package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/tweetdesk/internal/metrics"
	"github.com/hitoshi/tweetdesk/internal/model"
	"github.com/hitoshi/tweetdesk/internal/pubsub"
	"github.com/hitoshi/tweetdesk/internal/ticket"
	"github.com/hitoshi/tweetdesk/internal/twitter"
)

// State はストリーム接続の状態。
type State string

// ストリーム状態
const (
	StateStopped    State = "STOPPED"
	StateConnecting State = "CONNECTING"
	StateStreaming  State = "STREAMING"
	StateBackoff    State = "BACKOFF"
)

// ReconnectFailedMessage は再接続を断念した際に発行するerrorイベントの本文。
const ReconnectFailedMessage = "Twitter stream reconnect failed"

// errStreamClosed はリモートがストリームを終了した場合のエラー。
var errStreamClosed = errors.New("stream closed by remote")

// EventStream は受信中のストリーム接続。
type EventStream interface {
	// Next は次のイベント本文を返す。接続終了時はエラーを返す。
	Next() ([]byte, error)
	Close() error
}

// Dialer はフィルタストリームへの接続を確立する。
type Dialer interface {
	Dial(ctx context.Context, creds model.TwitterCredentials, track string) (EventStream, error)
}

// DialerFunc は関数をDialerとして扱うアダプタ。
type DialerFunc func(ctx context.Context, creds model.TwitterCredentials, track string) (EventStream, error)

// Dial はDialerインターフェースを実装する。
func (f DialerFunc) Dial(ctx context.Context, creds model.TwitterCredentials, track string) (EventStream, error) {
	return f(ctx, creds, track)
}

// NewTwitterDialer はリモートAPIクライアントのフィルタストリームを使うDialerを返す。
func NewTwitterDialer(client *twitter.Client) Dialer {
	return DialerFunc(func(ctx context.Context, creds model.TwitterCredentials, track string) (EventStream, error) {
		s, err := client.Filter(ctx, creds, track)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// UserFinder はストリーム所有者の資格情報を取得する。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// TicketUpserter は受信した投稿をチケットとしてキャッシュする。
type TicketUpserter interface {
	Upsert(ctx context.Context, t *model.Ticket) (*model.Ticket, bool, error)
}

// scheduleFunc はdの経過後にfを1回実行し、取り消し関数を返す。
type scheduleFunc func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Snapshot はSupervisorの状態のスナップショット。
type Snapshot struct {
	State        State
	IsActive     bool
	Backoff      float64
	Reconnecting bool
}

// Supervisor はフィルタストリームへの接続を1本だけ維持する。
// 切断時はBackoffに従って再接続し、上限を超えると停止する。
// 受信した投稿はチケットとしてキャッシュし、結合ビューをsaveイベントとして発行する。
//
// 接続・受信ループ・再接続タイマーは世代番号を持ち、
// 古い世代の結果は接続を閉じるだけでイベントを発行しない。
type Supervisor struct {
	users     UserFinder
	tickets   TicketUpserter
	merger    *ticket.Merger
	dialer    Dialer
	publisher pubsub.Publisher
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	schedule  scheduleFunc

	mu         sync.Mutex
	state      State
	backoff    *Backoff
	generation uint64
	conn       EventStream
	cancel     context.CancelFunc
	timerStop  func() bool
	creds      model.TwitterCredentials
	track      string
}

// NewSupervisor は停止状態のSupervisorを生成する。mcがnilの場合はメトリクスを記録しない。
func NewSupervisor(
	users UserFinder,
	tickets TicketUpserter,
	merger *ticket.Merger,
	dialer Dialer,
	publisher pubsub.Publisher,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
) *Supervisor {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Supervisor{
		users:     users,
		tickets:   tickets,
		merger:    merger,
		dialer:    dialer,
		publisher: publisher,
		metrics:   mc,
		logger:    logger,
		schedule:  afterFunc,
		state:     StateStopped,
		backoff:   NewBackoff(),
	}
}

// Validate は設定の所有者と検索語を検証し、接続に使うユーザーと検索語を返す。
// 接続状態は変更しない。
func (s *Supervisor) Validate(ctx context.Context, cfg model.StreamConfig) (*model.User, string, error) {
	ownerID := cfg.OwnerID()
	if ownerID == "" {
		return nil, "", &model.ConfigurationError{Reason: "user_id が設定されていません"}
	}
	user, err := s.users.FindByID(ctx, ownerID)
	if err != nil {
		return nil, "", &model.StorageError{Op: "find_user", Err: err}
	}
	if user == nil {
		return nil, "", &model.ConfigurationError{Reason: fmt.Sprintf("ユーザー %s が存在しません", ownerID)}
	}
	if !user.HasTwitterCredentials() {
		return nil, "", &model.ConfigurationError{Reason: fmt.Sprintf("ユーザー %s はTwitterアカウントを連携していません", ownerID)}
	}
	track := strings.TrimSpace(cfg.SearchTerm)
	if track == "" {
		return nil, "", &model.ConfigurationError{Reason: "search_term が設定されていません"}
	}
	return user, track, nil
}

// Start は既存の接続を破棄してから設定を検証し、ストリームへの接続を開始する。
// 検証に失敗した場合は停止状態のままエラーを返す。stopイベントは発行しない。
// 接続は非同期に行い、結果はイベントとして発行する。
func (s *Supervisor) Start(ctx context.Context, cfg model.StreamConfig) error {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()

	user, track, err := s.Validate(ctx, cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.creds = user.Twitter
	s.track = track
	s.connectLocked()

	s.logger.Info("ストリームを開始しました",
		slog.String("user_id", user.ID),
		slog.String("track", track),
	)
	return nil
}

// Stop は接続・再接続タイマー・接続中のダイヤルをすべて取り消して停止状態にする。
// emitがtrueの場合はstopイベントを発行する。どの状態から呼び出しても安全。
func (s *Supervisor) Stop(emit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasRunning := s.state != StateStopped
	s.stopLocked()
	if wasRunning {
		s.logger.Info("ストリームを停止しました")
	}
	if emit {
		s.publisher.Publish(pubsub.KindStop, true)
	}
}

// Status は現在の状態を返す。
func (s *Supervisor) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:        s.state,
		IsActive:     s.state == StateStreaming,
		Backoff:      s.backoff.Current(),
		Reconnecting: s.timerStop != nil,
	}
}

func (s *Supervisor) stopLocked() {
	s.generation++
	if s.timerStop != nil {
		s.timerStop()
		s.timerStop = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.closeConnLocked()
	s.state = StateStopped
	s.backoff.Reset()
	s.creds = model.TwitterCredentials{}
	s.track = ""
}

func (s *Supervisor) closeConnLocked() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Warn("ストリーム接続のクローズに失敗しました",
			slog.String("error", err.Error()),
		)
	}
	s.conn = nil
}

// connectLocked は新しい世代でダイヤルを開始する。
func (s *Supervisor) connectLocked() {
	s.generation++
	gen := s.generation
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.state = StateConnecting

	go s.dial(ctx, gen, s.creds, s.track)
}

func (s *Supervisor) dial(ctx context.Context, gen uint64, creds model.TwitterCredentials, track string) {
	conn, err := s.dialer.Dial(ctx, creds, track)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.failLocked(err)
		s.mu.Unlock()
		return
	}
	s.conn = conn
	s.state = StateStreaming
	s.backoff.Reset()
	s.logger.Info("ストリームに接続しました", slog.String("track", track))
	s.mu.Unlock()

	s.readLoop(ctx, gen, conn)
}

func (s *Supervisor) readLoop(ctx context.Context, gen uint64, conn EventStream) {
	for {
		raw, err := conn.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errStreamClosed
			}
			s.mu.Lock()
			if gen == s.generation {
				s.failLocked(err)
			}
			s.mu.Unlock()
			return
		}
		if !s.handle(ctx, gen, raw) {
			return
		}
	}
}

// handle は1イベントを処理する。世代が古くなっていた場合はfalseを返す。
func (s *Supervisor) handle(ctx context.Context, gen uint64, raw []byte) bool {
	switch ev := DecodeEvent(raw).(type) {
	case PostEvent:
		merged, err := s.savePost(ctx, ev.Tweet)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			s.logger.Error("受信した投稿の保存に失敗しました",
				slog.String("twid", ev.Tweet.IDStr),
				slog.String("error", err.Error()),
			)
			return s.publishIfCurrent(gen, pubsub.KindError, err.Error())
		}
		return s.publishIfCurrent(gen, pubsub.KindSave, merged)
	case OtherEvent:
		return s.publishIfCurrent(gen, pubsub.KindRaw, ev.RawPayload())
	}
	return true
}

// savePost はツリーの各投稿をチケットとしてキャッシュし、結合ビューを返す。
func (s *Supervisor) savePost(ctx context.Context, tweet model.Tweet) (model.Tweet, error) {
	upserted := 0
	for _, node := range ticket.Nodes(tweet) {
		if !node.IsPost() {
			continue
		}
		t := model.NewTicketFromTweet(node, twitter.SourceName(node.Source))
		if _, _, err := s.tickets.Upsert(ctx, t); err != nil {
			return model.Tweet{}, &model.StorageError{Op: "upsert", Err: err}
		}
		upserted++
	}
	s.metrics.RecordTicketsUpserted(upserted)

	return s.merger.MergeOne(ctx, tweet)
}

func (s *Supervisor) publishIfCurrent(gen uint64, kind string, payload any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	s.publisher.Publish(kind, payload)
	return true
}

// failLocked は接続失敗を記録し、バックオフを適用する。
// errorイベントには原因の説明をそのまま発行する。
func (s *Supervisor) failLocked(err error) {
	connErr := &model.ConnectionError{Err: err}
	s.logger.Error("ストリーム接続でエラーが発生しました",
		slog.String("track", s.track),
		slog.String("error", connErr.Error()),
	)
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.closeConnLocked()
	s.publisher.Publish(pubsub.KindError, err.Error())
	s.applyBackoffLocked()
}

func (s *Supervisor) applyBackoffLocked() {
	seconds, ok := s.backoff.Next()
	if !ok {
		s.metrics.RecordReconnectAbandoned()
		s.logger.Error("再接続の待機時間が上限を超えたためストリームを停止します",
			slog.Float64("backoff", seconds),
			slog.Float64("max_backoff", MaxBackoff),
		)
		s.publisher.Publish(pubsub.KindError, ReconnectFailedMessage)
		s.generation++
		s.state = StateStopped
		return
	}

	s.metrics.RecordReconnectAttempt()
	s.state = StateBackoff
	gen := s.generation
	s.timerStop = s.schedule(time.Duration(seconds*float64(time.Second)), func() {
		s.reconnect(gen)
	})
	s.logger.Warn("ストリームの再接続をスケジュールしました",
		slog.Float64("backoff", seconds),
	)
	s.publisher.Publish(pubsub.KindError, fmt.Sprintf(
		"Twitter stream disconnected, reconnecting in %s seconds",
		strconv.FormatFloat(seconds, 'f', -1, 64),
	))
}

func (s *Supervisor) reconnect(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.state != StateBackoff {
		return
	}
	s.timerStop = nil
	s.connectLocked()
}
