package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/tweetdesk/internal/model"
	"github.com/hitoshi/tweetdesk/internal/pubsub"
	"github.com/hitoshi/tweetdesk/internal/ticket"
)

const waitTimeout = 2 * time.Second

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// --- ストリームのフェイク ---

type fakeStream struct {
	lines     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		lines:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) Next() ([]byte, error) {
	select {
	case line, ok := <-f.lines:
		if !ok {
			return nil, io.EOF
		}
		return line, nil
	case <-f.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) send(line string) {
	f.lines <- []byte(line)
}

func (f *fakeStream) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// --- ダイヤラーのフェイク ---

type dialCall struct {
	creds model.TwitterCredentials
	track string
}

type fakeDialer struct {
	mu     sync.Mutex
	calls  []dialCall
	dialFn func(ctx context.Context) (EventStream, error)
}

func (d *fakeDialer) Dial(ctx context.Context, creds model.TwitterCredentials, track string) (EventStream, error) {
	d.mu.Lock()
	d.calls = append(d.calls, dialCall{creds: creds, track: track})
	fn := d.dialFn
	d.mu.Unlock()
	return fn(ctx)
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func failingDialer() *fakeDialer {
	return &fakeDialer{dialFn: func(context.Context) (EventStream, error) {
		return nil, errors.New("connection refused")
	}}
}

func streamDialer(s *fakeStream) *fakeDialer {
	return &fakeDialer{dialFn: func(context.Context) (EventStream, error) {
		return s, nil
	}}
}

// --- 手動スケジューラ ---

type scheduledCall struct {
	d       time.Duration
	f       func()
	stopped bool
}

type manualScheduler struct {
	mu    sync.Mutex
	calls []*scheduledCall
}

func (m *manualScheduler) schedule(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &scheduledCall{d: d, f: f}
	m.calls = append(m.calls, c)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		was := !c.stopped
		c.stopped = true
		return was
	}
}

// fireLast は最後にスケジュールされた関数を実行し、その遅延を返す。
func (m *manualScheduler) fireLast(t *testing.T) time.Duration {
	t.Helper()
	m.mu.Lock()
	if len(m.calls) == 0 {
		m.mu.Unlock()
		t.Fatal("スケジュールされた再接続がありません")
	}
	c := m.calls[len(m.calls)-1]
	m.mu.Unlock()
	c.f()
	return c.d
}

func (m *manualScheduler) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// --- パブリッシャー ---

type recordingPublisher struct {
	events chan pubsub.Event
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(chan pubsub.Event, 256)}
}

func (p *recordingPublisher) Publish(kind string, payload any) {
	p.events <- pubsub.Event{Kind: kind, Payload: payload}
}

func (p *recordingPublisher) next(t *testing.T) pubsub.Event {
	t.Helper()
	select {
	case ev := <-p.events:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("イベントを受信できませんでした")
		return pubsub.Event{}
	}
}

func (p *recordingPublisher) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case ev := <-p.events:
		t.Fatalf("予期しないイベント: %+v", ev)
	case <-time.After(within):
	}
}

// --- リポジトリのフェイク ---

type fakeTickets struct {
	mu        sync.Mutex
	tickets   map[string]*model.Ticket
	upsertErr error
}

func newFakeTickets() *fakeTickets {
	return &fakeTickets{tickets: make(map[string]*model.Ticket)}
}

func (f *fakeTickets) Upsert(_ context.Context, t *model.Ticket) (*model.Ticket, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return nil, false, f.upsertErr
	}
	if existing, ok := f.tickets[t.Twid]; ok {
		c := *existing
		return &c, false, nil
	}
	c := *t
	f.tickets[t.Twid] = &c
	return t, true, nil
}

func (f *fakeTickets) FindByIDs(_ context.Context, twids []string) ([]*model.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Ticket
	for _, id := range twids {
		if t, ok := f.tickets[id]; ok {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *fakeTickets) get(twid string) *model.Ticket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickets[twid]
}

func (f *fakeTickets) setUpsertErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertErr = err
}

type fakeUsers struct {
	users map[string]*model.User
	err   error
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: map[string]*model.User{
		"volunteer": {
			ID:      "volunteer",
			Twitter: model.TwitterCredentials{AccessToken: "token", AccessTokenSecret: "secret"},
		},
		"spectator": {ID: "spectator"},
	}}
}

func (f *fakeUsers) FindByID(_ context.Context, id string) (*model.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

type fakeConfigs struct {
	mu  sync.Mutex
	cfg *model.StreamConfig
}

func (f *fakeConfigs) GetStreamConfig(context.Context) (*model.StreamConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg == nil {
		return nil, nil
	}
	c := *f.cfg
	return &c, nil
}

func (f *fakeConfigs) SaveStreamConfig(_ context.Context, cfg *model.StreamConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *cfg
	f.cfg = &c
	return nil
}

func (f *fakeConfigs) EnsureStreamConfig(ctx context.Context, seed *model.StreamConfig) (*model.StreamConfig, error) {
	f.mu.Lock()
	if f.cfg == nil {
		c := *seed
		f.cfg = &c
	}
	f.mu.Unlock()
	return f.GetStreamConfig(ctx)
}

// --- 組み立て ---

type harness struct {
	sup       *Supervisor
	dialer    *fakeDialer
	tickets   *fakeTickets
	publisher *recordingPublisher
	scheduler *manualScheduler
	logBuf    *bytes.Buffer
}

func newHarness(dialer *fakeDialer) *harness {
	h := &harness{
		dialer:    dialer,
		tickets:   newFakeTickets(),
		publisher: newRecordingPublisher(),
		scheduler: &manualScheduler{},
		logBuf:    &bytes.Buffer{},
	}
	h.sup = NewSupervisor(
		newFakeUsers(),
		h.tickets,
		ticket.NewMerger(h.tickets),
		dialer,
		h.publisher,
		nil,
		newTestLogger(h.logBuf),
	)
	h.sup.schedule = h.scheduler.schedule
	return h
}

func ownedConfig(owner, term string) model.StreamConfig {
	return model.StreamConfig{SearchTerm: term, UserID: &owner}
}

func waitForState(t *testing.T, sup *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if sup.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("状態が %s になりませんでした（現在: %s）", want, sup.Status().State)
}
