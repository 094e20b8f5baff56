package stream

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/hitoshi/tweetdesk/internal/model"
	"github.com/hitoshi/tweetdesk/internal/pubsub"
)

func TestBackoff_Sequence(t *testing.T) {
	b := NewBackoff()
	if b.Current() != InitialBackoff {
		t.Fatalf("初期値 = %v, want %v", b.Current(), InitialBackoff)
	}

	for _, want := range []float64{2, 4, 16} {
		got, ok := b.Next()
		if !ok || got != want {
			t.Fatalf("Next() = (%v, %v), want (%v, true)", got, ok, want)
		}
	}

	got, ok := b.Next()
	if ok {
		t.Fatalf("256秒は上限超過として断念されるべき: (%v, %v)", got, ok)
	}
	if got != 256 {
		t.Errorf("断念時の値 = %v, want 256", got)
	}
	if b.Current() != InitialBackoff {
		t.Errorf("断念後は初期値に戻るべき: %v", b.Current())
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff()
	b.Next()
	b.Next()
	b.Reset()
	if math.Abs(b.Current()-InitialBackoff) > 1e-9 {
		t.Errorf("Reset後 = %v", b.Current())
	}
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantPost bool
	}{
		{"投稿", `{"id_str":"1","text":"hi"}`, true},
		{"textが空", `{"id_str":"1","text":""}`, false},
		{"id_strが数値", `{"id_str":1,"text":"hi"}`, false},
		{"id_strなし", `{"text":"hi"}`, false},
		{"削除通知", `{"delete":{"status":{"id_str":"1"}}}`, false},
		{"JSONでない", `not json`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, isPost := DecodeEvent([]byte(tt.raw)).(PostEvent)
			if isPost != tt.wantPost {
				t.Errorf("投稿判定 = %v, want %v", isPost, tt.wantPost)
			}
		})
	}
}

func TestOtherEvent_RawPayload(t *testing.T) {
	valid := OtherEvent{Raw: []byte(`{"limit":{"track":3}}`)}
	if _, ok := valid.RawPayload().(json.RawMessage); !ok {
		t.Errorf("有効なJSONはjson.RawMessageで配信するべき: %T", valid.RawPayload())
	}

	invalid := OtherEvent{Raw: []byte("garbage")}
	if s, ok := invalid.RawPayload().(string); !ok || s != "garbage" {
		t.Errorf("不正なJSONは文字列で配信するべき: %#v", invalid.RawPayload())
	}
}

func TestSupervisor_Start_ConfigurationErrors(t *testing.T) {
	empty := ""
	tests := []struct {
		name string
		cfg  model.StreamConfig
	}{
		{"user_idなし", model.StreamConfig{SearchTerm: "mozhelp"}},
		{"user_idが空", model.StreamConfig{SearchTerm: "mozhelp", UserID: &empty}},
		{"ユーザーが存在しない", ownedConfig("ghost", "mozhelp")},
		{"資格情報なし", ownedConfig("spectator", "mozhelp")},
		{"検索語が空", ownedConfig("volunteer", "  ")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(failingDialer())
			err := h.sup.Start(context.Background(), tt.cfg)

			var cfgErr *model.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("ConfigurationError が返されるべき: %v", err)
			}
			if h.sup.Status().State != StateStopped {
				t.Errorf("状態 = %s, want STOPPED", h.sup.Status().State)
			}
			if h.dialer.callCount() != 0 {
				t.Error("設定不備の場合はダイヤルしてはならない")
			}
		})
	}
}

func TestSupervisor_Start_UserLookupFailure(t *testing.T) {
	h := newHarness(failingDialer())
	users := newFakeUsers()
	users.err = errors.New("db down")
	h.sup.users = users

	err := h.sup.Start(context.Background(), ownedConfig("volunteer", "mozhelp"))
	var storageErr *model.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("StorageError が返されるべき: %v", err)
	}
}

func TestSupervisor_BackoffUntilAbandoned(t *testing.T) {
	h := newHarness(failingDialer())

	if err := h.sup.Start(context.Background(), ownedConfig("volunteer", "mozhelp")); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}

	for i, want := range []string{"2", "4", "16"} {
		if ev := h.publisher.next(t); ev.Kind != pubsub.KindError || ev.Payload != "connection refused" {
			t.Fatalf("失敗%d回目: 原因のerrorイベントが必要: %+v", i+1, ev)
		}
		ev := h.publisher.next(t)
		wantMsg := "Twitter stream disconnected, reconnecting in " + want + " seconds"
		if ev.Kind != pubsub.KindError || ev.Payload != wantMsg {
			t.Fatalf("失敗%d回目: got %+v, want %q", i+1, ev, wantMsg)
		}
		st := h.sup.Status()
		if st.State != StateBackoff || !st.Reconnecting {
			t.Fatalf("失敗%d回目: 状態 = %+v", i+1, st)
		}
		d := h.scheduler.fireLast(t)
		if d.Seconds() != st.Backoff {
			t.Errorf("スケジュール遅延 = %v, want %vs", d, st.Backoff)
		}
	}

	if ev := h.publisher.next(t); ev.Payload != "connection refused" {
		t.Fatalf("最後の失敗の原因イベント: %+v", ev)
	}
	ev := h.publisher.next(t)
	if ev.Kind != pubsub.KindError || ev.Payload != ReconnectFailedMessage {
		t.Fatalf("断念イベント = %+v", ev)
	}

	st := h.sup.Status()
	if st.State != StateStopped {
		t.Errorf("断念後の状態 = %s, want STOPPED", st.State)
	}
	if st.Backoff != InitialBackoff {
		t.Errorf("断念後のバックオフ = %v, want %v", st.Backoff, InitialBackoff)
	}
	if h.scheduler.count() != 3 {
		t.Errorf("スケジュール回数 = %d, want 3", h.scheduler.count())
	}
	if h.dialer.callCount() != 4 {
		t.Errorf("ダイヤル回数 = %d, want 4", h.dialer.callCount())
	}
}

func TestSupervisor_SuccessResetsBackoff(t *testing.T) {
	s := newFakeStream()
	attempts := 0
	dialer := &fakeDialer{}
	dialer.dialFn = func(context.Context) (EventStream, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("timeout")
		}
		return s, nil
	}
	h := newHarness(dialer)

	if err := h.sup.Start(context.Background(), ownedConfig("volunteer", "mozhelp")); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	h.publisher.next(t)
	h.publisher.next(t)
	if h.sup.Status().Backoff != 2 {
		t.Fatalf("バックオフ = %v, want 2", h.sup.Status().Backoff)
	}

	h.scheduler.fireLast(t)
	waitForState(t, h.sup, StateStreaming)

	st := h.sup.Status()
	if !st.IsActive || st.Backoff != InitialBackoff || st.Reconnecting {
		t.Errorf("接続後の状態 = %+v", st)
	}
}

func TestSupervisor_RetweetScenario(t *testing.T) {
	s := newFakeStream()
	h := newHarness(streamDialer(s))

	if err := h.sup.Start(context.Background(), ownedConfig("volunteer", "mozhelp")); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	waitForState(t, h.sup, StateStreaming)

	s.send(`{"id_str":"100","text":"RT @someone: help","source":"<a href=\"https://x.example\">Web App</a>","retweeted_status":{"id_str":"99","text":"help"}}`)

	ev := h.publisher.next(t)
	if ev.Kind != pubsub.KindSave {
		t.Fatalf("イベント種別 = %s, want save: %+v", ev.Kind, ev)
	}
	saved, ok := ev.Payload.(model.Tweet)
	if !ok {
		t.Fatalf("save のペイロード型 = %T", ev.Payload)
	}
	if saved.MozhelpStatus != model.TicketStatusNoActionRequired {
		t.Errorf("ルートの状態 = %q, want NO_ACTION_REQUIRED", saved.MozhelpStatus)
	}
	if saved.RetweetedStatus == nil || saved.RetweetedStatus.MozhelpStatus != model.TicketStatusNew {
		t.Errorf("リツイート元の状態が NEW で重ねられていない: %+v", saved.RetweetedStatus)
	}
	if saved.Twid != "100" || saved.RetweetedStatus.Twid != "99" {
		t.Errorf("twid = %q / %q", saved.Twid, saved.RetweetedStatus.Twid)
	}

	root := h.tickets.get("100")
	if root == nil || root.Status != model.TicketStatusNoActionRequired {
		t.Fatalf("チケット100 = %+v", root)
	}
	if root.RetweetedStatusIDStr != "99" {
		t.Errorf("retweeted_status_id_str = %q, want 99", root.RetweetedStatusIDStr)
	}
	if root.SourceName != "Web App" {
		t.Errorf("source_name = %q, want Web App", root.SourceName)
	}
	if orig := h.tickets.get("99"); orig == nil || orig.Status != model.TicketStatusNew {
		t.Fatalf("チケット99 = %+v", orig)
	}
}

func TestSupervisor_ExistingTicketKeepsStatus(t *testing.T) {
	s := newFakeStream()
	h := newHarness(streamDialer(s))
	h.tickets.tickets["7"] = &model.Ticket{Twid: "7", Text: "old", Status: model.TicketStatusComplete}

	if err := h.sup.Start(context.Background(), ownedConfig("volunteer", "mozhelp")); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	waitForState(t, h.sup, StateStreaming)
	s.send(`{"id_str":"7","text":"edited"}`)

	saved := h.publisher.next(t).Payload.(model.Tweet)
	if saved.MozhelpStatus != model.TicketStatusComplete {
		t.Errorf("既存チケットの状態 = %q, want COMPLETE", saved.MozhelpStatus)
	}
	if saved.Text != "edited" {
		t.Errorf("Text = %q, want ライブの値", saved.Text)
	}
}

func TestSupervisor_NonPostPublishedRaw(t *testing.T) {
	s := newFakeStream()
	h := newHarness(streamDialer(s))

	if err := h.sup.Start(context.Background(), ownedConfig("volunteer", "mozhelp")); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	waitForState(t, h.sup, StateStreaming)

	s.send(`{"delete":{"status":{"id_str":"5"}}}`)
	s.send(`garbage`)

	first := h.publisher.next(t)
	if first.Kind != pubsub.KindRaw || string(first.Payload.(json.RawMessage)) != `{"delete":{"status":{"id_str":"5"}}}` {
		t.Errorf("1件目 = %+v", first)
	}
	second := h.publisher.next(t)
	if second.Kind != pubsub.KindRaw || second.Payload != "garbage" {
		t.Errorf("2件目 = %+v", second)
	}
	if len(h.tickets.tickets) != 0 {
		t.Error("投稿以外のイベントでチケットを作成してはならない")
	}
}

func TestSupervisor_StorageFailureKeepsStreaming(t *testing.T) {
	s := newFakeStream()
	h := newHarness(streamDialer(s))
	h.tickets.setUpsertErr(errors.New("disk full"))

	if err := h.sup.Start(context.Background(), ownedConfig("volunteer", "mozhelp")); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	waitForState(t, h.sup, StateStreaming)

	s.send(`{"id_str":"1","text":"help"}`)
	ev := h.publisher.next(t)
	if ev.Kind != pubsub.KindError {
		t.Fatalf("保存失敗時は error イベントを発行するべき: %+v", ev)
	}

	h.tickets.setUpsertErr(nil)
	s.send(`{"id_str":"2","text":"help again"}`)
	if ev := h.publisher.next(t); ev.Kind != pubsub.KindSave {
		t.Fatalf("保存失敗後もストリームは継続するべき: %+v", ev)
	}
	if h.sup.Status().State != StateStreaming {
		t.Errorf("状態 = %s, want STREAMING", h.sup.Status().State)
	}
}

func TestSupervisor_RemoteCloseAppliesBackoff(t *testing.T) {
	s := newFakeStream()
	h := newHarness(streamDialer(s))

	if err := h.sup.Start(context.Background(), ownedConfig("volunteer", "mozhelp")); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	waitForState(t, h.sup, StateStreaming)

	close(s.lines)

	if ev := h.publisher.next(t); ev.Kind != pubsub.KindError || ev.Payload != errStreamClosed.Error() {
		t.Fatalf("切断の原因イベント = %+v", ev)
	}
	if ev := h.publisher.next(t); ev.Payload != "Twitter stream disconnected, reconnecting in 2 seconds" {
		t.Fatalf("再接続イベント = %+v", ev)
	}
	if !s.isClosed() {
		t.Error("切断した接続はクローズされるべき")
	}
	if h.sup.Status().State != StateBackoff {
		t.Errorf("状態 = %s, want BACKOFF", h.sup.Status().State)
	}
}

func TestSupervisor_Stop(t *testing.T) {
	s := newFakeStream()
	h := newHarness(streamDialer(s))

	if err := h.sup.Start(context.Background(), ownedConfig("volunteer", "mozhelp")); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	waitForState(t, h.sup, StateStreaming)

	h.sup.Stop(true)

	ev := h.publisher.next(t)
	if ev.Kind != pubsub.KindStop || ev.Payload != true {
		t.Fatalf("stop イベント = %+v", ev)
	}
	if !s.isClosed() {
		t.Error("Stop は接続をクローズするべき")
	}
	if h.sup.Status().State != StateStopped {
		t.Errorf("状態 = %s, want STOPPED", h.sup.Status().State)
	}
	h.publisher.expectNone(t, 50*time.Millisecond)

	h.sup.Stop(false)
	h.sup.Stop(false)
	h.publisher.expectNone(t, 20*time.Millisecond)
	if h.sup.Status().State != StateStopped {
		t.Error("Stop は冪等であるべき")
	}
}

func TestSupervisor_StopCancelsPendingReconnect(t *testing.T) {
	h := newHarness(failingDialer())

	if err := h.sup.Start(context.Background(), ownedConfig("volunteer", "mozhelp")); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	h.publisher.next(t)
	h.publisher.next(t)

	h.sup.Stop(false)
	if h.sup.Status().Reconnecting {
		t.Error("Stop 後に再接続タイマーが残っている")
	}

	h.scheduler.fireLast(t)
	h.publisher.expectNone(t, 50*time.Millisecond)
	if h.dialer.callCount() != 1 {
		t.Errorf("取り消されたタイマーで再ダイヤルした: %d回", h.dialer.callCount())
	}
}

func TestSupervisor_StaleDialDiscarded(t *testing.T) {
	s := newFakeStream()
	release := make(chan struct{})
	dialing := make(chan struct{})
	dialer := &fakeDialer{dialFn: func(context.Context) (EventStream, error) {
		close(dialing)
		<-release
		return s, nil
	}}
	h := newHarness(dialer)

	if err := h.sup.Start(context.Background(), ownedConfig("volunteer", "mozhelp")); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	<-dialing
	h.sup.Stop(false)
	close(release)

	deadline := time.Now().Add(waitTimeout)
	for !s.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("古い世代の接続がクローズされていない")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.send(`{"id_str":"1","text":"late"}`)
	h.publisher.expectNone(t, 50*time.Millisecond)
	if h.sup.Status().State != StateStopped {
		t.Errorf("状態 = %s, want STOPPED", h.sup.Status().State)
	}
}

func TestSupervisor_RestartReplacesConnection(t *testing.T) {
	first, second := newFakeStream(), newFakeStream()
	streams := []*fakeStream{first, second}
	dialer := &fakeDialer{}
	dialer.dialFn = func(context.Context) (EventStream, error) {
		s := streams[0]
		streams = streams[1:]
		return s, nil
	}
	h := newHarness(dialer)

	if err := h.sup.Start(context.Background(), ownedConfig("volunteer", "mozhelp")); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	waitForState(t, h.sup, StateStreaming)

	if err := h.sup.Start(context.Background(), ownedConfig("volunteer", "firefox")); err != nil {
		t.Fatalf("再Start がエラーを返した: %v", err)
	}
	waitForState(t, h.sup, StateStreaming)

	if !first.isClosed() {
		t.Error("再Start で古い接続がクローズされていない")
	}
	h.publisher.expectNone(t, 50*time.Millisecond)

	dialer.mu.Lock()
	lastTrack := dialer.calls[len(dialer.calls)-1].track
	dialer.mu.Unlock()
	if lastTrack != "firefox" {
		t.Errorf("track = %q, want firefox", lastTrack)
	}
}

func TestSupervisor_FailedRestartTearsDownConnection(t *testing.T) {
	s := newFakeStream()
	h := newHarness(streamDialer(s))

	if err := h.sup.Start(context.Background(), ownedConfig("volunteer", "mozhelp")); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	waitForState(t, h.sup, StateStreaming)

	err := h.sup.Start(context.Background(), ownedConfig("spectator", "firefox"))
	var cfgErr *model.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("ConfigurationError が返されるべき: %v", err)
	}
	if !s.isClosed() {
		t.Error("失敗した再Start で古い接続がクローズされていない")
	}
	if st := h.sup.Status(); st.State != StateStopped || st.Reconnecting {
		t.Errorf("状態 = %+v, want STOPPED", st)
	}
	h.publisher.expectNone(t, 50*time.Millisecond)
	if h.dialer.callCount() != 1 {
		t.Errorf("ダイヤル回数 = %d, want 1", h.dialer.callCount())
	}
}

func TestSupervisor_Validate_DoesNotTouchConnection(t *testing.T) {
	s := newFakeStream()
	h := newHarness(streamDialer(s))

	if err := h.sup.Start(context.Background(), ownedConfig("volunteer", "mozhelp")); err != nil {
		t.Fatalf("Start がエラーを返した: %v", err)
	}
	waitForState(t, h.sup, StateStreaming)

	if _, _, err := h.sup.Validate(context.Background(), ownedConfig("spectator", "mozhelp")); err == nil {
		t.Fatal("資格情報なしの設定はエラーになるべき")
	}
	user, track, err := h.sup.Validate(context.Background(), ownedConfig("volunteer", " firefox "))
	if err != nil {
		t.Fatalf("Validate がエラーを返した: %v", err)
	}
	if user.ID != "volunteer" || track != "firefox" {
		t.Errorf("Validate = %s, %q", user.ID, track)
	}
	if s.isClosed() || h.sup.Status().State != StateStreaming {
		t.Error("Validate は接続状態を変更してはならない")
	}
}
