package ticket

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"sort"
	"sync"

	"github.com/hitoshi/tweetdesk/internal/model"
	"github.com/hitoshi/tweetdesk/internal/repository"
	"github.com/hitoshi/tweetdesk/internal/twitter"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// --- チケットリポジトリのフェイク ---

type fakeTicketRepo struct {
	mu            sync.Mutex
	tickets       map[string]*model.Ticket
	findByIDsErr  error
	findByIDsCall [][]string
}

func newFakeTicketRepo(tickets ...*model.Ticket) *fakeTicketRepo {
	r := &fakeTicketRepo{tickets: make(map[string]*model.Ticket)}
	for _, t := range tickets {
		r.tickets[t.Twid] = t
	}
	return r
}

func cloneTicket(t *model.Ticket) *model.Ticket {
	c := *t
	c.Notes = append([]model.Note{}, t.Notes...)
	return &c
}

func (r *fakeTicketRepo) FindByID(_ context.Context, twid string) (*model.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[twid]
	if !ok {
		return nil, nil
	}
	return cloneTicket(t), nil
}

func (r *fakeTicketRepo) FindByIDs(_ context.Context, twids []string) ([]*model.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findByIDsCall = append(r.findByIDsCall, append([]string{}, twids...))
	if r.findByIDsErr != nil {
		return nil, r.findByIDsErr
	}
	var out []*model.Ticket
	for _, id := range twids {
		if t, ok := r.tickets[id]; ok {
			out = append(out, cloneTicket(t))
		}
	}
	return out, nil
}

func (r *fakeTicketRepo) Upsert(_ context.Context, t *model.Ticket) (*model.Ticket, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tickets[t.Twid]; ok {
		status, notes := existing.Status, existing.Notes
		updated := cloneTicket(t)
		updated.Status, updated.Notes = status, notes
		r.tickets[t.Twid] = updated
		return cloneTicket(updated), false, nil
	}
	c := cloneTicket(t)
	if c.Status == "" {
		c.Status = model.TicketStatusNew
	}
	r.tickets[t.Twid] = c
	return cloneTicket(c), true, nil
}

func (r *fakeTicketRepo) Create(_ context.Context, t *model.Ticket) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tickets[t.Twid]; ok {
		return false, nil
	}
	r.tickets[t.Twid] = cloneTicket(t)
	return true, nil
}

func (r *fakeTicketRepo) Save(_ context.Context, t *model.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.tickets[t.Twid]
	if !ok {
		return repository.ErrTicketNotFound
	}
	c := cloneTicket(t)
	c.Notes = existing.Notes
	r.tickets[t.Twid] = c
	return nil
}

func (r *fakeTicketRepo) List(_ context.Context, offset, limit int) ([]*model.Ticket, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.tickets))
	for id := range r.tickets {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	var out []*model.Ticket
	for i := offset; i < len(ids) && len(out) < limit; i++ {
		out = append(out, cloneTicket(r.tickets[ids[i]]))
	}
	return out, len(ids), nil
}

func (r *fakeTicketRepo) ListReplies(_ context.Context, twid string) ([]*model.Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Ticket
	frontier := []string{twid}
	for len(frontier) > 0 {
		parent := frontier[0]
		frontier = frontier[1:]
		for _, t := range r.tickets {
			if t.InReplyToStatusIDStr == parent {
				out = append(out, cloneTicket(t))
				frontier = append(frontier, t.Twid)
			}
		}
	}
	return out, nil
}

func (r *fakeTicketRepo) AddNote(_ context.Context, twid string, note *model.Note) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[twid]
	if !ok {
		return repository.ErrTicketNotFound
	}
	t.Notes = append(t.Notes, *note)
	return nil
}

func (r *fakeTicketRepo) FindNote(_ context.Context, twid, noteID string) (*model.Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tickets[twid]
	if !ok {
		return nil, nil
	}
	for _, n := range t.Notes {
		if n.ID == noteID {
			c := n
			return &c, nil
		}
	}
	return nil, nil
}

func (r *fakeTicketRepo) UpdateNote(_ context.Context, twid, noteID, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tickets[twid]; ok {
		for i := range t.Notes {
			if t.Notes[i].ID == noteID {
				t.Notes[i].Note = body
				return nil
			}
		}
	}
	return repository.ErrNoteNotFound
}

func (r *fakeTicketRepo) DeleteNote(_ context.Context, twid, noteID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tickets[twid]; ok {
		for i := range t.Notes {
			if t.Notes[i].ID == noteID {
				t.Notes = append(t.Notes[:i], t.Notes[i+1:]...)
				return nil
			}
		}
	}
	return repository.ErrNoteNotFound
}

func (r *fakeTicketRepo) get(twid string) *model.Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tickets[twid]
}

// --- ユーザーリポジトリのフェイク ---

type fakeUserRepo struct {
	users map[string]*model.User
}

func (r *fakeUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	return u, nil
}

func (r *fakeUserRepo) Create(_ context.Context, u *model.User) error {
	r.users[u.ID] = u
	return nil
}

func (r *fakeUserRepo) DeleteByID(_ context.Context, id string) error {
	delete(r.users, id)
	return nil
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: map[string]*model.User{
		"volunteer": {
			ID:      "volunteer",
			Name:    "Volunteer",
			Twitter: model.TwitterCredentials{AccessToken: "tok", AccessTokenSecret: "sec"},
		},
		"spectator": {ID: "spectator", Name: "No Twitter"},
	}}
}

// --- リモートAPIのモック ---

type mockTwitterAPI struct {
	mu          sync.Mutex
	lookupCalls [][]string
	lookupFn    func(ids []string) ([]model.Tweet, error)
	showFn      func(id string) (*model.Tweet, error)
	updateFn    func(status, inReplyTo string) (*model.Tweet, error)
	searchFn    func(params url.Values) (*twitter.SearchResult, error)
}

func (m *mockTwitterAPI) Lookup(_ context.Context, _ model.TwitterCredentials, ids []string) ([]model.Tweet, error) {
	m.mu.Lock()
	m.lookupCalls = append(m.lookupCalls, append([]string{}, ids...))
	m.mu.Unlock()
	if m.lookupFn == nil {
		return []model.Tweet{}, nil
	}
	return m.lookupFn(ids)
}

func (m *mockTwitterAPI) Show(_ context.Context, _ model.TwitterCredentials, id string) (*model.Tweet, error) {
	return m.showFn(id)
}

func (m *mockTwitterAPI) Update(_ context.Context, _ model.TwitterCredentials, status, inReplyTo string) (*model.Tweet, error) {
	return m.updateFn(status, inReplyTo)
}

func (m *mockTwitterAPI) Search(_ context.Context, _ model.TwitterCredentials, params url.Values) (*twitter.SearchResult, error) {
	return m.searchFn(params)
}

// lookupFromMap はmapに存在する投稿のみ返すlookupFnを生成する。
func lookupFromMap(tweets map[string]model.Tweet) func(ids []string) ([]model.Tweet, error) {
	return func(ids []string) ([]model.Tweet, error) {
		var out []model.Tweet
		for _, id := range ids {
			if t, ok := tweets[id]; ok {
				out = append(out, t)
			}
		}
		return out, nil
	}
}

// --- パブリッシャーのモック ---

type publishedEvent struct {
	kind    string
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(kind string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{kind: kind, payload: payload})
}

func (p *recordingPublisher) saved() []model.Tweet {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Tweet
	for _, e := range p.events {
		if e.kind == "save" {
			out = append(out, e.payload.(model.Tweet))
		}
	}
	return out
}

var (
	_ repository.TicketRepository = (*fakeTicketRepo)(nil)
	_ repository.UserRepository   = (*fakeUserRepo)(nil)
	_ TwitterAPI                  = (*mockTwitterAPI)(nil)
)
