package reconcile

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"scribe/domain"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func post(id, title string) domain.Post {
	return domain.Post{ID: id, Title: title, Description: title, UserID: "u1", CreatedAt: base, UpdatedAt: base}
}

func inCategory(p domain.Post, id, name string) domain.Post {
	p.CategoryID = &id
	p.CategoryName = name
	return p
}

func insert(p domain.Post) domain.Event[domain.Post] {
	return domain.Event[domain.Post]{Kind: domain.EventInsert, New: &p}
}

func update(p domain.Post) domain.Event[domain.Post] {
	return domain.Event[domain.Post]{Kind: domain.EventUpdate, New: &p}
}

func remove(p domain.Post) domain.Event[domain.Post] {
	return domain.Event[domain.Post]{Kind: domain.EventDelete, Old: &p}
}

type fakeSource struct {
	mu      sync.Mutex
	records []domain.Post
	selects int
	nextID  int
	subs    map[int]func(domain.Event[domain.Post])
	nextSub int
}

func newFakeSource(records ...domain.Post) *fakeSource {
	return &fakeSource{records: records, subs: make(map[int]func(domain.Event[domain.Post]))}
}

func (s *fakeSource) Select(ctx context.Context, filter domain.Filter) ([]domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selects++
	var out []domain.Post
	for _, r := range s.records {
		if filter.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeSource) selected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selects
}

func (s *fakeSource) SelectOne(ctx context.Context, id string) (domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.Post{}, domain.ErrNotFound
}

func (s *fakeSource) Insert(ctx context.Context, record any) (domain.Post, error) {
	p := record.(domain.Post)
	if err := p.Validate(); err != nil {
		return domain.Post{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		s.nextID++
		p.ID = fmt.Sprintf("new-%d", s.nextID)
	}
	s.records = append(s.records, p)
	return p, nil
}

func (s *fakeSource) Update(ctx context.Context, id string, patch any) (domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.records {
		if r.ID == id {
			r = patch.(domain.PostPatch).Apply(r)
			r.UpdatedAt = r.UpdatedAt.Add(time.Second)
			s.records[i] = r
			return r, nil
		}
	}
	return domain.Post{}, domain.ErrNotFound
}

func (s *fakeSource) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.records {
		if r.ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *fakeSource) Subscribe(ctx context.Context, filter domain.Filter, fn func(domain.Event[domain.Post])) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}, nil
}

func (s *fakeSource) emit(ev domain.Event[domain.Post]) {
	s.mu.Lock()
	subs := make([]func(domain.Event[domain.Post]), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (s *fakeSource) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func postOptions() Options[domain.Post] {
	return Options[domain.Post]{
		Name:    "posts",
		Merge:   func(held, incoming domain.Post) domain.Post { return incoming.KeepDisplay(held) },
		Version: domain.Post.Version,
	}
}

func loaded(t *testing.T, source *fakeSource, options Options[domain.Post]) *List[domain.Post] {
	t.Helper()
	list := New[domain.Post](source, options)
	if err := list.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(list.Close)
	return list
}

func titles(list *List[domain.Post]) []string {
	out := []string{}
	for _, p := range list.Snapshot() {
		out = append(out, p.ID+":"+p.Title)
	}
	return out
}

func TestDeleteEvent(t *testing.T) {
	list := loaded(t, newFakeSource(post("1", "A")), postOptions())
	list.Apply(context.Background(), remove(post("1", "A")))
	assert.Equal(t, titles(list), []string{})
}

func TestInsertEvent(t *testing.T) {
	list := loaded(t, newFakeSource(), postOptions())
	list.Apply(context.Background(), insert(post("2", "B")))
	assert.Equal(t, titles(list), []string{"2:B"})
}

func TestUpdateEventKeepsCategoryName(t *testing.T) {
	list := loaded(t, newFakeSource(inCategory(post("3", "C"), "tech", "Tech")), postOptions())

	changed := inCategory(post("3", "C2"), "tech", "")
	list.Apply(context.Background(), update(changed))

	p, ok := list.Get("3")
	assert.Equal(t, ok, true)
	assert.Equal(t, p.Title, "C2")
	assert.Equal(t, p.Category(), "Tech")
}

func TestUpdateEventReplacesInPlace(t *testing.T) {
	list := loaded(t, newFakeSource(post("1", "A"), post("2", "B"), post("3", "C")), postOptions())
	list.Apply(context.Background(), update(post("2", "B2")))
	assert.Equal(t, titles(list), []string{"1:A", "2:B2", "3:C"})
}

func TestDeleteUnknownIsNoop(t *testing.T) {
	list := loaded(t, newFakeSource(post("1", "A")), postOptions())
	list.Apply(context.Background(), remove(post("9", "Z")))
	assert.Equal(t, titles(list), []string{"1:A"})
}

func TestUpdateUnknownInserts(t *testing.T) {
	list := loaded(t, newFakeSource(post("1", "A")), postOptions())
	list.Apply(context.Background(), update(post("2", "B")))
	assert.Equal(t, titles(list), []string{"1:A", "2:B"})
}

func TestRepeatedMissesReload(t *testing.T) {
	source := newFakeSource(post("1", "A"))
	options := postOptions()
	options.MaxMisses = 2
	list := loaded(t, source, options)
	assert.Equal(t, source.selected(), 1)

	list.Apply(context.Background(), update(post("2", "B")))
	assert.Equal(t, source.selected(), 1)
	list.Apply(context.Background(), update(post("3", "C")))
	assert.Equal(t, source.selected(), 2)

	// the reload replaced the list with what the service holds
	assert.Equal(t, titles(list), []string{"1:A"})
}

func TestCreateThenEcho(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	list := loaded(t, source, postOptions())

	saved, err := list.Create(ctx, post("", "new"))
	assert.Equal(t, err, nil)
	list.Apply(ctx, insert(saved))
	list.Apply(ctx, insert(saved))
	assert.Equal(t, titles(list), []string{saved.ID + ":new"})
}

func TestEchoBeforeResponse(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource(post("1", "A"))
	list := loaded(t, source, postOptions())

	patched := post("1", "A2")
	patched.UpdatedAt = base.Add(time.Second)
	list.Apply(ctx, update(patched))

	title := "A2"
	saved, err := list.Update(ctx, "1", domain.PostPatch{Title: &title})
	assert.Equal(t, err, nil)
	assert.Equal(t, saved.Title, "A2")
	assert.Equal(t, titles(list), []string{"1:A2"})
}

func TestOlderVersionIsIgnored(t *testing.T) {
	ctx := context.Background()
	list := loaded(t, newFakeSource(post("1", "A")), postOptions())

	newer := post("1", "new")
	newer.UpdatedAt = base.Add(2 * time.Second)
	older := post("1", "old")
	older.UpdatedAt = base.Add(time.Second)

	list.Apply(ctx, update(newer))
	list.Apply(ctx, update(older))
	assert.Equal(t, titles(list), []string{"1:new"})
}

func TestRemoveThenLateEvents(t *testing.T) {
	ctx := context.Background()
	list := loaded(t, newFakeSource(post("1", "A")), postOptions())

	assert.Equal(t, list.Remove(ctx, "1"), nil)
	list.Apply(ctx, update(post("1", "A")))
	list.Apply(ctx, insert(post("1", "A")))
	list.Apply(ctx, remove(post("1", "A")))
	assert.Equal(t, titles(list), []string{})
}

func TestRecordLeavingFilter(t *testing.T) {
	ctx := context.Background()
	options := postOptions()
	options.Filter = domain.Eq("category_id", "tech")
	tech := inCategory(post("1", "A"), "tech", "Tech")
	list := loaded(t, newFakeSource(tech), options)
	assert.Equal(t, titles(list), []string{"1:A"})

	moved := inCategory(post("1", "A"), "food", "")
	moved.UpdatedAt = base.Add(time.Second)
	list.Apply(ctx, update(moved))
	assert.Equal(t, titles(list), []string{})

	back := inCategory(post("1", "A"), "tech", "")
	back.UpdatedAt = base.Add(2 * time.Second)
	list.Apply(ctx, update(back))
	assert.Equal(t, titles(list), []string{"1:A"})

	list.Apply(ctx, insert(inCategory(post("2", "B"), "food", "")))
	assert.Equal(t, titles(list), []string{"1:A"})
}

func TestEnrichRunsForFeedRecords(t *testing.T) {
	ctx := context.Background()
	options := postOptions()
	options.Enrich = func(ctx context.Context, p domain.Post) domain.Post {
		if p.CategoryName == "" && p.CategoryID != nil {
			p.CategoryName = "Looked up"
		}
		return p
	}
	list := loaded(t, newFakeSource(), options)

	list.Apply(ctx, insert(inCategory(post("1", "A"), "tech", "")))
	p, _ := list.Get("1")
	assert.Equal(t, p.Category(), "Looked up")

	list.Apply(ctx, insert(post("2", "B")))
	p, _ = list.Get("2")
	assert.Equal(t, p.Category(), domain.Uncategorized)
}

// Every event sequence, redelivered in any order, leaves one entry per id.
func TestRedeliveryKeepsOneEntryPerID(t *testing.T) {
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(7))
	options := postOptions()
	options.MaxMisses = 1 << 20

	for round := 0; round < 50; round++ {
		var events []domain.Event[domain.Post]
		final := map[string]string{}
		deleted := map[string]bool{}
		for i := 0; i < 20; i++ {
			id := fmt.Sprint(rnd.Intn(5))
			if deleted[id] {
				continue
			}
			p := post(id, fmt.Sprintf("%s-%d", id, i))
			p.UpdatedAt = base.Add(time.Duration(i) * time.Second)
			switch rnd.Intn(3) {
			case 0:
				events = append(events, insert(p))
				final[id] = p.Title
			case 1:
				events = append(events, update(p))
				final[id] = p.Title
			case 2:
				events = append(events, remove(p))
				delete(final, id)
				deleted[id] = true
			}
		}
		// at-least-once: every event may come twice
		var delivered []domain.Event[domain.Post]
		for _, ev := range events {
			delivered = append(delivered, ev)
			if rnd.Intn(2) == 0 {
				delivered = append(delivered, ev)
			}
		}

		list := New[domain.Post](newFakeSource(), options)
		for _, ev := range delivered {
			list.Apply(ctx, ev)
		}
		seen := map[string]bool{}
		for _, p := range list.Snapshot() {
			assert.Equal(t, seen[p.ID], false)
			seen[p.ID] = true
			assert.Equal(t, p.Title, final[p.ID])
		}
		assert.Equal(t, len(seen), len(final))
		list.Close()
	}
}

func TestActivateFollowsFeed(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource(post("1", "A"))
	changes := make(chan []domain.Post, 16)
	options := postOptions()
	options.OnChange = func(posts []domain.Post) { changes <- posts }

	list := New[domain.Post](source, options)
	assert.Equal(t, list.Activate(ctx), nil)
	assert.Equal(t, source.subscribers(), 1)
	assert.Equal(t, len(<-changes), 1)

	source.emit(insert(post("2", "B")))
	select {
	case posts := <-changes:
		assert.Equal(t, len(posts), 2)
	case <-time.After(2 * time.Second):
		t.Fatal("feed event not applied")
	}

	list.Close()
	assert.Equal(t, source.subscribers(), 0)
}

func TestResetReloads(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource(post("1", "A"))
	list := loaded(t, source, postOptions())

	source.mu.Lock()
	source.records = append(source.records, post("2", "B"))
	source.mu.Unlock()

	list.Apply(ctx, domain.Event[domain.Post]{Kind: domain.EventReset})
	assert.Equal(t, source.selected(), 2)
	assert.Equal(t, titles(list), []string{"1:A", "2:B"})
}

func TestClosedListIgnoresResults(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource(post("1", "A"))
	list := loaded(t, source, postOptions())
	list.Close()

	saved, err := list.Create(ctx, post("", "late"))
	assert.Equal(t, err, nil)
	assert.NotEqual(t, saved.ID, "")
	list.Apply(ctx, insert(post("3", "C")))
	assert.Equal(t, titles(list), []string{"1:A"})
	assert.Equal(t, list.Load(ctx), ErrClosed)
}

// slowSource holds selects at the gate after reading the records, so changes
// can land while a load is in flight.
type slowSource struct {
	*fakeSource
	gateMu  sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func newSlowSource(records ...domain.Post) *slowSource {
	return &slowSource{fakeSource: newFakeSource(records...), entered: make(chan struct{}, 1)}
}

func (s *slowSource) hold() {
	s.gateMu.Lock()
	s.gate = make(chan struct{})
	s.gateMu.Unlock()
}

func (s *slowSource) release() {
	s.gateMu.Lock()
	close(s.gate)
	s.gate = nil
	s.gateMu.Unlock()
}

func (s *slowSource) Select(ctx context.Context, filter domain.Filter) ([]domain.Post, error) {
	records, err := s.fakeSource.Select(ctx, filter)
	s.gateMu.Lock()
	gate := s.gate
	s.gateMu.Unlock()
	if gate != nil {
		s.entered <- struct{}{}
		<-gate
	}
	return records, err
}

func waitFor(t *testing.T, list *List[domain.Post], want []string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := titles(list)
		if fmt.Sprint(got) == fmt.Sprint(want) || time.Now().After(deadline) {
			assert.Equal(t, got, want)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// activating starts Activate with the select held and waits until it runs.
func activating(t *testing.T, source *slowSource) (*List[domain.Post], chan error) {
	t.Helper()
	list := New[domain.Post](source, postOptions())
	t.Cleanup(list.Close)
	source.hold()
	errc := make(chan error, 1)
	go func() { errc <- list.Activate(context.Background()) }()
	<-source.entered
	return list, errc
}

func TestDeleteDuringActivate(t *testing.T) {
	source := newSlowSource(post("1", "A"))
	list, errc := activating(t, source)

	source.emit(remove(post("1", "A")))
	source.release()
	assert.Equal(t, <-errc, nil)
	waitFor(t, list, []string{})
}

func TestInsertDuringActivate(t *testing.T) {
	source := newSlowSource(post("1", "A"))
	list, errc := activating(t, source)

	source.emit(insert(post("2", "B")))
	source.release()
	assert.Equal(t, <-errc, nil)
	waitFor(t, list, []string{"1:A", "2:B"})
}

func TestCreateAndEchoDuringActivate(t *testing.T) {
	ctx := context.Background()
	source := newSlowSource()
	list, errc := activating(t, source)

	saved, err := list.Create(ctx, post("", "mine"))
	assert.Equal(t, err, nil)
	source.emit(insert(saved))
	source.release()
	assert.Equal(t, <-errc, nil)
	waitFor(t, list, []string{saved.ID + ":mine"})

	source.emit(insert(saved))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, titles(list), []string{saved.ID + ":mine"})
}

func TestRemoveDuringReload(t *testing.T) {
	ctx := context.Background()
	source := newSlowSource(post("1", "A"), post("2", "B"))
	list := loaded(t, source.fakeSource, postOptions())
	list.source = source

	source.hold()
	done := make(chan struct{})
	go func() {
		list.Apply(ctx, domain.Event[domain.Post]{Kind: domain.EventReset})
		close(done)
	}()
	<-source.entered
	assert.Equal(t, list.Remove(ctx, "1"), nil)
	source.release()
	<-done
	assert.Equal(t, titles(list), []string{"2:B"})
}

func TestCreateAndUpdateDuringReload(t *testing.T) {
	ctx := context.Background()
	source := newSlowSource(post("1", "A"))
	list := loaded(t, source.fakeSource, postOptions())
	list.source = source

	source.hold()
	done := make(chan struct{})
	go func() {
		list.Apply(ctx, domain.Event[domain.Post]{Kind: domain.EventReset})
		close(done)
	}()
	<-source.entered
	saved, err := list.Create(ctx, post("", "new"))
	assert.Equal(t, err, nil)
	title := "A2"
	_, err = list.Update(ctx, "1", domain.PostPatch{Title: &title})
	assert.Equal(t, err, nil)
	source.release()
	<-done
	assert.Equal(t, titles(list), []string{"1:A2", saved.ID + ":new"})
}

func TestMoveIntoFilterIsNotAMiss(t *testing.T) {
	ctx := context.Background()
	source := newFakeSource()
	options := postOptions()
	options.Filter = domain.Eq("category_id", "tech")
	options.MaxMisses = 2
	list := loaded(t, source, options)

	for _, id := range []string{"1", "2", "3"} {
		before := inCategory(post(id, id), "food", "")
		after := inCategory(post(id, id), "tech", "")
		after.UpdatedAt = base.Add(time.Second)
		list.Apply(ctx, domain.Event[domain.Post]{Kind: domain.EventUpdate, New: &after, Old: &before})
	}
	assert.Equal(t, source.selected(), 1)
	assert.Equal(t, titles(list), []string{"1:1", "2:2", "3:3"})
}

func TestTombstonesAreBounded(t *testing.T) {
	ctx := context.Background()
	list := loaded(t, newFakeSource(), postOptions())
	for i := 0; i < maxTombstones+100; i++ {
		list.Apply(ctx, remove(post(fmt.Sprint(i), "x")))
	}
	assert.Equal(t, list.removed.Len() <= maxTombstones, true)

	// the latest deletes are still remembered
	last := fmt.Sprint(maxTombstones + 99)
	list.Apply(ctx, insert(post(last, "back")))
	assert.Equal(t, titles(list), []string{})
}
