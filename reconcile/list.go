// Package reconcile keeps an in-memory copy of a remote collection in step with
// the change feed.
//
// Mutations are applied to the local list as soon as the service answers. The
// matching feed events arrive later, or earlier, and are applied as idempotent
// upserts by id, so a record is never doubled and never reverted to an older
// version.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"

	"scribe/domain"
)

// DefaultMaxMisses is how many updates of unknown records are tolerated before
// the list reloads from the service.
const DefaultMaxMisses = 3

// Deleted ids are remembered for tombstoneTTL, at most maxTombstones of them.
const (
	tombstoneTTL  = 10 * time.Minute
	maxTombstones = 4096
)

var ErrClosed = errors.New("list closed")

type Record interface {
	Key() string
	domain.Fielder
}

// Source is the remote table behind a List. *remote.Table satisfies it.
type Source[T Record] interface {
	Select(ctx context.Context, filter domain.Filter) ([]T, error)
	SelectOne(ctx context.Context, id string) (T, error)
	Insert(ctx context.Context, record any) (T, error)
	Update(ctx context.Context, id string, patch any) (T, error)
	Delete(ctx context.Context, id string) error
	Subscribe(ctx context.Context, filter domain.Filter, fn func(domain.Event[T])) (func(), error)
}

type Options[T Record] struct {
	Name   string
	Filter domain.Filter
	// Merge combines the held record with an incoming one for the same id. It
	// keeps locally enriched fields the incoming payload lacks.
	Merge func(held, incoming T) T
	// Enrich fills display fields of records that came in without them. It
	// runs before the record is added.
	Enrich func(ctx context.Context, record T) T
	// Version orders records of the same id. Older incoming records are
	// dropped. Without it every incoming record wins.
	Version func(T) time.Time
	// OnChange receives a copy of the list after every change.
	OnChange  func([]T)
	MaxMisses int
}

// List mirrors the records of one table matching a filter.
type List[T Record] struct {
	source  Source[T]
	options Options[T]

	mu      sync.Mutex
	items   []T
	index   map[string]int
	removed *ttlcache.Cache[string, struct{}]
	misses  int
	closed  bool
	// seq counts local changes. While loads are in flight, touched holds the
	// seq of the last change of every id so a load does not undo it.
	seq     uint64
	loads   int
	touched map[string]uint64

	qmu     sync.Mutex
	pending []domain.Event[T]
	wake    chan struct{}

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
}

func New[T Record](source Source[T], options Options[T]) *List[T] {
	if options.MaxMisses <= 0 {
		options.MaxMisses = DefaultMaxMisses
	}
	if options.Name == "" {
		options.Name = "list"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &List[T]{
		source:  source,
		options: options,
		index:   make(map[string]int),
		removed: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](tombstoneTTL),
			ttlcache.WithCapacity[string, struct{}](maxTombstones),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (l *List[T]) Filter() domain.Filter {
	return l.options.Filter
}

// Activate subscribes to the change feed, loads the list and starts applying
// events. Events raised while loading are queued and applied after it.
func (l *List[T]) Activate(ctx context.Context) error {
	unsubscribe, err := l.source.Subscribe(ctx, l.options.Filter, l.enqueue)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		unsubscribe()
		return ErrClosed
	}
	l.unsubscribe = unsubscribe
	l.mu.Unlock()

	if err := l.Load(ctx); err != nil {
		l.Close()
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.done = make(chan struct{})
	l.mu.Unlock()
	go l.loop()
	return nil
}

// Close releases the subscription. Later results are ignored.
func (l *List[T]) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	unsubscribe := l.unsubscribe
	done := l.done
	l.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	l.cancel()
	if done != nil {
		<-done
	}
}

// Load replaces the list with a full select. Records changed or removed
// locally while the select ran keep their local state, and deleted ids stay
// out.
func (l *List[T]) Load(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	start := l.seq
	l.loads++
	if l.touched == nil {
		l.touched = make(map[string]uint64)
	}
	l.mu.Unlock()

	records, err := l.source.Select(ctx, l.options.Filter)

	l.mu.Lock()
	touched := l.touched
	if l.loads--; l.loads == 0 {
		l.touched = nil
	}
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	items := make([]T, 0, len(records))
	index := make(map[string]int, len(records))
	for _, r := range records {
		id := r.Key()
		if _, ok := index[id]; ok || l.removed.Has(id) {
			continue
		}
		i, held := l.index[id]
		if touched[id] > start {
			if !held {
				continue
			}
			r = l.items[i]
		} else if held {
			r = l.newer(l.items[i], r)
		}
		index[id] = len(items)
		items = append(items, r)
	}
	for _, r := range l.items {
		id := r.Key()
		if _, ok := index[id]; !ok && touched[id] > start {
			index[id] = len(items)
			items = append(items, r)
		}
	}
	l.items = items
	l.index = index
	l.misses = 0
	snapshot := l.snapshot()
	l.mu.Unlock()
	l.changed(snapshot)
	return nil
}

// newer picks between the held record and a loaded one for the same id.
func (l *List[T]) newer(held, loaded T) T {
	if l.options.Version != nil && l.options.Version(loaded).Before(l.options.Version(held)) {
		return held
	}
	if l.options.Merge != nil {
		return l.options.Merge(held, loaded)
	}
	return loaded
}

// touch records a local change of id for loads in flight. Callers hold mu.
func (l *List[T]) touch(id string) {
	l.seq++
	if l.touched != nil {
		l.touched[id] = l.seq
	}
}

func (l *List[T]) Snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot()
}

func (l *List[T]) snapshot() []T {
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}

func (l *List[T]) Get(id string) (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.index[id]; ok {
		return l.items[i], true
	}
	var zero T
	return zero, false
}

func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Create inserts record on the service and adds the saved record to the list.
func (l *List[T]) Create(ctx context.Context, record any) (T, error) {
	saved, err := l.source.Insert(ctx, record)
	if err != nil {
		return saved, err
	}
	l.upsert(saved, false)
	return saved, nil
}

// Update patches record id on the service and replaces the held record.
func (l *List[T]) Update(ctx context.Context, id string, patch any) (T, error) {
	saved, err := l.source.Update(ctx, id, patch)
	if err != nil {
		return saved, err
	}
	l.upsert(saved, false)
	return saved, nil
}

// Remove deletes record id on the service and drops it from the list.
func (l *List[T]) Remove(ctx context.Context, id string) error {
	if err := l.source.Delete(ctx, id); err != nil {
		return err
	}
	l.delete(id, true)
	return nil
}

// Apply applies one change-feed event.
func (l *List[T]) Apply(ctx context.Context, ev domain.Event[T]) {
	switch ev.Kind {
	case domain.EventInsert:
		if ev.New != nil {
			l.upsert(l.enrich(ctx, *ev.New), false)
		}
	case domain.EventUpdate:
		if ev.New == nil {
			return
		}
		// a record that did not match the filter before may legitimately be
		// unknown
		expected := ev.Old == nil || l.options.Filter.Match(*ev.Old)
		if l.upsert(l.enrich(ctx, *ev.New), expected) {
			l.reload(ctx, "too many unknown records")
		}
	case domain.EventDelete:
		if id := ev.Key(); id != "" {
			l.delete(id, true)
		}
	case domain.EventReset:
		l.reload(ctx, "feed reconnected")
	}
}

func (l *List[T]) enrich(ctx context.Context, record T) T {
	if l.options.Enrich == nil || !l.options.Filter.Match(record) {
		return record
	}
	return l.options.Enrich(ctx, record)
}

func (l *List[T]) reload(ctx context.Context, reason string) {
	glog.V(2).Infof("[%s]reload: %s\n", l.options.Name, reason)
	if err := l.Load(ctx); err != nil && !errors.Is(err, ErrClosed) {
		glog.Errorf("[%s]reload error = %s\n", l.options.Name, err)
	}
}

// upsert adds or replaces record by id. A record the filter no longer matches
// leaves the list. An unknown record counts as a miss when it should have
// been held. It reports whether the miss limit was reached.
func (l *List[T]) upsert(record T, expected bool) (reload bool) {
	id := record.Key()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	if l.removed.Has(id) {
		l.mu.Unlock()
		return false
	}
	i, held := l.index[id]
	if !l.options.Filter.Match(record) {
		l.mu.Unlock()
		if held {
			l.delete(id, false)
		}
		return false
	}
	if held {
		current := l.items[i]
		if l.options.Version != nil && l.options.Version(record).Before(l.options.Version(current)) {
			l.mu.Unlock()
			return false
		}
		if l.options.Merge != nil {
			record = l.options.Merge(current, record)
		}
		l.items[i] = record
	} else {
		l.index[id] = len(l.items)
		l.items = append(l.items, record)
		if expected {
			l.misses++
			glog.V(2).Infof("[%s]update of unknown record %s, %d misses\n", l.options.Name, id, l.misses)
		}
	}
	l.touch(id)
	reload = l.misses >= l.options.MaxMisses
	snapshot := l.snapshot()
	l.mu.Unlock()
	l.changed(snapshot)
	return reload
}

// delete drops record id. Deleted ids are remembered so late events cannot
// bring them back.
func (l *List[T]) delete(id string, deleted bool) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if deleted {
		l.removed.DeleteExpired()
		l.removed.Set(id, struct{}{}, ttlcache.DefaultTTL)
	}
	l.touch(id)
	i, ok := l.index[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	l.items = append(l.items[:i], l.items[i+1:]...)
	delete(l.index, id)
	for j := i; j < len(l.items); j++ {
		l.index[l.items[j].Key()] = j
	}
	snapshot := l.snapshot()
	l.mu.Unlock()
	l.changed(snapshot)
}

func (l *List[T]) changed(snapshot []T) {
	if l.options.OnChange != nil {
		l.options.OnChange(snapshot)
	}
}

// enqueue runs on the feed's read loop and must not block.
func (l *List[T]) enqueue(ev domain.Event[T]) {
	l.qmu.Lock()
	l.pending = append(l.pending, ev)
	l.qmu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *List[T]) loop() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.wake:
		}
		l.qmu.Lock()
		events := l.pending
		l.pending = nil
		l.qmu.Unlock()
		for _, ev := range events {
			if l.ctx.Err() != nil {
				return
			}
			l.Apply(l.ctx, ev)
		}
	}
}
