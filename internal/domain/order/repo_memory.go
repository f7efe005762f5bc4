package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const subscriberBuffer = 64

type memKey struct {
	kind Kind
	id   uuid.UUID
}

type inMemoryRepo struct {
	mu      sync.RWMutex
	store   map[memKey]Order
	numbers map[string]struct{}
	seq     map[string]int64 // prefix+day -> last sequence
	now     func() time.Time

	subMu  sync.RWMutex
	subs   map[Kind]map[int]chan ChangeEvent
	nextID int
}

// NewInMemoryRepo returns a process-local Repository. It backs the dev server
// and the package tests.
func NewInMemoryRepo() Repository {
	return newInMemoryRepo(time.Now)
}

func newInMemoryRepo(now func() time.Time) *inMemoryRepo {
	return &inMemoryRepo{
		store:   make(map[memKey]Order),
		numbers: make(map[string]struct{}),
		seq:     make(map[string]int64),
		now:     now,
		subs:    make(map[Kind]map[int]chan ChangeEvent),
	}
}

func (r *inMemoryRepo) stamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

func (r *inMemoryRepo) Create(_ context.Context, o Order) error {
	r.mu.Lock()
	b := o.Common()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := r.stamp()
	if b.OrderNumber == "" {
		key := numberPrefix(o.Kind()) + now.Format("20060102")
		r.seq[key]++
		b.OrderNumber = FormatOrderNumber(o.Kind(), now, r.seq[key])
	}
	if _, taken := r.numbers[b.OrderNumber]; taken {
		r.mu.Unlock()
		return fmt.Errorf("order number %s already exists", b.OrderNumber)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	assignItemIDs(o)

	r.store[memKey{o.Kind(), b.ID}] = o.clone()
	r.numbers[b.OrderNumber] = struct{}{}
	r.mu.Unlock()

	r.notify(ChangeEvent{Op: OpInserted, Kind: o.Kind(), OrderID: b.ID, At: now})
	return nil
}

func (r *inMemoryRepo) List(_ context.Context, kind Kind) ([]Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Order
	for k, o := range r.store {
		if k.kind == kind {
			out = append(out, o.clone())
		}
	}
	sortOrdersNewestFirst(out)
	return out, nil
}

func (r *inMemoryRepo) Get(_ context.Context, kind Kind, id uuid.UUID) (Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.store[memKey{kind, id}]
	if !ok {
		return nil, ErrNotFound
	}
	return o.clone(), nil
}

func (r *inMemoryRepo) UpdateStatus(ctx context.Context, kind Kind, id uuid.UUID, status Status, message *string) (Order, error) {
	return r.UpdateFields(ctx, kind, id, Patch{Status: &status, StatusMessage: message})
}

func (r *inMemoryRepo) UpdateFields(_ context.Context, kind Kind, id uuid.UUID, p Patch) (Order, error) {
	r.mu.Lock()
	stored, ok := r.store[memKey{kind, id}]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	prev := stored.Common().UpdatedAt
	if p.ExpectedUpdatedAt != nil && !prev.Equal(*p.ExpectedUpdatedAt) {
		current := stored.clone()
		r.mu.Unlock()
		return nil, &ConflictError{OrderID: id, Current: current}
	}

	now := r.stamp()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	updated := stored.clone()
	p.Apply(updated, now)
	r.store[memKey{kind, id}] = updated
	out := updated.clone()
	r.mu.Unlock()

	r.notify(ChangeEvent{Op: OpUpdated, Kind: kind, OrderID: id, At: now})
	return out, nil
}

func (r *inMemoryRepo) Subscribe(ctx context.Context, kind Kind) (<-chan ChangeEvent, func(), error) {
	ch := make(chan ChangeEvent, subscriberBuffer)

	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	if r.subs[kind] == nil {
		r.subs[kind] = make(map[int]chan ChangeEvent)
	}
	r.subs[kind][id] = ch
	r.subMu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs[kind], id)
			close(ch)
			r.subMu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	return ch, func() {
		stop()
		unsubscribe()
	}, nil
}

func (r *inMemoryRepo) notify(ev ChangeEvent) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for _, ch := range r.subs[ev.Kind] {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind; it reloads on the next event anyway.
		}
	}
}

func assignItemIDs(o Order) {
	id := o.Common().ID
	items := o.Items()
	for i := range items {
		if items[i].ID == uuid.Nil {
			items[i].ID = uuid.New()
		}
		items[i].OrderID = id
	}
}

func numberPrefix(kind Kind) string {
	if kind == KindLabTest {
		return "LAB"
	}
	return "MED"
}

// FormatOrderNumber renders the human-readable order code, e.g.
// MED-20261016-0042.
func FormatOrderNumber(kind Kind, day time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%04d", numberPrefix(kind), day.UTC().Format("20060102"), seq)
}

func sortOrdersNewestFirst(orders []Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i].Common(), orders[j].Common()
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.OrderNumber < b.OrderNumber
	})
}
