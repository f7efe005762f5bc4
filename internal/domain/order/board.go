package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Snapshot is one consistent view of every order plus its aggregates.
type Snapshot struct {
	Orders       []UnifiedOrder  `json:"orders"`
	StatusCounts map[Status]int  `json:"status_counts"`
	KindCounts   map[Kind]int    `json:"type_counts"`
	Successful   int             `json:"successful"`
	PaidRevenue  decimal.Decimal `json:"paid_revenue"`
	LoadedAt     time.Time       `json:"loaded_at"`
}

func (s Snapshot) copy() Snapshot {
	cp := s
	cp.Orders = append([]UnifiedOrder(nil), s.Orders...)
	cp.StatusCounts = make(map[Status]int, len(s.StatusCounts))
	for k, v := range s.StatusCounts {
		cp.StatusCounts[k] = v
	}
	cp.KindCounts = make(map[Kind]int, len(s.KindCounts))
	for k, v := range s.KindCounts {
		cp.KindCounts[k] = v
	}
	return cp
}

// Board holds the admin view of all orders. It reloads everything on each
// change event and after each local write instead of merging, and a failed
// reload keeps the last good snapshot.
type Board struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time

	reloadMu sync.Mutex
	mu       sync.RWMutex
	snap     Snapshot
	loaded   bool
}

func NewBoard(repo Repository, logger zerolog.Logger) *Board {
	return &Board{
		repo:   repo,
		logger: logger.With().Str("component", "order_board").Logger(),
		now:    time.Now,
		snap:   buildSnapshot(nil, time.Time{}),
	}
}

// Start loads the board and keeps it current from repository change events
// until ctx is cancelled. The initial load error is returned but the
// subscriptions stay active so a later event can recover.
func (b *Board) Start(ctx context.Context) error {
	handlers := ChangeHandlers{
		OnInsert: func(ev ChangeEvent) { b.reloadOn(ctx, ev) },
		OnUpdate: func(ev ChangeEvent) { b.reloadOn(ctx, ev) },
		OnDelete: func(ev ChangeEvent) { b.reloadOn(ctx, ev) },
	}

	for _, kind := range Kinds {
		events, unsubscribe, err := b.repo.Subscribe(ctx, kind)
		if err != nil {
			return fmt.Errorf("subscribe to %s orders: %w", kind, err)
		}
		go func() {
			defer unsubscribe()
			for ev := range events {
				handlers.Dispatch(ev)
			}
		}()
	}

	return b.Refresh(ctx)
}

func (b *Board) reloadOn(ctx context.Context, ev ChangeEvent) {
	if err := b.Refresh(ctx); err != nil {
		b.logger.Warn().Err(err).
			Str("op", string(ev.Op)).
			Str("type", string(ev.Kind)).
			Str("order_id", ev.OrderID.String()).
			Msg("reload after change event failed, keeping previous snapshot")
	}
}

// Refresh reloads both order kinds and swaps in the new snapshot. It
// satisfies StatsRefresher.
func (b *Board) Refresh(ctx context.Context) error {
	b.reloadMu.Lock()
	defer b.reloadMu.Unlock()

	meds, err := ListMedication(ctx, b.repo)
	if err != nil {
		return fmt.Errorf("load medication orders: %w", err)
	}
	labs, err := ListLabTests(ctx, b.repo)
	if err != nil {
		return fmt.Errorf("load lab test orders: %w", err)
	}
	snap := buildSnapshot(Aggregate(meds, labs), b.now())

	b.mu.Lock()
	b.snap = snap
	b.loaded = true
	b.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current view.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap.copy()
}

// Loaded reports whether at least one reload has succeeded.
func (b *Board) Loaded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loaded
}

func buildSnapshot(orders []UnifiedOrder, at time.Time) Snapshot {
	if orders == nil {
		orders = []UnifiedOrder{}
	}
	s := Snapshot{
		Orders:       orders,
		StatusCounts: CountByStatus(orders),
		KindCounts:   CountByKind(orders),
		PaidRevenue:  decimal.Zero,
		LoadedAt:     at,
	}
	for _, o := range orders {
		if o.Status.IsSuccessful() {
			s.Successful++
		}
		if o.PaymentStatus == PaymentPaid {
			s.PaidRevenue = s.PaidRevenue.Add(o.TotalAmount)
		}
	}
	return s
}
