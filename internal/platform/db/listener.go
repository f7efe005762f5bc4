package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	listenerBuffer       = 64
	defaultListenBackoff = 2 * time.Second
)

// Listener keeps one pooled connection in LISTEN mode on a channel and fans
// notification payloads out to in-process subscribers. It reconnects until
// its context is cancelled.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
	logger  zerolog.Logger
	backoff time.Duration

	mu     sync.RWMutex
	subs   map[int]chan string
	nextID int
}

// NewListener creates a Listener for channel. Call Run to start it.
func NewListener(pool *pgxpool.Pool, channel string, logger zerolog.Logger) *Listener {
	return &Listener{
		pool:    pool,
		channel: channel,
		logger:  logger.With().Str("component", "pg_listener").Str("channel", channel).Logger(),
		backoff: defaultListenBackoff,
		subs:    make(map[int]chan string),
	}
}

// Subscribe registers a receiver of raw payloads. The returned func removes
// it and closes the channel; calling it more than once is safe.
func (l *Listener) Subscribe() (<-chan string, func()) {
	ch := make(chan string, listenerBuffer)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			close(ch)
			l.mu.Unlock()
		})
	}
}

// Run blocks, listening and redelivering payloads, until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn().Err(err).Dur("backoff", l.backoff).Msg("listener disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.backoff):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	pc, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	// A connection left in LISTEN mode must not go back to the pool.
	conn := pc.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	l.logger.Info().Msg("listening for notifications")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.dispatch(n.Payload)
	}
}

func (l *Listener) dispatch(payload string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, ch := range l.subs {
		select {
		case ch <- payload:
		default:
			l.logger.Warn().Msg("subscriber buffer full, notification dropped")
		}
	}
}
