package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// Channel is the fixed Postgres channel name the bus listens/notifies on.
// Payloads are "<formation_id>/<group_id>/<node_id>/<goal_state>" strings.
const Channel = "state"

// Event is one decoded notification delivered to a subscriber.
type Event struct {
	FormationID string
	Payload     string
	ReceivedAt  time.Time
}

// formationOf extracts the leading "<formation_id>" segment a payload is
// routed by; a payload with no "/" (a bare formation name, as tests and
// simpler callers may send) is its own formation.
func formationOf(payload string) string {
	if i := strings.IndexByte(payload, '/'); i >= 0 {
		return payload[:i]
	}
	return payload
}

// Bus is satisfied by both the Postgres-backed and in-memory buses; Catalog
// depends only on the Notify half (see catalog.Notifier).
type Bus interface {
	Notify(ctx context.Context, payload string) error
	Subscribe(formationID string) (ch <-chan Event, cancel func())
}

// PostgresBus holds one dedicated pgxpool connection in LISTEN mode and fans
// out every notification on Channel to subscribers filtered by formation.
// Issuing NOTIFY itself goes through the regular pool since it is a plain
// statement, not a long-lived listen.
type PostgresBus struct {
	pool        *pgxpool.Pool
	mu          sync.Mutex
	subscribers map[string][]chan Event
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewPostgresBus builds a bus over pool without opening a connection; Run
// acquires the listening connection and begins dispatching.
func NewPostgresBus(pool *pgxpool.Pool) *PostgresBus {
	return &PostgresBus{
		pool:        pool,
		subscribers: make(map[string][]chan Event),
	}
}

// Run blocks, holding one connection in LISTEN mode, until ctx is canceled.
// It reconnects with backoff if the listening connection drops.
func (b *PostgresBus) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Add(1)
	defer b.wg.Done()

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := b.listenOnce(ctx); err != nil {
			log.WithError(err).Warn("event bus listen connection dropped, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		return nil
	}
}

func (b *PostgresBus) listenOnce(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", Channel)); err != nil {
		return fmt.Errorf("LISTEN %s: %w", Channel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		b.dispatch(notification.Payload)
	}
}

// Stop cancels the listen loop and waits for it to exit.
func (b *PostgresBus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// Notify sends a NOTIFY on Channel carrying payload verbatim; subscribers for the
// leading formation segment wake up and re-poll.
func (b *PostgresBus) Notify(ctx context.Context, payload string) error {
	_, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", Channel, payload)
	if err != nil {
		return fmt.Errorf("notify %s: %w", payload, err)
	}
	return nil
}

// Subscribe returns a channel of events for formationID and a cancel
// function that unregisters and closes it. The channel is buffered so a
// slow keeper cannot stall dispatch to others.
func (b *PostgresBus) Subscribe(formationID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	b.subscribers[formationID] = append(b.subscribers[formationID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[formationID]
		for i, c := range subs {
			if c == ch {
				b.subscribers[formationID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel
}

func (b *PostgresBus) dispatch(payload string) {
	formationID := formationOf(payload)

	b.mu.Lock()
	subs := append([]chan Event(nil), b.subscribers[formationID]...)
	b.mu.Unlock()

	evt := Event{FormationID: formationID, Payload: payload, ReceivedAt: time.Now()}
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			log.WithField("formation_id", formationID).Warn("event bus subscriber channel full, dropping notification")
		}
	}
}

// MemoryBus is an in-process Bus for tests: Notify fans out synchronously
// to current subscribers without touching a database.
type MemoryBus struct {
	mu          sync.Mutex
	subscribers map[string][]chan Event
}

// NewMemoryBus returns an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subscribers: make(map[string][]chan Event)}
}

func (b *MemoryBus) Notify(ctx context.Context, payload string) error {
	formationID := formationOf(payload)

	b.mu.Lock()
	subs := append([]chan Event(nil), b.subscribers[formationID]...)
	b.mu.Unlock()

	evt := Event{FormationID: formationID, Payload: payload, ReceivedAt: time.Now()}
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(formationID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subscribers[formationID] = append(b.subscribers[formationID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[formationID]
		for i, c := range subs {
			if c == ch {
				b.subscribers[formationID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel
}
