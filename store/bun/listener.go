package bunstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Listener turns PostgreSQL notifications on NotifyChannel into wake-ups for
// idle pollers. It holds one dedicated pool connection while running.
type Listener struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener creates a Listener on pool.
func NewListener(pool *pgxpool.Pool, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		pool:   pool,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Wake returns a channel that receives after a job was pushed. Wake-ups
// coalesce; a reader may see one signal for many pushes.
func (l *Listener) Wake() <-chan struct{} { return l.wake }

// Start begins listening in the background.
func (l *Listener) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.loop(ctx)
	return nil
}

// Stop ends the listen loop and releases its connection.
func (l *Listener) Stop(_ context.Context) error {
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	<-l.done
	return nil
}

func (l *Listener) loop(ctx context.Context) {
	defer close(l.done)
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn("job notification listener interrupted",
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("wait: %w", err)
		}
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}
