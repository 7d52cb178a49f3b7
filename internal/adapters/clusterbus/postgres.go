package clusterbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Amund211/asyncrefresh/internal/cache"
	"github.com/Amund211/asyncrefresh/internal/logging"
	"github.com/Amund211/asyncrefresh/internal/reporting"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	ListenerID  = "clusterbus"
	ChannelName = "asyncrefresh_cache_events"

	retention     = 7 * 24 * time.Hour
	pruneInterval = time.Hour
	pingInterval  = 90 * time.Second
)

var ErrMalformedNotification = errors.New("malformed notification")

// notification is the NOTIFY payload exchanged between processes
type notification struct {
	ID        int64           `json:"id"`
	ProcessID string          `json:"processID"`
	Kind      cache.EventKind `json:"kind"`
	CacheID   string          `json:"cacheID"`
	Key       string          `json:"key"`
}

type RecordedEvent struct {
	ID        int64     `db:"id" json:"id"`
	ProcessID string    `db:"process_id" json:"processID"`
	Kind      string    `db:"kind" json:"kind"`
	CacheID   string    `db:"cache_id" json:"cacheID"`
	Key       string    `db:"cache_key" json:"key"`
	EmittedAt time.Time `db:"emitted_at" json:"emittedAt"`
}

// Postgres relays refresh requests between processes sharing a database.
//
// Registered as a listener it records and publishes local refresh requests.
// Listen delivers requests published by other processes to the local caches.
type Postgres struct {
	db               *sqlx.DB
	schema           string
	connectionString string
	processID        string
	registry         *cache.Registry

	tracer trace.Tracer
}

func NewPostgres(db *sqlx.DB, schema string, connectionString string, processID string, registry *cache.Registry) *Postgres {
	return &Postgres{
		db:               db,
		schema:           schema,
		connectionString: connectionString,
		processID:        processID,
		registry:         registry,

		tracer: otel.Tracer("asyncrefresh/clusterbus/postgres"),
	}
}

func (p *Postgres) ID() string {
	return ListenerID
}

func (p *Postgres) OnRefreshableCacheEvent(ctx context.Context, event cache.Event) error {
	// Events without an origin were received from another process
	if event.Origin == "" || event.Kind != cache.RefreshRequested {
		return nil
	}
	return p.Publish(ctx, event)
}

// Publish records event and notifies the other processes in one transaction
func (p *Postgres) Publish(ctx context.Context, event cache.Event) error {
	ctx, span := p.tracer.Start(ctx, "Postgres.Publish")
	defer span.End()

	txx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		err := fmt.Errorf("failed to start transaction: %w", err)
		reporting.Report(ctx, err)
		return err
	}
	defer txx.Rollback()

	_, err = txx.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", pq.QuoteIdentifier(p.schema)))
	if err != nil {
		err := fmt.Errorf("failed to set search path: %w", err)
		reporting.Report(ctx, err, map[string]string{
			"schema": p.schema,
		})
		return err
	}

	var id int64
	err = txx.GetContext(
		ctx,
		&id,
		`INSERT INTO refresh_events
		(process_id, kind, cache_id, cache_key)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		p.processID,
		string(event.Kind),
		event.CacheID,
		event.Key,
	)
	if err != nil {
		err := fmt.Errorf("failed to insert refresh event: %w", err)
		reporting.Report(ctx, err, map[string]string{
			"cacheID": event.CacheID,
			"key":     event.Key,
		})
		return err
	}

	payload, err := json.Marshal(notification{
		ID:        id,
		ProcessID: p.processID,
		Kind:      event.Kind,
		CacheID:   event.CacheID,
		Key:       event.Key,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	_, err = txx.ExecContext(ctx, "SELECT pg_notify($1, $2)", ChannelName, string(payload))
	if err != nil {
		err := fmt.Errorf("failed to notify: %w", err)
		reporting.Report(ctx, err, map[string]string{
			"cacheID": event.CacheID,
			"key":     event.Key,
		})
		return err
	}

	if err := txx.Commit(); err != nil {
		err := fmt.Errorf("failed to commit transaction: %w", err)
		reporting.Report(ctx, err)
		return err
	}

	return nil
}

// Listen delivers notifications from other processes until ctx is done
func (p *Postgres) Listen(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	listener := pq.NewListener(p.connectionString, 10*time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		if err != nil {
			logger.WarnContext(ctx, "Cluster bus connection event", "event", int(event), "error", err.Error())
		}
	})
	defer listener.Close()

	if err := listener.Listen(ChannelName); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ChannelName, err)
	}
	logger.InfoContext(ctx, "Listening for cluster cache events", "channel", ChannelName)

	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// Reconnected, notifications sent in the meantime are lost
				logger.InfoContext(ctx, "Cluster bus reconnected")
				continue
			}
			if err := p.handleNotification(ctx, n.Extra); err != nil {
				logger.ErrorContext(ctx, "Failed to handle cluster notification", "error", err.Error())
				reporting.Report(ctx, err)
			}
		case <-pruneTicker.C:
			if _, err := p.Prune(ctx, time.Now().Add(-retention)); err != nil {
				logger.ErrorContext(ctx, "Failed to prune refresh events", "error", err.Error())
			}
		case <-time.After(pingInterval):
			go func() {
				if err := listener.Ping(); err != nil {
					logger.WarnContext(ctx, "Cluster bus ping failed", "error", err.Error())
				}
			}()
		}
	}
}

func decodeNotification(payload string) (notification, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return notification{}, fmt.Errorf("%w: %w", ErrMalformedNotification, err)
	}
	if n.ProcessID == "" || n.CacheID == "" || n.Kind == "" {
		return notification{}, fmt.Errorf("%w: missing fields in %q", ErrMalformedNotification, payload)
	}
	return n, nil
}

func (p *Postgres) handleNotification(ctx context.Context, payload string) error {
	n, err := decodeNotification(payload)
	if err != nil {
		return err
	}
	if n.ProcessID == p.processID {
		return nil
	}

	ctx = logging.AddMetaToContext(ctx,
		slog.String("remoteProcessID", n.ProcessID),
		slog.Int64("eventID", n.ID),
	)

	// Only caches with a matching id receive remote events
	return p.registry.Broadcast(ctx, cache.Event{
		Kind:    n.Kind,
		CacheID: n.CacheID,
		Key:     n.Key,
	}, false)
}

// Recent returns the latest recorded events, newest first
func (p *Postgres) Recent(ctx context.Context, limit int) ([]RecordedEvent, error) {
	ctx, span := p.tracer.Start(ctx, "Postgres.Recent")
	defer span.End()

	txx, err := p.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer txx.Rollback()

	_, err = txx.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", pq.QuoteIdentifier(p.schema)))
	if err != nil {
		return nil, fmt.Errorf("failed to set search path: %w", err)
	}

	var events []RecordedEvent
	err = txx.SelectContext(
		ctx,
		&events,
		`SELECT id, process_id, kind, cache_id, cache_key, emitted_at
		FROM refresh_events
		ORDER BY id DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select refresh events: %w", err)
	}

	return events, nil
}

// Prune deletes events emitted before the given time
func (p *Postgres) Prune(ctx context.Context, before time.Time) (int64, error) {
	ctx, span := p.tracer.Start(ctx, "Postgres.Prune")
	defer span.End()

	txx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer txx.Rollback()

	_, err = txx.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", pq.QuoteIdentifier(p.schema)))
	if err != nil {
		return 0, fmt.Errorf("failed to set search path: %w", err)
	}

	result, err := txx.ExecContext(ctx, "DELETE FROM refresh_events WHERE emitted_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete refresh events: %w", err)
	}

	if err := txx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result.RowsAffected()
}
