package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/service-gateway/pkg/gateway"
	"github.com/morezero/service-gateway/pkg/routing"
)

const relayLogPrefix = "outbox:relay"

// RelayOptions configures a Relay. Nil or zero values use defaults.
type RelayOptions struct {
	Table     string
	BatchSize int
}

// Relay publishes pending outbox rows through a delivering gateway and marks
// them dispatched. Rows that fail stay pending with their attempt count and
// last error recorded.
type Relay struct {
	db        DB
	types     *routing.Types
	target    gateway.SyncGateway
	batchSize int

	selectSQL string
	doneSQL   string
	failSQL   string
}

type pendingRow struct {
	id      string
	name    string
	payload []byte
}

// NewRelay creates a Relay delivering through target.
func NewRelay(db DB, types *routing.Types, target gateway.SyncGateway, opts *RelayOptions) (*Relay, error) {
	table := DefaultTable
	r := &Relay{db: db, types: types, target: target, batchSize: 100}
	if opts != nil {
		if opts.Table != "" {
			table = opts.Table
		}
		if opts.BatchSize > 0 {
			r.batchSize = opts.BatchSize
		}
	}
	if !safeIdent.MatchString(table) {
		return nil, fmt.Errorf("%s - invalid table name %q", relayLogPrefix, table)
	}
	if target == nil {
		return nil, fmt.Errorf("%s - %w: target gateway is nil", relayLogPrefix, gateway.ErrInvalidArgument)
	}
	t := quoteIdent(table)
	r.selectSQL = fmt.Sprintf(`SELECT id::text, type, payload FROM %s WHERE dispatched_at IS NULL ORDER BY created_at, id LIMIT $1`, t)
	r.doneSQL = fmt.Sprintf(`UPDATE %s SET dispatched_at = now(), attempts = attempts + 1, last_error = NULL WHERE id = $1`, t)
	r.failSQL = fmt.Sprintf(`UPDATE %s SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, t)
	return r, nil
}

// Flush delivers one batch of pending rows and returns how many were
// dispatched. Delivery failures are recorded on the row and joined into the
// returned error; the remaining rows are still attempted.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	rows, err := r.pending(ctx)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	var errs []error
	for _, row := range rows {
		if err := r.deliver(ctx, row); err != nil {
			relayed.WithLabelValues(resultFailed).Inc()
			errs = append(errs, err)
			if _, markErr := r.db.Exec(ctx, r.failSQL, row.id, err.Error()); markErr != nil {
				errs = append(errs, fmt.Errorf("%s - failed to record failure of %s: %w", relayLogPrefix, row.id, markErr))
			}
			if gateway.IsCancelled(err) {
				break
			}
			continue
		}
		if _, err := r.db.Exec(ctx, r.doneSQL, row.id); err != nil {
			errs = append(errs, fmt.Errorf("%s - failed to mark %s dispatched: %w", relayLogPrefix, row.id, err))
			continue
		}
		relayed.WithLabelValues(resultDispatched).Inc()
		dispatched++
	}
	if len(rows) > 0 {
		slog.Debug(fmt.Sprintf("%s - dispatched %d of %d pending rows", relayLogPrefix, dispatched, len(rows)))
	}
	return dispatched, errors.Join(errs...)
}

// Run flushes every interval until ctx ends.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	slog.Info(fmt.Sprintf("%s - Relaying every %s", relayLogPrefix, interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
				slog.Warn(fmt.Sprintf("%s - flush failed: %v", relayLogPrefix, err))
			}
		}
	}
}

func (r *Relay) pending(ctx context.Context) ([]pendingRow, error) {
	rows, err := r.db.Query(ctx, r.selectSQL, r.batchSize)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to load pending rows: %w", relayLogPrefix, err)
	}
	defer rows.Close()

	var out []pendingRow
	for rows.Next() {
		var p pendingRow
		if err := rows.Scan(&p.id, &p.name, &p.payload); err != nil {
			return nil, fmt.Errorf("%s - failed to scan pending row: %w", relayLogPrefix, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - failed to read pending rows: %w", relayLogPrefix, err)
	}
	return out, nil
}

func (r *Relay) deliver(ctx context.Context, row pendingRow) error {
	request, err := r.types.Decode(row.name, row.payload)
	if err != nil {
		return err
	}
	return gateway.PublishAsync(ctx, r.target, request).Err()
}
