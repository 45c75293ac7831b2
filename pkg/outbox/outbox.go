// Package outbox is a gateway that records published requests in a Postgres
// outbox table instead of delivering them. A Relay later reads pending rows
// and publishes them through a delivering gateway, so a request published
// from inside a database transaction is delivered at least once.
//
// Send and SendAll are not recorded; they go straight to an inner gateway.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/morezero/service-gateway/pkg/commsutil"
	"github.com/morezero/service-gateway/pkg/gateway"
	"github.com/morezero/service-gateway/pkg/routing"
)

const logPrefix = "outbox:gateway"

// DefaultTable is the outbox table name used when none is configured.
const DefaultTable = "gateway_outbox"

// ErrNoInner is returned by Send and SendAll when no inner gateway is set.
var ErrNoInner = errors.New("outbox has no gateway for request/reply")

// DB is the subset of *pgxpool.Pool and pgx.Tx the outbox uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Options configures a Gateway. Nil or zero values use defaults.
type Options struct {
	// Table is the outbox table name.
	Table string
	// Inner serves Send and SendAll.
	Inner gateway.SyncGateway
	// Timeout bounds one database write.
	Timeout time.Duration
}

// Gateway writes published requests to the outbox table.
type Gateway struct {
	db        DB
	types     *routing.Types
	inner     gateway.SyncGateway
	timeout   time.Duration
	insertSQL string
}

var _ gateway.SyncGateway = (*Gateway)(nil)

// New creates an outbox Gateway. Pass a pgx.Tx as db to make publishing part
// of that transaction.
func New(db DB, types *routing.Types, opts *Options) (*Gateway, error) {
	table := DefaultTable
	g := &Gateway{db: db, types: types, timeout: 5 * time.Second}
	if opts != nil {
		if opts.Table != "" {
			table = opts.Table
		}
		if opts.Timeout > 0 {
			g.timeout = opts.Timeout
		}
		g.inner = opts.Inner
	}
	if !safeIdent.MatchString(table) {
		return nil, fmt.Errorf("%s - invalid table name %q", logPrefix, table)
	}
	g.insertSQL = fmt.Sprintf(`INSERT INTO %s (id, type, payload) VALUES ($1, $2, $3)`, quoteIdent(table))
	return g, nil
}

// Send delegates to the inner gateway.
func (g *Gateway) Send(request, response any) error {
	if g.inner == nil {
		return fmt.Errorf("%s - %w", logPrefix, ErrNoInner)
	}
	return g.inner.Send(request, response)
}

// SendAll delegates to the inner gateway.
func (g *Gateway) SendAll(requests []any, responses any) error {
	if g.inner == nil {
		return fmt.Errorf("%s - %w", logPrefix, ErrNoInner)
	}
	return g.inner.SendAll(requests, responses)
}

// Publish records request as one pending outbox row.
func (g *Gateway) Publish(request any) error {
	row, err := g.row(request)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	if _, err := g.db.Exec(ctx, g.insertSQL, row...); err != nil {
		return fmt.Errorf("%s - failed to record %s: %w", logPrefix, row[1], err)
	}
	enqueued.Add(1)
	slog.Debug(fmt.Sprintf("%s - recorded %s as %s", logPrefix, row[1], row[0]))
	return nil
}

// PublishAll records every request in one batch. The batch runs in a single
// implicit transaction, so either all rows are written or none.
func (g *Gateway) PublishAll(requests []any) error {
	if len(requests) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, request := range requests {
		row, err := g.row(request)
		if err != nil {
			return err
		}
		batch.Queue(g.insertSQL, row...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	br := g.db.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("%s - failed to record batch item %d: %w", logPrefix, i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("%s - failed to close batch: %w", logPrefix, err)
	}
	enqueued.Add(float64(batch.Len()))
	return nil
}

func (g *Gateway) row(request any) ([]any, error) {
	if request == nil {
		return nil, fmt.Errorf("%s - %w: nil request", logPrefix, gateway.ErrInvalidArgument)
	}
	name, err := g.types.NameOf(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gateway.ErrContractViolation, err)
	}
	payload, err := commsutil.EncodePayload(request)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode %s: %w", logPrefix, name, err)
	}
	return []any{uuid.NewString(), name, payload}, nil
}
