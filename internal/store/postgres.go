package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/swiftcab/dispatch/internal/domain/order"
)

const defaultPollInterval = 2 * time.Second

// Schema kept alongside the code that depends on it.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS orders (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL,
    pickup_lat          DOUBLE PRECISION NOT NULL,
    pickup_lng          DOUBLE PRECISION NOT NULL,
    pickup_label        TEXT NOT NULL DEFAULT '',
    dest_lat            DOUBLE PRECISION NOT NULL,
    dest_lng            DOUBLE PRECISION NOT NULL,
    dest_label          TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    assigned_driver_id  TEXT,
    driver_name         TEXT,
    driver_vehicle_type TEXT,
    driver_plate        TEXT,
    created_at          TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL,
    accepted_at         TIMESTAMPTZ,
    driver_coming_at    TIMESTAMPTZ,
    driver_arrived_at   TIMESTAMPTZ,
    trip_started_at     TIMESTAMPTZ,
    completed_at        TIMESTAMPTZ,
    cancelled_at        TIMESTAMPTZ,
    expired_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_orders_status_created ON orders (status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_orders_user_created ON orders (user_id, created_at DESC);
`

const orderColumns = `id, user_id, pickup_lat, pickup_lng, pickup_label,
	dest_lat, dest_lng, dest_label, status, assigned_driver_id,
	driver_name, driver_vehicle_type, driver_plate,
	created_at, updated_at, accepted_at, driver_coming_at, driver_arrived_at,
	trip_started_at, completed_at, cancelled_at, expired_at`

// Postgres is a Store backed by PostgreSQL. The conditional update compiles
// the expected fields into the UPDATE's WHERE clause, so the check-then-set
// is a single server-side statement. Subscriptions poll and emit only when
// the result set actually changed.
type Postgres struct {
	db   *sql.DB
	poll time.Duration
	now  func() time.Time
}

// NewPostgres creates a Postgres-backed store
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, poll: defaultPollInterval, now: time.Now}
}

// Migrate creates the orders table and its indexes
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, PostgresSchema); err != nil {
		return unavailable("migrate orders schema", err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, o *order.Order) (*order.Order, error) {
	c := o.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = p.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	var name, vehicle, plate interface{}
	if c.AssignedDriverData != nil {
		name, vehicle, plate = c.AssignedDriverData.Name, c.AssignedDriverData.VehicleType, c.AssignedDriverData.PlateNumber
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		c.ID, c.UserID,
		c.Pickup.Lat, c.Pickup.Lng, c.Pickup.Label,
		c.Destination.Lat, c.Destination.Lng, c.Destination.Label,
		string(c.Status), nullableString(c.AssignedDriverID),
		name, vehicle, plate,
		c.CreatedAt, c.UpdatedAt,
		nullableTime(c.AcceptedAt), nullableTime(c.DriverComingAt), nullableTime(c.DriverArrivedAt),
		nullableTime(c.TripStartedAt), nullableTime(c.CompletedAt), nullableTime(c.CancelledAt),
		nullableTime(c.ExpiredAt),
	)
	if err != nil {
		return nil, unavailable("insert order", err)
	}
	return c, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*order.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get order", err)
	}
	return o, nil
}

func (p *Postgres) Query(ctx context.Context, q Query) ([]*order.Order, error) {
	where, args, err := p.whereClause(q.Filters)
	if err != nil {
		return nil, err
	}

	sqlStr := `SELECT ` + orderColumns + ` FROM orders` + where + ` ORDER BY created_at`
	if q.Desc {
		sqlStr += ` DESC`
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sqlStr += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, unavailable("query orders", err)
	}
	defer rows.Close()

	var out []*order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, unavailable("scan order", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query orders", err)
	}
	return out, nil
}

func (p *Postgres) whereClause(filters []Filter) (string, []interface{}, error) {
	var conds []string
	var args []interface{}
	for _, f := range filters {
		col, ok := columnFor(f.Field)
		if !ok {
			return "", nil, fmt.Errorf("query: unknown field %q", f.Field)
		}
		switch f.Op {
		case OpEq:
			if f.Value == nil {
				conds = append(conds, col+` IS NULL`)
				continue
			}
			args = append(args, normalizeValue(f.Value))
			conds = append(conds, fmt.Sprintf(`%s = $%d`, col, len(args)))
		case OpWithin:
			d, ok := f.Value.(time.Duration)
			if !ok {
				return "", nil, fmt.Errorf("query: within filter on %q wants a duration", f.Field)
			}
			args = append(args, p.now().Add(-d))
			conds = append(conds, fmt.Sprintf(`%s >= $%d`, col, len(args)))
		case OpBefore:
			t, ok := f.Value.(time.Time)
			if !ok {
				return "", nil, fmt.Errorf("query: before filter on %q wants a time", f.Field)
			}
			args = append(args, t)
			conds = append(conds, fmt.Sprintf(`%s < $%d`, col, len(args)))
		default:
			return "", nil, fmt.Errorf("query: unknown operator %q", f.Op)
		}
	}
	if len(conds) == 0 {
		return "", args, nil
	}
	return ` WHERE ` + strings.Join(conds, ` AND `), args, nil
}

// ConditionalUpdate runs one UPDATE whose WHERE clause carries every expected
// field, then disambiguates a zero-row result into NotFound vs
// PreconditionFailed with a follow-up existence check.
func (p *Postgres) ConditionalUpdate(ctx context.Context, id string, expected, patch Fields) (*order.Order, error) {
	var sets []string
	var args []interface{}
	args = append(args, id)

	for field, value := range patch {
		cols, vals, err := patchColumns(field, value)
		if err != nil {
			return nil, err
		}
		for i, col := range cols {
			args = append(args, vals[i])
			sets = append(sets, fmt.Sprintf(`%s = $%d`, col, len(args)))
		}
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("conditional update: empty patch")
	}

	conds := []string{`id = $1`}
	for field, value := range expected {
		col, ok := columnFor(field)
		if !ok {
			return nil, fmt.Errorf("conditional update: unknown expected field %q", field)
		}
		if value == nil {
			conds = append(conds, col+` IS NULL`)
			continue
		}
		args = append(args, normalizeValue(value))
		conds = append(conds, fmt.Sprintf(`%s = $%d`, col, len(args)))
	}

	sqlStr := `UPDATE orders SET ` + strings.Join(sets, `, `) +
		` WHERE ` + strings.Join(conds, ` AND `) +
		` RETURNING ` + orderColumns

	row := p.db.QueryRowContext(ctx, sqlStr, args...)
	o, err := scanOrder(row)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable("conditional update", err)
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, unavailable("conditional update", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrPreconditionFailed
}

// Subscribe polls the query and emits a fresh snapshot whenever the result
// set changed since the last emission.
func (p *Postgres) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := newSubscription(cancel)

	go func() {
		ticker := time.NewTicker(p.poll)
		defer ticker.Stop()

		last := ""
		force := true
		for {
			snap, err := p.Query(ctx, q)
			if err != nil {
				if ctx.Err() != nil {
					sub.finish(nil)
				} else {
					sub.finish(err)
				}
				return
			}
			if fp := fingerprint(snap); force || fp != last {
				last = fp
				force = false
				if !sub.deliver(ctx, snap) {
					sub.finish(nil)
					return
				}
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				sub.finish(nil)
				return
			}
		}
	}()

	return sub, nil
}

func columnFor(field string) (string, bool) {
	switch field {
	case order.FieldStatus:
		return "status", true
	case order.FieldUserID:
		return "user_id", true
	case order.FieldAssignedDriverID:
		return "assigned_driver_id", true
	case order.FieldCreatedAt:
		return "created_at", true
	case order.FieldUpdatedAt:
		return "updated_at", true
	case order.FieldAcceptedAt:
		return "accepted_at", true
	case order.FieldDriverComingAt:
		return "driver_coming_at", true
	case order.FieldDriverArrivedAt:
		return "driver_arrived_at", true
	case order.FieldTripStartedAt:
		return "trip_started_at", true
	case order.FieldCompletedAt:
		return "completed_at", true
	case order.FieldCancelledAt:
		return "cancelled_at", true
	case order.FieldExpiredAt:
		return "expired_at", true
	default:
		return "", false
	}
}

// patchColumns expands one patch field into its columns; the driver snapshot
// is denormalized over three.
func patchColumns(field string, value interface{}) ([]string, []interface{}, error) {
	if field == order.FieldAssignedDriver {
		var snap *order.DriverSnapshot
		switch v := value.(type) {
		case nil:
		case *order.DriverSnapshot:
			snap = v
		case order.DriverSnapshot:
			snap = &v
		default:
			return nil, nil, fmt.Errorf("patch %s: want driver snapshot, got %T", field, value)
		}
		cols := []string{"driver_name", "driver_vehicle_type", "driver_plate"}
		if snap == nil {
			return cols, []interface{}{nil, nil, nil}, nil
		}
		return cols, []interface{}{snap.Name, snap.VehicleType, snap.PlateNumber}, nil
	}

	col, ok := columnFor(field)
	if !ok {
		return nil, nil, fmt.Errorf("patch %s: unknown field", field)
	}
	return []string{col}, []interface{}{normalizeValue(value)}, nil
}

func normalizeValue(v interface{}) interface{} {
	if s, ok := v.(order.Status); ok {
		return string(s)
	}
	return v
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*order.Order, error) {
	var o order.Order
	var driverID, name, vehicle, plate sql.NullString
	var acceptedAt, comingAt, arrivedAt, startedAt, completedAt, cancelledAt, expiredAt sql.NullTime

	err := row.Scan(
		&o.ID, &o.UserID,
		&o.Pickup.Lat, &o.Pickup.Lng, &o.Pickup.Label,
		&o.Destination.Lat, &o.Destination.Lng, &o.Destination.Label,
		&o.Status, &driverID,
		&name, &vehicle, &plate,
		&o.CreatedAt, &o.UpdatedAt,
		&acceptedAt, &comingAt, &arrivedAt,
		&startedAt, &completedAt, &cancelledAt, &expiredAt,
	)
	if err != nil {
		return nil, err
	}

	if driverID.Valid {
		o.AssignedDriverID = &driverID.String
	}
	if name.Valid {
		o.AssignedDriverData = &order.DriverSnapshot{
			Name:        name.String,
			VehicleType: vehicle.String,
			PlateNumber: plate.String,
		}
	}
	o.AcceptedAt = fromNullTime(acceptedAt)
	o.DriverComingAt = fromNullTime(comingAt)
	o.DriverArrivedAt = fromNullTime(arrivedAt)
	o.TripStartedAt = fromNullTime(startedAt)
	o.CompletedAt = fromNullTime(completedAt)
	o.CancelledAt = fromNullTime(cancelledAt)
	o.ExpiredAt = fromNullTime(expiredAt)
	return &o, nil
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
