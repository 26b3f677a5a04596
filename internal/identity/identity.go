package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/swiftcab/dispatch/internal/domain/order"
)

// Kind discriminates the caller roles the platform knows about
type Kind string

const (
	KindUser   Kind = "user"
	KindDriver Kind = "driver"
	KindSeller Kind = "seller"
)

// Identity is the caller's resolved role and stable id. It is resolved once
// at session start and passed through; the dispatch core trusts it without
// re-verifying -- authentication belongs to the upstream proxy.
type Identity struct {
	Kind        Kind
	ID          string
	DisplayName string
}

// Errors
var (
	ErrProfileNotFound = errors.New("driver profile not found")
	ErrUnknownKind     = errors.New("unknown identity kind")
)

// Resolve builds an Identity from the subject attributes the auth layer
// forwarded. Rejects roles the dispatch surface does not serve.
func Resolve(kind, id, displayName string) (Identity, error) {
	if id == "" {
		return Identity{}, errors.New("identity: empty subject id")
	}
	switch Kind(kind) {
	case KindUser, KindDriver, KindSeller:
		return Identity{Kind: Kind(kind), ID: id, DisplayName: displayName}, nil
	default:
		return Identity{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// ProfileSource resolves a driver id to the display profile copied onto an
// order at acceptance time.
type ProfileSource interface {
	DriverProfile(ctx context.Context, driverID string) (*order.DriverSnapshot, error)
}

// StaticProfiles is an in-memory ProfileSource, used by tests and local runs
type StaticProfiles struct {
	mu       sync.RWMutex
	profiles map[string]order.DriverSnapshot
}

// NewStaticProfiles creates an empty static source
func NewStaticProfiles() *StaticProfiles {
	return &StaticProfiles{profiles: make(map[string]order.DriverSnapshot)}
}

// Put registers or replaces a driver profile
func (s *StaticProfiles) Put(driverID string, snap order.DriverSnapshot) {
	s.mu.Lock()
	s.profiles[driverID] = snap
	s.mu.Unlock()
}

// Delete removes a driver profile
func (s *StaticProfiles) Delete(driverID string) {
	s.mu.Lock()
	delete(s.profiles, driverID)
	s.mu.Unlock()
}

func (s *StaticProfiles) DriverProfile(_ context.Context, driverID string) (*order.DriverSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.profiles[driverID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	out := snap
	return &out, nil
}

// PostgresProfiles reads driver profiles from the driver_profiles table
type PostgresProfiles struct {
	db *sql.DB
}

const profilesSchema = `
CREATE TABLE IF NOT EXISTS driver_profiles (
    driver_id    TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    vehicle_type TEXT NOT NULL,
    plate_number TEXT NOT NULL
);
`

// NewPostgresProfiles creates a Postgres-backed profile source
func NewPostgresProfiles(db *sql.DB) *PostgresProfiles {
	return &PostgresProfiles{db: db}
}

// Migrate creates the driver_profiles table
func (p *PostgresProfiles) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, profilesSchema)
	if err != nil {
		return fmt.Errorf("migrate driver_profiles schema: %w", err)
	}
	return nil
}

func (p *PostgresProfiles) DriverProfile(ctx context.Context, driverID string) (*order.DriverSnapshot, error) {
	var snap order.DriverSnapshot
	err := p.db.QueryRowContext(ctx,
		`SELECT name, vehicle_type, plate_number FROM driver_profiles WHERE driver_id = $1`,
		driverID,
	).Scan(&snap.Name, &snap.VehicleType, &snap.PlateNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup driver profile: %w", err)
	}
	return &snap, nil
}
