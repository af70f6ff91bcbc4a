// README: Trip store backed by PostgreSQL.
package trip

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hail/internal/types"
)

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const activeStates = "('requested','accepted','in_progress')"

func (s *PGStore) Create(ctx context.Context, t *Trip) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trips (
			id, rider_id, driver_id, state, version,
			pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			cancel_reason, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12
		)`,
		string(t.ID),
		string(t.RiderID),
		idPtr(t.DriverID),
		string(t.State),
		t.Version,
		t.Pickup.Lat, t.Pickup.Lng,
		t.Dropoff.Lat, t.Dropoff.Lng,
		t.CancelReason,
		t.CreatedAt,
		t.UpdatedAt,
	)
	return err
}

const tripColumns = `
	id, rider_id, driver_id, state, version,
	pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	cancel_reason, created_at, updated_at`

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Trip, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE id = $1`, string(id))
	return scanTrip(row)
}

func (s *PGStore) ActiveByRider(ctx context.Context, riderID types.ID) (*Trip, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+tripColumns+` FROM trips
		 WHERE rider_id = $1 AND state IN `+activeStates+`
		 LIMIT 1`, string(riderID))
	t, err := scanTrip(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return t, err
}

func (s *PGStore) ActiveByDriver(ctx context.Context, driverID types.ID) (*Trip, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+tripColumns+` FROM trips
		 WHERE driver_id = $1 AND state IN `+activeStates+`
		 LIMIT 1`, string(driverID))
	t, err := scanTrip(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return t, err
}

func (s *PGStore) UpdateState(ctx context.Context, id types.ID, from, to State, version int, driverID *types.ID, reason *string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE trips
		SET state = $1,
		    version = version + 1,
		    driver_id = COALESCE($2, driver_id),
		    cancel_reason = COALESCE($3, cancel_reason),
		    updated_at = NOW()
		WHERE id = $4 AND state = $5 AND version = $6`,
		string(to),
		idPtr(driverID),
		reason,
		string(id),
		string(from),
		version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trip_state_events (
			trip_id, from_state, to_state, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.TripID),
		string(e.From),
		string(e.To),
		e.ActorType,
		idPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

func (s *PGStore) Events(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, trip_id, from_state, to_state, actor_type, actor_id, created_at
		FROM trip_state_events
		WHERE trip_id = $1
		ORDER BY id`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var actorID sql.NullString
		if err := rows.Scan(&e.ID, &e.TripID, &e.From, &e.To, &e.ActorType, &actorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID.Valid {
			a := types.ID(actorID.String)
			e.ActorID = &a
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*Trip, error) {
	var t Trip
	var driverID, cancelReason sql.NullString
	var createdAt, updatedAt time.Time

	err := row.Scan(
		&t.ID, &t.RiderID, &driverID, &t.State, &t.Version,
		&t.Pickup.Lat, &t.Pickup.Lng, &t.Dropoff.Lat, &t.Dropoff.Lng,
		&cancelReason, &createdAt, &updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if driverID.Valid {
		d := types.ID(driverID.String)
		t.DriverID = &d
	}
	if cancelReason.Valid {
		t.CancelReason = &cancelReason.String
	}
	t.CreatedAt = createdAt
	t.UpdatedAt = updatedAt
	return &t, nil
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
