package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/paulmach/orb/geojson"

	"github.com/ukydev/vehicle-tracking/internal/geo"
	"github.com/ukydev/vehicle-tracking/internal/models"
)

// schema bootstraps the PostGIS tables. Deleting a vehicle cascades through
// assignments and routes down to positions.
const schema = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	email         TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL,
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	last_login    TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS vehicles (
	id                         TEXT PRIMARY KEY,
	name                       TEXT NOT NULL,
	token                      TEXT,
	imei                       TEXT NOT NULL UNIQUE,
	status                     TEXT NOT NULL,
	color                      TEXT NOT NULL,
	position_check_freq        INTEGER NOT NULL,
	min_distance_delta         INTEGER NOT NULL,
	max_idle_minutes           INTEGER NOT NULL,
	manual_route_start_enabled BOOLEAN NOT NULL,
	created_at                 TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS vehicles_token_idx ON vehicles (token);

CREATE TABLE IF NOT EXISTS assignments (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	vehicle_id TEXT NOT NULL REFERENCES vehicles (id) ON DELETE CASCADE,
	start_date TIMESTAMPTZ NOT NULL,
	end_date   TIMESTAMPTZ,
	UNIQUE (user_id, vehicle_id, start_date)
);

CREATE TABLE IF NOT EXISTS routes (
	id             TEXT PRIMARY KEY,
	assignment_id  TEXT NOT NULL REFERENCES assignments (id) ON DELETE CASCADE,
	vehicle_id     TEXT NOT NULL,
	start_time     TIMESTAMPTZ NOT NULL,
	end_time       TIMESTAMPTZ,
	total_distance DOUBLE PRECISION NOT NULL DEFAULT 0,
	start_city     TEXT,
	end_city       TEXT,
	start_location geometry(Point, 4326),
	end_location   geometry(Point, 4326),
	route_geom     geometry(Geometry, 4326),
	CHECK (end_time IS NULL OR end_time >= start_time)
);
CREATE INDEX IF NOT EXISTS routes_assignment_idx ON routes (assignment_id, start_time DESC);
CREATE INDEX IF NOT EXISTS routes_vehicle_idx ON routes (vehicle_id, start_time DESC);

CREATE TABLE IF NOT EXISTS positions (
	id         TEXT PRIMARY KEY,
	route_id   TEXT NOT NULL REFERENCES routes (id) ON DELETE CASCADE,
	vehicle_id TEXT NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL,
	location   geometry(Point, 4326) NOT NULL,
	speed      DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS positions_route_idx ON positions (route_id, timestamp);
CREATE INDEX IF NOT EXISTS positions_vehicle_idx ON positions (vehicle_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS last_samples (
	vehicle_id TEXT PRIMARY KEY REFERENCES vehicles (id) ON DELETE CASCADE,
	route_id   TEXT NOT NULL DEFAULT '',
	timestamp  TIMESTAMPTZ NOT NULL,
	location   geometry(Point, 4326) NOT NULL,
	speed      DOUBLE PRECISION NOT NULL
);
`

const uniqueViolation = "23505"

// PostgresStore implements Store on PostgreSQL with the PostGIS extension.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens a pgx-backed connection pool and verifies it.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open error: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetConnMaxIdleTime(5 * time.Minute)
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("postgres ping error: %w", err)
	}
	return &PostgresStore{db: conn}, nil
}

// InitSchema creates missing tables and indexes.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close(context.Context) error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func pgError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

func execOne(ctx context.Context, db *sql.DB, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return pgError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func location(lat, lon sql.NullFloat64) *models.Location {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &models.Location{Lat: lat.Float64, Lon: lon.Float64}
}

// Users

const userColumns = `id, username, email, password_hash, role, is_active, last_login, created_at, updated_at`

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u         models.User
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &u.IsActive,
		&lastLogin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, pgError(err)
	}
	u.LastLogin = timePtr(lastLogin)
	return &u, nil
}

func (s *PostgresStore) InsertUser(ctx context.Context, user models.User) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, TRUE, NULL, $6, $6)`,
		user.ID, user.Username, user.Email, user.PasswordHash, user.Role, now)
	return pgError(err)
}

func (s *PostgresStore) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1 LIMIT 1`, email))
}

func (s *PostgresStore) UpdateUser(ctx context.Context, id string, user models.User) error {
	return execOne(ctx, s.db,
		`UPDATE users SET username = $2, email = $3, password_hash = $4, role = $5, is_active = $6,
			last_login = $7, updated_at = $8 WHERE id = $1`,
		id, user.Username, user.Email, user.PasswordHash, user.Role, user.IsActive,
		nullTime(user.LastLogin), time.Now().UTC())
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) UpdateLastLogin(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = $2, updated_at = $2 WHERE id = $1`, id, now)
	return err
}

// Vehicles

const vehicleColumns = `id, name, COALESCE(token, ''), imei, status, color, position_check_freq,
	min_distance_delta, max_idle_minutes, manual_route_start_enabled, created_at`

func scanVehicle(row rowScanner) (*models.Vehicle, error) {
	var v models.Vehicle
	if err := row.Scan(&v.ID, &v.Name, &v.Token, &v.IMEI, &v.Status, &v.Color, &v.PositionCheckFreq,
		&v.MinDistanceDelta, &v.MaxIdleMinutes, &v.ManualRouteStartEnabled, &v.CreatedAt); err != nil {
		return nil, pgError(err)
	}
	v.CreatedAt = v.CreatedAt.UTC()
	return &v, nil
}

func (s *PostgresStore) InsertVehicle(ctx context.Context, v models.Vehicle) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vehicles (id, name, token, imei, status, color, position_check_freq,
			min_distance_delta, max_idle_minutes, manual_route_start_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		v.ID, v.Name, nullString(v.Token), v.IMEI, v.Status, v.Color, v.PositionCheckFreq,
		v.MinDistanceDelta, v.MaxIdleMinutes, v.ManualRouteStartEnabled, v.CreatedAt)
	return pgError(err)
}

func (s *PostgresStore) FindVehicleByID(ctx context.Context, id string) (*models.Vehicle, error) {
	return scanVehicle(s.db.QueryRowContext(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = $1`, id))
}

func (s *PostgresStore) FindVehicleByToken(ctx context.Context, token string) (*models.Vehicle, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return scanVehicle(s.db.QueryRowContext(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE token = $1`, token))
}

func (s *PostgresStore) FindVehicleByIMEI(ctx context.Context, imei string) (*models.Vehicle, error) {
	return scanVehicle(s.db.QueryRowContext(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE imei = $1`, imei))
}

func (s *PostgresStore) UpdateVehicle(ctx context.Context, v models.Vehicle) error {
	return execOne(ctx, s.db,
		`UPDATE vehicles SET name = $2, status = $3, color = $4, position_check_freq = $5,
			min_distance_delta = $6, max_idle_minutes = $7, manual_route_start_enabled = $8
		WHERE id = $1`,
		v.ID, v.Name, v.Status, v.Color, v.PositionCheckFreq, v.MinDistanceDelta,
		v.MaxIdleMinutes, v.ManualRouteStartEnabled)
}

func (s *PostgresStore) SetVehicleToken(ctx context.Context, id, token string) error {
	return execOne(ctx, s.db, `UPDATE vehicles SET token = $2 WHERE id = $1`, id, token)
}

// DeleteVehicle relies on ON DELETE CASCADE for dependent rows.
func (s *PostgresStore) DeleteVehicle(ctx context.Context, id string) error {
	return execOne(ctx, s.db, `DELETE FROM vehicles WHERE id = $1`, id)
}

// Assignments

const assignmentColumns = `id, user_id, vehicle_id, start_date, end_date`

func scanAssignment(row rowScanner) (*models.Assignment, error) {
	var (
		a   models.Assignment
		end sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.VehicleID, &a.StartDate, &end); err != nil {
		return nil, pgError(err)
	}
	a.StartDate = a.StartDate.UTC()
	a.EndDate = timePtr(end)
	return &a, nil
}

func (s *PostgresStore) InsertAssignment(ctx context.Context, a models.Assignment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments (`+assignmentColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.UserID, a.VehicleID, a.StartDate, nullTime(a.EndDate))
	return pgError(err)
}

func (s *PostgresStore) FindAssignmentsByUser(ctx context.Context, userID string) ([]models.Assignment, error) {
	return s.queryAssignments(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE user_id = $1 ORDER BY start_date`, userID)
}

func (s *PostgresStore) FindAssignments(ctx context.Context, userID, vehicleID string) ([]models.Assignment, error) {
	return s.queryAssignments(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE user_id = $1 AND vehicle_id = $2 ORDER BY start_date`,
		userID, vehicleID)
}

func (s *PostgresStore) queryAssignments(ctx context.Context, query string, args ...any) ([]models.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindActiveAssignment(ctx context.Context, vehicleID string, at time.Time) (*models.Assignment, error) {
	return scanAssignment(s.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments
		WHERE vehicle_id = $1 AND start_date <= $2 AND (end_date IS NULL OR end_date > $2)
		ORDER BY start_date DESC LIMIT 1`, vehicleID, at))
}

// Routes

const routeColumns = `id, assignment_id, vehicle_id, start_time, end_time, total_distance,
	COALESCE(start_city, ''), COALESCE(end_city, ''),
	ST_Y(start_location), ST_X(start_location), ST_Y(end_location), ST_X(end_location),
	ST_AsGeoJSON(route_geom)`

func scanRoute(row rowScanner) (*models.Route, error) {
	var (
		r                  models.Route
		end                sql.NullTime
		startLat, startLon sql.NullFloat64
		endLat, endLon     sql.NullFloat64
		geometry           sql.NullString
	)
	if err := row.Scan(&r.ID, &r.AssignmentID, &r.VehicleID, &r.StartTime, &end, &r.TotalDistance,
		&r.StartCity, &r.EndCity, &startLat, &startLon, &endLat, &endLon, &geometry); err != nil {
		return nil, pgError(err)
	}
	r.StartTime = r.StartTime.UTC()
	r.EndTime = timePtr(end)
	r.StartLocation = location(startLat, startLon)
	r.EndLocation = location(endLat, endLon)
	if geometry.Valid {
		g, err := geojson.UnmarshalGeometry([]byte(geometry.String))
		if err != nil {
			return nil, fmt.Errorf("decode route geometry: %w", err)
		}
		r.Path = geo.PathFromGeometry(g.Coordinates)
	}
	return &r, nil
}

func (s *PostgresStore) InsertRoute(ctx context.Context, r models.Route) error {
	var geometry sql.NullString
	if g := geo.PathGeometry(r.Path); g != nil {
		raw, err := json.Marshal(g)
		if err != nil {
			return fmt.Errorf("encode route geometry: %w", err)
		}
		geometry = sql.NullString{String: string(raw), Valid: true}
	}
	var startLat, startLon sql.NullFloat64
	if r.StartLocation != nil {
		startLat = sql.NullFloat64{Float64: r.StartLocation.Lat, Valid: true}
		startLon = sql.NullFloat64{Float64: r.StartLocation.Lon, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routes (id, assignment_id, vehicle_id, start_time, end_time, total_distance,
			start_city, start_location, route_geom)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
			CASE WHEN $8::float8 IS NULL THEN NULL ELSE ST_SetSRID(ST_MakePoint($9::float8, $8::float8), 4326) END,
			CASE WHEN $10::text IS NULL THEN NULL ELSE ST_SetSRID(ST_GeomFromGeoJSON($10::text), 4326) END)`,
		r.ID, r.AssignmentID, r.VehicleID, r.StartTime, nullTime(r.EndTime), r.TotalDistance,
		nullString(r.StartCity), startLat, startLon, geometry)
	return pgError(err)
}

func (s *PostgresStore) FindRouteByID(ctx context.Context, id string) (*models.Route, error) {
	return scanRoute(s.db.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE id = $1`, id))
}

func (s *PostgresStore) FindLatestRoute(ctx context.Context, assignmentID string) (*models.Route, error) {
	return scanRoute(s.db.QueryRowContext(ctx,
		`SELECT `+routeColumns+` FROM routes WHERE assignment_id = $1 ORDER BY start_time DESC LIMIT 1`,
		assignmentID))
}

func (s *PostgresStore) FindRoutesByVehicle(ctx context.Context, vehicleID string) ([]models.Route, error) {
	return s.queryRoutes(ctx,
		`SELECT `+routeColumns+` FROM routes WHERE vehicle_id = $1 ORDER BY start_time DESC`, vehicleID)
}

func (s *PostgresStore) FindOpenRoutes(ctx context.Context) ([]models.Route, error) {
	return s.queryRoutes(ctx, `SELECT `+routeColumns+` FROM routes WHERE end_time IS NULL ORDER BY start_time DESC`)
}

func (s *PostgresStore) queryRoutes(ctx context.Context, query string, args ...any) ([]models.Route, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	routes := []models.Route{}
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, *r)
	}
	return routes, rows.Err()
}

func (s *PostgresStore) SetRouteStart(ctx context.Context, id, city string, point models.Location) error {
	return execOne(ctx, s.db,
		`UPDATE routes SET start_city = $2, start_location = ST_SetSRID(ST_MakePoint($3, $4), 4326) WHERE id = $1`,
		id, nullString(city), point.Lon, point.Lat)
}

// ExtendRoute grows route_geom from a single point into a line.
func (s *PostgresStore) ExtendRoute(ctx context.Context, id string, distance float64, point models.Location) error {
	return execOne(ctx, s.db,
		`UPDATE routes SET total_distance = total_distance + $2,
			route_geom = CASE
				WHEN route_geom IS NULL THEN ST_SetSRID(ST_MakePoint($3, $4), 4326)
				WHEN GeometryType(route_geom) = 'POINT' THEN ST_MakeLine(route_geom, ST_SetSRID(ST_MakePoint($3, $4), 4326))
				ELSE ST_AddPoint(route_geom, ST_SetSRID(ST_MakePoint($3, $4), 4326))
			END
		WHERE id = $1`,
		id, distance, point.Lon, point.Lat)
}

func (s *PostgresStore) CloseRoute(ctx context.Context, id string, end time.Time, city string, point *models.Location) error {
	var lat, lon sql.NullFloat64
	if point != nil {
		lat = sql.NullFloat64{Float64: point.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: point.Lon, Valid: true}
	}
	return execOne(ctx, s.db,
		`UPDATE routes SET end_time = $2, end_city = $3,
			end_location = CASE WHEN $4::float8 IS NULL THEN end_location ELSE ST_SetSRID(ST_MakePoint($5::float8, $4::float8), 4326) END
		WHERE id = $1`,
		id, end, nullString(city), lat, lon)
}

// Positions

const positionColumns = `id, route_id, vehicle_id, timestamp, ST_Y(location), ST_X(location), speed`

func scanPosition(row rowScanner) (*models.Position, error) {
	var p models.Position
	if err := row.Scan(&p.ID, &p.RouteID, &p.VehicleID, &p.Timestamp, &p.Location.Lat, &p.Location.Lon, &p.Speed); err != nil {
		return nil, pgError(err)
	}
	p.Timestamp = p.Timestamp.UTC()
	return &p, nil
}

func (s *PostgresStore) InsertPosition(ctx context.Context, p models.Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (id, route_id, vehicle_id, timestamp, location, speed)
		VALUES ($1, $2, $3, $4, ST_SetSRID(ST_MakePoint($5, $6), 4326), $7)`,
		p.ID, p.RouteID, p.VehicleID, p.Timestamp, p.Location.Lon, p.Location.Lat, p.Speed)
	return pgError(err)
}

func (s *PostgresStore) FindLatestPosition(ctx context.Context, routeID string) (*models.Position, error) {
	return scanPosition(s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE route_id = $1 ORDER BY timestamp DESC LIMIT 1`, routeID))
}

func (s *PostgresStore) FindLastVehiclePosition(ctx context.Context, vehicleID string) (*models.Position, error) {
	return scanPosition(s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE vehicle_id = $1 ORDER BY timestamp DESC LIMIT 1`, vehicleID))
}

func (s *PostgresStore) FindPositionsByRoute(ctx context.Context, routeID string) ([]models.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE route_id = $1 ORDER BY timestamp`, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	positions := []models.Position{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// Last samples

func (s *PostgresStore) SaveLastSample(ctx context.Context, p models.Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_samples (vehicle_id, route_id, timestamp, location, speed)
		VALUES ($1, $2, $3, ST_SetSRID(ST_MakePoint($4, $5), 4326), $6)
		ON CONFLICT (vehicle_id) DO UPDATE SET route_id = EXCLUDED.route_id,
			timestamp = EXCLUDED.timestamp, location = EXCLUDED.location, speed = EXCLUDED.speed`,
		p.VehicleID, p.RouteID, p.Timestamp, p.Location.Lon, p.Location.Lat, p.Speed)
	return pgError(err)
}

func (s *PostgresStore) FindLastSample(ctx context.Context, vehicleID string) (*models.Position, error) {
	return scanPosition(s.db.QueryRowContext(ctx,
		`SELECT vehicle_id, route_id, vehicle_id, timestamp, ST_Y(location), ST_X(location), speed
		FROM last_samples WHERE vehicle_id = $1`, vehicleID))
}

var _ Store = (*PostgresStore)(nil)
