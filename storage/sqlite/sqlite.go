// Package sqlite is a single-file storage backend for edge deployments and replays. The schema is
// versioned with embedded golang-migrate migrations applied on Open.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/c360/backtrack/errors"
	"github.com/c360/backtrack/storage"
	"github.com/c360/backtrack/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Config locates the database file.
type Config struct {
	Path        string        `json:"path"         yaml:"path"         env:"PATH"`
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout" env:"BUSY_TIMEOUT"`
}

// DefaultConfig returns a config pointing at backtrack.db in the working directory.
func DefaultConfig() Config {
	return Config{Path: "backtrack.db", BusyTimeout: 5 * time.Second}
}

// Store implements storage.Backend on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ storage.Backend = (*Store)(nil)

// Open opens or creates the database and migrates it to the latest schema. ":memory:" opens a
// private in-memory database.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "sqlite", "Open", "database path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sqlite")

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	memory := cfg.Path == ":memory:"
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", cfg.Path, busy.Milliseconds())
	if !memory {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "sqlite", "Open", "open database")
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "sqlite", "Open", "ping database")
	}

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.migrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, errors.WrapFatal(err, "sqlite", "migrate", "load embedded migrations")
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return nil, errors.WrapFatal(err, "sqlite", "migrate", "create migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, errors.WrapFatal(err, "sqlite", "migrate", "create migrate instance")
	}
	m.Log = &migrateLogger{logger: s.logger}
	return m, nil
}

// migrateUp applies pending migrations. The migrate instance is not closed because that would
// close the shared *sql.DB.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.WrapFatal(err, "sqlite", "migrateUp", "apply migrations")
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if stderrors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// PosesInWindow selects the device's poses with ts BETWEEN from AND to.
func (s *Store) PosesInWindow(ctx context.Context, deviceID string, from, to int64) ([]types.PoseRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, area_id, pose FROM poses WHERE device_id = ? AND ts BETWEEN ? AND ? ORDER BY ts`,
		deviceID, from, to)
	if err != nil {
		return nil, s.classify(err, "PosesInWindow", "query poses")
	}
	defer rows.Close()

	out := make([]types.PoseRecord, 0)
	for rows.Next() {
		rec := types.PoseRecord{DeviceID: deviceID}
		var raw string
		if err := rows.Scan(&rec.Timestamp, &rec.AreaID, &raw); err != nil {
			return nil, s.classify(err, "PosesInWindow", "scan pose")
		}
		if err := json.Unmarshal([]byte(raw), &rec.Pose); err != nil {
			return nil, errors.WrapInvalid(errors.ErrDataCorrupted, "sqlite", "PosesInWindow",
				fmt.Sprintf("decode pose %s@%d: %v", deviceID, rec.Timestamp, err))
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(err, "PosesInWindow", "iterate poses")
	}
	return out, nil
}

// PutPose inserts a pose or replaces the one with the same device and timestamp.
func (s *Store) PutPose(ctx context.Context, rec types.PoseRecord) error {
	pose, err := json.Marshal(rec.Pose)
	if err != nil {
		return errors.WrapInvalid(err, "sqlite", "PutPose", "encode pose")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO poses (device_id, ts, area_id, pose) VALUES (?, ?, ?, ?)
		 ON CONFLICT (device_id, ts) DO UPDATE SET area_id = excluded.area_id, pose = excluded.pose`,
		rec.DeviceID, rec.Timestamp, rec.AreaID, string(pose))
	if err != nil {
		return s.classify(err, "PutPose", "upsert pose")
	}
	return nil
}

// Save upserts a joined item.
func (s *Store) Save(ctx context.Context, item types.IntermediateLocationItem) error {
	pose, err := json.Marshal(item.UpdaterPose)
	if err != nil {
		return errors.WrapInvalid(err, "sqlite", "Save", "encode pose")
	}
	estimates, err := json.Marshal(item.ChannelEstimates)
	if err != nil {
		return errors.WrapInvalid(err, "sqlite", "Save", "encode channel estimates")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO locations (device_id, epc, area_id, ts, updater_pose, channel_estimates, saved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (device_id, epc) DO UPDATE SET
		     area_id = excluded.area_id,
		     ts = excluded.ts,
		     updater_pose = excluded.updater_pose,
		     channel_estimates = excluded.channel_estimates,
		     saved_at = excluded.saved_at`,
		item.DeviceID, item.EPC, item.AreaID, item.Timestamp, string(pose), string(estimates), s.now().UnixMilli())
	if err != nil {
		return s.classify(err, "Save", "upsert location")
	}
	return nil
}

// Location reads a joined item back.
func (s *Store) Location(ctx context.Context, deviceID, epc string) (types.IntermediateLocationItem, error) {
	item := types.IntermediateLocationItem{DeviceID: deviceID, EPC: epc}
	var pose, estimates string

	err := s.db.QueryRowContext(ctx,
		`SELECT area_id, ts, updater_pose, channel_estimates FROM locations WHERE device_id = ? AND epc = ?`,
		deviceID, epc).Scan(&item.AreaID, &item.Timestamp, &pose, &estimates)
	if stderrors.Is(err, sql.ErrNoRows) {
		return item, fmt.Errorf("location %s/%s: %w", deviceID, epc, errors.ErrKeyNotFound)
	}
	if err != nil {
		return item, s.classify(err, "Location", "query location")
	}

	if err := json.Unmarshal([]byte(pose), &item.UpdaterPose); err != nil {
		return item, errors.WrapInvalid(errors.ErrDataCorrupted, "sqlite", "Location", err.Error())
	}
	if err := json.Unmarshal([]byte(estimates), &item.ChannelEstimates); err != nil {
		return item, errors.WrapInvalid(errors.ErrDataCorrupted, "sqlite", "Location", err.Error())
	}
	return item, nil
}

// CountLocations returns how many joined items are stored.
func (s *Store) CountLocations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM locations`).Scan(&n); err != nil {
		return 0, s.classify(err, "CountLocations", "count locations")
	}
	return n, nil
}

// classify maps database errors: a closed handle is storage.ErrClosed, everything else is worth
// retrying.
func (s *Store) classify(err error, method, action string) error {
	if stderrors.Is(err, sql.ErrConnDone) || (err != nil && err.Error() == "sql: database is closed") {
		return fmt.Errorf("sqlite.%s: %w", method, storage.ErrClosed)
	}
	return errors.WrapTransient(err, "sqlite", method, action)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
