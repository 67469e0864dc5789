// Package indexdb keeps a queryable SQLite index of finished fellings and
// the per-player felling toggle.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/justadeni/logically/internal/felling"
	"github.com/justadeni/logically/internal/world"
)

var ErrClosed = errors.New("indexdb: closed")

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
	// dropped counts fellings discarded because the writer fell behind.
	dropped atomic.Uint64
}

type reqKind int

const (
	reqFelling reqKind = iota + 1
	reqPreference
	reqSync
)

type req struct {
	kind reqKind

	felling    fellingRow
	changes    []world.BlockChange
	preference preferenceRow
	done       chan error
}

type fellingRow struct {
	ID           string
	Player       string
	Species      string
	Origin       world.BlockCoord
	Logs         int
	Leaves       int
	AxisX        float64
	AxisY        float64
	LandingAngle float64
	Ticks        int
	Forced       bool
	DropsJSON    string
	StartedAt    string
	FinishedAt   string
}

type preferenceRow struct {
	Player    string
	Enabled   bool
	UpdatedAt string
}

// FellingRecord is one row of the felling history.
type FellingRecord struct {
	ID           string           `json:"id"`
	Player       string           `json:"player"`
	Species      string           `json:"species"`
	Origin       world.BlockCoord `json:"origin"`
	Logs         int              `json:"logs"`
	Leaves       int              `json:"leaves"`
	Axis         [2]float64       `json:"axis"`
	LandingAngle float64          `json:"landingAngle"`
	Ticks        int              `json:"ticks"`
	Forced       bool             `json:"forced"`
	Drops        []felling.Drop   `json:"drops"`
	StartedAt    time.Time        `json:"startedAt"`
	FinishedAt   time.Time        `json:"finishedAt"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS fellings (
			id TEXT PRIMARY KEY,
			player TEXT NOT NULL,
			species TEXT NOT NULL,
			origin_x INTEGER NOT NULL,
			origin_y INTEGER NOT NULL,
			origin_z INTEGER NOT NULL,
			logs INTEGER NOT NULL,
			leaves INTEGER NOT NULL,
			axis_x REAL NOT NULL,
			axis_y REAL NOT NULL,
			landing_angle REAL NOT NULL,
			ticks INTEGER NOT NULL,
			forced INTEGER NOT NULL,
			drops_json TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fellings_player_finished ON fellings(player, finished_at);`,
		`CREATE INDEX IF NOT EXISTS idx_fellings_finished ON fellings(finished_at);`,
		`CREATE TABLE IF NOT EXISTS block_changes (
			felling_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			reason TEXT NOT NULL,
			from_material TEXT NOT NULL,
			to_material TEXT NOT NULL,
			PRIMARY KEY (felling_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_block_changes_pos ON block_changes(x, y, z);`,
		`CREATE TABLE IF NOT EXISTS player_prefs (
			player TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Dropped reports how many fellings were discarded under backpressure.
func (s *SQLiteIndex) Dropped() uint64 {
	return s.dropped.Load()
}

// RecordFelling queues a finished felling. It never blocks; when the writer
// is behind the record is dropped.
func (s *SQLiteIndex) RecordFelling(result felling.Result) {
	if s == nil || s.closed.Load() {
		return
	}
	drops, _ := json.Marshal(result.Drops)
	row := fellingRow{
		ID:           result.ID,
		Player:       result.Player,
		Species:      result.Species,
		Origin:       result.Origin,
		Logs:         result.Logs,
		Leaves:       result.Leaves,
		AxisX:        result.Axis.X(),
		AxisY:        result.Axis.Y(),
		LandingAngle: result.LandingAngle,
		Ticks:        result.Ticks,
		Forced:       result.Forced,
		DropsJSON:    string(drops),
		StartedAt:    result.Started.UTC().Format(time.RFC3339Nano),
		FinishedAt:   result.Finished.UTC().Format(time.RFC3339Nano),
	}
	changes := append([]world.BlockChange(nil), result.Cleared...)
	changes = append(changes, result.Changes.Changes()...)
	select {
	case s.ch <- req{kind: reqFelling, felling: row, changes: changes}:
	default:
		s.dropped.Add(1)
	}
}

// SavePreference stores a player's toggle and waits for it to commit.
func (s *SQLiteIndex) SavePreference(ctx context.Context, player string, enabled bool) error {
	return s.submit(ctx, req{kind: reqPreference, preference: preferenceRow{
		Player:    player,
		Enabled:   enabled,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}})
}

// Sync waits until every queued write has been committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	return s.submit(ctx, req{kind: reqSync})
}

func (s *SQLiteIndex) submit(ctx context.Context, r req) (err error) {
	if s == nil || s.closed.Load() {
		return ErrClosed
	}
	defer func() {
		// The channel may close between the check and the send.
		if recover() != nil {
			err = ErrClosed
		}
	}()
	r.done = make(chan error, 1)
	select {
	case s.ch <- r:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) LoadPreferences(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT player, enabled FROM player_prefs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var (
			player  string
			enabled int
		)
		if err := rows.Scan(&player, &enabled); err != nil {
			return nil, err
		}
		out[player] = enabled != 0
	}
	return out, rows.Err()
}

// RecentFellings returns up to limit fellings, newest first. An empty player
// matches everyone.
func (s *SQLiteIndex) RecentFellings(ctx context.Context, player string, limit int) ([]FellingRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,player,species,origin_x,origin_y,origin_z,logs,leaves,axis_x,axis_y,landing_angle,ticks,forced,drops_json,started_at,finished_at
		FROM fellings`
	args := []any{}
	if player != "" {
		query += ` WHERE player = ?`
		args = append(args, player)
	}
	query += ` ORDER BY finished_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FellingRecord
	for rows.Next() {
		var (
			rec              FellingRecord
			forced           int
			drops            string
			started, finished string
		)
		if err := rows.Scan(
			&rec.ID, &rec.Player, &rec.Species,
			&rec.Origin.X, &rec.Origin.Y, &rec.Origin.Z,
			&rec.Logs, &rec.Leaves,
			&rec.Axis[0], &rec.Axis[1],
			&rec.LandingAngle, &rec.Ticks, &forced,
			&drops, &started, &finished,
		); err != nil {
			return nil, err
		}
		rec.Forced = forced != 0
		if err := json.Unmarshal([]byte(drops), &rec.Drops); err != nil {
			return nil, fmt.Errorf("decode drops of %s: %w", rec.ID, err)
		}
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ChangesAt lists the felling ids that touched coord, oldest first.
func (s *SQLiteIndex) ChangesAt(ctx context.Context, coord world.BlockCoord) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.felling_id FROM block_changes c JOIN fellings f ON f.id = c.felling_id
		 WHERE c.x = ? AND c.y = ? AND c.z = ?
		 GROUP BY c.felling_id ORDER BY MIN(f.finished_at)`,
		coord.X, coord.Y, coord.Z)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertFelling, _ := s.db.Prepare(`INSERT OR REPLACE INTO fellings(id,player,species,origin_x,origin_y,origin_z,logs,leaves,axis_x,axis_y,landing_angle,ticks,forced,drops_json,started_at,finished_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertChange, _ := s.db.Prepare(`INSERT OR REPLACE INTO block_changes(felling_id,seq,x,y,z,reason,from_material,to_material) VALUES(?,?,?,?,?,?,?,?)`)
	upsertPref, _ := s.db.Prepare(`INSERT OR REPLACE INTO player_prefs(player,enabled,updated_at) VALUES(?,?,?)`)
	defer func() {
		for _, stmt := range []*sql.Stmt{insertFelling, insertChange, upsertPref} {
			if stmt != nil {
				_ = stmt.Close()
			}
		}
	}()

	var (
		tx      *sql.Tx
		waiting []chan error
	)

	begin := func() error {
		if tx != nil {
			return nil
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		tx = txx
		return nil
	}
	finish := func(err error) {
		for _, done := range waiting {
			done <- err
		}
		waiting = waiting[:0]
	}
	commit := func() {
		if tx == nil {
			finish(nil)
			return
		}
		err := tx.Commit()
		tx = nil
		finish(err)
	}
	rollback := func(err error) {
		if tx != nil {
			_ = tx.Rollback()
			tx = nil
		}
		finish(err)
	}

	for r := range s.ch {
		if r.done != nil {
			waiting = append(waiting, r.done)
		}
		if err := begin(); err != nil {
			finish(err)
			continue
		}

		switch r.kind {
		case reqFelling:
			f := r.felling
			if insertFelling == nil {
				break
			}
			forced := 0
			if f.Forced {
				forced = 1
			}
			if _, err := tx.Stmt(insertFelling).Exec(
				f.ID, f.Player, f.Species,
				f.Origin.X, f.Origin.Y, f.Origin.Z,
				f.Logs, f.Leaves,
				f.AxisX, f.AxisY,
				f.LandingAngle, f.Ticks, forced,
				f.DropsJSON, f.StartedAt, f.FinishedAt,
			); err != nil {
				rollback(err)
				continue
			}
			for i, change := range r.changes {
				if insertChange == nil {
					break
				}
				if _, err := tx.Stmt(insertChange).Exec(
					f.ID, i,
					change.Coord.X, change.Coord.Y, change.Coord.Z,
					string(change.Reason),
					change.Before.Material,
					change.After.Material,
				); err != nil {
					rollback(err)
					break
				}
			}

		case reqPreference:
			p := r.preference
			if upsertPref == nil {
				rollback(errors.New("indexdb: preference statement unavailable"))
				continue
			}
			enabled := 0
			if p.Enabled {
				enabled = 1
			}
			if _, err := tx.Stmt(upsertPref).Exec(p.Player, enabled, p.UpdatedAt); err != nil {
				rollback(err)
				continue
			}

		case reqSync:
		}

		// Batch bursts into one transaction; commit once the queue drains.
		if len(s.ch) == 0 || len(waiting) > 0 {
			commit()
		}
	}

	commit()
}

var _ felling.PreferenceStore = (*SQLiteIndex)(nil)
