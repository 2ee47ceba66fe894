package grid

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrRegionNotFound = errors.New("region not found")
	ErrAgentNotFound  = errors.New("agent not found")
)

// Region is a registered region on the grid.
type Region struct {
	ID    uuid.UUID
	Name  string
	LocX  int
	LocY  int
	SizeX float64
	SizeY float64
}

// Placement records which region an agent is currently root in.
type Placement struct {
	AgentID   uuid.UUID
	RegionID  uuid.UUID
	UpdatedAt time.Time
}

// Store is the sqlite-backed grid registry. Reads and synchronous writes go
// straight to the database; RecordPlacement is queued to a single writer goroutine.
type Store struct {
	db *sql.DB

	ch   chan Placement
	wg   sync.WaitGroup
	once sync.Once

	closed      atomic.Bool
	dropped     atomic.Uint64
	writeErrors atomic.Uint64
	queueCap    int
	commitBatch int
}

type StoreStats struct {
	QueueDepth    int
	QueueCapacity int
	Dropped       uint64
	WriteErrors   uint64
}

func Open(path string) (*Store, error) {
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
		return nil, fmt.Errorf("grid pragmas: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("grid schema: %w", err)
	}

	s := &Store{
		db:          db,
		ch:          make(chan Placement, 4096),
		queueCap:    4096,
		commitBatch: 256,
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
		`CREATE TABLE IF NOT EXISTS regions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			loc_x INTEGER NOT NULL,
			loc_y INTEGER NOT NULL,
			size_x REAL NOT NULL,
			size_y REAL NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_regions_loc ON regions(loc_x, loc_y);`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			current_region_id TEXT NOT NULL REFERENCES regions(id) ON DELETE CASCADE,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_region ON agents(current_region_id);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains queued placements and closes the database.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) Stats() StoreStats {
	return StoreStats{
		QueueDepth:    len(s.ch),
		QueueCapacity: s.queueCap,
		Dropped:       s.dropped.Load(),
		WriteErrors:   s.writeErrors.Load(),
	}
}

func (s *Store) UpsertRegion(ctx context.Context, r Region) error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("upsert region: nil id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO regions(id,name,loc_x,loc_y,size_x,size_y) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, loc_x=excluded.loc_x, loc_y=excluded.loc_y,
		 size_x=excluded.size_x, size_y=excluded.size_y`,
		r.ID.String(), r.Name, r.LocX, r.LocY, r.SizeX, r.SizeY)
	if err != nil {
		return fmt.Errorf("upsert region %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) RegionByID(ctx context.Context, id uuid.UUID) (Region, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,name,loc_x,loc_y,size_x,size_y FROM regions WHERE id=?`, id.String())
	r, err := scanRegion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Region{}, fmt.Errorf("region %s: %w", id, ErrRegionNotFound)
	}
	if err != nil {
		return Region{}, fmt.Errorf("region %s: %w", id, err)
	}
	return r, nil
}

// Regions lists every registered region ordered by grid location.
func (s *Store) Regions(ctx context.Context) ([]Region, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,name,loc_x,loc_y,size_x,size_y FROM regions ORDER BY loc_y, loc_x`)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	defer rows.Close()
	var out []Region
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, fmt.Errorf("list regions: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRegion(sc scanner) (Region, error) {
	var (
		r  Region
		id string
	)
	if err := sc.Scan(&id, &r.Name, &r.LocX, &r.LocY, &r.SizeX, &r.SizeY); err != nil {
		return Region{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Region{}, fmt.Errorf("bad region id %q: %w", id, err)
	}
	r.ID = parsed
	return r, nil
}

// SetAgentRegion records the agent's root region synchronously.
func (s *Store) SetAgentRegion(ctx context.Context, agentID, regionID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, upsertAgentSQL,
		agentID.String(), regionID.String(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set agent %s region %s: %w", agentID, regionID, err)
	}
	return nil
}

// RecordPlacement queues a placement for the writer goroutine. It never blocks; when
// the queue is full the placement is dropped and counted.
func (s *Store) RecordPlacement(agentID, regionID uuid.UUID) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- Placement{AgentID: agentID, RegionID: regionID, UpdatedAt: time.Now().UTC()}:
	default:
		s.dropped.Add(1)
	}
}

func (s *Store) AgentRegion(ctx context.Context, agentID uuid.UUID) (uuid.UUID, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT current_region_id FROM agents WHERE agent_id=?`, agentID.String()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("agent %s: %w", agentID, err)
	}
	return uuid.Parse(id)
}

func (s *Store) RemoveAgent(ctx context.Context, agentID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id=?`, agentID.String()); err != nil {
		return fmt.Errorf("remove agent %s: %w", agentID, err)
	}
	return nil
}

const upsertAgentSQL = `INSERT INTO agents(agent_id,current_region_id,updated_at) VALUES(?,?,?)
	ON CONFLICT(agent_id) DO UPDATE SET current_region_id=excluded.current_region_id, updated_at=excluded.updated_at`

func (s *Store) loop() {
	ctx := context.Background()
	stmt, err := s.db.Prepare(upsertAgentSQL)
	if err != nil {
		// Drain so Close does not hang.
		for range s.ch {
			s.writeErrors.Add(1)
		}
		return
	}
	defer stmt.Close()

	for first := range s.ch {
		batch := []Placement{first}
	drain:
		for len(batch) < s.commitBatch {
			select {
			case p, ok := <-s.ch:
				if !ok {
					break drain
				}
				batch = append(batch, p)
			default:
				break drain
			}
		}
		if err := s.writeBatch(ctx, stmt, batch); err != nil {
			s.writeErrors.Add(1)
		}
	}
}

func (s *Store) writeBatch(ctx context.Context, stmt *sql.Stmt, batch []Placement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	txStmt := tx.Stmt(stmt)
	for _, p := range batch {
		if _, err := txStmt.Exec(p.AgentID.String(), p.RegionID.String(), p.UpdatedAt.Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}
