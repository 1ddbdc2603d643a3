// Package indexdb keeps a queryable SQLite copy of a session's executed
// ticks, commands and desync reports. The tick log stays the source of truth;
// the index may drop rows when its writer falls behind.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"ticksync.io/internal/lockstep/session"
	"ticksync.io/internal/protocol"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick   atomic.Uint64
	dropDesync atomic.Uint64
}

var _ session.Recorder = (*SQLiteIndex)(nil)

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqDesync
)

type req struct {
	kind   reqKind
	tick   tickRow
	desync desyncRow
}

type tickRow struct {
	Tick       protocol.Tick
	Hash       protocol.HashValue
	HashTarget protocol.Tick
	Commands   []CommandRow
}

type desyncRow struct {
	Tick       protocol.Tick
	HashesJSON string
	RecordedAt string
}

type CommandRow struct {
	Tick     protocol.Tick
	Seq      int
	PlayerID protocol.PlayerID
	Name     string
	ArgsJSON string
}

type DesyncRow struct {
	Tick       protocol.Tick
	Hashes     map[protocol.PlayerID]protocol.HashValue
	RecordedAt string
}

type Stats struct {
	QueueDepth      int
	QueueCapacity   int
	DropTickTotal   uint64
	DropDesyncTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, eris.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "mkdir index dir")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
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

	s := &SQLiteIndex{db: db, ch: make(chan req, queue)}
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
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return eris.Wrapf(err, "%s", p)
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
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			hash TEXT NOT NULL,
			hash_target INTEGER NOT NULL,
			commands INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS commands (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			player_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			args_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_player_tick ON commands(player_id, tick);`,
		`CREATE TABLE IF NOT EXISTS desyncs (
			tick INTEGER PRIMARY KEY,
			hashes_json TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return eris.Wrap(err, "init schema")
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

// SetMeta stores one match-level attribute synchronously.
func (s *SQLiteIndex) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, key, value)
	return eris.Wrapf(err, "set meta %s", key)
}

func (s *SQLiteIndex) Meta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if err != nil {
		return "", eris.Wrapf(err, "meta %s", key)
	}
	return v, nil
}

// RecordTick never blocks the caller. Rows are dropped when the queue is full.
func (s *SQLiteIndex) RecordTick(rec session.TickRecord) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	row := tickRow{Tick: rec.Tick, Hash: rec.Hash, HashTarget: rec.HashTarget}
	for i, e := range rec.Commands {
		name, args, err := protocol.EncodeCommand(e.Command)
		if err != nil {
			return err
		}
		row.Commands = append(row.Commands, CommandRow{Tick: rec.Tick, Seq: i, PlayerID: e.PlayerID, Name: name, ArgsJSON: string(args)})
	}
	select {
	case s.ch <- req{kind: reqTick, tick: row}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordDesync(err *session.DesyncError) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	b, jerr := json.Marshal(err.Hashes)
	if jerr != nil {
		return eris.Wrap(jerr, "marshal desync hashes")
	}
	row := desyncRow{Tick: err.Tick, HashesJSON: string(b), RecordedAt: time.Now().UTC().Format(time.RFC3339Nano)}
	select {
	case s.ch <- req{kind: reqDesync, desync: row}:
	default:
		s.dropDesync.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:      len(s.ch),
		QueueCapacity:   cap(s.ch),
		DropTickTotal:   s.dropTick.Load(),
		DropDesyncTotal: s.dropDesync.Load(),
	}
}

// CommandsByPlayer returns up to limit commands of id, oldest first.
func (s *SQLiteIndex) CommandsByPlayer(ctx context.Context, id protocol.PlayerID, limit int) ([]CommandRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tick,seq,player_id,name,args_json FROM commands WHERE player_id=? ORDER BY tick,seq LIMIT ?`,
		int64(id), limit)
	if err != nil {
		return nil, eris.Wrap(err, "query commands")
	}
	defer rows.Close()
	var out []CommandRow
	for rows.Next() {
		var (
			r         CommandRow
			tick, pid int64
		)
		if err := rows.Scan(&tick, &r.Seq, &pid, &r.Name, &r.ArgsJSON); err != nil {
			return nil, eris.Wrap(err, "scan command")
		}
		r.Tick, r.PlayerID = protocol.Tick(tick), protocol.PlayerID(pid)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Desyncs(ctx context.Context) ([]DesyncRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tick,hashes_json,recorded_at FROM desyncs ORDER BY tick`)
	if err != nil {
		return nil, eris.Wrap(err, "query desyncs")
	}
	defer rows.Close()
	var out []DesyncRow
	for rows.Next() {
		var (
			r    DesyncRow
			tick int64
			raw  string
		)
		if err := rows.Scan(&tick, &raw, &r.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "scan desync")
		}
		r.Tick = protocol.Tick(tick)
		if err := json.Unmarshal([]byte(raw), &r.Hashes); err != nil {
			return nil, eris.Wrap(err, "decode desync hashes")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastTick is the highest indexed tick; ok is false for an empty index.
func (s *SQLiteIndex) LastTick(ctx context.Context) (tick protocol.Tick, ok bool, err error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(tick) FROM ticks`).Scan(&v); err != nil {
		return 0, false, eris.Wrap(err, "last tick")
	}
	return protocol.Tick(v.Int64), v.Valid, nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,hash,hash_target,commands) VALUES(?,?,?,?)`)
	insertCommand, _ := s.db.Prepare(`INSERT OR REPLACE INTO commands(tick,seq,player_id,name,args_json) VALUES(?,?,?,?,?)`)
	insertDesync, _ := s.db.Prepare(`INSERT OR REPLACE INTO desyncs(tick,hashes_json,recorded_at) VALUES(?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertCommand, insertDesync} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			if insertTick == nil || insertCommand == nil {
				continue
			}
			if _, err := tx.Stmt(insertTick).Exec(int64(t.Tick), string(t.Hash), int64(t.HashTarget), len(t.Commands)); err != nil {
				rollback()
				continue
			}
			opCount++
			for _, c := range t.Commands {
				if _, err := tx.Stmt(insertCommand).Exec(int64(c.Tick), c.Seq, int64(c.PlayerID), c.Name, c.ArgsJSON); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqDesync:
			d := r.desync
			if insertDesync == nil {
				continue
			}
			if _, err := tx.Stmt(insertDesync).Exec(int64(d.Tick), d.HashesJSON, d.RecordedAt); err != nil {
				rollback()
				continue
			}
			opCount++
			// Post-mortems want this row even if the process dies right after.
			commit()
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
