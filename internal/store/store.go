// Package store keeps the SQLite event journal and the device block list.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Hara602/usbmon/internal/model"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	at         INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	device_id  TEXT NOT NULL,
	label      TEXT,
	mount_path TEXT,
	dev_node   TEXT,
	capacity   INTEGER,
	vid        TEXT,
	pid        TEXT,
	err        TEXT
);
CREATE INDEX IF NOT EXISTS events_device ON events(device_id, seq);

-- 联合主键 (vid, pid, serial) 防止重复, 空 vid/pid 表示任意
CREATE TABLE IF NOT EXISTS blocklist (
	vid        TEXT NOT NULL DEFAULT '',
	pid        TEXT NOT NULL DEFAULT '',
	serial     TEXT NOT NULL,
	reason     TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (vid, pid, serial)
);
`

// Entry 日志中的一条记录
type Entry struct {
	Seq       int64
	Time      time.Time
	Kind      string
	DeviceID  string
	Label     string
	MountPath string
	DevNode   string
	Capacity  uint64
	Err       string
}

// Rule 黑名单规则
type Rule struct {
	VendorID  string
	ProductID string
	Serial    string
	Reason    string
}

// Store 事件日志 + 黑名单
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open 打开数据库并初始化表结构
func Open(path string, log *zap.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time, avoids SQLITE_BUSY between observers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Store{db: db, log: log.Named("store")}, nil
}

// Close 关闭数据库
func (s *Store) Close() error { return s.db.Close() }

// Record 写入一条状态变化
func (s *Store) Record(ctx context.Context, ev model.StateChangeEvent) error {
	var errText sql.NullString
	if ev.Err != nil {
		errText = sql.NullString{String: ev.Err.Error(), Valid: true}
	}
	d := ev.Device
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(at, kind, device_id, label, mount_path, dev_node, capacity, vid, pid, err)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Time.UnixNano(), ev.Kind.String(), d.ID, d.Label, d.MountPath, d.DevNode, int64(d.Capacity), d.VendorID, d.ProductID, errText,
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// OnStateChange 作为观察者记录所有事件
func (s *Store) OnStateChange(ev model.StateChangeEvent) {
	if err := s.Record(context.Background(), ev); err != nil {
		s.log.Error("journal write failed", zap.String("id", ev.Device.ID), zap.Error(err))
	}
}

// History 返回设备最近的 limit 条记录，按时间正序
func (s *Store) History(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, at, kind, device_id, COALESCE(label, ''), COALESCE(mount_path, ''), COALESCE(dev_node, ''),
		        COALESCE(capacity, 0), COALESCE(err, '')
		   FROM (SELECT * FROM events WHERE device_id = ? ORDER BY seq DESC LIMIT ?)
		  ORDER BY seq`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at, capacity int64
		if err := rows.Scan(&e.Seq, &at, &e.Kind, &e.DeviceID, &e.Label, &e.MountPath, &e.DevNode, &capacity, &e.Err); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Time = time.Unix(0, at)
		e.Capacity = uint64(capacity)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AddBlockRule 添加黑名单规则，已存在时更新原因
func (s *Store) AddBlockRule(ctx context.Context, r Rule) error {
	if r.Serial == "" {
		return errors.New("block rule needs a serial")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blocklist(vid, pid, serial, reason) VALUES (?, ?, ?, ?)
		 ON CONFLICT(vid, pid, serial) DO UPDATE SET reason = excluded.reason`,
		r.VendorID, r.ProductID, r.Serial, r.Reason,
	)
	if err != nil {
		return fmt.Errorf("add block rule: %w", err)
	}
	return nil
}

// RemoveBlockRule 删除规则，返回是否存在
func (s *Store) RemoveBlockRule(ctx context.Context, r Rule) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM blocklist WHERE vid = ? AND pid = ? AND serial = ?",
		r.VendorID, r.ProductID, r.Serial,
	)
	if err != nil {
		return false, fmt.Errorf("remove block rule: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Rules 列出所有黑名单规则
func (s *Store) Rules(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT vid, pid, serial, COALESCE(reason, '') FROM blocklist ORDER BY serial, vid, pid")
	if err != nil {
		return nil, fmt.Errorf("list block rules: %w", err)
	}
	defer rows.Close()
	var rules []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.VendorID, &r.ProductID, &r.Serial, &r.Reason); err != nil {
			return nil, fmt.Errorf("scan block rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// IsBlocked 查数据库黑名单，返回匹配规则的原因
func (s *Store) IsBlocked(ctx context.Context, d model.DeviceDescriptor) (bool, string, error) {
	var reason string
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(reason, '') FROM blocklist
		  WHERE serial = ? AND (vid = '' OR vid = ?) AND (pid = '' OR pid = ?)
		  LIMIT 1`,
		d.ID, d.VendorID, d.ProductID,
	).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("query block list: %w", err)
	}
	if reason == "" {
		reason = "device is in block list"
	}
	return true, reason, nil
}
