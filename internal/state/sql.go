package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/pipeexec/pkg/types"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLConfig selects and tunes the SQL backend.
type SQLConfig struct {
	Driver          string `yaml:"driver"` // sqlite | mysql | postgres
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // seconds
	Debug           bool   `yaml:"debug"`             // log every statement
}

// taskRow is one persisted TaskRecord.
type taskRow struct {
	Name    string `gorm:"primaryKey;size:191"`
	Type    string `gorm:"size:64;index"`
	State   string `gorm:"size:16;index"`
	Columns string `gorm:"type:text"`
	Updated int64  `gorm:"column:updated_at"`
}

func (taskRow) TableName() string { return "pipeexec_tasks" }

func rowFromRecord(r *types.TaskRecord) (taskRow, error) {
	cols := "{}"
	if len(r.Columns) > 0 {
		b, err := json.Marshal(r.Columns)
		if err != nil {
			return taskRow{}, fmt.Errorf("encode columns of %s: %w", r.Name, err)
		}
		cols = string(b)
	}
	return taskRow{Name: string(r.Name), Type: r.Type, State: string(r.State), Columns: cols, Updated: r.UpdatedAt}, nil
}

func (row taskRow) record() (*types.TaskRecord, error) {
	st, err := types.ParseState(row.State)
	if err != nil {
		return nil, err
	}
	rec := &types.TaskRecord{Name: types.TaskName(row.Name), Type: row.Type, State: st, UpdatedAt: row.Updated}
	if row.Columns != "" && row.Columns != "{}" {
		if err := json.Unmarshal([]byte(row.Columns), &rec.Columns); err != nil {
			return nil, fmt.Errorf("decode columns of %s: %w", row.Name, err)
		}
	}
	return rec, nil
}

// SQLStore 以 gorm 持久化，每個 TaskName 一列
type SQLStore struct {
	db *gorm.DB
}

// OpenSQL 依 driver 建立連線並自動建表
func OpenSQL(cfg SQLConfig) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	level := logger.Silent
	if cfg.Debug {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	if err := db.AutoMigrate(&taskRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Register(ctx context.Context, recs ...*types.TaskRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	rows := make([]taskRow, 0, len(recs))
	for _, r := range recs {
		c := cloneRecord(r)
		c.State = types.StateWaiting
		c.Touch()
		row, err := rowFromRecord(c)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		CreateInBatches(rows, 500)
	if res.Error != nil {
		return 0, fmt.Errorf("register: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *SQLStore) Get(ctx context.Context, name types.TaskName) (*types.TaskRecord, error) {
	var row taskRow
	err := s.db.WithContext(ctx).Where("name = ?", string(name)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(name)
	}
	if err != nil {
		return nil, err
	}
	return row.record()
}

func (s *SQLStore) States(ctx context.Context, names []types.TaskName) (map[types.TaskName]types.TaskState, error) {
	out := make(map[types.TaskName]types.TaskState, len(names))
	const chunk = 500
	for start := 0; start < len(names); start += chunk {
		end := start + chunk
		if end > len(names) {
			end = len(names)
		}
		keys := make([]string, 0, end-start)
		for _, n := range names[start:end] {
			keys = append(keys, string(n))
		}
		var rows []taskRow
		if err := s.db.WithContext(ctx).Select("name", "state").Where("name IN ?", keys).Find(&rows).Error; err != nil {
			return nil, err
		}
		for _, row := range rows {
			st, err := types.ParseState(row.State)
			if err != nil {
				return nil, err
			}
			out[types.TaskName(row.Name)] = st
		}
	}
	return out, nil
}

// update 以「目前狀態」為條件更新，避免與其他寫入者競爭
func (s *SQLStore) update(ctx context.Context, name types.TaskName, to types.TaskState, check func(from types.TaskState) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row taskRow
		err := tx.Select("name", "state").Where("name = ?", string(name)).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound(name)
		}
		if err != nil {
			return err
		}
		from := types.TaskState(row.State)
		if err := check(from); err != nil {
			return err
		}
		res := tx.Model(&taskRow{}).
			Where("name = ? AND state = ?", string(name), row.State).
			Updates(map[string]any{"state": string(to), "updated_at": time.Now().UnixMilli()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, name)
		}
		return nil
	})
}

func (s *SQLStore) SetState(ctx context.Context, name types.TaskName, to types.TaskState) error {
	return s.update(ctx, name, to, func(from types.TaskState) error {
		return checkTransition(name, from, to)
	})
}

func (s *SQLStore) Reset(ctx context.Context, name types.TaskName) error {
	return s.update(ctx, name, types.StateWaiting, func(from types.TaskState) error {
		return checkReset(name, from)
	})
}

func (s *SQLStore) List(ctx context.Context, typeTag string) ([]*types.TaskRecord, error) {
	q := s.db.WithContext(ctx).Order("name")
	if typeTag != "" {
		q = q.Where("type = ?", typeTag)
	}
	var rows []taskRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.TaskRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
