package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ChuLiYu/pipeexec/pkg/types"
	"github.com/redis/go-redis/v9"
)

// RedisConfig locates the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"` // key namespace, default "pipeexec"
}

// RedisStore 每個任務一個 hash，另以 set 維護全部與各類型的索引
//
//	<prefix>:task:<name>   hash {type, state, columns, updated_at}
//	<prefix>:tasks         set of every name
//	<prefix>:type:<tag>    set of names of one type
type RedisStore struct {
	client *redis.Client
	prefix string
}

// OpenRedis 建立連線並以 PING 確認可用
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return NewRedisStore(client, cfg.Prefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pipeexec"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) taskKey(name types.TaskName) string { return s.prefix + ":task:" + string(name) }
func (s *RedisStore) allKey() string                     { return s.prefix + ":tasks" }
func (s *RedisStore) typeKey(tag string) string          { return s.prefix + ":type:" + tag }

func (s *RedisStore) Register(ctx context.Context, recs ...*types.TaskRecord) (int, error) {
	n := 0
	for _, r := range recs {
		cols, err := json.Marshal(r.Columns)
		if err != nil {
			return n, fmt.Errorf("encode columns of %s: %w", r.Name, err)
		}
		key := s.taskKey(r.Name)
		// HSETNX on "state" decides who inserts; the rest of the hash follows.
		created, err := s.client.HSetNX(ctx, key, "state", string(types.StateWaiting)).Result()
		if err != nil {
			return n, err
		}
		if !created {
			continue
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"type", r.Type,
				"columns", string(cols),
				"updated_at", time.Now().UnixMilli(),
			)
			pipe.SAdd(ctx, s.allKey(), string(r.Name))
			pipe.SAdd(ctx, s.typeKey(r.Type), string(r.Name))
			return nil
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *RedisStore) Get(ctx context.Context, name types.TaskName) (*types.TaskRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.taskKey(name)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, notFound(name)
	}
	return decodeHash(name, fields)
}

func decodeHash(name types.TaskName, fields map[string]string) (*types.TaskRecord, error) {
	st, err := types.ParseState(fields["state"])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	rec := &types.TaskRecord{Name: name, Type: fields["type"], State: st}
	if v := fields["updated_at"]; v != "" {
		rec.UpdatedAt, _ = strconv.ParseInt(v, 10, 64)
	}
	if c := fields["columns"]; c != "" && c != "null" {
		if err := json.Unmarshal([]byte(c), &rec.Columns); err != nil {
			return nil, fmt.Errorf("decode columns of %s: %w", name, err)
		}
	}
	return rec, nil
}

func (s *RedisStore) States(ctx context.Context, names []types.TaskName) (map[types.TaskName]types.TaskState, error) {
	cmds := make([]*redis.StringCmd, len(names))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, name := range names {
			cmds[i] = pipe.HGet(ctx, s.taskKey(name), "state")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make(map[types.TaskName]types.TaskState, len(names))
	for i, cmd := range cmds {
		v, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		st, err := types.ParseState(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", names[i], err)
		}
		out[names[i]] = st
	}
	return out, nil
}

// update 以 WATCH 做樂觀鎖：狀態在檢查後被改動則交易失敗
func (s *RedisStore) update(ctx context.Context, name types.TaskName, to types.TaskState, check func(from types.TaskState) error) error {
	key := s.taskKey(name)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		v, err := tx.HGet(ctx, key, "state").Result()
		if errors.Is(err, redis.Nil) {
			return notFound(name)
		}
		if err != nil {
			return err
		}
		if err := check(types.TaskState(v)); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "state", string(to), "updated_at", time.Now().UnixMilli())
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, name)
	}
	return err
}

func (s *RedisStore) SetState(ctx context.Context, name types.TaskName, to types.TaskState) error {
	return s.update(ctx, name, to, func(from types.TaskState) error {
		return checkTransition(name, from, to)
	})
}

func (s *RedisStore) Reset(ctx context.Context, name types.TaskName) error {
	return s.update(ctx, name, types.StateWaiting, func(from types.TaskState) error {
		return checkReset(name, from)
	})
}

func (s *RedisStore) List(ctx context.Context, typeTag string) ([]*types.TaskRecord, error) {
	index := s.allKey()
	if typeTag != "" {
		index = s.typeKey(typeTag)
	}
	members, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)

	cmds := make([]*redis.MapStringStringCmd, len(members))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = pipe.HGetAll(ctx, s.taskKey(types.TaskName(m)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*types.TaskRecord, 0, len(members))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeHash(types.TaskName(members[i]), fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
