package partition

import (
	"Kaarigar/internal/api/config"
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/singleflight"
)

// Dialer 建立单个分区的连接
type Dialer func(ctx context.Context, cfg config.MongoConfig) (*mongo.Database, error)

// Store 分区连接表：按名称懒加载并缓存连接，进程启动时构造一次后显式传递
type Store struct {
	cfgs        map[Name]config.MongoConfig
	dial        Dialer
	dialTimeout time.Duration
	opTimeout   time.Duration

	mu    sync.RWMutex
	conns map[Name]*mongo.Database
	group singleflight.Group
}

func NewStore(cfg config.PartitionsConfig, dial Dialer) *Store {
	dialTimeout := time.Duration(cfg.DialTimeout) * time.Second
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	opTimeout := time.Duration(cfg.OpTimeout) * time.Millisecond
	if opTimeout <= 0 {
		opTimeout = 3 * time.Second
	}
	return &Store{
		cfgs: map[Name]config.MongoConfig{
			Customer:     cfg.Customer,
			Provider:     cfg.Provider,
			Admin:        cfg.Admin,
			Relationship: cfg.Relationship,
		},
		dial:        dial,
		dialTimeout: dialTimeout,
		opTimeout:   opTimeout,
		conns:       make(map[Name]*mongo.Database),
	}
}

// OpTimeout 单次分区调用的超时上限
func (s *Store) OpTimeout() time.Duration {
	return s.opTimeout
}

// Connection 获取分区连接，首次调用时建立连接；同名分区的并发首次调用只会拨号一次
func (s *Store) Connection(ctx context.Context, name Name) (*mongo.Database, error) {
	if db := s.cached(name); db != nil {
		return db, nil
	}
	cfg, ok := s.cfgs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPartition, name)
	}

	ch := s.group.DoChan(string(name), func() (interface{}, error) {
		if db := s.cached(name); db != nil {
			return db, nil
		}
		// 拨号与发起者的取消解耦，等待同一 flight 的其他调用方不受影响
		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.dialTimeout)
		defer cancel()

		db, err := s.dial(dialCtx, cfg)
		if err != nil {
			log.ErrorContext(ctx, "partition connect failed", "partition", name, "err", err)
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, name, err)
		}

		s.mu.Lock()
		s.conns[name] = db
		s.mu.Unlock()
		log.InfoContext(ctx, "partition connected", "partition", name, "db", cfg.Database)
		return db, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*mongo.Database), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, name, ctx.Err())
	}
}

func (s *Store) cached(name Name) *mongo.Database {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[name]
}

// Close 断开所有已建立的连接
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	closed := make(map[*mongo.Client]bool)
	for name, db := range s.conns {
		client := db.Client()
		if closed[client] {
			continue
		}
		closed[client] = true
		if err := client.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	s.conns = make(map[Name]*mongo.Database)
	return errors.Join(errs...)
}
