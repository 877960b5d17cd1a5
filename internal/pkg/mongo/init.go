package mongo

import (
	"Kaarigar/internal/api/config"
	"Kaarigar/internal/pkg/logger"
	"Kaarigar/internal/pkg/partition"
	"context"
	"errors"
	"fmt"
	log "log/slog"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
)

// ErrDuplicateKey 唯一索引冲突
var ErrDuplicateKey = errors.New("duplicate key")

// Dial 建立单个分区的连接，作为 partition.Store 的拨号函数
func Dial(ctx context.Context, cfg config.MongoConfig) (*mongo.Database, error) {
	// 建立连接
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.URL).
		SetMonitor(logger.NewMongoMonitor(cfg.Database)),
	)
	if err != nil {
		return nil, err
	}

	// 检查连通性
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	db := client.Database(cfg.Database)

	log.InfoContext(ctx, "MongoDB initialized successfully", "db", cfg.Database)
	return db, nil
}

// Indexer 需要在启动时建立索引的仓库
type Indexer interface {
	EnsureIndexes(ctx context.Context) error
}

// EnsureIndexes 启动时为各分区建索引；分区不可达只记录日志，不阻止启动
func EnsureIndexes(ctx context.Context, indexers ...Indexer) {
	for _, idx := range indexers {
		if err := idx.EnsureIndexes(ctx); err != nil {
			log.WarnContext(ctx, "ensure indexes failed", "repo", fmt.Sprintf("%T", idx), "err", err)
		}
	}
}

// wrapErr 将驱动层错误归类：网络/超时/选主失败统一视为分区不可用
func wrapErr(p partition.Name, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, partition.ErrUnavailable) || errors.Is(err, partition.ErrUnknownPartition) {
		return err
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	}
	var sse topology.ServerSelectionError
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) || errors.As(err, &sse) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%w: %s: %v", partition.ErrUnavailable, p, err)
	}
	return err
}

// collection 绑定分区与集合名，每次调用都经由 Store 获取连接
type collection struct {
	store     *partition.Store
	partition partition.Name
	name      string
}

func (c collection) get(ctx context.Context) (*mongo.Collection, error) {
	db, err := c.store.Connection(ctx, c.partition)
	if err != nil {
		return nil, err
	}
	return db.Collection(c.name), nil
}

// withTimeout 为每次分区调用设置超时上限
func (c collection) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.store.OpTimeout())
}
