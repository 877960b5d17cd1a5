package wire

import (
	"Kaarigar/internal/api"
	"Kaarigar/internal/api/config"
	"Kaarigar/internal/api/handler"
	"Kaarigar/internal/job"
	"Kaarigar/internal/pkg/cron"
	"Kaarigar/internal/pkg/kafka"
	"Kaarigar/internal/pkg/mongo"
	"Kaarigar/internal/pkg/partition"
	"Kaarigar/internal/pkg/redis"
	"Kaarigar/internal/repository"
	"Kaarigar/internal/service"
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// ApplicationContainer 封装了应用运行所需的所有顶级组件
type ApplicationContainer struct {
	Router    *gin.Engine
	DB        *gorm.DB
	Store     *partition.Store
	Publisher kafka.Publisher
	CronMgr   *cron.Manager

	AccountService service.AccountService
}

// Services 服务层集合，供 HTTP 与命令行工具共用
type Services struct {
	Identity  service.IdentityService
	IM        service.IMService
	Migration service.MigrationService
	Account   service.AccountService
	Provider  service.ProviderService
}

// BuildServices 组装仓库与服务；分区连接按需建立
func BuildServices(ctx context.Context, db *gorm.DB, store *partition.Store, publisher kafka.Publisher, cfg *config.Config) *Services {
	accounts := make(map[partition.Name]mongo.AccountRepo, len(partition.AccountPartitions))
	indexers := make([]mongo.Indexer, 0, len(partition.AccountPartitions)+2)
	for _, p := range partition.AccountPartitions {
		repo := mongo.NewAccountRepo(store, p)
		accounts[p] = repo
		indexers = append(indexers, repo)
	}
	convRepo := mongo.NewConversationRepo(store)
	messageRepo := mongo.NewMessageRepo(store)
	indexers = append(indexers, convRepo, messageRepo)
	mongo.EnsureIndexes(ctx, indexers...)

	identitySvc := service.NewIdentityService(accounts, time.Duration(cfg.Identity.ProbeTimeout)*time.Millisecond)
	imSvc := service.NewIMService(convRepo, messageRepo, identitySvc, publisher, cfg.Migration.MessagesTopic)
	migrationSvc := service.NewMigrationService(
		repository.NewMigrationRepo(db),
		accounts,
		convRepo,
		messageRepo,
		redis.NewLocker(),
		publisher,
		service.MigrationOptions{
			LockTTL:       time.Duration(cfg.Migration.LockTTL) * time.Second,
			StaleAfter:    time.Duration(cfg.Migration.StaleAfter) * time.Second,
			RecoveryBatch: cfg.Migration.RecoveryBatch,
			Topic:         cfg.Migration.EventsTopic,
		},
	)

	return &Services{
		Identity:  identitySvc,
		IM:        imSvc,
		Migration: migrationSvc,
		Account:   service.NewAccountService(accounts, identitySvc),
		Provider:  service.NewProviderService(accounts),
	}
}

func BuildApplication(ctx context.Context, db *gorm.DB, store *partition.Store, cfg *config.Config) (*ApplicationContainer, error) {
	if err := repository.AutoMigrate(db); err != nil {
		return nil, err
	}

	publisher, err := kafka.NewPublisher(cfg.Kafka)
	if err != nil {
		return nil, err
	}

	svcs := BuildServices(ctx, db, store, publisher, cfg)
	revocations := redis.TokenBlacklist{}

	handlers := &api.HandlersGroup{
		IMHandler:       handler.NewIMHandler(svcs.IM),
		IdentityHandler: handler.NewIdentityHandler(svcs.Identity),
		AccountHandler:  handler.NewAccountHandler(svcs.Account),
		ProviderHandler: handler.NewProviderHandler(svcs.Migration, svcs.Provider, revocations),
		Revocations:     revocations,
	}

	router := api.SetupRouter(cfg, handlers)

	recoveryJob := job.NewMigrationRecoveryJob(svcs.Migration, 0)
	cronMgr := cron.NewCronManager(cfg.Migration.RecoverySpec, recoveryJob)

	return &ApplicationContainer{
		Router:         router,
		DB:             db,
		Store:          store,
		Publisher:      publisher,
		CronMgr:        cronMgr,
		AccountService: svcs.Account,
	}, nil
}
