package main

import (
	"Kaarigar/internal/api/config"
	"Kaarigar/internal/api/dto"
	"Kaarigar/internal/pkg/database"
	"Kaarigar/internal/pkg/kafka"
	"Kaarigar/internal/pkg/logger"
	"Kaarigar/internal/pkg/mongo"
	"Kaarigar/internal/pkg/partition"
	"Kaarigar/internal/pkg/redis"
	"Kaarigar/internal/pkg/security"
	"Kaarigar/internal/wire"
	"context"
	"fmt"
	log "log/slog"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v2"
)

// 运维工具：初始化账号、签发开发用 Token、手动推进迁移
func main() {
	app := &cli.App{
		Name:  "kaarigarctl",
		Usage: "Kaarigar marketplace operations",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "./configs", Usage: "directory containing config.yaml"},
		},
		Commands: []*cli.Command{
			createAccountCommand(),
			tokenCommand(),
			migrateCommand(),
			recoverCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type runtime struct {
	cfg   *config.Config
	svcs  *wire.Services
	close func()
}

func setup(c *cli.Context, withLedger bool) (*runtime, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	logger.InitLogger(config.LogstashConfig{})
	security.InitJWT(cfg.JWT)

	store := partition.NewStore(cfg.Partitions, mongo.Dial)
	closers := []func(){func() { _ = store.Close(context.Background()) }}

	rt := &runtime{cfg: cfg}
	rt.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if !withLedger {
		rt.svcs = wire.BuildServices(c.Context, nil, store, kafka.NopPublisher{}, cfg)
		return rt, nil
	}

	db, err := database.NewGormDB(&cfg.DB)
	if err != nil {
		rt.close()
		return nil, err
	}
	closers = append(closers, func() { _ = database.Close(db) })
	if err = redis.InitRedis(cfg.Redis); err != nil {
		rt.close()
		return nil, err
	}
	closers = append(closers, func() { _ = redis.Close() })
	publisher, err := kafka.NewPublisher(cfg.Kafka)
	if err != nil {
		rt.close()
		return nil, err
	}
	closers = append(closers, func() { _ = publisher.Close() })

	rt.svcs = wire.BuildServices(c.Context, db, store, publisher, cfg)
	return rt, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func createAccountCommand() *cli.Command {
	return &cli.Command{
		Name:  "create-account",
		Usage: "create an account in the partition matching its role",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Required: true},
			&cli.StringFlag{Name: "email", Required: true},
			&cli.StringFlag{Name: "password", Required: true},
			&cli.StringFlag{Name: "role", Value: partition.RoleCustomer},
			&cli.StringFlag{Name: "phone"},
			&cli.StringFlag{Name: "city"},
			&cli.StringSliceFlag{Name: "skill", Usage: "provider skill, repeatable"},
		},
		Action: func(c *cli.Context) error {
			rt, err := setup(c, false)
			if err != nil {
				return err
			}
			defer rt.close()

			hash, err := security.HashPassword(c.String("password"), 0)
			if err != nil {
				return err
			}
			acc, err := rt.svcs.Account.CreateAccount(c.Context, &dto.CreateAccountReq{
				Name:         c.String("name"),
				Email:        c.String("email"),
				Phone:        c.String("phone"),
				City:         c.String("city"),
				Role:         c.String("role"),
				Skills:       c.StringSlice("skill"),
				PasswordHash: hash,
			})
			if err != nil {
				return err
			}
			return printJSON(acc)
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "issue a bearer token for an existing account",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Required: true},
		},
		Action: func(c *cli.Context) error {
			rt, err := setup(c, false)
			if err != nil {
				return err
			}
			defer rt.close()

			ident, found, err := rt.svcs.Identity.Lookup(c.Context, c.String("id"))
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("account %s not found in any partition", c.String("id"))
			}
			token, err := security.GenerateToken(ident.AccountID, ident.Role)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "move a customer account to the provider partition",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id"},
			&cli.Uint64Flag{Name: "resume", Usage: "resume an existing migration by id instead"},
		},
		Action: func(c *cli.Context) error {
			rt, err := setup(c, true)
			if err != nil {
				return err
			}
			defer rt.close()

			if id := c.Uint64("resume"); id != 0 {
				res, err := rt.svcs.Migration.ResumeMigration(c.Context, id)
				if err != nil {
					return err
				}
				return printJSON(res)
			}
			if c.String("id") == "" {
				return fmt.Errorf("either --id or --resume is required")
			}
			res, err := rt.svcs.Migration.MigrateAccountToProvider(c.Context, c.String("id"), &dto.RegisterProviderReq{})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func recoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "recover",
		Usage: "resume stale migrations once",
		Action: func(c *cli.Context) error {
			rt, err := setup(c, true)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := context.WithTimeout(c.Context, 2*time.Minute)
			defer cancel()
			n, err := rt.svcs.Migration.RecoverStale(ctx)
			if err != nil {
				return err
			}
			log.InfoContext(ctx, "stale migrations resumed", "count", n)
			return nil
		},
	}
}
