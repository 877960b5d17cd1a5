package service

import (
	"Kaarigar/internal/api/dto"
	"Kaarigar/internal/pkg/mongo"
	"Kaarigar/internal/pkg/partition"
	"Kaarigar/internal/pkg/util"
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"
	"time"

	"github.com/jinzhu/copier"
	"golang.org/x/sync/errgroup"
)

const defaultListLimit = 500

// AccountService 管理端账号操作，账号所在分区通过身份解析确定
type AccountService interface {
	BanUser(ctx context.Context, actorID, accountID string) error
	UnBanUser(ctx context.Context, actorID, accountID string) error
	ListAccounts(ctx context.Context, role string) ([]*dto.AccountDTO, error)
	CreateAccount(ctx context.Context, req *dto.CreateAccountReq) (*dto.AccountDTO, error)
}

type AccountServiceImpl struct {
	repos    map[partition.Name]mongo.AccountRepo
	identity IdentityService
}

func NewAccountService(repos map[partition.Name]mongo.AccountRepo, identity IdentityService) AccountService {
	return &AccountServiceImpl{
		repos:    repos,
		identity: identity,
	}
}

func (s *AccountServiceImpl) BanUser(ctx context.Context, actorID, accountID string) error {
	if actorID == accountID {
		return ErrUserBanSelf
	}
	return s.changeUserIsBanStatus(ctx, accountID, true)
}

func (s *AccountServiceImpl) UnBanUser(ctx context.Context, actorID, accountID string) error {
	return s.changeUserIsBanStatus(ctx, accountID, false)
}

func (s *AccountServiceImpl) changeUserIsBanStatus(ctx context.Context, accountID string, isBan bool) error {
	identity, found, err := s.identity.Lookup(ctx, accountID)
	if err != nil {
		return err
	}
	if !found {
		return ErrUserNotFound
	}
	p := partition.Name(identity.Partition)
	if isBan && p == partition.Admin {
		return ErrUserBanAdmin
	}
	matched, err := s.repos[p].SetBanned(ctx, accountID, isBan)
	if err != nil {
		return translate(err)
	}
	if !matched {
		// 解析与更新之间账号被迁移
		return ErrUserNotFound
	}
	log.InfoContext(ctx, "account ban status changed", "account_id", accountID, "partition", p, "banned", isBan)
	return nil
}

// ListAccounts role 为空时列出所有账号分区
func (s *AccountServiceImpl) ListAccounts(ctx context.Context, role string) ([]*dto.AccountDTO, error) {
	partitions := partition.AccountPartitions
	if role != "" {
		p, ok := partition.ForRole(mongo.NormalizeRole(role))
		if !ok {
			return nil, ErrParamInvalid
		}
		partitions = []partition.Name{p}
	}

	results := make([][]*mongo.Account, len(partitions))
	g, gCtx := errgroup.WithContext(ctx)
	for i, p := range partitions {
		repo, ok := s.repos[p]
		if !ok {
			continue
		}
		g.Go(func() error {
			list, err := repo.List(gCtx, defaultListLimit)
			if err != nil {
				return err
			}
			results[i] = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, translate(err)
	}

	out := make([]*dto.AccountDTO, 0)
	for i, p := range partitions {
		for _, acc := range results[i] {
			d := &dto.AccountDTO{}
			if err := copier.Copy(d, acc); err != nil {
				return nil, err
			}
			d.Role = mongo.NormalizeRole(acc.Role)
			d.Partition = p.String()
			out = append(out, d)
		}
	}
	return out, nil
}

// CreateAccount 邮箱在所有账号分区内唯一
func (s *AccountServiceImpl) CreateAccount(ctx context.Context, req *dto.CreateAccountReq) (*dto.AccountDTO, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := util.ValidateDTO(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParamInvalid, err)
	}
	p, _ := partition.ForRole(req.Role)
	repo, ok := s.repos[p]
	if !ok {
		return nil, fmt.Errorf("%w: partition %s", partition.ErrUnknownPartition, p)
	}

	for _, other := range partition.AccountPartitions {
		r, ok := s.repos[other]
		if !ok {
			continue
		}
		existing, err := r.FindByEmail(ctx, req.Email)
		if err != nil {
			return nil, translate(err)
		}
		if existing != nil {
			return nil, ErrUserExist
		}
	}

	now := time.Now()
	acc := &mongo.Account{}
	if err := copier.Copy(acc, req); err != nil {
		return nil, err
	}
	acc.ID = repo.NewID()
	acc.Skills = normalizeTerms(req.Skills)
	acc.Password = req.PasswordHash
	acc.CreatedAt = now
	acc.UpdatedAt = now
	if err := repo.Insert(ctx, acc); err != nil {
		if errors.Is(err, mongo.ErrDuplicateKey) {
			return nil, ErrUserExist
		}
		return nil, translate(err)
	}

	d := &dto.AccountDTO{}
	if err := copier.Copy(d, acc); err != nil {
		return nil, err
	}
	d.Partition = p.String()
	return d, nil
}
