package service

import (
	"Kaarigar/internal/api/dto"
	"Kaarigar/internal/pkg/mongo"
	"Kaarigar/internal/pkg/partition"
	"Kaarigar/internal/pkg/util"
	"context"
	"fmt"
	"strings"

	"github.com/jinzhu/copier"
)

const (
	defaultProviderPageSize = 20
)

// ProviderService 服务者目录：检索、资料、工作区域
type ProviderService interface {
	SearchProviders(ctx context.Context, req *dto.ProviderSearchReq) ([]*dto.ProviderDTO, error)
	GetProvider(ctx context.Context, providerID string) (*dto.ProviderDTO, error)
	UpdateAreas(ctx context.Context, providerID string, req *dto.UpdateAreasReq) (*dto.ProviderDTO, error)
}

type providerServiceImpl struct {
	providers mongo.AccountRepo
}

func NewProviderService(accounts map[partition.Name]mongo.AccountRepo) ProviderService {
	return &providerServiceImpl{providers: accounts[partition.Provider]}
}

func (s *providerServiceImpl) SearchProviders(ctx context.Context, req *dto.ProviderSearchReq) ([]*dto.ProviderDTO, error) {
	if req == nil {
		req = &dto.ProviderSearchReq{}
	}
	if err := util.ValidateDTO(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParamInvalid, err)
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultProviderPageSize
	}

	list, err := s.providers.SearchProviders(ctx, mongo.ProviderFilter{City: req.City, Skill: req.Skill}, int64(limit))
	if err != nil {
		return nil, translate(err)
	}
	out := make([]*dto.ProviderDTO, 0, len(list))
	for _, acc := range list {
		d, err := toProviderDTO(acc)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// GetProvider 只查服务者分区；分区不可用时返回可重试错误而不是 not found
func (s *providerServiceImpl) GetProvider(ctx context.Context, providerID string) (*dto.ProviderDTO, error) {
	acc, err := s.findProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return toProviderDTO(acc)
}

func (s *providerServiceImpl) UpdateAreas(ctx context.Context, providerID string, req *dto.UpdateAreasReq) (*dto.ProviderDTO, error) {
	if req == nil {
		return nil, ErrParamInvalid
	}
	if err := util.ValidateDTO(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParamInvalid, err)
	}
	if !validAccountID(providerID) {
		return nil, ErrUserNotFound
	}

	ok, err := s.providers.UpdateAreas(ctx, providerID, normalizeTerms(req.Areas))
	if err != nil {
		return nil, translate(err)
	}
	if !ok {
		return nil, ErrUserNotFound
	}
	return s.GetProvider(ctx, providerID)
}

func (s *providerServiceImpl) findProvider(ctx context.Context, providerID string) (*mongo.Account, error) {
	if !validAccountID(providerID) {
		return nil, ErrUserNotFound
	}
	acc, err := s.providers.FindByID(ctx, providerID)
	if err != nil {
		return nil, translate(err)
	}
	if acc == nil || acc.IsBanned {
		return nil, ErrUserNotFound
	}
	return acc, nil
}

func toProviderDTO(acc *mongo.Account) (*dto.ProviderDTO, error) {
	d := &dto.ProviderDTO{}
	if err := copier.Copy(d, acc); err != nil {
		return nil, err
	}
	if d.Skills == nil {
		d.Skills = []string{}
	}
	if d.Areas == nil {
		d.Areas = []string{}
	}
	return d, nil
}

// normalizeTerms 去除首尾空白、空值与大小写重复，保持原有顺序
func normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}
