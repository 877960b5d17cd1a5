package service

import (
	"Kaarigar/internal/api/dto"
	"Kaarigar/internal/pkg/consts"
	"Kaarigar/internal/pkg/mongo"
	"Kaarigar/internal/pkg/partition"
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// IdentityService 在不知道分区的情况下解析账号
type IdentityService interface {
	Resolve(ctx context.Context, accountID string) *dto.IdentityDTO
	ResolveRef(ctx context.Context, ref mongo.ParticipantRef) *dto.IdentityDTO
	ResolveMany(ctx context.Context, accountIDs []string) map[string]*dto.IdentityDTO
	ResolveRefs(ctx context.Context, refs []mongo.ParticipantRef) map[string]*dto.IdentityDTO
	Lookup(ctx context.Context, accountID string) (*dto.IdentityDTO, bool, error)
}

type identityServiceImpl struct {
	repos        map[partition.Name]mongo.AccountRepo
	probeTimeout time.Duration
}

func NewIdentityService(repos map[partition.Name]mongo.AccountRepo, probeTimeout time.Duration) IdentityService {
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	return &identityServiceImpl{
		repos:        repos,
		probeTimeout: probeTimeout,
	}
}

// Unknown 未命中任何分区时的占位身份，调用方应正常渲染
func Unknown(accountID string) *dto.IdentityDTO {
	return &dto.IdentityDTO{
		AccountID:   accountID,
		Role:        partition.RoleUnknown,
		DisplayName: consts.UnknownDisplayName,
	}
}

// validAccountID 账号 ID 不能包含 pair_key 的分隔符
func validAccountID(id string) bool {
	return id != "" && len(id) <= 64 && !strings.ContainsAny(id, "_ \t\n")
}

type probeResult struct {
	acc *mongo.Account
	err error
}

// Resolve 并发探测所有账号分区，按 provider, customer, admin 的优先级取第一个命中
func (s *identityServiceImpl) Resolve(ctx context.Context, accountID string) *dto.IdentityDTO {
	identity, _, _ := s.Lookup(ctx, accountID)
	return identity
}

// Lookup 写路径使用的严格版本：未命中且存在不可用分区时返回 ErrPartitionUnavailable
func (s *identityServiceImpl) Lookup(ctx context.Context, accountID string) (*dto.IdentityDTO, bool, error) {
	if !validAccountID(accountID) {
		return Unknown(accountID), false, nil
	}

	acc, p, unavailable := s.probe(ctx, accountID)
	if acc != nil {
		return s.toIdentity(ctx, acc, p), true, nil
	}
	if unavailable {
		return Unknown(accountID), false, fmt.Errorf("%w: resolve %s", ErrPartitionUnavailable, accountID)
	}
	return Unknown(accountID), false, nil
}

func (s *identityServiceImpl) probe(ctx context.Context, accountID string) (*mongo.Account, partition.Name, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	// 结果确定后取消仍在进行中的低优先级探测
	defer cancel()

	results := make([]chan probeResult, len(partition.ProbeOrder))
	for i, p := range partition.ProbeOrder {
		ch := make(chan probeResult, 1)
		results[i] = ch
		repo, ok := s.repos[p]
		if !ok {
			ch <- probeResult{}
			continue
		}
		go func() {
			acc, err := repo.FindByID(probeCtx, accountID)
			ch <- probeResult{acc: acc, err: err}
		}()
	}

	unavailable := false
	for i, p := range partition.ProbeOrder {
		r := <-results[i]
		if r.err != nil {
			log.WarnContext(ctx, "identity probe failed", "partition", p, "account_id", accountID, "err", r.err)
			if isUnavailable(r.err) {
				unavailable = true
			}
			continue
		}
		if r.acc != nil {
			return r.acc, p, false
		}
	}
	return nil, "", unavailable
}

// ResolveRef 带分区标签的引用直接在对应分区查找，未命中时退化为探测
func (s *identityServiceImpl) ResolveRef(ctx context.Context, ref mongo.ParticipantRef) *dto.IdentityDTO {
	if !validAccountID(ref.ID) {
		return Unknown(ref.ID)
	}
	p := partition.Name(ref.Partition)
	if repo, ok := s.repos[p]; ok {
		probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
		acc, err := repo.FindByID(probeCtx, ref.ID)
		cancel()
		if err != nil {
			log.WarnContext(ctx, "tagged lookup failed", "partition", p, "account_id", ref.ID, "err", err)
		}
		if acc != nil {
			return s.toIdentity(ctx, acc, p)
		}
	}
	return s.Resolve(ctx, ref.ID)
}

// ResolveMany 批量解析：每个分区一次 $in 查询，分区之间并发
func (s *identityServiceImpl) ResolveMany(ctx context.Context, accountIDs []string) map[string]*dto.IdentityDTO {
	out := make(map[string]*dto.IdentityDTO, len(accountIDs))
	ids := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		if _, seen := out[id]; seen {
			continue
		}
		out[id] = Unknown(id)
		if validAccountID(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return out
	}

	found := s.batch(ctx, partition.ProbeOrder, func(partition.Name) []string { return ids })
	for _, id := range ids {
		for _, p := range partition.ProbeOrder {
			if acc, ok := found[p][id]; ok {
				out[id] = s.toIdentity(ctx, acc, p)
				break
			}
		}
	}
	return out
}

// ResolveRefs 按标签分组批量查找，标签失效的引用再走 ResolveMany
func (s *identityServiceImpl) ResolveRefs(ctx context.Context, refs []mongo.ParticipantRef) map[string]*dto.IdentityDTO {
	out := make(map[string]*dto.IdentityDTO, len(refs))
	byPartition := make(map[partition.Name][]string)
	partitions := make([]partition.Name, 0, len(partition.AccountPartitions))
	for _, ref := range refs {
		if _, seen := out[ref.ID]; seen {
			continue
		}
		out[ref.ID] = nil
		p := partition.Name(ref.Partition)
		if _, ok := s.repos[p]; !ok || !validAccountID(ref.ID) {
			continue
		}
		if _, ok := byPartition[p]; !ok {
			partitions = append(partitions, p)
		}
		byPartition[p] = append(byPartition[p], ref.ID)
	}

	found := s.batch(ctx, partitions, func(p partition.Name) []string { return byPartition[p] })
	var misses []string
	for id := range out {
		for _, p := range partitions {
			if acc, ok := found[p][id]; ok {
				out[id] = s.toIdentity(ctx, acc, p)
				break
			}
		}
		if out[id] == nil {
			misses = append(misses, id)
		}
	}
	if len(misses) > 0 {
		for id, identity := range s.ResolveMany(ctx, misses) {
			out[id] = identity
		}
	}
	return out
}

// batch 并发执行每个分区的批量查询，失败的分区按未命中处理
func (s *identityServiceImpl) batch(ctx context.Context, partitions []partition.Name, idsOf func(partition.Name) []string) map[partition.Name]map[string]*mongo.Account {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	results := make([]map[string]*mongo.Account, len(partitions))
	var g errgroup.Group
	for i, p := range partitions {
		repo, ok := s.repos[p]
		if !ok {
			continue
		}
		g.Go(func() error {
			accounts, err := repo.FindByIDs(probeCtx, idsOf(p))
			if err != nil {
				log.WarnContext(ctx, "identity batch probe failed", "partition", p, "err", err)
				return nil
			}
			m := make(map[string]*mongo.Account, len(accounts))
			for _, acc := range accounts {
				m[acc.ID] = acc
			}
			results[i] = m
			return nil
		})
	}
	_ = g.Wait()

	found := make(map[partition.Name]map[string]*mongo.Account, len(partitions))
	for i, p := range partitions {
		if results[i] != nil {
			found[p] = results[i]
		}
	}
	return found
}

func (s *identityServiceImpl) toIdentity(ctx context.Context, acc *mongo.Account, p partition.Name) *dto.IdentityDTO {
	role := mongo.NormalizeRole(acc.Role)
	if role != p.Role() {
		// 角色与所在分区不一致，通常意味着迁移进行中或失败
		log.WarnContext(ctx, "account role does not match partition", "account_id", acc.ID, "role", role, "partition", p)
	}
	name := acc.Name
	if name == "" {
		name = consts.UnknownDisplayName
	}
	return &dto.IdentityDTO{
		AccountID:    acc.ID,
		Partition:    p.String(),
		Role:         role,
		DisplayName:  name,
		ContactEmail: acc.Email,
		Found:        true,
	}
}

func isUnavailable(err error) bool {
	return errors.Is(err, partition.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrPartitionUnavailable)
}
