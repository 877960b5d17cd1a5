package service

import (
	"Kaarigar/internal/pkg/partition"
	"errors"
	"fmt"
)

const (
	BadRequest          = 400
	Unauthorized        = 401
	NotFound            = 404
	Conflict            = 409
	InternalServerError = 500
	ServiceUnavailable  = 503
)

var (
	ErrParamInvalid         = errors.New("参数错误")
	ErrUserNotFound         = errors.New("用户不存在")
	ErrUserBanAdmin         = errors.New("不能封禁管理员")
	ErrUserBanSelf          = errors.New("不能封禁自己")
	ErrUserExist            = errors.New("用户已存在")
	ErrConversationNotFound = errors.New("会话不存在")
	ErrConversationSelf     = errors.New("不能与自己发起会话")
	ErrContentEmpty         = errors.New("消息内容不能为空")
	ErrContentTooLong       = errors.New("消息内容过长")
	ErrPartitionUnavailable = errors.New("数据分区暂不可用，请稍后重试")
	ErrMigrationConflict    = errors.New("迁移目标账号已存在，需要人工处理")
	ErrMigrationInProgress  = errors.New("账号迁移正在进行中")
	ErrMigrationNotFound    = errors.New("迁移记录不存在")
	ErrAlreadyProvider      = errors.New("账号已是服务者")
	UnauthorizedError       = errors.New("权限不足")
	UnExpectedError         = errors.New("系统异常，请稍后重试")
)

var ErrorMap = map[error]int{
	ErrParamInvalid:         BadRequest,
	ErrUserNotFound:         NotFound,
	ErrUserBanAdmin:         BadRequest,
	ErrUserBanSelf:          BadRequest,
	ErrUserExist:            Conflict,
	ErrConversationNotFound: NotFound,
	ErrConversationSelf:     BadRequest,
	ErrContentEmpty:         BadRequest,
	ErrContentTooLong:       BadRequest,
	ErrPartitionUnavailable: ServiceUnavailable,
	ErrMigrationConflict:    Conflict,
	ErrMigrationInProgress:  Conflict,
	ErrMigrationNotFound:    NotFound,
	ErrAlreadyProvider:      Conflict,
	UnauthorizedError:       Unauthorized,
	UnExpectedError:         InternalServerError,
}

// errorOrder 一个错误同时包装多个业务错误时按此顺序取第一个，可重试错误优先
var errorOrder = []error{
	ErrPartitionUnavailable,
	ErrMigrationConflict,
	ErrMigrationInProgress,
	ErrAlreadyProvider,
	ErrUserExist,
	UnauthorizedError,
	ErrUserNotFound,
	ErrConversationNotFound,
	ErrMigrationNotFound,
	ErrParamInvalid,
	ErrUserBanAdmin,
	ErrUserBanSelf,
	ErrConversationSelf,
	ErrContentEmpty,
	ErrContentTooLong,
	UnExpectedError,
}

// Lookup 返回 err 链上命中的业务错误及其业务码
func Lookup(err error) (error, int, bool) {
	if err == nil {
		return nil, 0, false
	}
	for _, target := range errorOrder {
		if errors.Is(err, target) {
			return target, ErrorMap[target], true
		}
	}
	return nil, 0, false
}

// CodeOf 按 errors.Is 查找业务码，包装过的错误同样适用
func CodeOf(err error) (int, bool) {
	_, code, ok := Lookup(err)
	return code, ok
}

// IsRetryable 调用方可以安全重试的错误
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPartitionUnavailable)
}

// translate 将分区层错误映射为业务错误，保留原始错误链
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPartitionUnavailable) {
		return err
	}
	if errors.Is(err, partition.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrPartitionUnavailable, err)
	}
	return err
}
