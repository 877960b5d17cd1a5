package redis

import (
	"Kaarigar/internal/pkg/consts"
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

// GetValue 获取字符串类型的值
func GetValue(ctx context.Context, key string) (string, error) {
	value, err := Rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

// TryLock 基于 SETNX 的互斥锁，retryTimes 为 -1 时一直重试
func TryLock(ctx context.Context, key string, value interface{}, expiration time.Duration, retryTimes int) (bool, error) {
	for i := 0; i < retryTimes || retryTimes == -1; i++ {
		success, err := Rdb.SetNX(ctx, key, value, expiration).Result()
		if err != nil {
			return false, err
		}
		if success {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return false, nil
}

// UnLock 释放锁，只删除自己持有的锁
func UnLock(ctx context.Context, key string, value interface{}) {
	Rdb.Eval(ctx, unlockScript, []string{key}, value)
}

// Extend 续期自己持有的锁，锁已过期或被他人持有时返回 false
func Extend(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	n, err := Rdb.Eval(ctx, extendScript, []string{key}, value, expiration.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Locker 将包级锁函数包装为可注入的依赖
type Locker struct {
	RetryTimes int
}

func NewLocker() *Locker {
	return &Locker{RetryTimes: 1}
}

func (l *Locker) TryLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return TryLock(ctx, key, value, ttl, l.RetryTimes)
}

func (l *Locker) Extend(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return Extend(ctx, key, value, ttl)
}

func (l *Locker) UnLock(ctx context.Context, key, value string) {
	UnLock(ctx, key, value)
}

// TokenBlacklist 已吊销 Token 的签名，过期时间与 Token 一致
type TokenBlacklist struct{}

func (TokenBlacklist) IsRevoked(ctx context.Context, signature string) (bool, error) {
	value, err := GetValue(ctx, consts.TokenRevokedKey+signature)
	if err != nil {
		return false, err
	}
	return value != "", nil
}

func (TokenBlacklist) Revoke(ctx context.Context, signature string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return Rdb.Set(ctx, consts.TokenRevokedKey+signature, "1", ttl).Err()
}
