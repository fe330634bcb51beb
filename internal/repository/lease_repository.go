package repository

import (
	"context"
	"time"

	"docqa-go/pkg/token"

	"github.com/go-redis/redis/v8"
)

// LeaseRepository 提供以文档 ID 为粒度的摄取租约，
// 防止两次并发摄取对同一文档的索引写入产生竞争。
type LeaseRepository interface {
	// Acquire 尝试获取租约，返回租约凭证；已被占用时返回 ok=false。
	Acquire(ctx context.Context, documentID string, ttl time.Duration) (lease string, ok bool, err error)
	// Release 释放租约。凭证不匹配（租约已过期并被他人持有）时不做任何事。
	Release(ctx context.Context, documentID, lease string) error
}

type leaseRepository struct {
	redisClient *redis.Client
}

// NewLeaseRepository 创建一个新的 LeaseRepository 实例。
func NewLeaseRepository(redisClient *redis.Client) LeaseRepository {
	return &leaseRepository{redisClient: redisClient}
}

func (r *leaseRepository) leaseKey(documentID string) string {
	return "ingest:lease:" + documentID
}

// Acquire 通过 SET NX PX 原子地获取租约。
func (r *leaseRepository) Acquire(ctx context.Context, documentID string, ttl time.Duration) (string, bool, error) {
	lease := token.GenerateRandomString(16)
	ok, err := r.redisClient.SetNX(ctx, r.leaseKey(documentID), lease, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return lease, true, nil
}

// releaseScript 在服务端原子地完成凭证比较与删除，
// 避免比较后、删除前租约过期并被他人重新获取时误删。
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Release 只在凭证匹配时删除租约 key，避免误删他人持有的租约。
func (r *leaseRepository) Release(ctx context.Context, documentID, lease string) error {
	return releaseScript.Run(ctx, r.redisClient, []string{r.leaseKey(documentID)}, lease).Err()
}
