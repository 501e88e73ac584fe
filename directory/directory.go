// Package directory 实现租户目录：凭证存放在数据库并带本地缓存，用量计数器存放在 Redis
package directory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wangyingjie930/nexus-enrich/enrich"
	"github.com/wangyingjie930/nexus-enrich/logger"
	"github.com/wangyingjie930/nexus-enrich/redis"
)

const decrementScriptName = "usage_decrement"

// decrementScript 计数器不存在时用 ARGV[1] 初始化，归零后不再继续扣减
const decrementScript = `
local v = redis.call('GET', KEYS[1])
if not v then
  redis.call('SET', KEYS[1], ARGV[1])
  v = ARGV[1]
end
if tonumber(v) <= 0 then
  return 0
end
return redis.call('DECR', KEYS[1])
`

type accountCacheValue struct {
	account ClientAccount
	err     error
}

// Directory 实现 enrich.Directory
type Directory struct {
	db    *gorm.DB
	redis *redis.Client
	cache *ttlcache.Cache[string, accountCacheValue]
}

// New 创建租户目录，cacheTTL 为凭证缓存时间
func New(db *gorm.DB, rdb *redis.Client, cacheTTL time.Duration) (*Directory, error) {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	if err := rdb.LoadScript(decrementScriptName, decrementScript); err != nil {
		return nil, err
	}
	return &Directory{
		db:    db,
		redis: rdb,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, accountCacheValue](cacheTTL),
		),
	}, nil
}

func (d *Directory) AutoMigrate(ctx context.Context) error {
	return d.db.WithContext(ctx).AutoMigrate(&ClientAccount{})
}

// UpsertAccount 新建或更新租户，并使缓存失效
func (d *Directory) UpsertAccount(ctx context.Context, account ClientAccount) error {
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		UpdateAll: true,
	}).Create(&account).Error
	if err != nil {
		return fmt.Errorf("upsert client %s: %w", account.ClientID, err)
	}
	d.cache.Delete(account.ClientID)
	return nil
}

// GetAccount 读取租户，结果（包括不存在）会被缓存；数据库错误不缓存
func (d *Directory) GetAccount(ctx context.Context, clientID string) (ClientAccount, error) {
	var loadErr error
	loader := ttlcache.LoaderFunc[string, accountCacheValue](
		func(cache *ttlcache.Cache[string, accountCacheValue], key string) *ttlcache.Item[string, accountCacheValue] {
			account, err := d.getAccountUncached(ctx, key)
			if err != nil && !errors.Is(err, enrich.ErrClientNotFound) {
				loadErr = err
				return nil
			}
			return cache.Set(key, accountCacheValue{account: account, err: err}, ttlcache.DefaultTTL)
		},
	)
	v := d.cache.Get(clientID, ttlcache.WithLoader[string, accountCacheValue](loader))
	if v != nil {
		return v.Value().account, v.Value().err
	}
	if loadErr != nil {
		return ClientAccount{}, loadErr
	}
	return ClientAccount{}, fmt.Errorf("failed to get client %s from cache", clientID)
}

func (d *Directory) getAccountUncached(ctx context.Context, clientID string) (ClientAccount, error) {
	var account ClientAccount
	err := d.db.WithContext(ctx).Where("client_id = ?", clientID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ClientAccount{}, enrich.ErrClientNotFound
	}
	if err != nil {
		return ClientAccount{}, errors.Wrapf(err, "load client %s", clientID)
	}
	return account, nil
}

func (d *Directory) GetCredentials(ctx context.Context, clientID string) (enrich.Credentials, error) {
	account, err := d.GetAccount(ctx, clientID)
	if err != nil {
		return enrich.Credentials{}, err
	}
	return account.credentials(), nil
}

// usageKey 使用 hash tag，同一租户的计数器落在同一个 slot
func usageKey(clientID string, group enrich.FieldGroup) string {
	return fmt.Sprintf("usage:{%s}:%s", clientID, group)
}

// DecrementUsage 原子扣减一次用量并返回剩余次数，不会低于 0
func (d *Directory) DecrementUsage(ctx context.Context, clientID string, group enrich.FieldGroup) (int64, error) {
	account, err := d.GetAccount(ctx, clientID)
	if err != nil {
		return 0, err
	}

	res, err := d.redis.RunScript(ctx, decrementScriptName, []string{usageKey(clientID, group)}, account.Quota)
	if err != nil {
		return 0, errors.Wrapf(err, "decrement usage %s/%s", clientID, group)
	}
	remaining, ok := res.(int64)
	if !ok {
		return 0, errors.Errorf("unexpected usage script result %T", res)
	}
	if remaining == 0 {
		logger.Ctx(ctx).Warn().Str("client_id", clientID).Str("group", string(group)).Msg("usage quota exhausted")
	}
	return remaining, nil
}

// Usage 返回当前剩余用量，计数器尚未创建时返回账户配额
func (d *Directory) Usage(ctx context.Context, clientID string, group enrich.FieldGroup) (int64, error) {
	val, err := d.redis.GetClient().Get(ctx, usageKey(clientID, group)).Result()
	if errors.Is(err, goredis.Nil) {
		account, err := d.GetAccount(ctx, clientID)
		if err != nil {
			return 0, err
		}
		return account.Quota, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "read usage %s/%s", clientID, group)
	}
	return strconv.ParseInt(val, 10, 64)
}

// ResetUsage 删除租户的所有计数器，下一次扣减会从配额重新开始
func (d *Directory) ResetUsage(ctx context.Context, clientID string) error {
	keys := make([]string, 0, len(enrich.AllGroups))
	for _, g := range enrich.AllGroups {
		keys = append(keys, usageKey(clientID, g))
	}
	return errors.Wrapf(d.redis.GetClient().Del(ctx, keys...).Err(), "reset usage %s", clientID)
}
