package ecrf

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"aliquot-sync/internal/store"

	"go.uber.org/zap"
)

// CachedGateway 缓存只读查询（会话、样本表单定位），写操作直接透传
// 一个导入文件里同一患者会出现多次，避免重复的远程查询
// 会话按调用者令牌分键：不同站点的用户不会拿到彼此的 team
type CachedGateway struct {
	Gateway
	kv     store.KV
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedGateway(next Gateway, kv store.KV, ttl time.Duration, logger *zap.Logger) *CachedGateway {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedGateway{Gateway: next, kv: kv, ttl: ttl, logger: logger}
}

const (
	sessionKey    = "ecrf:session:"
	sampleFormKey = "ecrf:sample-form:"
)

func (g *CachedGateway) CurrentSession(ctx context.Context) (*Session, error) {
	key := sessionKey + credentialTag(ctx)
	var cached Session
	if g.load(ctx, key, &cached) {
		return &cached, nil
	}
	sess, err := g.Gateway.CurrentSession(ctx)
	if err != nil {
		return nil, err
	}
	g.save(ctx, key, sess)
	return sess, nil
}

func (g *CachedGateway) LocateSampleForm(ctx context.Context, kind OwnerKind, key string) (*FormMetadata, error) {
	cacheKey := sampleFormKey + string(kind) + ":" + key
	var cached FormMetadata
	if g.load(ctx, cacheKey, &cached) {
		return &cached, nil
	}
	form, err := g.Gateway.LocateSampleForm(ctx, kind, key)
	if err != nil {
		return nil, err
	}
	g.save(ctx, cacheKey, form)
	return form, nil
}

// load 缓存不可用时退化为直接调用
func (g *CachedGateway) load(ctx context.Context, key string, out any) bool {
	raw, err := g.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrMiss) {
			g.logger.Warn("eCRF cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		_ = g.kv.Del(ctx, key)
		return false
	}
	return true
}

func (g *CachedGateway) save(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := g.kv.Set(ctx, key, string(b), g.ttl); err != nil {
		g.logger.Warn("eCRF cache write failed", zap.String("key", key), zap.Error(err))
	}
}
