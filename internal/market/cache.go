package market

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTTL 为规格刷新周期，超过后下次访问会重新拉取。
const DefaultTTL = 24 * time.Hour

// Cache 持有全部 (venue, symbol) 规格，并持久化到本地 JSON 文件。
// 文件删除是安全的，只会触发一次重新拉取。
type Cache struct {
	path   string
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.RWMutex
	specs map[string]Spec
}

// NewCache 创建缓存并加载已持久化的规格。
func NewCache(path string, ttl time.Duration, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := &Cache{
		path:   path,
		ttl:    ttl,
		logger: logger,
		specs:  make(map[string]Spec),
	}

	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func specKey(venue, symbol string) string {
	return venue + ":" + symbol
}

// GetSpec 返回合约规格。缓存未过期直接命中；
// 拉取失败时回退到最近一次持久化的值，两者都没有时返回 ErrMetadataUnavailable。
// 只尝试一次拉取，是否重试由调用方决定。
func (c *Cache) GetSpec(ctx context.Context, venue, symbol string, fetcher Fetcher) (Spec, error) {
	key := specKey(venue, symbol)

	c.mu.RLock()
	cached, ok := c.specs[key]
	c.mu.RUnlock()

	if ok && time.Since(cached.FetchedAt) < c.ttl {
		return cached, nil
	}

	spec, err := fetcher.MarketSpec(ctx, symbol)
	if err != nil || !spec.Valid() {
		if ok {
			c.logger.Warn("规格拉取失败，回退到本地缓存",
				zap.String("venue", venue),
				zap.String("symbol", symbol),
				zap.Error(err),
			)
			return cached, nil
		}
		if err != nil {
			return Spec{}, fmt.Errorf("%w: %s %s: %v", ErrMetadataUnavailable, venue, symbol, err)
		}
		return Spec{}, fmt.Errorf("%w: %s %s 返回无效规格", ErrMetadataUnavailable, venue, symbol)
	}

	spec.Venue = venue
	spec.FetchedAt = time.Now().UTC()

	c.mu.Lock()
	c.specs[key] = spec
	c.mu.Unlock()

	if err := c.persist(); err != nil {
		c.logger.Warn("规格持久化失败", zap.String("venue", venue), zap.Error(err))
	}
	return spec, nil
}

// Invalidate 作废单个规格，交易所报精度类拒绝时由调用方触发。
func (c *Cache) Invalidate(venue, symbol string) {
	c.mu.Lock()
	delete(c.specs, specKey(venue, symbol))
	c.mu.Unlock()
}

func (c *Cache) load() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取规格缓存文件失败: %w", err)
	}

	var specs map[string]Spec
	if err := json.Unmarshal(data, &specs); err != nil {
		// 文件损坏时按空缓存处理，后续访问会重新拉取并覆盖。
		c.logger.Warn("规格缓存文件损坏，忽略", zap.String("path", c.path), zap.Error(err))
		return nil
	}

	c.mu.Lock()
	c.specs = specs
	c.mu.Unlock()
	return nil
}

func (c *Cache) persist() error {
	if c.path == "" {
		return nil
	}

	c.mu.RLock()
	data, err := json.MarshalIndent(c.specs, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(c.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
