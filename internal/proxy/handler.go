package proxy

import (
	"bytes"
	"context"
	"errors"
	"mime"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/tibiastatic/tibiastatic/internal/cache"
	"github.com/tibiastatic/tibiastatic/internal/logging"
	"github.com/tibiastatic/tibiastatic/internal/origin"
	"github.com/tibiastatic/tibiastatic/internal/server"
)

// defaultContentType 用于扩展名未知或源站未声明 Content-Type 的情况。
const defaultContentType = "application/octet-stream"

// Fetcher 从源站获取资源，*origin.Fetcher 为默认实现。
type Fetcher interface {
	Fetch(ctx context.Context, key cache.Key) (*origin.Resource, error)
}

// Recorder 是 Handler 依赖的最小指标接口，*metrics.Recorder 为默认实现。
type Recorder interface {
	ObserveResult(result string)
	AddBytes(n int)
}

// Options 汇总 Handler 的依赖。
type Options struct {
	Store         cache.Store
	Fetcher       Fetcher
	Policy        cache.FreshnessPolicy
	MaxObjectSize int64
	Metrics       Recorder
	Logger        *logrus.Logger
}

// Handler 负责 orchestrate “路径校验 → 缓存命中/过期判断 → 回源写缓存” 的全流程，
// 对外暴露 Fiber handler，内部复用共享 Fetcher 与磁盘缓存。
type Handler struct {
	store    cache.Store
	fetcher  Fetcher
	policy   cache.FreshnessPolicy
	maxBytes int64
	metrics  Recorder
	logger   *logrus.Logger
	now      func() time.Time

	// inflight 合并同一 Key 的并发回源，避免缓存未命中时的惊群。
	inflight singleflight.Group
}

// NewHandler constructs a cache handler from its collaborators.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("origin fetcher is required")
	}
	if opts.Metrics == nil {
		return nil, errors.New("metrics recorder is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Handler{
		store:    opts.Store,
		fetcher:  opts.Fetcher,
		policy:   opts.Policy,
		maxBytes: opts.MaxObjectSize,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      time.Now,
	}, nil
}

// Handle 解析 catch-all 路径并将 Outcome 写回客户端，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	raw := strings.Clone(c.Params("*"))

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	outcome := h.Resolve(ctx, raw, requestID)
	h.logResult(outcome, requestID, started)

	if outcome.Result != ResultSuccess {
		return c.Status(outcome.StatusCode()).SendString(outcome.Message())
	}

	if outcome.CacheHit {
		c.Set("X-Tibiastatic-Cache", "hit")
	} else {
		c.Set("X-Tibiastatic-Cache", "miss")
	}
	c.Set(fiber.HeaderContentType, outcome.ContentType)
	return c.Status(fiber.StatusOK).Send(outcome.Body)
}

// Resolve 执行完整的读穿透流程并记录指标。它从不返回 error：
// 本地 I/O 故障被降级为未命中或“成功但未落盘”。
func (h *Handler) Resolve(ctx context.Context, raw, requestID string) Outcome {
	key, err := cache.ParseKey(raw)
	if err != nil {
		reason := "Invalid path"
		var keyErr *cache.KeyError
		if errors.As(err, &keyErr) {
			reason = keyErr.Message()
		}
		h.logger.WithFields(logging.RequestFields(raw, requestID, false)).
			WithError(err).
			Info("path_rejected")
		return h.finish(forbidden(raw, "", reason))
	}

	if outcome, ok := h.fromCache(ctx, raw, key, requestID); ok {
		return h.finish(outcome)
	}
	return h.finish(h.refetch(ctx, raw, key, logging.RequestFields(key.String(), requestID, false)))
}

// fromCache 返回 ok=false 表示需要回源（不存在、已过期或读取失败）。
func (h *Handler) fromCache(ctx context.Context, raw string, key cache.Key, requestID string) (Outcome, bool) {
	fields := logging.RequestFields(key.String(), requestID, false)
	result, err := h.store.Get(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrNotFound):
		h.logger.WithFields(fields).Info("cache_miss")
		return Outcome{}, false
	default:
		h.logger.WithFields(fields).WithError(err).Warn("cache_get_failed")
		return Outcome{}, false
	}

	entry := result.Entry
	body, err := cache.ReadAll(result, h.maxBytes)
	if err != nil {
		if errors.Is(err, cache.ErrTooLarge) {
			h.logger.WithFields(logging.SizeFields(fields, int(entry.SizeBytes))).
				WithError(err).
				Warn("cache_entry_too_large")
			return forbidden(raw, key, reasonTooLarge), true
		}
		h.logger.WithFields(fields).WithError(err).Warn("cache_read_failed")
		return Outcome{}, false
	}

	now := h.now()
	if h.policy.IsStale(key, entry.ModTime, now) {
		h.logger.WithFields(fields).
			WithField("age", now.Sub(entry.ModTime).Round(time.Second).String()).
			Info("cache_stale")
		return Outcome{}, false
	}

	hitFields := logging.SizeFields(logging.RequestFields(key.String(), requestID, true), len(body))
	h.logger.WithFields(hitFields).Debug("cache_hit")
	return Outcome{
		Result:      ResultSuccess,
		Path:        raw,
		Key:         key,
		Body:        body,
		ContentType: contentTypeByExtension(key),
		CacheHit:    true,
	}, true
}

// refetch 回源并写回缓存。同一 Key 的并发调用共享一次回源与一次写入，
// 回源使用脱离客户端取消信号的 context，仅受 http.Client 超时约束。
func (h *Handler) refetch(ctx context.Context, raw string, key cache.Key, fields logrus.Fields) Outcome {
	fetchCtx := context.WithoutCancel(ctx)
	value, err, shared := h.inflight.Do(key.String(), func() (interface{}, error) {
		res, err := h.fetcher.Fetch(fetchCtx, key)
		if err != nil {
			return nil, err
		}
		h.persist(fetchCtx, key, res, fields)
		return res, nil
	})
	if shared {
		fields["shared_fetch"] = true
	}

	if err != nil {
		if errors.Is(err, origin.ErrTooLarge) {
			h.logger.WithFields(fields).WithError(err).Warn("origin_too_large")
			return forbidden(raw, key, reasonTooLarge)
		}
		h.logger.WithFields(fields).WithError(err).Info("origin_miss")
		return notFound(raw, key)
	}

	res, ok := value.(*origin.Resource)
	if !ok || res == nil {
		h.logger.WithFields(fields).Errorf("unexpected fetch result %T", value)
		return notFound(raw, key)
	}

	contentType := res.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	return Outcome{
		Result:      ResultSuccess,
		Path:        raw,
		Key:         key,
		Body:        res.Body,
		ContentType: contentType,
	}
}

// persist 尽力写入缓存；失败只记录日志，不影响本次响应。
func (h *Handler) persist(ctx context.Context, key cache.Key, res *origin.Resource, fields logrus.Fields) {
	sizeFields := logging.SizeFields(logrus.Fields{
		"action":   "persist",
		"key":      key.String(),
		"upstream": res.URL,
	}, len(res.Body))
	if requestID, ok := fields["request_id"]; ok {
		sizeFields["request_id"] = requestID
	}

	entry, err := h.store.Put(ctx, key, bytes.NewReader(res.Body), cache.PutOptions{ModTime: h.now()})
	if err != nil {
		h.logger.WithFields(sizeFields).WithError(err).Error("cache_write_failed")
		return
	}
	h.logger.WithFields(sizeFields).WithField("file_path", entry.FilePath).Info("cache_stored")
}

// finish 将终态上报给指标；只有 success 计入字节数。
func (h *Handler) finish(outcome Outcome) Outcome {
	h.metrics.ObserveResult(string(outcome.Result))
	if outcome.Result == ResultSuccess {
		h.metrics.AddBytes(len(outcome.Body))
	}
	return outcome
}

func (h *Handler) logResult(outcome Outcome, requestID string, started time.Time) {
	key := outcome.Key.String()
	if key == "" {
		key = outcome.Path
	}
	fields := logging.RequestFields(key, requestID, outcome.CacheHit)
	fields["result"] = string(outcome.Result)
	fields["status"] = outcome.StatusCode()
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if outcome.Result == ResultSuccess {
		fields = logging.SizeFields(fields, len(outcome.Body))
	}
	h.logger.WithFields(fields).Info("request_complete")
}

// contentTypeByExtension 缓存命中时按扩展名推断类型，与回源时使用上游声明的类型不同。
func contentTypeByExtension(key cache.Key) string {
	if contentType := mime.TypeByExtension(key.Ext()); contentType != "" {
		return contentType
	}
	return defaultContentType
}
