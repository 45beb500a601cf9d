package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tibiastatic/tibiastatic/internal/cache"
)

// ChunkSize 是读取上游正文时单次 Read 的缓冲大小。
const ChunkSize = 64 * 1024

var (
	// ErrMiss 表示源站无法提供该资源：非 200、网络错误或超时。
	ErrMiss = errors.New("origin miss")
	// ErrTooLarge 表示源站声明或实际返回的正文超过上限。
	ErrTooLarge = errors.New("origin resource exceeds size limit")
)

// StatusError 记录源站返回的非 200 状态码。
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("origin responded %d for %s", e.Status, e.URL)
}

// Unwrap 使 errors.Is(err, ErrMiss) 成立。
func (e *StatusError) Unwrap() error {
	return ErrMiss
}

// Resource 是一次成功回源的结果，仅在单个请求内存活。
type Resource struct {
	Body        []byte
	ContentType string
	Status      int
	URL         string
}

// Fetcher 基于共享 http.Client 向固定源站发起 GET。
type Fetcher struct {
	client   *http.Client
	base     *url.URL
	maxBytes int64
}

// NewFetcher 构造 Fetcher；maxBytes <= 0 表示不限制大小。
func NewFetcher(client *http.Client, base string, maxBytes int64) (*Fetcher, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse origin url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported origin scheme: %s", base)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("origin url missing host: %s", base)
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return &Fetcher{
		client:   client,
		base:     parsed,
		maxBytes: maxBytes,
	}, nil
}

// URL 返回 key 在源站上的完整地址。
func (f *Fetcher) URL(key cache.Key) string {
	return f.base.JoinPath(string(key)).String()
}

// Fetch 获取 key 对应的资源，不做重试。
func (f *Fetcher) Fetch(ctx context.Context, key cache.Key) (*Resource, error) {
	target := f.URL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrMiss, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMiss, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: target, Status: resp.StatusCode}
	}
	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrTooLarge, resp.ContentLength, f.maxBytes)
	}

	body, err := f.readBody(resp.Body, resp.ContentLength)
	if err != nil {
		return nil, err
	}

	return &Resource{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Status:      resp.StatusCode,
		URL:         target,
	}, nil
}

// readBody 按 ChunkSize 分块累积正文，每块之后检查上限，
// 用于防御缺失或虚报的 Content-Length。
func (f *Fetcher) readBody(body io.Reader, declared int64) ([]byte, error) {
	capacity := int64(ChunkSize)
	if declared > 0 && (f.maxBytes <= 0 || declared <= f.maxBytes) {
		capacity = declared
	}
	buf := make([]byte, 0, capacity)
	chunk := make([]byte, ChunkSize)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if f.maxBytes > 0 && int64(len(buf)) > f.maxBytes {
				return nil, fmt.Errorf("%w: streamed more than %d bytes", ErrTooLarge, f.maxBytes)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			return nil, fmt.Errorf("%w: read body: %v", ErrMiss, err)
		}
	}
}
