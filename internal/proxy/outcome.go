package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"

	"github.com/tibiastatic/tibiastatic/internal/cache"
	"github.com/tibiastatic/tibiastatic/internal/metrics"
)

// Result 是一次请求的终态，同时作为 request_total 的 result 标签。
type Result string

const (
	ResultSuccess   Result = metrics.ResultSuccess
	ResultForbidden Result = metrics.ResultForbidden
	ResultNotFound  Result = metrics.ResultNotFound
)

// reasonTooLarge 用于缓存或源站对象超过 MaxObjectSize 的 403 响应。
const reasonTooLarge = "Resource exceeds the maximum allowed size"

// Outcome 是 Resolve 的返回值，只会是 Success / Forbidden / NotFound 三者之一，不落盘。
type Outcome struct {
	Result      Result
	Path        string
	Key         cache.Key
	Body        []byte
	ContentType string
	Reason      string
	CacheHit    bool
}

// StatusCode 将结果映射为 HTTP 状态码。
func (o Outcome) StatusCode() int {
	switch o.Result {
	case ResultSuccess:
		return fiber.StatusOK
	case ResultForbidden:
		return fiber.StatusForbidden
	default:
		return fiber.StatusNotFound
	}
}

// Message 返回 403/404 时的简短文本正文。
func (o Outcome) Message() string {
	switch o.Result {
	case ResultForbidden:
		return o.Reason
	case ResultNotFound:
		return fmt.Sprintf("Could not find resource %s", o.Path)
	default:
		return ""
	}
}

func forbidden(path string, key cache.Key, reason string) Outcome {
	return Outcome{Result: ResultForbidden, Path: path, Key: key, Reason: reason}
}

func notFound(path string, key cache.Key) Outcome {
	return Outcome{Result: ResultNotFound, Path: path, Key: key}
}
