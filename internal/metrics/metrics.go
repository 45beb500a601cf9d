// Package metrics owns the process-wide Prometheus registry that counts
// served requests by result and the total number of bytes handed to clients.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 请求结果标签，与 request_total{result} 对应。
const (
	ResultSuccess   = "success"
	ResultForbidden = "forbidden"
	ResultNotFound  = "not_found"
)

// Recorder 持有独立的 Registry，生命周期与进程一致，由 main 构建后注入各组件。
type Recorder struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	bytes    prometheus.Counter
}

// NewRecorder 注册计数器并预先初始化全部结果标签，使抓取结果中始终包含 0 值序列。
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "request_total",
		Help: "Counter for received requests.",
	}, []string{"result"})
	bytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "file_size_bytes_total",
		Help: "Counts served size in bytes.",
	})
	registry.MustRegister(requests, bytes)

	for _, result := range []string{ResultSuccess, ResultForbidden, ResultNotFound} {
		requests.WithLabelValues(result)
	}

	return &Recorder{
		registry: registry,
		requests: requests,
		bytes:    bytes,
	}
}

// ObserveResult 为一次请求的最终结果计数。
func (r *Recorder) ObserveResult(result string) {
	r.requests.WithLabelValues(result).Inc()
}

// AddBytes 累加返回给客户端的正文字节数。
func (r *Recorder) AddBytes(n int) {
	if n <= 0 {
		return
	}
	r.bytes.Add(float64(n))
}

// Handler 以 Prometheus 文本格式暴露当前 Registry。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry 返回底层 Registry，供测试或额外 collector 使用。
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
