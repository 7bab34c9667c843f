package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Cache result labels.
const (
	ResultHit  = "hit"
	ResultMiss = "miss"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var defaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets))}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			h.counts[idx]++
		}
	}
}

type family struct {
	name   string
	help   string
	labels []string
	kind   string
	values map[string]uint64
	hists  map[string]*histogram
}

// Registry 是进程内的指标集合，由组合根创建并注入到各组件。
type Registry struct {
	namespace string
	mu        sync.Mutex
	families  map[string]*family
	order     []string
}

// NewRegistry 创建一个以 namespace 为前缀的指标注册表。
func NewRegistry(namespace string) *Registry {
	if namespace == "" {
		namespace = "relay"
	}
	r := &Registry{namespace: namespace, families: make(map[string]*family)}
	r.counter("http_requests_total", "Total number of HTTP requests processed.", "handler", "method", "code")
	r.counter("http_request_errors_total", "Total number of HTTP requests that resulted in a server error.", "handler", "method")
	r.histogram("http_request_duration_seconds", "HTTP request duration in seconds.", "handler", "method")
	r.counter("cache_requests_total", "Resolution cache lookups by resource and result.", "resource", "result")
	r.histogram("cache_resolution_duration_seconds", "Source-of-truth fetch latency on cache misses.", "resource", "outcome")
	r.counter("dispatch_total", "Agent runtime dispatch outcomes.", "outcome")
	r.counter("tool_calls_total", "Tool invocations by kind and outcome.", "kind", "outcome")
	r.counter("tool_servers_skipped_total", "MCP servers skipped during tool resolution by reason.", "reason")
	r.counter("agent_runs_total", "Agent runs by outcome.", "outcome")
	r.histogram("agent_run_duration_seconds", "Agent run latency in seconds.", "outcome")
	r.counter("token_verifications_total", "Capability token verifications by type and outcome.", "type", "outcome")
	return r
}

func (r *Registry) counter(name, help string, labels ...string) {
	r.register(&family{name: name, help: help, labels: labels, kind: "counter", values: make(map[string]uint64)})
}

func (r *Registry) histogram(name, help string, labels ...string) {
	r.register(&family{name: name, help: help, labels: labels, kind: "histogram", hists: make(map[string]*histogram)})
}

func (r *Registry) register(f *family) {
	full := r.namespace + "_" + f.name
	f.name = full
	r.families[full] = f
	r.order = append(r.order, full)
}

func (r *Registry) add(name string, labels ...string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.families[r.namespace+"_"+name]
	if f == nil {
		return
	}
	f.values[labelKey(f.labels, labels)]++
}

func (r *Registry) observe(name string, value float64, labels ...string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.families[r.namespace+"_"+name]
	if f == nil {
		return
	}
	key := labelKey(f.labels, labels)
	h := f.hists[key]
	if h == nil {
		h = newHistogram(defaultBuckets)
		f.hists[key] = h
	}
	h.observe(value)
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	r.add("http_requests_total", handler, method, strconv.Itoa(status))
	if status >= 500 {
		r.add("http_request_errors_total", handler, method)
	}
	r.observe("http_request_duration_seconds", duration.Seconds(), handler, method)
}

// CacheHit 记录一次缓存命中。
func (r *Registry) CacheHit(resource string) {
	r.add("cache_requests_total", resource, ResultHit)
}

// CacheMiss 记录一次缓存未命中。
func (r *Registry) CacheMiss(resource string) {
	r.add("cache_requests_total", resource, ResultMiss)
}

// ObserveResolution 记录未命中时回源的耗时。
func (r *Registry) ObserveResolution(resource string, err error, duration time.Duration) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	r.observe("cache_resolution_duration_seconds", duration.Seconds(), resource, outcome)
}

// Dispatch 记录一次 agent runtime 调度结果。
func (r *Registry) Dispatch(outcome string) {
	r.add("dispatch_total", outcome)
}

// ToolCall 记录一次工具调用。
func (r *Registry) ToolCall(kind, outcome string) {
	r.add("tool_calls_total", kind, outcome)
}

// ToolServerSkipped 记录一次被跳过的 MCP 服务器。
func (r *Registry) ToolServerSkipped(reason string) {
	r.add("tool_servers_skipped_total", reason)
}

// AgentRun 记录一次 agent 执行。
func (r *Registry) AgentRun(err error, duration time.Duration) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	r.add("agent_runs_total", outcome)
	r.observe("agent_run_duration_seconds", duration.Seconds(), outcome)
}

// TokenVerification 记录一次令牌校验。
func (r *Registry) TokenVerification(tokenType string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	r.add("token_verifications_total", tokenType, outcome)
}

// Counter 返回计数器当前值，主要用于测试断言。
func (r *Registry) Counter(name string, labels ...string) uint64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.families[r.namespace+"_"+name]
	if f == nil || f.values == nil {
		return 0
	}
	return f.values[labelKey(f.labels, labels)]
}

// HistogramCount 返回直方图的样本数。
func (r *Registry) HistogramCount(name string, labels ...string) uint64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.families[r.namespace+"_"+name]
	if f == nil || f.hists == nil {
		return 0
	}
	if h := f.hists[labelKey(f.labels, labels)]; h != nil {
		return h.count
	}
	return 0
}

func labelKey(names, values []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		parts[i] = fmt.Sprintf("%s=\"%s\"", n, escape(v))
	}
	return strings.Join(parts, ",")
}

// Render 输出 Prometheus 文本格式。
func (r *Registry) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var builder strings.Builder
	builder.Grow(2048)
	for _, name := range r.order {
		f := r.families[name]
		builder.WriteString(fmt.Sprintf("# HELP %s %s\n", f.name, f.help))
		builder.WriteString(fmt.Sprintf("# TYPE %s %s\n", f.name, f.kind))
		if f.kind == "counter" {
			for _, key := range sortedKeys(f.values) {
				builder.WriteString(fmt.Sprintf("%s{%s} %d\n", f.name, key, f.values[key]))
			}
			continue
		}
		for _, key := range sortedKeys(f.hists) {
			h := f.hists[key]
			for idx, bound := range h.buckets {
				builder.WriteString(fmt.Sprintf("%s_bucket{%s,le=\"%s\"} %d\n", f.name, key, formatFloat(bound), h.counts[idx]))
			}
			builder.WriteString(fmt.Sprintf("%s_bucket{%s,le=\"+Inf\"} %d\n", f.name, key, h.count))
			builder.WriteString(fmt.Sprintf("%s_sum{%s} %s\n", f.name, key, formatFloat(h.sum)))
			builder.WriteString(fmt.Sprintf("%s_count{%s} %d\n", f.name, key, h.count))
		}
	}
	return builder.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
