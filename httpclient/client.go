package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Resolver 把服务名解析为 base URL，例如 "http://10.0.0.3:8081"
type Resolver interface {
	Resolve(ctx context.Context, serviceName string) (string, error)
}

// StaticResolver 使用固定的服务地址表，用于本地运行或未接入 Nacos 的环境
type StaticResolver map[string]string

func (r StaticResolver) Resolve(_ context.Context, serviceName string) (string, error) {
	base, ok := r[serviceName]
	if !ok || base == "" {
		return "", fmt.Errorf("no static address configured for service '%s'", serviceName)
	}
	return strings.TrimRight(base, "/"), nil
}

// StatusError 表示下游返回了非 2xx 状态码
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Request 描述一次 JSON 调用
type Request struct {
	Method string
	Path   string
	Header http.Header
	// Body 非 nil 时编码为 JSON 请求体
	Body any
}

// Client 是一个可追踪的、可注入的 HTTP 客户端
type Client struct {
	Tracer     trace.Tracer
	HTTPClient *http.Client
	Resolver   Resolver
}

// NewClient 创建客户端。http.Client 不设置 Timeout，超时完全由调用方的 context 控制。
func NewClient(tracer trace.Tracer, resolver Resolver) *Client {
	if tracer == nil {
		tracer = otel.Tracer("github.com/wangyingjie930/nexus-enrich/httpclient")
	}
	return &Client{
		Tracer: tracer,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
		Resolver: resolver,
	}
}

// CallService 通过服务发现定位下游实例后发起调用，out 非 nil 时解码响应体
func (c *Client) CallService(ctx context.Context, serviceName string, req Request, out any) (int, error) {
	if c.Resolver == nil {
		return 0, fmt.Errorf("no resolver configured for service '%s'", serviceName)
	}
	base, err := c.Resolver.Resolve(ctx, serviceName)
	if err != nil {
		return 0, fmt.Errorf("failed to discover service '%s': %w", serviceName, err)
	}
	return c.Do(ctx, "call-"+serviceName, base+req.Path, req, out)
}

// Do 发起一次 JSON 请求，并把追踪上下文注入请求头
func (c *Client) Do(ctx context.Context, spanName, url string, req Request, out any) (int, error) {
	ctx, span := c.Tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	span.SetAttributes(
		attribute.String("http.url", url),
		attribute.String("http.method", method),
	)

	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return 0, fail(span, fmt.Errorf("encode request body: %w", err))
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, fail(span, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return 0, fail(span, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return resp.StatusCode, fail(span, &StatusError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		})
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fail(span, fmt.Errorf("decode response from %s: %w", url, err))
		}
	}
	return resp.StatusCode, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
