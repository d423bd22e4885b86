package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// Lambda serves an API Gateway HTTP API (payload v2) event through the
// same routes as Handler. Route errors are reported in the response;
// the returned error is reserved for events that cannot be turned into a
// request.
func (s *Server) Lambda(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	hr, err := httpRequest(ctx, req)
	if err != nil {
		return events.APIGatewayV2HTTPResponse{}, err
	}

	w := &bufferWriter{header: make(http.Header), status: http.StatusOK}
	s.Handler().ServeHTTP(w, hr)

	headers := make(map[string]string, len(w.header))
	for k, v := range w.header {
		headers[strings.ToLower(k)] = strings.Join(v, ",")
	}
	return events.APIGatewayV2HTTPResponse{
		StatusCode: w.status,
		Headers:    headers,
		Body:       w.body.String(),
	}, nil
}

func httpRequest(ctx context.Context, req events.APIGatewayV2HTTPRequest) (*http.Request, error) {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		b, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		body = b
	}

	path := req.RawPath
	if path == "" {
		path = "/"
	}
	u, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse path %q: %w", req.RawPath, err)
	}
	u.RawQuery = req.RawQueryString

	method := req.RequestContext.HTTP.Method
	if method == "" {
		method = http.MethodGet
	}
	hr, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}
	if len(req.Cookies) > 0 {
		hr.Header.Set("Cookie", strings.Join(req.Cookies, "; "))
	}
	hr.RemoteAddr = req.RequestContext.HTTP.SourceIP
	return hr, nil
}

// bufferWriter collects a response in memory.
type bufferWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
	wrote  bool
}

func (w *bufferWriter) Header() http.Header { return w.header }

func (w *bufferWriter) WriteHeader(code int) {
	if w.wrote {
		return
	}
	w.status, w.wrote = code, true
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	w.wrote = true
	return w.body.Write(p)
}
