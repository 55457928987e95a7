// Package gateway provides the JSON-over-HTTP implementation of the remote
// gateway contract. The engine itself only ever sees the sync.Gateway
// interface and the typed error taxonomy.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/salbaldovinos/hoofdirect-sub000/internal/config"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/store"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/sync"
)

type HTTPGateway struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPGateway(cfg config.RemoteConfig) *HTTPGateway {
	return &HTTPGateway{
		baseURL: cfg.BaseURL,
		token:   cfg.AuthToken,
		// Per-call deadlines come from the orchestrator's contexts.
		client: &http.Client{},
	}
}

func (g *HTTPGateway) Push(ctx context.Context, req sync.PushRequest) (*sync.PushAck, error) {
	endpoint := fmt.Sprintf("%s/v1/%s/%s",
		g.baseURL, url.PathEscape(req.EntityType), url.PathEscape(req.EntityID))
	if req.Force {
		endpoint += "?force=1"
	}

	var method string
	var body io.Reader
	switch req.Operation {
	case store.OpDelete:
		method = http.MethodDelete
	case store.OpCreate, store.OpUpdate:
		method = http.MethodPut
		body = bytes.NewReader(req.Payload)
	default:
		return nil, &sync.GatewayError{Kind: sync.ErrKindRejected,
			Message: fmt.Sprintf("unknown operation %q", req.Operation)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, &sync.GatewayError{Kind: sync.ErrKindRejected, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &sync.GatewayError{Kind: sync.ErrKindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		ack := &sync.PushAck{}
		var remote sync.RemoteRecord
		if decodeErr := json.NewDecoder(resp.Body).Decode(&remote); decodeErr == nil && remote.EntityID != "" {
			ack.Record = &remote
		}
		return ack, nil
	}

	return nil, g.errorFromResponse(resp)
}

func (g *HTTPGateway) Pull(ctx context.Context, entityType string, since time.Time) ([]sync.RemoteRecord, error) {
	endpoint := fmt.Sprintf("%s/v1/%s?since=%s",
		g.baseURL, url.PathEscape(entityType), url.QueryEscape(since.UTC().Format(time.RFC3339Nano)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &sync.GatewayError{Kind: sync.ErrKindRejected, Message: err.Error()}
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &sync.GatewayError{Kind: sync.ErrKindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, g.errorFromResponse(resp)
	}

	var records []sync.RemoteRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, &sync.GatewayError{Kind: sync.ErrKindServer,
			Message: fmt.Sprintf("malformed pull response: %v", err)}
	}
	return records, nil
}

func (g *HTTPGateway) errorFromResponse(resp *http.Response) *sync.GatewayError {
	msg := fmt.Sprintf("remote returned %d", resp.StatusCode)
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusConflict:
		ge := &sync.GatewayError{Kind: sync.ErrKindConflict, Message: msg}
		var remote sync.RemoteRecord
		if err := json.Unmarshal(body, &remote); err == nil && remote.EntityID != "" {
			ge.Remote = &remote
		}
		return ge

	case resp.StatusCode == http.StatusUnauthorized:
		return &sync.GatewayError{Kind: sync.ErrKindAuthExpired, Message: msg}

	case resp.StatusCode == http.StatusNotFound:
		return &sync.GatewayError{Kind: sync.ErrKindNotFound, Message: msg}

	case resp.StatusCode == http.StatusTooManyRequests:
		ge := &sync.GatewayError{Kind: sync.ErrKindRateLimited, Message: msg}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			ge.RetryAfter = time.Duration(secs) * time.Second
		}
		return ge

	case resp.StatusCode >= 500:
		return &sync.GatewayError{Kind: sync.ErrKindServer, Message: msg}

	default:
		// 4xx: the request itself is bad and will never succeed.
		return &sync.GatewayError{Kind: sync.ErrKindRejected,
			Message: fmt.Sprintf("%s: %s", msg, string(body))}
	}
}
