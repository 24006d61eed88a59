package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chanbridge/chanbridge-server/internal/route"
)

// Cache routes are system-scoped: only in-process callers such as task
// handlers may reach them, never a connection directly.

type keyRequest struct {
	EntityID  int64           `json:"entity_id"`
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
}

type getResponse struct {
	Found bool            `json:"found"`
	Value json.RawMessage `json:"value,omitempty"`
}

type flushRequest struct {
	EntityID  int64  `json:"entity_id"`
	Namespace string `json:"namespace"`
}

// RegisterEndpoints wires the cache plane into the virtual route table.
func (p *Plane) RegisterEndpoints(r *route.Registry) {
	r.Register([]string{"POST"}, "/_internal/cache/get", p.handleGet, route.ScopeSystem)
	r.Register([]string{"POST"}, "/_internal/cache/set", p.handleSet, route.ScopeSystem)
	r.Register([]string{"POST"}, "/_internal/cache/delete", p.handleDelete, route.ScopeSystem)
	r.Register([]string{"POST"}, "/_internal/flush", p.handleFlush, route.ScopeSystem)
}

func (p *Plane) handleGet(ctx context.Context, req *route.Request) (*route.Response, error) {
	kr, err := decodeKeyRequest(req.Body)
	if err != nil {
		return nil, err
	}

	value, found, err := p.Get(ctx, QualifyKey(kr.EntityID, kr.Namespace, kr.Key))
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(getResponse{Found: found, Value: value})
	if err != nil {
		return nil, fmt.Errorf("marshal cache response: %w", err)
	}
	return &route.Response{Status: 200, Data: data}, nil
}

func (p *Plane) handleSet(ctx context.Context, req *route.Request) (*route.Response, error) {
	kr, err := decodeKeyRequest(req.Body)
	if err != nil {
		return nil, err
	}
	if len(kr.Value) == 0 {
		return nil, fmt.Errorf("cache set requires a value")
	}

	if err := p.Set(ctx, QualifyKey(kr.EntityID, kr.Namespace, kr.Key), kr.Value); err != nil {
		return nil, err
	}
	return &route.Response{Status: 204}, nil
}

func (p *Plane) handleDelete(ctx context.Context, req *route.Request) (*route.Response, error) {
	kr, err := decodeKeyRequest(req.Body)
	if err != nil {
		return nil, err
	}

	if err := p.Delete(ctx, QualifyKey(kr.EntityID, kr.Namespace, kr.Key)); err != nil {
		return nil, err
	}
	return &route.Response{Status: 204}, nil
}

// handleFlush drops one namespace, or everything when the body names none.
func (p *Plane) handleFlush(ctx context.Context, req *route.Request) (*route.Response, error) {
	var fr flushRequest
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &fr); err != nil {
			return nil, fmt.Errorf("decode flush request: %w", err)
		}
	}

	var err error
	if fr.Namespace == "" {
		err = p.FlushAll(ctx)
	} else {
		err = p.FlushNamespace(ctx, fr.EntityID, fr.Namespace)
	}
	if err != nil {
		return nil, err
	}
	return &route.Response{Status: 204}, nil
}

func decodeKeyRequest(body json.RawMessage) (keyRequest, error) {
	var kr keyRequest
	if err := json.Unmarshal(body, &kr); err != nil {
		return kr, fmt.Errorf("decode cache request: %w", err)
	}
	if kr.Namespace == "" || kr.Key == "" {
		return kr, fmt.Errorf("cache request requires namespace and key")
	}
	return kr, nil
}
