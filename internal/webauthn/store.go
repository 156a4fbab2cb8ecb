package webauthn

import (
	"context"
	"time"

	"github.com/gepbird/rauthy/internal/cache"
)

const cacheName = "webauthn_login_req"

// CacheStore persists LoginReqs in the shared TTL cache, consistent with
// spec §5 treating login-flow-scoped state as cache-resident.
type CacheStore struct {
	cache cache.Cache
}

func NewCacheStore(c cache.Cache) *CacheStore {
	return &CacheStore{cache: c}
}

func (s *CacheStore) Create(ctx context.Context, r LoginReq) error {
	return s.cache.Set(ctx, cacheName, r.Code, r, time.Until(r.Expiry))
}

func (s *CacheStore) Find(ctx context.Context, code string) (LoginReq, error) {
	var r LoginReq
	hit, err := s.cache.Get(ctx, cacheName, code, &r)
	if err != nil {
		return LoginReq{}, err
	}
	if !hit {
		return LoginReq{}, errNotFound
	}
	return r, nil
}

func (s *CacheStore) Delete(ctx context.Context, code string) error {
	return s.cache.Delete(ctx, cacheName, code)
}

var errNotFound = errNotFoundErr("webauthn login request not found")

type errNotFoundErr string

func (e errNotFoundErr) Error() string { return string(e) }
