// Package identity resuelve la identidad denormalizada de los trabajadores
// (nombre, contacto) aparte de sus posiciones.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"crewmap-svr/internal/observability"
	"crewmap-svr/internal/position"
)

var ErrNotFound = errors.New("worker not found")

type Resolver interface {
	LookupWorker(ctx context.Context, tenantID, workerID string) (position.Identity, error)
}

// ResolutionError: la posición se sigue mostrando con placeholder.
type ResolutionError struct {
	Tenant string
	Worker string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve identity %s/%s: %v", e.Tenant, e.Worker, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Chain prueba cada resolver en orden y se queda con el primero que responde.
type Chain []Resolver

func (c Chain) LookupWorker(ctx context.Context, tenantID, workerID string) (position.Identity, error) {
	var errs []error
	for _, r := range c {
		ident, err := r.LookupWorker(ctx, tenantID, workerID)
		if err == nil {
			return ident, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return position.Identity{}, ErrNotFound
	}
	return position.Identity{}, errors.Join(errs...)
}

// Cache guarda identidades resueltas por TTL y las fallas por RetryAfter,
// y junta pedidos concurrentes del mismo trabajador en una sola consulta.
type Cache struct {
	resolver Resolver
	timeout  time.Duration
	logger   *slog.Logger

	known  *cache.Cache
	failed *cache.Cache

	mu       sync.Mutex
	inflight map[string][]func(position.Identity)
	wg       sync.WaitGroup
}

func NewCache(r Resolver, ttl, retryAfter time.Duration, lg *slog.Logger) *Cache {
	return &Cache{
		resolver: r,
		timeout:  5 * time.Second,
		logger:   lg.With("component", "identity"),
		known:    cache.New(ttl, 2*ttl),
		failed:   cache.New(retryAfter, 2*retryAfter),
		inflight: make(map[string][]func(position.Identity)),
	}
}

func key(tenantID, workerID string) string { return tenantID + "/" + workerID }

func (c *Cache) Cached(tenantID, workerID string) (position.Identity, bool) {
	v, ok := c.known.Get(key(tenantID, workerID))
	if !ok {
		return position.Identity{}, false
	}
	return v.(position.Identity), true
}

// Request no bloquea. deliver se llama sólo si la resolución tiene éxito.
func (c *Cache) Request(tenantID, workerID string, deliver func(position.Identity)) {
	k := key(tenantID, workerID)
	if ident, ok := c.Cached(tenantID, workerID); ok {
		deliver(ident)
		return
	}
	if _, failed := c.failed.Get(k); failed {
		return
	}

	c.mu.Lock()
	waiters, running := c.inflight[k]
	c.inflight[k] = append(waiters, deliver)
	c.mu.Unlock()
	if running {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		ident, err := c.Lookup(ctx, tenantID, workerID)

		c.mu.Lock()
		waiters := c.inflight[k]
		delete(c.inflight, k)
		c.mu.Unlock()

		if err != nil {
			return
		}
		for _, fn := range waiters {
			fn(ident)
		}
	}()
}

// Lookup es la versión sincrónica; comparte el cache con Request.
func (c *Cache) Lookup(ctx context.Context, tenantID, workerID string) (position.Identity, error) {
	k := key(tenantID, workerID)
	if ident, ok := c.Cached(tenantID, workerID); ok {
		return ident, nil
	}
	if v, failed := c.failed.Get(k); failed {
		return position.Identity{}, v.(error)
	}

	ident, err := c.resolver.LookupWorker(ctx, tenantID, workerID)
	if err != nil {
		rerr := &ResolutionError{Tenant: tenantID, Worker: workerID, Err: err}
		observability.IdentityErrors.Inc()
		c.logger.Warn("identity: lookup failed", "tenant", tenantID, "worker", workerID, "err", err)
		c.failed.SetDefault(k, error(rerr))
		return position.Identity{}, rerr
	}
	c.known.SetDefault(k, ident)
	return ident, nil
}

// Wait espera a que terminen las consultas en curso.
func (c *Cache) Wait() { c.wg.Wait() }
