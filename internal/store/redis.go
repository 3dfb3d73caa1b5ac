package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"crewmap-svr/internal/channel"
)

// tiempo máximo para que Redis confirme una suscripción
const subscribeTimeout = 10 * time.Second

func NewRedisClient(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// ChannelName es el canal pub/sub de una tabla dentro de un tenant.
func ChannelName(tenantID, table string) string {
	return "crewmap:" + tenantID + ":" + table
}

// ----- publicación -----

// RedisPublisher emite una notificación por cada fila escrita.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, tenantID, table string, ev channel.EventType, record map[string]any) error {
	rec := maps.Clone(record)
	if rec == nil {
		rec = map[string]any{}
	}
	rec[channel.TenantColumn] = tenantID
	payload, err := json.Marshal(channel.Change{Event: ev, Table: table, Record: rec})
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := p.rdb.Publish(ctx, ChannelName(tenantID, table), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", table, err)
	}
	return nil
}

// ----- transporte -----

// RedisTransport implementa channel.Transport sobre pub/sub de Redis. Los
// canales Redis se derivan de los filtros registrados en el handle.
type RedisTransport struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewRedisTransport(rdb *redis.Client, lg *slog.Logger) *RedisTransport {
	return &RedisTransport{rdb: rdb, logger: lg.With("component", "redis")}
}

type redisBinding struct {
	filter  channel.Filter
	handler channel.Handler
}

type redisHandle struct {
	t    *RedisTransport
	name string

	mu       sync.Mutex
	bindings []redisBinding
	ps       *redis.PubSub
	closed   bool
}

func (t *RedisTransport) OpenChannel(name string) channel.Handle {
	return &redisHandle{t: t, name: name}
}

func (t *RedisTransport) CloseChannel(h channel.Handle) error {
	rh, ok := h.(*redisHandle)
	if !ok {
		return nil
	}
	rh.mu.Lock()
	rh.closed = true
	ps := rh.ps
	rh.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Close()
}

func (h *redisHandle) Name() string { return h.name }

func (h *redisHandle) OnChange(f channel.Filter, fn channel.Handler) {
	h.mu.Lock()
	h.bindings = append(h.bindings, redisBinding{filter: f, handler: fn})
	h.mu.Unlock()
}

func (h *redisHandle) channels() []string {
	set := map[string]struct{}{}
	for _, b := range h.bindings {
		set[ChannelName(b.filter.TenantID, b.filter.Table)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Subscribe no bloquea: la confirmación y la lectura corren en una goroutine.
func (h *redisHandle) Subscribe(onStatus channel.StatusFunc) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	chans := h.channels()
	ps := h.t.rdb.Subscribe(context.Background(), chans...)
	h.ps = ps
	h.mu.Unlock()

	go h.run(ps, chans, onStatus)
}

func (h *redisHandle) run(ps *redis.PubSub, chans []string, onStatus channel.StatusFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	_, err := ps.Receive(ctx)
	cancel()
	if err != nil {
		if h.isClosed() {
			return
		}
		st := channel.StatusChannelError
		if errors.Is(err, context.DeadlineExceeded) {
			st = channel.StatusTimedOut
		}
		onStatus(st, err)
		return
	}
	h.t.logger.Debug("redis: subscribed", "channel", h.name, "redis_channels", chans)
	onStatus(channel.StatusSubscribed, nil)

	for msg := range ps.Channel() {
		h.deliver(msg.Payload)
	}
	if !h.isClosed() {
		onStatus(channel.StatusClosed, errors.New("redis pubsub closed"))
	}
}

func (h *redisHandle) deliver(payload string) {
	var c channel.Change
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()
	if err := dec.Decode(&c); err != nil {
		h.t.logger.Warn("redis: undecodable message dropped", "channel", h.name, "err", err)
		return
	}

	var targets []channel.Handler
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	for _, b := range h.bindings {
		if b.filter.Matches(c) {
			targets = append(targets, b.handler)
		}
	}
	h.mu.Unlock()
	for _, fn := range targets {
		fn(c)
	}
}

func (h *redisHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
