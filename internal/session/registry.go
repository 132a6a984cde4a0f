package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "medlink:sess:"
	shadowKeyPrefix  = "medlink:shadow:"
	shadowTTL        = 24 * time.Hour
)

// ErrNotRegistered is returned by Lookup for a device without a live session.
var ErrNotRegistered = errors.New("device not registered")

// SessionKey is the Redis hash of a device's live session.
func SessionKey(device string) string { return sessionKeyPrefix + device }

// ShadowKey is the Redis hash of a device's last known state.
func ShadowKey(device string) string { return shadowKeyPrefix + device }

// Entry is the registry record of one live session.
type Entry struct {
	Device      string
	GatewayID   string
	ConnID      string
	Protocol    string
	Remote      string
	ConnectedAt time.Time
}

// Registry records which gateway holds each device, so the API side can
// route downlink commands.
type Registry struct {
	rdb       *redis.Client
	gatewayID string
	ttl       time.Duration
}

// NewRegistry creates a registry whose session keys expire after ttl
// without traffic.
func NewRegistry(rdb *redis.Client, gatewayID string, ttl time.Duration) *Registry {
	return &Registry{rdb: rdb, gatewayID: gatewayID, ttl: ttl}
}

// TTL returns the session key lifetime.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Register writes the session record, replacing any previous one.
func (r *Registry) Register(ctx context.Context, e Entry) error {
	key := SessionKey(e.Device)
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"gateway_id", r.gatewayID,
		"conn_id", e.ConnID,
		"protocol", e.Protocol,
		"remote", e.Remote,
		"connected_at", e.ConnectedAt.Unix(),
	)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register session %s: %w", e.Device, err)
	}
	return nil
}

// Touch extends the session record.
func (r *Registry) Touch(ctx context.Context, device string) error {
	return r.rdb.Expire(ctx, SessionKey(device), r.ttl).Err()
}

// UpdateShadow sets fields on the device shadow.
func (r *Registry) UpdateShadow(ctx context.Context, device string, fields map[string]any) error {
	key := ShadowKey(device)
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, shadowTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// IncrShadow adds n to a counter on the device shadow.
func (r *Registry) IncrShadow(ctx context.Context, device, field string, n int64) error {
	key := ShadowKey(device)
	pipe := r.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, field, n)
	pipe.Expire(ctx, key, shadowTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Unregister removes the session record if it still belongs to connID. A
// record written by a newer connection is left alone.
func (r *Registry) Unregister(ctx context.Context, device, connID string) error {
	key := SessionKey(device)
	cur, err := r.rdb.HGet(ctx, key, "conn_id").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur != connID {
		return nil
	}
	return r.rdb.Del(ctx, key).Err()
}

// Lookup reads the live session record of device.
func (r *Registry) Lookup(ctx context.Context, device string) (Entry, error) {
	m, err := r.rdb.HGetAll(ctx, SessionKey(device)).Result()
	if err != nil {
		return Entry{}, err
	}
	if len(m) == 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotRegistered, device)
	}
	ts, err := strconv.ParseInt(m["connected_at"], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("session %s: connected_at %q: %w", device, m["connected_at"], err)
	}
	return Entry{
		Device:      device,
		GatewayID:   m["gateway_id"],
		ConnID:      m["conn_id"],
		Protocol:    m["protocol"],
		Remote:      m["remote"],
		ConnectedAt: time.Unix(ts, 0),
	}, nil
}

// Shadow reads the device shadow.
func (r *Registry) Shadow(ctx context.Context, device string) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, ShadowKey(device)).Result()
}
