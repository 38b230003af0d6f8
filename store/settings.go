package store

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/forumfed/forum-ap-bridge/types"
)

// Runtime-tunable federation settings, stored as key-value rows so they can
// change without a restart.
const (
	SettingEnabled               = "federation_enabled"
	SettingRequireSignedRequests = "require_signed_requests"
	SettingMaxRetries            = "delivery_max_retries"
	SettingBackoffBase           = "delivery_backoff_base"
	SettingAllowedOrigins        = "allowed_origins"
	SettingBlockedOrigins        = "blocked_origins"
)

const (
	defaultMaxRetries  = 8
	defaultBackoffBase = 30 * time.Second
)

// GetSetting returns a raw setting value, empty string when unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	ctx, span := tracer.Start(ctx, "StoreGetSetting")
	defer span.End()

	var setting types.ApSetting
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return setting.Value, err
}

// PutSetting writes a setting value.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	ctx, span := tracer.Start(ctx, "StorePutSetting")
	defer span.End()

	return s.db.WithContext(ctx).Save(&types.ApSetting{Key: key, Value: value}).Error
}

// FederationEnabled reports whether federation is switched on. Defaults to
// true when the setting is absent.
func (s *Store) FederationEnabled(ctx context.Context) bool {
	v, err := s.GetSetting(ctx, SettingEnabled)
	if err != nil || v == "" {
		return true
	}
	return v != "false"
}

// RequireSignedRequests reports whether unsigned inbox posts are rejected.
// Defaults to true.
func (s *Store) RequireSignedRequests(ctx context.Context) bool {
	v, err := s.GetSetting(ctx, SettingRequireSignedRequests)
	if err != nil || v == "" {
		return true
	}
	return v != "false"
}

// MaxRetries returns the delivery retry bound.
func (s *Store) MaxRetries(ctx context.Context) int {
	v, err := s.GetSetting(ctx, SettingMaxRetries)
	if err != nil || v == "" {
		return defaultMaxRetries
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultMaxRetries
	}
	return n
}

// BackoffBase returns the base delay multiplied by the retry count to score
// redelivery times.
func (s *Store) BackoffBase(ctx context.Context) time.Duration {
	v, err := s.GetSetting(ctx, SettingBackoffBase)
	if err != nil || v == "" {
		return defaultBackoffBase
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultBackoffBase
	}
	return d
}

// AllowedOrigins returns the origin allow-list. Empty means all origins.
func (s *Store) AllowedOrigins(ctx context.Context) []string {
	return s.originList(ctx, SettingAllowedOrigins)
}

// BlockedOrigins returns the origin deny-list.
func (s *Store) BlockedOrigins(ctx context.Context) []string {
	return s.originList(ctx, SettingBlockedOrigins)
}

func (s *Store) originList(ctx context.Context, key string) []string {
	v, err := s.GetSetting(ctx, key)
	if err != nil || v == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(v, ",") {
		o = strings.TrimSpace(strings.ToLower(o))
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
