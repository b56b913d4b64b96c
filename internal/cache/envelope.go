package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/hash/sha256"
)

type envelope struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Encode serializes an entry with a checksum of its value.
func Encode(e Entry) ([]byte, error) {
	data, err := json.Marshal(envelope{
		Key:       e.Key,
		Value:     e.Value,
		Checksum:  sha256.Sum(e.Value),
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return data, nil
}

// Decode parses data written by Encode for key. Any structural problem is a
// cache_corruption error.
func Decode(key string, data []byte) (Entry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Entry{}, corruption(key, err)
	}
	if env.Key != key {
		return Entry{}, corruption(key, fmt.Errorf("entry belongs to key %q", env.Key))
	}
	if env.ExpiresAt.IsZero() {
		return Entry{}, corruption(key, errors.New("missing expiry"))
	}
	if sha256.Sum(env.Value) != env.Checksum {
		return Entry{}, corruption(key, errors.New("checksum mismatch"))
	}
	return Entry{
		Key:       env.Key,
		Value:     env.Value,
		CreatedAt: env.CreatedAt,
		ExpiresAt: env.ExpiresAt,
	}, nil
}

func corruption(key string, err error) error {
	return collector.NewError(collector.KindCacheCorruption, "", 0, fmt.Errorf("cache entry %q: %w", key, err))
}
