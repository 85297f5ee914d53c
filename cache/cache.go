package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	KeyUser         = "user"
	KeyOfflineQueue = "offline_queue"
)

var (
	ErrQuotaExceeded      = errors.New("cache quota exceeded")
	ErrStorageUnavailable = errors.New("cache storage unavailable")
)

// Storage is the durable key/value device behind a Cache. Keys passed in are
// already namespaced.
type Storage interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

// Cache namespaces every key under a fixed prefix and serializes values as
// JSON. Reads fall back instead of failing; writes report errors but callers
// are free to ignore them.
type Cache struct {
	storage Storage
	prefix  string
	logger  *logrus.Logger
}

func New(storage Storage, prefix string, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cache{storage: storage, prefix: prefix, logger: logger}
}

func (c *Cache) Prefix() string { return c.prefix }

func (c *Cache) key(name string) string { return c.prefix + name }

// Get returns the value stored under name, or fallback when it is absent,
// corrupt or the storage cannot be read.
func Get[T any](c *Cache, name string, fallback T) (out T) {
	out = fallback
	if c == nil || c.storage == nil {
		return fallback
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{"module": "cache", "key": name}).Warnf("cache read panicked: %v", r)
			out = fallback
		}
	}()

	raw, ok, err := c.storage.Get(c.key(name))
	if err != nil {
		c.logger.WithFields(logrus.Fields{"module": "cache", "key": name}).Warn(err.Error())
		return fallback
	}
	if !ok || len(raw) == 0 {
		return fallback
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		c.logger.WithFields(logrus.Fields{"module": "cache", "key": name}).Warnf("discarding corrupt cache entry: %v", err)
		return fallback
	}
	return value
}

// Has reports whether name holds a readable entry.
func (c *Cache) Has(name string) bool {
	if c == nil || c.storage == nil {
		return false
	}
	raw, ok, err := c.storage.Get(c.key(name))
	return err == nil && ok && len(raw) > 0
}

// Set stores value under name. Failures are logged at warn level and
// returned; memory state must never depend on them.
func (c *Cache) Set(name string, value any) error {
	if c == nil || c.storage == nil {
		return ErrStorageUnavailable
	}
	raw, err := json.Marshal(value)
	if err != nil {
		err = fmt.Errorf("encode %s: %w", name, err)
		c.warn("Set", name, err)
		return err
	}
	if err := c.storage.Set(c.key(name), raw); err != nil {
		err = fmt.Errorf("store %s: %w", name, err)
		c.warn("Set", name, err)
		return err
	}
	return nil
}

func (c *Cache) Delete(name string) error {
	if c == nil || c.storage == nil {
		return ErrStorageUnavailable
	}
	if err := c.storage.Delete(c.key(name)); err != nil {
		c.warn("Delete", name, err)
		return err
	}
	return nil
}

// Keys lists the names stored under the namespace, without the prefix.
func (c *Cache) Keys() []string {
	if c == nil || c.storage == nil {
		return nil
	}
	keys, err := c.storage.Keys(c.prefix)
	if err != nil {
		c.warn("Keys", "", err)
		return nil
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, c.prefix) {
			names = append(names, strings.TrimPrefix(k, c.prefix))
		}
	}
	sort.Strings(names)
	return names
}

// ClearNamespace removes every key under the prefix. Keys outside the
// namespace are left alone.
func (c *Cache) ClearNamespace() error {
	if c == nil || c.storage == nil {
		return ErrStorageUnavailable
	}
	keys, err := c.storage.Keys(c.prefix)
	if err != nil {
		c.warn("ClearNamespace", "", err)
		return err
	}
	var errs []error
	for _, k := range keys {
		if !strings.HasPrefix(k, c.prefix) {
			continue
		}
		if err := c.storage.Delete(k); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.warn("ClearNamespace", "", err)
		return err
	}
	return nil
}

func (c *Cache) warn(funcName, key string, err error) {
	c.logger.WithFields(logrus.Fields{
		"module":   "cache",
		"funcName": funcName,
		"key":      key,
	}).Warn(err.Error())
}
