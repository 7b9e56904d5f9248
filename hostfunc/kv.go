package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const (
	DefaultKVMaxKeySize   = 256
	DefaultKVMaxValueSize = 64 * 1024
	DefaultKVMaxEntries   = 10000
)

var (
	ErrKVKeyRequired = errors.New("key required")
	ErrKVFull        = errors.New("kv store full")
)

type KVConfig struct {
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

func DefaultKVConfig() KVConfig {
	return KVConfig{
		MaxKeySize:   DefaultKVMaxKeySize,
		MaxValueSize: DefaultKVMaxValueSize,
		MaxEntries:   DefaultKVMaxEntries,
	}
}

// KVStore is a scratch store that outlives individual guest calls. It is
// shared by every sandbox built with a registry it was registered on, so a
// pipeline given one registry shares one store across all its plugins. Values are stored as detached copies so borrowed host memory never leaks
// into it.
type KVStore struct {
	cfg  KVConfig
	data map[string]Value
	mu   sync.RWMutex
}

func NewKV(cfg KVConfig) *KVStore {
	return &KVStore{cfg: cfg, data: make(map[string]Value)}
}

// Register exposes kv_get, kv_set and kv_delete on the registry.
func (s *KVStore) Register(r *Registry) error {
	for name, fn := range map[string]Func{"kv_get": s.Get, "kv_set": s.Set, "kv_delete": s.Delete} {
		if err := r.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *KVStore) key(args []Value) (string, error) {
	if len(args) == 0 {
		return "", ErrKVKeyRequired
	}
	k := args[0]
	if k.Kind() != KindBytes && k.Kind() != KindBytesRef {
		return "", ErrKVKeyRequired
	}
	if s.cfg.MaxKeySize > 0 && len(k.Bytes()) > s.cfg.MaxKeySize {
		return "", fmt.Errorf("key exceeds %d bytes", s.cfg.MaxKeySize)
	}
	return string(k.Bytes()), nil
}

// Get returns the stored value or Absent.
func (s *KVStore) Get(ctx context.Context, args []Value) (Value, error) {
	key, err := s.key(args)
	if err != nil {
		return Absent(), err
	}

	s.mu.RLock()
	val, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		return Absent(), nil
	}
	if val.Kind() == KindBytes {
		return String(string(val.Bytes())), nil
	}
	return val, nil
}

// Set stores args[1] under args[0]. Setting Absent deletes the key.
func (s *KVStore) Set(ctx context.Context, args []Value) (Value, error) {
	key, err := s.key(args)
	if err != nil {
		return Absent(), err
	}
	if len(args) < 2 || args[1].IsAbsent() {
		return s.Delete(ctx, args[:1])
	}

	val := args[1]
	switch val.Kind() {
	case KindBytes, KindBytesRef:
		if s.cfg.MaxValueSize > 0 && len(val.Bytes()) > s.cfg.MaxValueSize {
			return Absent(), fmt.Errorf("value exceeds %d bytes", s.cfg.MaxValueSize)
		}
		val = String(string(val.Bytes()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; !exists && s.cfg.MaxEntries > 0 && len(s.data) >= s.cfg.MaxEntries {
		return Absent(), ErrKVFull
	}
	s.data[key] = val
	return Bool(true), nil
}

func (s *KVStore) Delete(ctx context.Context, args []Value) (Value, error) {
	key, err := s.key(args)
	if err != nil {
		return Absent(), err
	}

	s.mu.Lock()
	_, existed := s.data[key]
	delete(s.data, key)
	s.mu.Unlock()

	return Bool(existed), nil
}

func (s *KVStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
