package objstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type memoryObject struct {
	data     []byte
	entry    FileEntry
	metadata map[string]string
}

// MemoryStore is an in-process ObjectStore. It backs the "memory" store driver
// for dry runs and is the fake used throughout the test suites.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*memoryObject

	// PutHook, when set, runs before every put; a non-nil error fails the put.
	PutHook func(ctx context.Context, key string) error
	// ListHook, when set, runs before every listing page; a non-nil error fails the page.
	ListHook func(ctx context.Context, params *ListObjectsParams) error

	putCalls    atomic.Int64
	listCalls   atomic.Int64
	deleteCalls atomic.Int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]*memoryObject),
	}
}

func (m *MemoryStore) PutObject(ctx context.Context, params *PutObjectParams) (*PutObjectResponse, error) {
	m.putCalls.Add(1)
	if !ValidateKey(params.Key) {
		return nil, ErrInvalidKey
	}
	if m.PutHook != nil {
		if err := m.PutHook(ctx, params.Key); err != nil {
			return nil, err
		}
	}

	var data []byte
	if params.Body != nil {
		var err error
		if data, err = io.ReadAll(params.Body); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
	}

	sum := md5.Sum(data)
	entry := FileEntry{
		Key:          params.Key,
		Size:         int64(len(data)),
		LastModified: time.Now().UTC(),
		ETag:         hex.EncodeToString(sum[:]),
	}

	m.mu.Lock()
	m.objects[params.Key] = &memoryObject{
		data:     data,
		entry:    entry,
		metadata: maps.Clone(params.Metadata),
	}
	m.mu.Unlock()

	return &PutObjectResponse{
		Key:          entry.Key,
		ETag:         entry.ETag,
		Size:         entry.Size,
		LastModified: entry.LastModified,
	}, nil
}

func (m *MemoryStore) GetObject(_ context.Context, key string) (*GetObjectResponse, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return &GetObjectResponse{
		Body:         io.NopCloser(bytes.NewReader(obj.data)),
		ETag:         obj.entry.ETag,
		Size:         obj.entry.Size,
		LastModified: obj.entry.LastModified,
		Metadata:     maps.Clone(obj.metadata),
	}, nil
}

func (m *MemoryStore) DeleteObject(ctx context.Context, key string) error {
	m.deleteCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteObjects(ctx context.Context, keys []string) error {
	if len(keys) > MaxDeleteBatch {
		return fmt.Errorf("%w: %d keys", ErrBatchTooLarge, len(keys))
	}
	m.deleteCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.objects, key)
	}
	return nil
}

// ListObjects follows ListObjectsV2 semantics: keys are returned in lexical
// order, MaxKeys bounds entries plus common prefixes, and the continuation
// token is the last key or prefix of the previous page.
func (m *MemoryStore) ListObjects(ctx context.Context, params *ListObjectsParams) (*ListObjectsPage, error) {
	m.listCalls.Add(1)
	if m.ListHook != nil {
		if err := m.ListHook(ctx, params); err != nil {
			return nil, err
		}
	}

	maxKeys := int(params.MaxKeys)
	if maxKeys <= 0 {
		maxKeys = DefaultPageSize
	}

	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		if strings.HasPrefix(key, params.Prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	page := &ListObjectsPage{}
	var last string
	seenPrefixes := make(map[string]struct{})
	for _, key := range keys {
		if params.ContinuationToken != "" && key <= params.ContinuationToken {
			continue
		}

		if params.Delimiter != "" {
			rest := key[len(params.Prefix):]
			if idx := strings.Index(rest, params.Delimiter); idx >= 0 {
				cp := params.Prefix + rest[:idx+len(params.Delimiter)]
				if _, seen := seenPrefixes[cp]; seen {
					continue
				}
				// a prefix already handed out on an earlier page
				if params.ContinuationToken != "" && strings.HasPrefix(params.ContinuationToken, cp) {
					continue
				}
				if len(page.Entries)+len(page.CommonPrefixes) == maxKeys {
					page.IsTruncated = true
					break
				}
				seenPrefixes[cp] = struct{}{}
				page.CommonPrefixes = append(page.CommonPrefixes, cp)
				last = cp + "\xff"
				continue
			}
		}

		if len(page.Entries)+len(page.CommonPrefixes) == maxKeys {
			page.IsTruncated = true
			break
		}
		page.Entries = append(page.Entries, m.objects[key].entry)
		last = key
	}
	m.mu.RUnlock()

	if page.IsTruncated {
		page.NextContinuationToken = last
	}
	return page, nil
}

// Keys returns every stored key in lexical order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.objects))
}

// KeysWithPrefix returns the stored keys that start with prefix.
func (m *MemoryStore) KeysWithPrefix(prefix string) []string {
	var out []string
	for _, key := range m.Keys() {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *MemoryStore) PutCalls() int64    { return m.putCalls.Load() }
func (m *MemoryStore) ListCalls() int64   { return m.listCalls.Load() }
func (m *MemoryStore) DeleteCalls() int64 { return m.deleteCalls.Load() }

var _ ObjectStore = (*MemoryStore)(nil)
