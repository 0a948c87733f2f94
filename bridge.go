package mergeparty

import (
	"bytes"
	"context"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/mergeparty/kv"
	"github.com/outofforest/mergeparty/wire"
)

const (
	adapterIDKey   = "storage-adapter-id"
	selfTestKey    = "test-manual-storage"
	selfTestValue  = "test-value"
	knownDocsLimit = 1024
)

var _ StorageAdapter = (*Bridge)(nil)

// SelfTestReport is the result of the storage self test.
type SelfTestReport struct {
	Success      bool         `json:"success"`
	Message      string       `json:"message"`
	RepoHandles  []HandleInfo `json:"repoHandles"`
	ReadyHandles int          `json:"readyHandles"`
	TotalHandles int          `json:"totalHandles"`
	StorageKeys  []string     `json:"storageKeys"`
}

// Bridge attaches the storage and the synchronization engine to the router of the room.
type Bridge struct {
	router    *Router
	store     kv.Store
	repo      Repo
	metrics   *Metrics
	knownDocs *lru.Cache[wire.DocumentID, struct{}]
}

// NewBridge creates bridge.
func NewBridge(router *Router, store kv.Store, metrics *Metrics) *Bridge {
	knownDocs, err := lru.New[wire.DocumentID, struct{}](knownDocsLimit)
	if err != nil {
		// Only possible for non-positive size.
		panic(err)
	}
	return &Bridge{
		router:    router,
		store:     store,
		metrics:   metrics,
		knownDocs: knownDocs,
	}
}

// AttachRepo sets the synchronization engine fed by the bridge.
func (b *Bridge) AttachRepo(repo Repo) {
	b.repo = repo
}

// Start persists the identity of the storage adapter.
func (b *Bridge) Start(ctx context.Context) error {
	return b.Save(ctx, StorageKey{adapterIDKey}, []byte(b.router.PeerID()))
}

// OnConnect registers connection and gives the repo a chance to persist pending changes.
func (b *Bridge) OnConnect(ctx context.Context, conn Conn) error {
	if err := b.router.OnConnect(ctx, conn); err != nil {
		return err
	}
	if b.repo == nil {
		return nil
	}
	if err := b.repo.Flush(ctx); err != nil {
		logger.Get(ctx).Debug("Flush on connect failed", zap.Error(err))
	}
	return nil
}

// OnClose unregisters connection.
func (b *Bridge) OnClose(ctx context.Context, conn Conn) error {
	return b.router.OnClose(ctx, conn)
}

// OnMessage routes the frame and triggers storage side effects for joined connections.
func (b *Bridge) OnMessage(ctx context.Context, frame Frame, conn Conn) error {
	joined := b.router.Joined(conn)

	if err := b.router.OnMessage(ctx, frame, conn); err != nil {
		return err
	}

	if !joined || frame.Text || b.repo == nil {
		return nil
	}

	msg, err := wire.Decode(frame.Data)
	if err != nil {
		return nil //nolint:nilerr // router already handled the undecodable frame
	}

	if msg.DocumentID != "" {
		if contains, _ := b.knownDocs.ContainsOrAdd(msg.DocumentID, struct{}{}); !contains {
			if err := b.repo.Find(ctx, msg.DocumentID); err != nil {
				// Next frame of the document retries.
				b.knownDocs.Remove(msg.DocumentID)
				logger.Get(ctx).Debug("Registering document failed",
					zap.String("documentID", string(msg.DocumentID)), zap.Error(err))
			}
		}
	}

	if msg.Type != wire.TypeSync {
		return nil
	}

	err = b.repo.Flush(ctx)
	switch {
	case err == nil:
		b.metrics.flush("ok")
		return nil
	case errors.Is(err, ErrHandleNotReady), errors.Is(err, ErrDocumentUnavailable):
		b.metrics.flush("transient")
		logger.Get(ctx).Debug("Flush postponed", zap.Error(err))
		return nil
	default:
		b.metrics.flush("failed")
		return errors.Wrap(err, "flushing repo failed")
	}
}

// Load loads value stored under key. Nil is returned if key does not exist.
func (b *Bridge) Load(ctx context.Context, key StorageKey) ([]byte, error) {
	k, err := JoinKey(key)
	if err != nil {
		return nil, err
	}

	value, exists, err := b.store.Get(ctx, k)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	data, err := toBytes(value)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading key %q failed", k)
	}
	return data, nil
}

// Save stores data under key.
func (b *Bridge) Save(ctx context.Context, key StorageKey, data []byte) error {
	k, err := JoinKey(key)
	if err != nil {
		return err
	}

	// Slice of a larger buffer must not be retained by the store.
	if len(data) != cap(data) {
		data = bytes.Clone(data)
	}
	return b.store.Put(ctx, k, data)
}

// Remove deletes key.
func (b *Bridge) Remove(ctx context.Context, key StorageKey) error {
	k, err := JoinKey(key)
	if err != nil {
		return err
	}
	return b.store.Delete(ctx, k)
}

// LoadRange returns all the entries stored under prefix, sorted by key.
func (b *Bridge) LoadRange(ctx context.Context, prefix StorageKey) ([]StorageEntry, error) {
	p, err := joinPrefix(prefix)
	if err != nil {
		return nil, err
	}

	values, err := b.store.List(ctx, p)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		if matchesPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	entries := make([]StorageEntry, 0, len(keys))
	for _, k := range keys {
		data, err := toBytes(values[k])
		if err != nil {
			return nil, errors.WithMessagef(err, "loading key %q failed", k)
		}
		entries = append(entries, StorageEntry{
			Key:  SplitKey(k),
			Data: data,
		})
	}
	return entries, nil
}

// RemoveRange deletes all the keys stored under prefix.
func (b *Bridge) RemoveRange(ctx context.Context, prefix StorageKey) error {
	p, err := joinPrefix(prefix)
	if err != nil {
		return err
	}

	values, err := b.store.List(ctx, p)
	if err != nil {
		return err
	}
	for k := range values {
		if !matchesPrefix(k, p) {
			continue
		}
		if err := b.store.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Dump returns all the stored values.
func (b *Bridge) Dump(ctx context.Context) (map[string]any, error) {
	return b.store.List(ctx, "")
}

// SelfTest verifies that values round trip through the storage.
func (b *Bridge) SelfTest(ctx context.Context) (SelfTestReport, error) {
	if err := b.Save(ctx, StorageKey{selfTestKey}, []byte(selfTestValue)); err != nil {
		return SelfTestReport{}, err
	}
	data, err := b.Load(ctx, StorageKey{selfTestKey})
	if err != nil {
		return SelfTestReport{}, err
	}
	if string(data) != selfTestValue {
		return SelfTestReport{}, errors.New("Storage test failed")
	}

	report := SelfTestReport{
		Success:     true,
		Message:     "Storage operations successful",
		RepoHandles: []HandleInfo{},
	}
	if lister, ok := b.repo.(HandleLister); ok {
		report.RepoHandles = lister.Handles()
		report.TotalHandles = len(report.RepoHandles)
		for _, h := range report.RepoHandles {
			if h.Ready {
				report.ReadyHandles++
			}
		}
	}

	values, err := b.store.List(ctx, "")
	if err != nil {
		return SelfTestReport{}, err
	}
	report.StorageKeys = make([]string, 0, len(values))
	for k := range values {
		report.StorageKeys = append(report.StorageKeys, k)
	}
	slices.Sort(report.StorageKeys)

	return report, nil
}
