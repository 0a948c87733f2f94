package mergeparty

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// KeySeparator joins segments of storage key.
const KeySeparator = "."

var (
	// ErrUnsupportedValueShape is returned when stored value can't be converted to bytes.
	ErrUnsupportedValueShape = errors.New("unsupported value type from storage")

	// ErrInvalidKey is returned when storage key can't be joined and split back unchanged.
	ErrInvalidKey = errors.New("invalid storage key")
)

// StorageKey is the path identifying stored chunk.
type StorageKey []string

// StorageEntry is the chunk returned by range queries.
type StorageEntry struct {
	Key  StorageKey
	Data []byte
}

// StorageAdapter is the storage contract required by the synchronization engine.
type StorageAdapter interface {
	Load(ctx context.Context, key StorageKey) ([]byte, error)
	Save(ctx context.Context, key StorageKey, data []byte) error
	Remove(ctx context.Context, key StorageKey) error
	LoadRange(ctx context.Context, prefix StorageKey) ([]StorageEntry, error)
	RemoveRange(ctx context.Context, prefix StorageKey) error
}

// JoinKey joins key segments.
func JoinKey(key StorageKey) (string, error) {
	if len(key) == 0 {
		return "", errors.Wrap(ErrInvalidKey, "key is empty")
	}
	if err := validateSegments(key); err != nil {
		return "", err
	}
	return strings.Join(key, KeySeparator), nil
}

// SplitKey splits joined key into segments.
func SplitKey(key string) StorageKey {
	return strings.Split(key, KeySeparator)
}

func joinPrefix(prefix StorageKey) (string, error) {
	if err := validateSegments(prefix); err != nil {
		return "", err
	}
	return strings.Join(prefix, KeySeparator), nil
}

func validateSegments(key StorageKey) error {
	for _, s := range key {
		if s == "" {
			return errors.Wrap(ErrInvalidKey, "key segment is empty")
		}
		if strings.Contains(s, KeySeparator) {
			return errors.Wrapf(ErrInvalidKey, "key segment %q contains separator", s)
		}
	}
	return nil
}

// matchesPrefix reports if joined key lies under the joined prefix.
func matchesPrefix(key, prefix string) bool {
	if prefix == "" {
		return true
	}
	return key == prefix || strings.HasPrefix(key, prefix+KeySeparator)
}

// toBytes normalizes value returned by the hosting store.
func toBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case interface{ Bytes() []byte }:
		return v.Bytes(), nil
	case []any:
		out := make([]byte, len(v))
		for i, e := range v {
			b, ok := toByte(e)
			if !ok {
				return nil, errors.Wrapf(ErrUnsupportedValueShape, "element %d is %T", i, e)
			}
			out[i] = b
		}
		return out, nil
	case map[string]any:
		indexed := make(map[int]any, len(v))
		for k, e := range v {
			n, err := strconv.Atoi(k)
			if err != nil {
				return nil, errors.Wrapf(ErrUnsupportedValueShape, "key %q is not an index", k)
			}
			indexed[n] = e
		}
		return indexedToBytes(indexed)
	case map[any]any:
		indexed := make(map[int]any, len(v))
		for k, e := range v {
			n, ok := toIndex(k)
			if !ok {
				return nil, errors.Wrapf(ErrUnsupportedValueShape, "key %v is not an index", k)
			}
			indexed[n] = e
		}
		return indexedToBytes(indexed)
	default:
		return nil, errors.Wrapf(ErrUnsupportedValueShape, "value is %T", value)
	}
}

func indexedToBytes(indexed map[int]any) ([]byte, error) {
	out := make([]byte, len(indexed))
	for i := range out {
		e, ok := indexed[i]
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedValueShape, "index %d missing", i)
		}
		b, ok := toByte(e)
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedValueShape, "index %d is %T", i, e)
		}
		out[i] = b
	}
	return out, nil
}

func toIndex(k any) (int, bool) {
	if s, ok := k.(string); ok {
		n, err := strconv.Atoi(s)
		return n, err == nil
	}
	return toInt(k)
}

func toByte(v any) (byte, bool) {
	n, ok := toInt(v)
	if !ok || n < 0 || n > 255 {
		return 0, false
	}
	return byte(n), true
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		if n > 1<<31 {
			return 0, false
		}
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
