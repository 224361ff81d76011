package keyschema

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/devrev/pairdb/windowstore/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSegmentInterval = 60_000

func TestSegmentedCacheFunction_RoundTrip(t *testing.T) {
	fn := NewSegmentedCacheFunction(WindowKeySchema{}, testSegmentInterval)
	binaryKey := mustBinaryKey(t, "user1", 3*testSegmentInterval+5)

	cacheKey := fn.CacheKey(binaryKey)
	require.Len(t, cacheKey, SegmentIDBytes+len(binaryKey))
	assert.Equal(t, uint64(3), binary.BigEndian.Uint64(cacheKey))

	decoded, err := fn.Key(cacheKey)
	require.NoError(t, err)
	assert.Equal(t, binaryKey, decoded)
}

func TestSegmentedCacheFunction_OrdersBySegmentFirst(t *testing.T) {
	fn := NewSegmentedCacheFunction(WindowKeySchema{}, testSegmentInterval)

	lateSegment := fn.CacheKey(mustBinaryKey(t, "a", testSegmentInterval))
	earlySegment := fn.CacheKey(mustBinaryKey(t, "z", 0))

	assert.Negative(t, bytes.Compare(earlySegment, lateSegment))
}

func TestSegmentedCacheFunction_CompareSegmentedKeys(t *testing.T) {
	fn := NewSegmentedCacheFunction(WindowKeySchema{}, testSegmentInterval)
	key := mustBinaryKey(t, "b", 10)

	tests := []struct {
		name     string
		cacheKey []byte
		storeKey []byte
		want     int
	}{
		{"equal", fn.CacheKey(key), key, 0},
		{"smaller binary key", fn.CacheKey(mustBinaryKey(t, "a", 10)), key, -1},
		{"larger binary key", fn.CacheKey(mustBinaryKey(t, "c", 10)), key, 1},
		{"later segment", fn.CacheKey(mustBinaryKey(t, "a", testSegmentInterval)), key, 1},
		{"earlier segment", fn.CacheKey(key), mustBinaryKey(t, "a", testSegmentInterval), -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fn.CompareSegmentedKeys(tt.cacheKey, tt.storeKey)
			switch {
			case tt.want < 0:
				assert.Negative(t, got)
			case tt.want > 0:
				assert.Positive(t, got)
			default:
				assert.Zero(t, got)
			}
		})
	}
}

func TestSegmentedCacheFunction_RejectsForeignKeys(t *testing.T) {
	fn := NewSegmentedCacheFunction(WindowKeySchema{}, testSegmentInterval)

	t.Run("too short", func(t *testing.T) {
		_, err := fn.Key([]byte{0x00, 0x01, 0x02})
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeDecoding))
	})

	t.Run("prefix mismatch", func(t *testing.T) {
		other := NewSegmentedCacheFunction(WindowKeySchema{}, testSegmentInterval/60)
		cacheKey := other.CacheKey(mustBinaryKey(t, "user1", 5*testSegmentInterval))

		_, err := fn.Key(cacheKey)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeDecoding))
	})
}
