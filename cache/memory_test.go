package cache

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTierGetSetExpiry(t *testing.T) {
	mock := clock.NewMock()
	tier := newMemoryTier(mock, 1<<20, nil)

	tier.put("a", Value{Data: []byte("hello")}, time.Minute)
	v, ok := tier.get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), v.Data)

	mock.Add(2 * time.Minute)
	_, ok = tier.get("a")
	assert.False(t, ok, "expired entry should be a miss")
}

func TestMemoryTierEvictsLeastFrequentlyUsed(t *testing.T) {
	mock := clock.NewMock()
	// Budget fits exactly two one-byte-key, eight-byte-value entries;
	// a third forces an eviction.
	entrySizeEach := int64(memoryEntryOverhead + 1 + 8)
	tier := newMemoryTier(mock, 2*entrySizeEach+10, nil)

	tier.put("a", Value{Data: []byte("aaaaaaaa")}, time.Hour)
	tier.put("b", Value{Data: []byte("bbbbbbbb")}, time.Hour)

	// Read "a" repeatedly so it accrues more reads than "b".
	tier.get("a")
	tier.get("a")
	tier.get("a")

	// Inserting "c" forces an eviction; "b" (cold) should go, not "a".
	tier.put("c", Value{Data: []byte("cccccccc")}, time.Hour)

	_, aOK := tier.get("a")
	_, bOK := tier.get("b")
	_, cOK := tier.get("c")

	assert.True(t, aOK, "frequently read entry should survive eviction")
	assert.False(t, bOK, "cold entry should be evicted first")
	assert.True(t, cOK)
}

func TestMemoryTierEvictionDemotesEntriesWithRemainingTTL(t *testing.T) {
	mock := clock.NewMock()
	entrySizeEach := int64(memoryEntryOverhead + 1 + 8)

	type demoted struct {
		key       string
		remaining time.Duration
	}
	var demotions []demoted
	tier := newMemoryTier(mock, 2*entrySizeEach+10, func(key string, v Value, remainingTTL time.Duration) {
		demotions = append(demotions, demoted{key, remainingTTL})
	})

	tier.put("a", Value{Data: []byte("aaaaaaaa")}, time.Hour)
	tier.put("b", Value{Data: []byte("bbbbbbbb")}, time.Hour)
	tier.get("a") // "a" is now read more recently/often than "b", so "b" is coldest
	tier.put("c", Value{Data: []byte("cccccccc")}, time.Hour) // evicts "b"

	require.Len(t, demotions, 1)
	assert.Equal(t, "b", demotions[0].key)
	assert.Positive(t, demotions[0].remaining)
}

func TestMemoryTierEvictionDropsEntriesWithNoTimeLeft(t *testing.T) {
	mock := clock.NewMock()
	entrySizeEach := int64(memoryEntryOverhead + 1 + 8)

	var demotions int
	tier := newMemoryTier(mock, 2*entrySizeEach+10, func(key string, v Value, remainingTTL time.Duration) {
		demotions++
	})

	tier.put("a", Value{Data: []byte("aaaaaaaa")}, time.Hour)
	tier.put("b", Value{Data: []byte("bbbbbbbb")}, time.Millisecond)
	mock.Add(time.Second) // "b" is now expired but still resident until evicted/swept
	tier.get("a")         // "a" is now read more recently than "b", so "b" is coldest
	tier.put("c", Value{Data: []byte("cccccccc")}, time.Hour)

	assert.Zero(t, demotions, "an entry with no time left is dropped, not demoted")
}

func TestMemoryTierDeleteAndSweep(t *testing.T) {
	mock := clock.NewMock()
	tier := newMemoryTier(mock, 1<<20, nil)

	tier.put("a", Value{Data: []byte("x")}, time.Minute)
	tier.put("b", Value{Data: []byte("y")}, time.Hour)

	assert.True(t, tier.delete("a"))
	assert.False(t, tier.delete("a"), "second delete of same key reports absent")

	mock.Add(2 * time.Minute)
	tier.put("c", Value{Data: []byte("z")}, time.Hour) // not expired, keeps "b" and "c" live
	evicted := tier.sweepExpired()
	assert.Equal(t, 0, evicted, "nothing should have expired yet besides the deleted entry")
}
