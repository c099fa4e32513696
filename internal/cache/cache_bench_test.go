package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// BenchmarkInMemoryCache_Get_Hit benchmarks Get on a cache hit.
func BenchmarkInMemoryCache_Get_Hit(b *testing.B) {
	c := NewInMemoryCache(time.Hour)
	ctx := context.Background()
	_ = c.Set(ctx, "hot", testVariant("hot", 0), 5*time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = c.Get(ctx, "hot")
	}
}

// BenchmarkInMemoryCache_Get_Miss benchmarks Get on a cache miss.
func BenchmarkInMemoryCache_Get_Miss(b *testing.B) {
	c := NewInMemoryCache(time.Hour)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = c.Get(ctx, "absent")
	}
}

// BenchmarkInMemoryCache_Set benchmarks overwriting a single key.
func BenchmarkInMemoryCache_Set(b *testing.B) {
	c := NewInMemoryCache(time.Hour)
	ctx := context.Background()
	v := testVariant("hot", 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Set(ctx, "hot", v, 5*time.Minute)
	}
}

// BenchmarkInMemoryCache_Concurrent benchmarks mixed concurrent reads and writes.
func BenchmarkInMemoryCache_Concurrent(b *testing.B) {
	c := NewInMemoryCache(time.Hour)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("k%d", i)
		_ = c.Set(ctx, key, testVariant(key, 0), 5*time.Minute)
	}

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Sprintf("k%d", i%100)
			if i%10 == 0 {
				_ = c.Set(ctx, key, testVariant(key, 0), 5*time.Minute)
			} else {
				_, _, _ = c.Get(ctx, key)
			}
			i++
		}
	})
}
