package benchmarks

import (
	"fmt"
	"sync/atomic"
	"testing"
)

// local sink to avoid dead-code elimination in this package
var statusSink int64

// BenchmarkLimiter_Status_Parallel_Sweep measures the cost of a Status
// snapshot under parallel reads while a background writer keeps the shard
// balances dynamic to prevent compiler hoisting. It sweeps over shard counts
// to illustrate the O(shards) behavior: Status observes every bucket once,
// taking each bucket mutex in turn.
//
// How to run (examples):
//
//	go test -run ^$ -bench=BenchmarkLimiter_Status_Parallel_Sweep -benchmem ./benchmarks
//	go test -run ^$ -bench=BenchmarkLimiter_Status_Parallel_Sweep -cpu=1,4,8,16 ./benchmarks
func BenchmarkLimiter_Status_Parallel_Sweep(b *testing.B) {
	for _, s := range []int{1, 2, 4, 8, 16, 32} {
		s := s
		b.Run(fmt.Sprintf("shards=%d", s), func(b *testing.B) {
			l := benchLimiter(s)
			stop := make(chan struct{})
			// background writer to ensure dynamic reads
			go func() {
				for {
					select {
					case <-stop:
						return
					default:
						_ = l.TryAcquire("hot", 1)
					}
				}
			}()

			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				var acc int64
				for pb.Next() {
					st := l.Status()
					acc += st.Allowed + int64(len(st.Shards))
				}
				atomic.AddInt64(&statusSink, acc)
			})
			close(stop)
		})
	}
}
