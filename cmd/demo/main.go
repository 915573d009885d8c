// Command demo drives a short concurrent workload against either
// container — hash map or skip list — for manual exercise and crash-
// recovery demonstration.
//
// Configuration is read from the environment, in the getenv/mustGetenv
// style this module's pack uses for its own node binary:
//
//	DEMO_CONTAINER:   "hashmap" or "skiplist" (default "hashmap")
//	DEMO_GOROUTINES:  worker count (default 8)
//	DEMO_KEYS:        keys per worker (default 1000)
//	DEMO_WRITE_RATIO: percent of ops that are inserts, 0-100 (default 80)
//	DEMO_CRASH_AFTER:  fault-inject after N pool operations, 0 disables
package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"sync"

	"github.com/nbtaylor/ccpmem/chmap"
	"github.com/nbtaylor/ccpmem/cskiplist"
	"github.com/nbtaylor/ccpmem/pmem/heap"
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logFatal("invalid %s=%q: %v", k, v, err)
	}
	return n
}

func logFatal(format string, args ...interface{}) {
	log.Fatalf(format, args...)
}

func main() {
	container := getenv("DEMO_CONTAINER", "hashmap")
	goroutines := getenvInt("DEMO_GOROUTINES", 8)
	keys := getenvInt("DEMO_KEYS", 1000)
	writeRatio := getenvInt("DEMO_WRITE_RATIO", 80)
	crashAfter := getenvInt("DEMO_CRASH_AFTER", 0)

	var opts []heap.Option
	if crashAfter > 0 {
		opts = append(opts, heap.WithFaultAfter(int64(crashAfter), func() {
			log.Printf("demo: simulated crash injected after %d pool operations", crashAfter)
		}))
	}
	pool := heap.New(opts...)

	switch container {
	case "hashmap":
		runHashMap(pool, goroutines, keys, writeRatio)
	case "skiplist":
		runSkipList(pool, goroutines, keys, writeRatio)
	default:
		logFatal("unknown DEMO_CONTAINER %q (want hashmap or skiplist)", container)
	}
}

func runHashMap(pool *heap.Pool, goroutines, keys, writeRatio int) {
	m := chmap.New[string, int](pool, func(s string) uint64 {
		var h uint64 = 14695981039346656037
		for i := 0; i < len(s); i++ {
			h ^= uint64(s[i])
			h *= 1099511628211
		}
		return h
	})

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(g)))
			for i := 0; i < keys; i++ {
				key := fmt.Sprintf("g%d-k%d", g, i)
				if r.Intn(100) < writeRatio {
					if _, err := m.Insert(key, i); err != nil {
						log.Printf("insert %s: %v", key, err)
					}
				} else {
					if acc, ok := m.Find(key); ok {
						acc.Close()
					}
				}
			}
		}(g)
	}
	wg.Wait()

	if pool.Crashed() {
		log.Printf("recovering hashmap after simulated crash")
		if err := m.RuntimeInitialize(); err != nil {
			logFatal("runtime_initialize: %v", err)
		}
	}
	log.Printf("hashmap demo done: size=%d", m.Size())
}

func runSkipList(pool *heap.Pool, goroutines, keys, writeRatio int) {
	m, err := cskiplist.New[int, string](pool, func(a, b int) int { return a - b })
	if err != nil {
		logFatal("cskiplist.New: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(g int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(g)))
			for i := 0; i < keys; i++ {
				key := g*keys + i
				if r.Intn(100) < writeRatio {
					if _, err := m.Insert(key, fmt.Sprintf("v%d", key)); err != nil {
						log.Printf("insert %d: %v", key, err)
					}
				} else {
					m.Find(key)
				}
			}
		}(g)
	}
	wg.Wait()

	if pool.Crashed() {
		log.Printf("recovering skiplist after simulated crash")
		if err := m.RuntimeInitialize(); err != nil {
			logFatal("runtime_initialize: %v", err)
		}
	}
	log.Printf("skiplist demo done: size=%d", m.Size())
}
