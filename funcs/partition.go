package funcs

import (
	"strconv"
	"sync"

	"stathat.com/c/consistent"

	"disco/worker"
)

// ConsistentPartition assigns keys to partitions on a consistent-hash
// ring, so most keys keep their partition when a job is rerun with a
// different nr_reduces. Rings are cached per partition count.
func ConsistentPartition(key string, nrPartitions int, ctx *worker.Context) int {
	member, err := ringFor(nrPartitions).Get(key)
	if err != nil {
		return DefaultPartition(key, nrPartitions, ctx)
	}
	p, err := strconv.Atoi(member)
	if err != nil || p < 0 || p >= nrPartitions {
		return DefaultPartition(key, nrPartitions, ctx)
	}
	return p
}

var rings = struct {
	sync.Mutex
	byCount map[int]*consistent.Consistent
}{
	byCount: map[int]*consistent.Consistent{},
}

func ringFor(n int) *consistent.Consistent {
	rings.Lock()
	defer rings.Unlock()
	if c, ok := rings.byCount[n]; ok {
		return c
	}
	c := consistent.New()
	for i := 0; i < n; i++ {
		c.Add(strconv.Itoa(i))
	}
	rings.byCount[n] = c
	return c
}
