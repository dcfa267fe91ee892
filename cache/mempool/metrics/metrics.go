/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics exports the stack operations of a mempool.Allocator as
// Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudwego/stackpool/cache/mempool"
	"github.com/cloudwego/stackpool/cache/sizeclass"
)

const subsystem = "mempool"

// Observer is a mempool.Observer backed by Prometheus counters and gauges,
// labeled by the block size of the class.
//
// Metrics are resolved per class up front, so the callbacks don't look up
// label values on the hot path.
type Observer struct {
	pops     []prometheus.Counter
	pushes   []prometheus.Counter
	grows    []prometheus.Counter
	ptrGrows []prometheus.Counter
	squeezed []prometheus.Counter
	length   []prometheus.Gauge
	capacity []prometheus.Gauge
}

var _ mempool.Observer = (*Observer)(nil)

// NewObserver creates an Observer for the classes of t and registers its
// metrics to reg.
func NewObserver(reg prometheus.Registerer, namespace string, t *sizeclass.Table) (*Observer, error) {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, []string{"class"})
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, []string{"class"})
	}
	pops := counter("pops_total", "Counter of blocks popped from the free stack.")
	pushes := counter("pushes_total", "Counter of blocks pushed to the free stack.")
	grows := counter("arena_grows_total", "Counter of refills of the free stack.")
	ptrGrows := counter("pointer_grows_total", "Counter of moves of the pointer array to a larger one.")
	squeezed := counter("squeezed_pairs_total", "Counter of block pairs merged into the next class.")
	length := gauge("free_blocks", "Number of free blocks.")
	capacity := gauge("capacity", "Capacity of the pointer array.")
	for _, c := range []prometheus.Collector{pops, pushes, grows, ptrGrows, squeezed, length, capacity} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	o := &Observer{}
	for i := 0; i < t.Len(); i++ {
		lv := strconv.Itoa(t.SizeOf(i))
		o.pops = append(o.pops, pops.WithLabelValues(lv))
		o.pushes = append(o.pushes, pushes.WithLabelValues(lv))
		o.grows = append(o.grows, grows.WithLabelValues(lv))
		o.ptrGrows = append(o.ptrGrows, ptrGrows.WithLabelValues(lv))
		o.squeezed = append(o.squeezed, squeezed.WithLabelValues(lv))
		o.length = append(o.length, length.WithLabelValues(lv))
		o.capacity = append(o.capacity, capacity.WithLabelValues(lv))
	}
	return o, nil
}

// Sync sets the gauges from a snapshot. Call it once after the Allocator
// is created, the gauges track the stacks from then on.
func (o *Observer) Sync(st mempool.Stats) {
	for _, c := range st.Classes {
		if c.Index < len(o.length) {
			o.length[c.Index].Set(float64(c.Len))
			o.capacity[c.Index].Set(float64(c.Cap))
		}
	}
}

func (o *Observer) OnPop(class int) {
	o.pops[class].Inc()
	o.length[class].Dec()
}

func (o *Observer) OnPush(class int) {
	o.pushes[class].Inc()
	o.length[class].Inc()
}

func (o *Observer) OnGrowArena(class, _, length, capacity int) {
	o.grows[class].Inc()
	o.length[class].Set(float64(length))
	o.capacity[class].Set(float64(capacity))
}

func (o *Observer) OnGrowPointers(class, _, newCap int) {
	o.ptrGrows[class].Inc()
	o.capacity[class].Set(float64(newCap))
}

func (o *Observer) OnSqueeze(class, pairs int) {
	if pairs == 0 {
		return
	}
	o.squeezed[class].Add(float64(pairs))
	o.length[class].Sub(float64(2 * pairs))
	o.length[class+1].Add(float64(pairs))
}
