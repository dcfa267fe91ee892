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

package mempool

// Observer is notified of the operations on the stacks of an Allocator.
// Methods are called synchronously on the hot path, keep them cheap.
type Observer interface {
	OnPop(class int)
	OnPush(class int)

	// OnGrowArena is called after a stack got added new blocks.
	OnGrowArena(class, added, length, capacity int)

	// OnGrowPointers is called after a pointer array moved to a larger one.
	OnGrowPointers(class, oldCap, newCap int)

	// OnSqueeze is called after pairs of blocks of class moved to class+1.
	// The moved blocks are not reported to OnPop and OnPush.
	OnSqueeze(class, pairs int)
}

type nopObserver struct{}

func (nopObserver) OnPop(int)                      {}
func (nopObserver) OnPush(int)                     {}
func (nopObserver) OnGrowArena(int, int, int, int) {}
func (nopObserver) OnGrowPointers(int, int, int)   {}
func (nopObserver) OnSqueeze(int, int)             {}

type multiObserver []Observer

// Observers returns an Observer calling all of oo in order.
func Observers(oo ...Observer) Observer {
	return multiObserver(oo)
}

func (m multiObserver) OnPop(class int) {
	for _, o := range m {
		o.OnPop(class)
	}
}

func (m multiObserver) OnPush(class int) {
	for _, o := range m {
		o.OnPush(class)
	}
}

func (m multiObserver) OnGrowArena(class, added, length, capacity int) {
	for _, o := range m {
		o.OnGrowArena(class, added, length, capacity)
	}
}

func (m multiObserver) OnGrowPointers(class, oldCap, newCap int) {
	for _, o := range m {
		o.OnGrowPointers(class, oldCap, newCap)
	}
}

func (m multiObserver) OnSqueeze(class, pairs int) {
	for _, o := range m {
		o.OnSqueeze(class, pairs)
	}
}

// ClassCounters ...
type ClassCounters struct {
	Depth    int // blocks checked out and not freed yet
	MaxDepth int
	Pops     int
	Pushes   int
	Grows    int // calls of growArena which added blocks
	PtrGrows int // pointer array moves
	Squeezed int // pairs squeezed into the next class
}

// Counters is an Observer which counts operations per class.
type Counters struct {
	classes []ClassCounters
}

// NewCounters creates Counters.
func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) get(class int) *ClassCounters {
	for class >= len(c.classes) {
		c.classes = append(c.classes, ClassCounters{})
	}
	return &c.classes[class]
}

// Class returns the counters of a class.
func (c *Counters) Class(class int) ClassCounters {
	if class < 0 || class >= len(c.classes) {
		return ClassCounters{}
	}
	return c.classes[class]
}

func (c *Counters) OnPop(class int) {
	x := c.get(class)
	x.Pops++
	if x.Depth++; x.Depth > x.MaxDepth {
		x.MaxDepth = x.Depth
	}
}

func (c *Counters) OnPush(class int) {
	x := c.get(class)
	x.Pushes++
	if x.Depth > 0 {
		x.Depth--
	}
}

func (c *Counters) OnGrowArena(class, _, _, _ int) {
	c.get(class).Grows++
}

func (c *Counters) OnGrowPointers(class, _, _ int) {
	c.get(class).PtrGrows++
}

func (c *Counters) OnSqueeze(class, pairs int) {
	c.get(class).Squeezed += pairs
}
