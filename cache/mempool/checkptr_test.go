//go:build race

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

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudwego/stackpool/unsafex/vmem"
)

// -race turns on checkptr, which validates every conversion between
// pointers and slices made by the stacks.
func TestCheckptr(t *testing.T) {
	providers := map[string]func() vmem.Provider{
		"default": vmem.Default,
		"heap":    func() vmem.Provider { return vmem.NewHeapProvider(0) },
	}
	for name, newProvider := range providers {
		t.Run(name, func(t *testing.T) {
			a, err := New(&Options{
				Provider:        newProvider(),
				ReservePerClass: 2,
				Debug:           true,
				Logger:          discardLogger,
			})
			require.NoError(t, err)
			defer a.Close()

			rnd := rand.New(rand.NewSource(1))
			var bufs [][]byte
			for i := 0; i < 5000; i++ {
				if len(bufs) > 0 && rnd.Intn(3) == 0 {
					j := rnd.Intn(len(bufs))
					a.Free(bufs[j])
					bufs[j] = bufs[len(bufs)-1]
					bufs = bufs[:len(bufs)-1]
					continue
				}
				b := a.Allocate(1+rnd.Intn(6000), rnd.Intn(2) == 0)
				b[0], b[len(b)-1] = 1, 1
				bufs = append(bufs, b)
			}
			a.Grow(6, 100)
			a.Squeeze(6, 50)
			_, _ = a.AllocateArray(100, 24, true)
		})
	}
}
