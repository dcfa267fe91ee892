//go:build linux

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

package vmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMmapProvider(t *testing.T) {
	p := NewMmapProvider()
	ps := p.PageSize()
	require.Greater(t, ps, 0)

	b, err := p.Map(ps + 1)
	require.NoError(t, err)
	require.Equal(t, 2*ps, len(b))
	for i := range b {
		b[i] = 0xff
	}

	require.NoError(t, p.Discard(b[:ps]))
	assert.Zero(t, b[0])
	assert.Equal(t, byte(0xff), b[ps])

	require.NoError(t, p.Unmap(b[ps:]))
	require.NoError(t, p.Unmap(b[:ps]))
	assert.NoError(t, p.Unmap(nil))
	assert.NoError(t, p.Discard(nil))

	_, err = p.Map(0)
	assert.Error(t, err)
}

func TestMmapProviderArena(t *testing.T) {
	a := NewArena(Default())
	defer a.Close()
	b, err := a.Map(100)
	require.NoError(t, err)
	b[0] = 1
	require.NoError(t, a.Release(b))
	assert.Equal(t, len(b), a.Stats().Reclaimed)
}
