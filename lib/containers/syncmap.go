// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"sync"
)

// growLimits (lib/ploop/mapper.go) keys one of these by *Delta to
// track the per-delta allocation cap Grow installs, read from the
// hot allocate/copy-up path far more often than a control op writes
// it — exactly the read-heavy, write-rare access pattern sync.Map is
// tuned for.
type SyncMap[K comparable, V any] struct {
	inner sync.Map
}

func (m *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	_value, ok := m.inner.Load(key)
	if ok {
		value = _value.(V)
	}
	return value, ok
}
func (m *SyncMap[K, V]) Store(key K, value V) {
	m.inner.Store(key, value)
}

// growLimits never deletes or ranges over its one entry per top
// delta, and Grow's controlMu already serializes every writer against
// every other, so unlike the teacher's version this carries no
// Delete, LoadAndDelete, LoadOrStore, or Range.
