// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"git.lukeshu.com/go/typedsync"
)

// Stack.bufPool (lib/ploop/stack.go) is a SlicePool[byte] sized to
// one cluster: every read-modify-write path (partial read, partial
// write, copy-up, merge) is one cluster in and one cluster out, so a
// single pool covers all of them instead of each call site allocating
// and discarding its own scratch buffer.
type SlicePool[T any] struct {
	// TODO(lukeshu): Consider bucketing slices by size, to
	// increase odds that the `cap(ret) >= size` check passes.
	inner typedsync.Pool[[]T]
}

func (p *SlicePool[T]) Get(size int) []T {
	if size == 0 {
		return nil
	}
	ret, ok := p.inner.Get()
	if ok && cap(ret) >= size {
		ret = ret[:size]
	} else {
		ret = make([]T, size)
	}
	return ret
}

func (p *SlicePool[T]) Put(slice []T) {
	if slice == nil {
		return
	}
	p.inner.Put(slice)
}
