// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package caching

import (
	"fmt"
)

// LinkedListEntry [T] is an entry in a LinkedList [T].
type LinkedListEntry[T any] struct {
	list         *LinkedList[T]
	older, newer *LinkedListEntry[T]
	Value        T
}

func (entry *LinkedListEntry[T]) Newer() *LinkedListEntry[T] { return entry.newer }

// List reports which list entry currently belongs to, or nil if it
// isn't in one. arcache.go's replacement policy uses this to tell
// which of its six lists an entry it already has a pointer to is
// sitting in, without having to thread that alongside every pointer
// it passes around.
func (entry *LinkedListEntry[T]) List() *LinkedList[T] { return entry.list }

// LinkedList is a doubly-linked list. Both of ploop's caches
// (lrucache.go's evictable/unused/waiters lists, arcache.go's six
// pinned/live/ghost lists) are built on it, always walked oldest-to-
// newest via Oldest/Newer — never the other direction — since both
// eviction policies only ever need to find or drop the single oldest
// entry in a list.
//
// Rather than "head/tail", "front/back", or "next/prev", it has
// "oldest" and "newest".  This is for to make code using it clearer;
// as the motivation for the LinkedList is as an implementation detail
// in LRU caches and FIFO queues, where this temporal naming is
// meaningful.  Similarly, it does not implement many common features
// of a linked-list, because these applications do not need such
// features.
//
// Compared to `containers/list.List`, LinkedList has the
// disadvantages that it has fewer safety checks and fewer features in
// general.
type LinkedList[T any] struct {
	oldest, newest *LinkedListEntry[T]
}

// IsEmpty returns whether the list empty or not.
func (l *LinkedList[T]) IsEmpty() bool {
	return l.oldest == nil
}

// Delete removes an entry from the list.  The entry is invalid once
// Delete returns, and should not be reused or have its .Value
// accessed.
//
// It is invalid (runtime-panic) to call Delete on a nil entry.
//
// It is invalid (runtime-panic) to call Delete on an entry that
// isn't in the list.
func (l *LinkedList[T]) Delete(entry *LinkedListEntry[T]) {
	if entry.list != l {
		panic(fmt.Errorf("LinkedList.Delete: entry %p not in list", entry))
	}
	if entry.newer == nil {
		l.newest = entry.older
	} else {
		entry.newer.older = entry.older
	}
	if entry.older == nil {
		l.oldest = entry.newer
	} else {
		entry.older.newer = entry.newer
	}

	// no memory leaks
	entry.list = nil
	entry.older = nil
	entry.newer = nil
}

// Store appends an entry to the "newest" end of the list.
//
// It is invalid (runtime-panic) to call Store on a nil entry.
//
// It is invalid (runtime-panic) to call Store on an entry that is
// already in a list.
func (l *LinkedList[T]) Store(entry *LinkedListEntry[T]) {
	if entry.list != nil {
		panic(fmt.Errorf("LinkedList.Store: entry %p is already in a list", entry))
	}
	entry.list = l
	entry.older = l.newest
	l.newest = entry
	if entry.older == nil {
		l.oldest = entry
	} else {
		entry.older.newer = entry
	}
}

// Oldest returns the entry at the "oldest" end of the list, or nil if
// the list is empty.
func (l *LinkedList[T]) Oldest() *LinkedListEntry[T] {
	return l.oldest
}
