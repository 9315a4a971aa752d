// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package history

import (
	"github.com/gammazero/deque"
)

// Buffer is a bounded double ended queue of records. Pushing past capacity evicts from
// the opposite end.
type Buffer[T any] struct {
	capacity int
	items    deque.Deque[T]
}

func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		capacity: capacity,
	}
}

// PushFront adds item at the front, evicting from the back.
func (b *Buffer[T]) PushFront(item T) (evicted T, ok bool) {
	b.items.PushFront(item)
	if b.items.Len() > b.capacity {
		return b.items.PopBack(), true
	}
	return
}

// PushBack adds item at the back, evicting from the front.
func (b *Buffer[T]) PushBack(item T) (evicted T, ok bool) {
	b.items.PushBack(item)
	if b.items.Len() > b.capacity {
		return b.items.PopFront(), true
	}
	return
}

// Find returns the first item, from the front, that matches.
func (b *Buffer[T]) Find(match func(T) bool) (item T, ok bool) {
	if idx := b.items.Index(match); idx >= 0 {
		return b.items.At(idx), true
	}
	return
}

func (b *Buffer[T]) Contains(match func(T) bool) bool {
	return b.items.Index(match) >= 0
}

// Remove takes out the first matching item.
func (b *Buffer[T]) Remove(match func(T) bool) (item T, ok bool) {
	if idx := b.items.Index(match); idx >= 0 {
		return b.items.Remove(idx), true
	}
	return
}

// RemoveAll takes out every matching item, preserving the order of the rest.
func (b *Buffer[T]) RemoveAll(match func(T) bool) []T {
	var removed []T
	for i := 0; i < b.items.Len(); {
		if match(b.items.At(i)) {
			removed = append(removed, b.items.Remove(i))
			continue
		}
		i++
	}
	return removed
}

func (b *Buffer[T]) Len() int {
	return b.items.Len()
}

func (b *Buffer[T]) Capacity() int {
	return b.capacity
}
