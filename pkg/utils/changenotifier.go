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

package utils

import (
	"sync"

	"github.com/elliotchance/orderedmap/v2"
)

// ChangeNotifier hands every new value to its observers, in the order they were added.
// Observers run on their own goroutine, one notification at a time.
type ChangeNotifier[T any] struct {
	lock      sync.Mutex
	observers *orderedmap.OrderedMap[string, func(T)]

	// serializes deliveries so observers see values in the order they were notified
	deliver sync.Mutex
}

func NewChangeNotifier[T any]() *ChangeNotifier[T] {
	return &ChangeNotifier[T]{
		observers: orderedmap.NewOrderedMap[string, func(T)](),
	}
}

// AddObserver registers onChanged under key, replacing any observer with the same key.
func (n *ChangeNotifier[T]) AddObserver(key string, onChanged func(T)) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.observers.Set(key, onChanged)
}

func (n *ChangeNotifier[T]) RemoveObserver(key string) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.observers.Delete(key)
}

func (n *ChangeNotifier[T]) HasObservers() bool {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.observers.Len() > 0
}

// NotifyChanged returns a channel that is closed once every observer has seen value.
// It waits for the previous notification to be delivered before taking its own snapshot
// of the observers.
func (n *ChangeNotifier[T]) NotifyChanged(value T) <-chan struct{} {
	done := make(chan struct{})

	n.deliver.Lock()
	n.lock.Lock()
	observers := make([]func(T), 0, n.observers.Len())
	for el := n.observers.Front(); el != nil; el = el.Next() {
		observers = append(observers, el.Value)
	}
	n.lock.Unlock()

	go func() {
		defer close(done)
		defer n.deliver.Unlock()

		for _, f := range observers {
			f(value)
		}
	}()
	return done
}
