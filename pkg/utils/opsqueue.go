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
	"context"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"
)

var (
	ErrOpsQueueStopped = errors.New("ops queue stopped")
	ErrOpsQueueFull    = errors.New("ops queue full")
)

// OpsQueue runs enqueued operations one at a time on a single goroutine. State that
// is only touched from queued operations needs no further locking.
type OpsQueue struct {
	logger logger.Logger
	name   string
	size   int

	lock      sync.RWMutex
	ops       chan func()
	isStopped bool
	done      core.Fuse

	numDropped atomic.Uint64
}

func NewOpsQueue(logger logger.Logger, name string, size int) *OpsQueue {
	return &OpsQueue{
		logger: logger,
		name:   name,
		size:   size,
		ops:    make(chan func(), size),
	}
}

func (oq *OpsQueue) SetLogger(logger logger.Logger) {
	oq.logger = logger
}

func (oq *OpsQueue) Start() {
	go oq.process()
}

// Stop stops accepting operations, already queued operations still run.
func (oq *OpsQueue) Stop() {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return
	}

	oq.isStopped = true
	close(oq.ops)
	oq.lock.Unlock()
}

// Done is closed once the queue is stopped and drained.
func (oq *OpsQueue) Done() <-chan struct{} {
	return oq.done.Watch()
}

// Enqueue never blocks, an operation that does not fit is dropped.
func (oq *OpsQueue) Enqueue(op func()) error {
	oq.lock.RLock()
	defer oq.lock.RUnlock()

	if oq.isStopped {
		return ErrOpsQueueStopped
	}

	select {
	case oq.ops <- op:
		return nil
	default:
		if oq.numDropped.Inc()%100 == 1 {
			oq.logger.Warnw("ops queue full", ErrOpsQueueFull, "name", oq.name, "size", oq.size, "dropped", oq.numDropped.Load())
		}
		return ErrOpsQueueFull
	}
}

// Call runs op on the queue goroutine and waits for it to finish.
func (oq *OpsQueue) Call(ctx context.Context, op func()) error {
	finished := make(chan struct{})
	oq.lock.RLock()
	if oq.isStopped {
		oq.lock.RUnlock()
		return ErrOpsQueueStopped
	}
	select {
	case oq.ops <- func() {
		op()
		close(finished)
	}:
		oq.lock.RUnlock()
	case <-ctx.Done():
		oq.lock.RUnlock()
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (oq *OpsQueue) NumDropped() uint64 {
	return oq.numDropped.Load()
}

func (oq *OpsQueue) process() {
	defer oq.done.Break()

	for op := range oq.ops {
		op()
	}
}
