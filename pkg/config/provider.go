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

package config

import (
	"go.uber.org/atomic"

	"github.com/livekit/xrstream/pkg/utils"
)

// Provider hands out the current configuration. Readers get an immutable snapshot,
// a reload swaps the whole snapshot.
type Provider struct {
	current atomic.Pointer[Config]
	version atomic.Uint32

	changes *utils.ChangeNotifier[*Config]
}

func NewProvider(conf *Config) *Provider {
	p := &Provider{
		changes: utils.NewChangeNotifier[*Config](),
	}
	p.current.Store(conf)
	return p
}

func (p *Provider) Get() *Config {
	return p.current.Load()
}

func (p *Provider) Bitrate() BitrateConfig {
	return p.current.Load().Bitrate
}

// Version increments on every accepted update.
func (p *Provider) Version() uint32 {
	return p.version.Load()
}

// OnUpdate calls f with every accepted configuration. Registering again with the same key replaces f.
func (p *Provider) OnUpdate(key string, f func(conf *Config)) {
	p.changes.AddObserver(key, f)
}

func (p *Provider) RemoveOnUpdate(key string) {
	p.changes.RemoveObserver(key)
}

// Update validates and installs conf. The returned channel closes after the update observers ran.
func (p *Provider) Update(conf *Config) (<-chan struct{}, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	p.current.Store(conf)
	p.version.Inc()
	return p.changes.NotifyChanged(conf), nil
}
