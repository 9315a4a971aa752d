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
	"gopkg.in/yaml.v3"
)

// Switch is an optional setting. In YAML an absent or null value disables it, any
// other value enables it. Unlike a pointer it keeps the enclosing struct comparable
// with ==, which is how configuration changes are detected.
//
// yaml.v3 does not call UnmarshalYAML for a null value, it leaves the target as is. A
// null therefore only disables a Switch that is decoded fresh, which is why
// BitrateConfig decodes its switches through raw nodes.
type Switch[T comparable] struct {
	Enabled bool
	Value   T
}

func Enabled[T comparable](value T) Switch[T] {
	return Switch[T]{Enabled: true, Value: value}
}

func Disabled[T comparable]() Switch[T] {
	return Switch[T]{}
}

func (s Switch[T]) Get() (T, bool) {
	return s.Value, s.Enabled
}

func (s Switch[T]) IsZero() bool {
	return !s.Enabled
}

func (s Switch[T]) MarshalYAML() (interface{}, error) {
	if !s.Enabled {
		return nil, nil
	}
	return s.Value, nil
}

func (s *Switch[T]) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*s = Switch[T]{}
		return nil
	}

	var value T
	if err := node.Decode(&value); err != nil {
		return err
	}
	*s = Switch[T]{Enabled: true, Value: value}
	return nil
}
