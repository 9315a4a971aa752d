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

package configtest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type selfMarshalled struct {
	Value int
}

func (selfMarshalled) MarshalYAML() (interface{}, error) {
	return nil, nil
}

type nested struct {
	Limit int `yaml:"limit"`
}

type sample struct {
	Enabled bool           `yaml:"enabled"`
	Name    string         `yaml:"name,omitempty"`
	Nested  nested         `yaml:"nested,omitempty"`
	Custom  selfMarshalled `yaml:"custom,omitempty"`
	Skipped string         `yaml:"-"`
}

func TestCheckYAMLTags(t *testing.T) {
	err := CheckYAMLTags(sample{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "nested.limit (nested.Limit) missing omitempty tag")
	// not descended into
	require.NotContains(t, err.Error(), "Value")

	require.NoError(t, CheckYAMLTags(tagged{}))
}

type tagged struct {
	Limit  int            `yaml:"limit,omitempty"`
	Custom selfMarshalled `yaml:"custom,omitempty"`
}
