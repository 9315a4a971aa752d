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
	"fmt"
	"reflect"
	"slices"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

var yamlMarshalerType = reflect.TypeOf((*yaml.Marshaler)(nil)).Elem()

func marshalsItself(t reflect.Type) bool {
	return t.Implements(yamlMarshalerType) || reflect.PointerTo(t).Implements(yamlMarshalerType)
}

func checkYAMLTags(t reflect.Type, path string, seen map[reflect.Type]struct{}) error {
	if _, ok := seen[t]; ok {
		return nil
	}
	seen[t] = struct{}{}

	switch t.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.Pointer:
		return checkYAMLTags(t.Elem(), path, seen)
	case reflect.Struct:
		var errs error
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() || field.Type.Kind() == reflect.Bool {
				continue
			}

			parts := strings.Split(field.Tag.Get("yaml"), ",")
			if parts[0] == "-" {
				continue
			}

			fieldPath := parts[0]
			if fieldPath == "" {
				fieldPath = field.Name
			}
			if path != "" {
				fieldPath = path + "." + fieldPath
			}

			inline := slices.Contains(parts, "inline")
			if !slices.Contains(parts, "omitempty") && !inline {
				errs = multierr.Append(errs, fmt.Errorf("%s (%s.%s) missing omitempty tag", fieldPath, t.Name(), field.Name))
			}

			// switches and tagged modes decide for themselves what gets written
			if marshalsItself(field.Type) {
				continue
			}
			if inline {
				fieldPath = path
			}
			errs = multierr.Append(errs, checkYAMLTags(field.Type, fieldPath, seen))
		}
		return errs
	default:
		return nil
	}
}

// CheckYAMLTags reports every field of config that would be written out even when unset,
// naming it by its path in the config file. Fields of types with their own yaml
// marshaler are checked for omitempty but not descended into.
func CheckYAMLTags(config any) error {
	return checkYAMLTags(reflect.TypeOf(config), "", map[reflect.Type]struct{}{})
}
