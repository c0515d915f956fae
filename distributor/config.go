// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package distributor

import (
	"fmt"
	"maps"

	"gopkg.in/yaml.v3"
)

// DecodeConfig decodes a loosely typed configuration map into out, a
// pointer to a struct with yaml tags. Durations accept strings such as
// "5s".
func DecodeConfig(in map[string]any, out any) error {
	if len(in) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// MergeConfig returns defaults overlaid with overrides. Nested maps are
// merged recursively; any other override value replaces the default.
// Neither input is modified.
func MergeConfig(defaults, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(overrides))
	maps.Copy(out, defaults)

	for k, v := range overrides {
		dm, dok := out[k].(map[string]any)
		om, ook := v.(map[string]any)
		if dok && ook {
			out[k] = MergeConfig(dm, om)
			continue
		}
		out[k] = v
	}
	return out
}
