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
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type BitrateModeType string

const (
	BitrateModeTypeConstant        BitrateModeType = "constant"
	BitrateModeTypeSimpleHeuristic BitrateModeType = "simple_heuristic"
	BitrateModeTypeAdaptive        BitrateModeType = "adaptive"

	DefaultBitrateUpdateInterval = time.Second
)

var (
	ErrUnknownBitrateMode  = errors.New("unknown bitrate mode")
	ErrInvalidBitrateRange = errors.New("min bitrate is greater than max bitrate")
	ErrInvalidMultiplier   = errors.New("multiplier out of range")
)

// BitrateMode is one of ConstantMode, SimpleHeuristicMode or AdaptiveMode.
type BitrateMode interface {
	Type() BitrateModeType
	Validate() error
}

// ------------------------------------------------

type ConstantMode struct {
	Mbps uint64 `yaml:"mbps,omitempty"`
}

func (ConstantMode) Type() BitrateModeType {
	return BitrateModeTypeConstant
}

func (m ConstantMode) Validate() error {
	return nil
}

// ------------------------------------------------

// HeuristicThresholds are either all set or all absent.
type HeuristicThresholds struct {
	StepsMbps              float64 `yaml:"steps_mbps"`
	ThresholdRandomUniform float64 `yaml:"threshold_random_uniform"`
	MultiplierRTTThreshold float64 `yaml:"multiplier_rtt_threshold"`
	FPSThresholdMultiplier float64 `yaml:"fps_threshold_multiplier"`
}

type SimpleHeuristicMode struct {
	MaxBitrateMbps  Switch[float64]             `yaml:"max_bitrate_mbps,omitempty"`
	MinBitrateMbps  Switch[float64]             `yaml:"min_bitrate_mbps,omitempty"`
	UpdateIntervalS Switch[float64]             `yaml:"update_interval_s,omitempty"`
	Thresholds      Switch[HeuristicThresholds] `yaml:"thresholds,omitempty"`
}

func (SimpleHeuristicMode) Type() BitrateModeType {
	return BitrateModeTypeSimpleHeuristic
}

func (m SimpleHeuristicMode) Validate() error {
	if err := validateBounds(m.MinBitrateMbps, m.MaxBitrateMbps); err != nil {
		return err
	}
	if interval, ok := m.UpdateIntervalS.Get(); ok && interval <= 0 {
		return errors.Wrap(ErrInvalidMultiplier, "update_interval_s must be positive")
	}
	if th, ok := m.Thresholds.Get(); ok {
		if th.ThresholdRandomUniform < 0 || th.ThresholdRandomUniform > 1 {
			return errors.Wrap(ErrInvalidMultiplier, "threshold_random_uniform must be in [0, 1]")
		}
		if th.StepsMbps <= 0 {
			return errors.Wrap(ErrInvalidMultiplier, "steps_mbps must be positive")
		}
	}
	return nil
}

// ------------------------------------------------

type EncoderLatencyLimiter struct {
	MaxSaturationMultiplier float64 `yaml:"max_saturation_multiplier,omitempty"`
}

type DecoderLatencyLimiter struct {
	MaxDecoderLatencyMs       uint64  `yaml:"max_decoder_latency_ms,omitempty"`
	LatencyOverstepFrames     int     `yaml:"latency_overstep_frames,omitempty"`
	LatencyOverstepMultiplier float64 `yaml:"latency_overstep_multiplier,omitempty"`
}

type AdaptiveMode struct {
	SaturationMultiplier  float64                       `yaml:"saturation_multiplier,omitempty"`
	MaxBitrateMbps        Switch[float64]               `yaml:"max_bitrate_mbps,omitempty"`
	MinBitrateMbps        Switch[float64]               `yaml:"min_bitrate_mbps,omitempty"`
	MaxNetworkLatencyMs   Switch[uint64]                `yaml:"max_network_latency_ms,omitempty"`
	EncoderLatencyLimiter Switch[EncoderLatencyLimiter] `yaml:"encoder_latency_limiter,omitempty"`
	DecoderLatencyLimiter Switch[DecoderLatencyLimiter] `yaml:"decoder_latency_limiter,omitempty"`
}

func (AdaptiveMode) Type() BitrateModeType {
	return BitrateModeTypeAdaptive
}

func (m AdaptiveMode) Validate() error {
	if err := validateBounds(m.MinBitrateMbps, m.MaxBitrateMbps); err != nil {
		return err
	}
	if m.SaturationMultiplier <= 0 {
		return errors.Wrap(ErrInvalidMultiplier, "saturation_multiplier must be positive")
	}
	if dl, ok := m.DecoderLatencyLimiter.Get(); ok {
		if dl.LatencyOverstepMultiplier <= 0 || dl.LatencyOverstepMultiplier >= 1 {
			return errors.Wrap(ErrInvalidMultiplier, "latency_overstep_multiplier must be in (0, 1)")
		}
		if dl.LatencyOverstepFrames < 1 {
			return errors.Wrap(ErrInvalidMultiplier, "latency_overstep_frames must be at least 1")
		}
	}
	if el, ok := m.EncoderLatencyLimiter.Get(); ok && el.MaxSaturationMultiplier <= 0 {
		return errors.Wrap(ErrInvalidMultiplier, "max_saturation_multiplier must be positive")
	}
	return nil
}

func validateBounds(minMbps, maxMbps Switch[float64]) error {
	lo, hasMin := minMbps.Get()
	hi, hasMax := maxMbps.Get()
	if hasMin && hasMax && lo > hi {
		return ErrInvalidBitrateRange
	}
	return nil
}

// ------------------------------------------------

type AdaptiveFramerateConfig struct {
	FramerateResetThresholdMultiplier float64 `yaml:"framerate_reset_threshold_multiplier,omitempty"`
}

// BitrateConfig is compared with == between control cycles, every field must stay comparable.
type BitrateConfig struct {
	Mode             BitrateMode                     `yaml:"mode,omitempty"`
	AdaptToFramerate Switch[AdaptiveFramerateConfig] `yaml:"adapt_to_framerate,omitempty"`
	UpdateInterval   time.Duration                   `yaml:"update_interval,omitempty"`
}

func (c BitrateConfig) Validate() error {
	if c.Mode == nil {
		return ErrUnknownBitrateMode
	}
	if err := c.Mode.Validate(); err != nil {
		return errors.Wrapf(err, "bitrate mode %s", c.Mode.Type())
	}
	if af, ok := c.AdaptToFramerate.Get(); ok && af.FramerateResetThresholdMultiplier <= 1 {
		return errors.Wrap(ErrInvalidMultiplier, "framerate_reset_threshold_multiplier must be greater than 1")
	}
	if c.UpdateInterval < 0 {
		return errors.Wrap(ErrInvalidMultiplier, "update_interval must not be negative")
	}
	return nil
}

type bitrateConfigYAML struct {
	Mode             yaml.Node                       `yaml:"mode,omitempty"`
	AdaptToFramerate Switch[AdaptiveFramerateConfig] `yaml:"adapt_to_framerate,omitempty"`
	UpdateInterval   time.Duration                   `yaml:"update_interval,omitempty"`
}

func (c BitrateConfig) MarshalYAML() (interface{}, error) {
	out := bitrateConfigYAML{
		AdaptToFramerate: c.AdaptToFramerate,
		UpdateInterval:   c.UpdateInterval,
	}
	if c.Mode != nil {
		if err := out.Mode.Encode(c.Mode); err != nil {
			return nil, err
		}
		out.Mode.Content = append([]*yaml.Node{
			{Kind: yaml.ScalarNode, Tag: "!!str", Value: "type"},
			{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(c.Mode.Type())},
		}, out.Mode.Content...)
	}
	return out, nil
}

func (c *BitrateConfig) UnmarshalYAML(node *yaml.Node) error {
	// decoded as raw nodes so that an explicit null can switch a setting off
	var in struct {
		Mode             yaml.Node      `yaml:"mode"`
		AdaptToFramerate yaml.Node      `yaml:"adapt_to_framerate"`
		UpdateInterval   *time.Duration `yaml:"update_interval"`
	}
	if err := node.Decode(&in); err != nil {
		return err
	}

	if in.UpdateInterval != nil {
		c.UpdateInterval = *in.UpdateInterval
	}

	if in.AdaptToFramerate.Kind != 0 {
		var adapt Switch[AdaptiveFramerateConfig]
		if err := in.AdaptToFramerate.Decode(&adapt); err != nil {
			return err
		}
		c.AdaptToFramerate = adapt
	}

	if in.Mode.Kind == 0 {
		// mode not given, keep whatever is set
		return nil
	}

	mode, err := decodeBitrateMode(&in.Mode)
	if err != nil {
		return err
	}
	c.Mode = mode
	return nil
}

func decodeBitrateMode(node *yaml.Node) (BitrateMode, error) {
	var tag struct {
		Type BitrateModeType `yaml:"type"`
	}
	if err := node.Decode(&tag); err != nil {
		return nil, err
	}

	// strip the type key so the variant decodes cleanly
	variant := *node
	variant.Content = nil
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "type" {
			continue
		}
		variant.Content = append(variant.Content, node.Content[i], node.Content[i+1])
	}

	switch tag.Type {
	case BitrateModeTypeConstant:
		var m ConstantMode
		err := variant.Decode(&m)
		return m, err
	case BitrateModeTypeSimpleHeuristic:
		var m SimpleHeuristicMode
		err := variant.Decode(&m)
		return m, err
	case BitrateModeTypeAdaptive:
		var m AdaptiveMode
		err := variant.Decode(&m)
		return m, err
	default:
		return nil, errors.Wrap(ErrUnknownBitrateMode, fmt.Sprintf("%q", tag.Type))
	}
}

// ------------------------------------------------

func DefaultAdaptiveMode() AdaptiveMode {
	return AdaptiveMode{
		SaturationMultiplier: 0.95,
		MaxBitrateMbps:       Enabled(100.0),
		MinBitrateMbps:       Enabled(5.0),
		MaxNetworkLatencyMs:  Disabled[uint64](),
		EncoderLatencyLimiter: Enabled(EncoderLatencyLimiter{
			MaxSaturationMultiplier: 0.9,
		}),
		DecoderLatencyLimiter: Enabled(DecoderLatencyLimiter{
			MaxDecoderLatencyMs:       30,
			LatencyOverstepFrames:     90,
			LatencyOverstepMultiplier: 0.99,
		}),
	}
}

func DefaultBitrateConfig() BitrateConfig {
	return BitrateConfig{
		Mode: DefaultAdaptiveMode(),
		AdaptToFramerate: Enabled(AdaptiveFramerateConfig{
			FramerateResetThresholdMultiplier: 2.0,
		}),
		UpdateInterval: DefaultBitrateUpdateInterval,
	}
}
