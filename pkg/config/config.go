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
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
)

const (
	generatedCLIFlagUsage = "generated"
	envVarPrefix          = "XRSTREAM"

	StatisticsSummaryInterval = 500 * time.Millisecond
)

var (
	ErrInvalidHistorySize = errors.New("max_history_size must be positive")
	ErrInvalidFramerate   = errors.New("nominal_framerate must be positive")
)

type Config struct {
	Port          uint32   `yaml:"port,omitempty"`
	BindAddresses []string `yaml:"bind_addresses,omitempty"`

	Stream    StreamConfig    `yaml:"stream,omitempty"`
	Bitrate   BitrateConfig   `yaml:"bitrate,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
	Simulator SimulatorConfig `yaml:"simulator,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type StreamConfig struct {
	// number of frames kept by every history buffer and latency window
	MaxHistorySize   int     `yaml:"max_history_size,omitempty"`
	NominalFramerate float64 `yaml:"nominal_framerate,omitempty"`
	// depth of the compositor pipeline in frames, used for pose prediction offsets
	PipelineFrames float64 `yaml:"pipeline_frames,omitempty"`
}

func (s StreamConfig) NominalFrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / s.NominalFramerate)
}

func (s StreamConfig) Validate() error {
	if s.MaxHistorySize <= 0 {
		return ErrInvalidHistorySize
	}
	if s.NominalFramerate <= 0 {
		return ErrInvalidFramerate
	}
	return nil
}

type TelemetryConfig struct {
	// events are also written to the log when enabled
	LogEvents      bool   `yaml:"log_events,omitempty"`
	EventQueueSize int    `yaml:"event_queue_size,omitempty"`
	EventLogFile   string `yaml:"event_log_file,omitempty"`
	Prometheus     bool   `yaml:"prometheus,omitempty"`
}

type SimulatorConfig struct {
	Enabled          bool          `yaml:"enabled,omitempty"`
	CapacityMbps     float64       `yaml:"capacity_mbps,omitempty"`
	BaseLatency      time.Duration `yaml:"base_latency,omitempty"`
	LossProbability  float64       `yaml:"loss_probability,omitempty"`
	ShardPayloadSize int           `yaml:"shard_payload_size,omitempty"`
	DecodeLatency    time.Duration `yaml:"decode_latency,omitempty"`
	EncodeLatency    time.Duration `yaml:"encode_latency,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
}

var DefaultConfig = Config{
	Port: 7890,
	Stream: StreamConfig{
		MaxHistorySize:   256,
		NominalFramerate: 72,
		PipelineFrames:   1.5,
	},
	Bitrate: DefaultBitrateConfig(),
	Telemetry: TelemetryConfig{
		EventQueueSize: 1024,
		Prometheus:     true,
	},
	Simulator: SimulatorConfig{
		CapacityMbps:     80,
		BaseLatency:      4 * time.Millisecond,
		LossProbability:  0.001,
		ShardPayloadSize: 1400,
		DecodeLatency:    3 * time.Millisecond,
		EncodeLatency:    4 * time.Millisecond,
	},
	Logging: LoggingConfig{
		Config: logger.Config{
			Level: "info",
		},
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	if conf.Telemetry.EventLogFile != "" {
		// expand env vars in filenames
		file, err := homedir.Expand(os.ExpandEnv(conf.Telemetry.EventLogFile))
		if err != nil {
			return nil, err
		}
		conf.Telemetry.EventLogFile = file
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}

	return &conf, nil
}

func (conf *Config) Validate() error {
	if err := conf.Stream.Validate(); err != nil {
		return errors.Wrap(err, "could not validate stream config")
	}
	if err := conf.Bitrate.Validate(); err != nil {
		return errors.Wrap(err, "could not validate bitrate config")
	}
	return nil
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := false
			if len(yamlTagArray) > 1 && yamlTagArray[1] == "inline" {
				isInline = true
			}
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := fmt.Sprintf("%s_%s", envVarPrefix, strings.ToUpper(strings.Replace(name, ".", "_", -1)))

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int64:
			if value.Type() == reflect.TypeOf(time.Duration(0)) {
				flag = &cli.DurationFlag{
					Name:    name,
					EnvVars: []string{envVar},
					Usage:   generatedCLIFlagUsage,
					Hidden:  hidden,
				}
				break
			}
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			flag = &cli.UintFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice, reflect.Map, reflect.Struct, reflect.Interface:
			// configured through yaml only
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		// the `c.App.Name != "test"` check is needed because `c.IsSet(...)` is always false in unit tests
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32:
			configValue.SetInt(c.Int64(flagName))
		case reflect.Int64:
			if configValue.Type() == reflect.TypeOf(time.Duration(0)) {
				configValue.SetInt(int64(c.Duration(flagName)))
			} else {
				configValue.SetInt(c.Int64(flagName))
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("bind") {
		conf.BindAddresses = c.StringSlice("bind")
	}
	return nil
}

// ToMap returns the configuration keyed like the config file.
func (conf *Config) ToMap() (map[string]interface{}, error) {
	marshalled, err := yaml.Marshal(conf)
	if err != nil {
		return nil, err
	}

	var out map[string]interface{}
	if err := yaml.Unmarshal(marshalled, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(config.Config, "xrstream")
}
