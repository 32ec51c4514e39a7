/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package hub

import (
	"os"
	"path"

	"github.com/goccy/go-json"
	"github.com/gomlx/finetune/modules"
	"github.com/pkg/errors"
)

// ConfigFile is the conventional architecture description file of hub models.
const ConfigFile = "config.json"

// Config describes the architecture of a hub model, parsed from its "config.json". Only
// the multi-layer perceptron family is supported.
type Config struct {
	// ModelType is "mlp" or "dense".
	ModelType string `json:"model_type"`

	// HiddenSizes are the output features of each dense layer, in order.
	HiddenSizes []int `json:"hidden_sizes"`

	// Activation applied by each hidden layer: "relu", "tanh" or "".
	Activation string `json:"activation"`

	// UseBias of the dense layers. Defaults to true in Build if not set.
	UseBias *bool `json:"use_bias"`
}

// LoadConfig downloads the model files (if not yet local) and parses the model's
// "config.json".
func (m *Model) LoadConfig() (*Config, error) {
	if err := m.Download(); err != nil {
		return nil, err
	}
	configPath := path.Join(m.BaseDir, ConfigFile)
	configJson, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "model %q has no readable %q", m.ID, ConfigFile)
	}
	config := &Config{}
	if err = json.Unmarshal(configJson, config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q of model %q", ConfigFile, m.ID)
	}
	return config, nil
}

// Build creates the module described by the config. The returned module is a pure
// description: load its weights separately with Model.LoadTree.
func (c *Config) Build() (modules.Interface, error) {
	switch c.Activation {
	case "", "relu", "tanh":
	default:
		return nil, errors.Errorf("unsupported activation %q in config", c.Activation)
	}
	useBias := true
	if c.UseBias != nil {
		useBias = *c.UseBias
	}
	newDense := func(features int) (*modules.Dense, error) {
		if features <= 0 {
			return nil, errors.Errorf("invalid layer size %d in config, must be positive", features)
		}
		return modules.NewDense(features).UseBias(useBias).WithActivation(c.Activation), nil
	}
	switch c.ModelType {
	case "dense":
		if len(c.HiddenSizes) != 1 {
			return nil, errors.Errorf("model_type \"dense\" requires exactly one size in hidden_sizes, got %v",
				c.HiddenSizes)
		}
		return newDense(c.HiddenSizes[0])
	case "mlp":
		if len(c.HiddenSizes) == 0 {
			return nil, errors.Errorf("model_type \"mlp\" requires at least one size in hidden_sizes")
		}
		layers := make([]modules.Interface, 0, len(c.HiddenSizes))
		for _, size := range c.HiddenSizes {
			layer, err := newDense(size)
			if err != nil {
				return nil, err
			}
			layers = append(layers, layer)
		}
		return modules.NewSequential(layers...), nil
	default:
		return nil, errors.Errorf("unsupported model_type %q in config, only \"mlp\" and \"dense\" are supported",
			c.ModelType)
	}
}
