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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/gomlx/finetune/hub"
	"github.com/gomlx/finetune/modules"
	"github.com/gomlx/finetune/optimizers"
	"github.com/gomlx/finetune/partition"
	"github.com/gomlx/finetune/train"
	"github.com/gomlx/finetune/weights"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/urfave/cli/v3"
)

// setupSummary is the json report printed after a successful setup.
type setupSummary struct {
	Model           string         `json:"model"`
	InputShape      string         `json:"input_shape"`
	NumClasses      int            `json:"num_classes"`
	Optimizer       string         `json:"optimizer"`
	TotalParameters int            `json:"total_parameters"`
	Partitions      map[string]int `json:"partitions"`
	CheckpointDir   string         `json:"checkpoint_dir,omitempty"`
}

func setupCmd() *cli.Command {
	var (
		modelID       string
		authToken     string
		dataDir       string
		baseURL       string
		numClasses    int
		batchSize     int
		features      int
		seed          int
		optimizerName string
		checkpointDir string
		jsonOutput    bool
	)
	return &cli.Command{
		Name:  "setup",
		Usage: "Build a transfer-learning training state from a pretrained hub model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "hub model id, e.g. owner/model",
				Destination: &modelID,
				Required:    true,
			},
			&cli.StringFlag{Name: "auth-token", Usage: "hub read token, if the model requires one", Destination: &authToken},
			&cli.StringFlag{Name: "data-dir", Usage: "directory to cache downloaded models", Value: "~/.cache/finetune", Destination: &dataDir},
			&cli.StringFlag{Name: "base-url", Usage: "hub address", Value: hub.DefaultBaseURL, Destination: &baseURL},
			&cli.IntFlag{Name: "classes", Usage: "number of classes of the new head", Value: 2, Destination: &numClasses},
			&cli.IntFlag{Name: "batch", Usage: "batch size of the input shape", Value: 32, Destination: &batchSize},
			&cli.IntFlag{Name: "features", Usage: "input feature size of the model", Required: true, Destination: &features},
			&cli.IntFlag{Name: "seed", Usage: "seed for the head initialization", Destination: &seed},
			&cli.StringFlag{Name: "optimizer", Usage: "optimizer for the trainable partition (sgd, adam, adamw)", Value: "adam", Destination: &optimizerName},
			&cli.StringFlag{Name: "checkpoint", Usage: "if set, save the assembled state to this directory", Destination: &checkpointDir},
			&cli.BoolFlag{Name: "json", Usage: "print the summary as json", Destination: &jsonOutput},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			model, err := hub.New(modelID, authToken, dataDir)
			if err != nil {
				return err
			}
			model.WithBaseURL(baseURL)

			config, err := model.LoadConfig()
			if err != nil {
				return err
			}
			backbone, err := config.Build()
			if err != nil {
				return err
			}
			pretrained, err := model.LoadTree()
			if err != nil {
				return err
			}
			pretrained = hub.ConvertToFloat32(pretrained)

			input := shapes.Make(dtypes.Float32, batchSize, features)
			state, err := train.Transfer(backbone, pretrained).
				NumClasses(numClasses).
				Input(input).
				Seed(uint64(seed)).
				Optimizer(optimizers.ByName(optimizerName)).
				Done()
			if err != nil {
				return err
			}

			labels := partition.Tag(state.Weights, partition.FreezeBackbone())
			summary := &setupSummary{
				Model:           modelID,
				InputShape:      input.String(),
				NumClasses:      numClasses,
				Optimizer:       optimizerName,
				TotalParameters: weights.NumParameters(state.Weights),
				Partitions:      partition.Count(labels),
				CheckpointDir:   checkpointDir,
			}
			if checkpointDir != "" {
				if err = state.Save(checkpointDir); err != nil {
					return err
				}
			}

			if jsonOutput {
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(summary)
			}
			fmt.Printf("Model %s -> %d classes, input %s\n", summary.Model, summary.NumClasses, summary.InputShape)
			fmt.Printf("Optimizer: %s (trainable partition only)\n", summary.Optimizer)
			fmt.Printf("Parameters: %d total\n", summary.TotalParameters)
			for _, label := range partition.Labels(labels) {
				fmt.Printf("  %-10s %d tensors\n", label, summary.Partitions[label])
			}
			if checkpointDir != "" {
				fmt.Printf("Checkpoint saved to %s\n", checkpointDir)
			}
			return nil
		},
	}
}
