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

	"github.com/dustin/go-humanize"
	"github.com/gomlx/finetune/hub"
	"github.com/gomlx/finetune/weights"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/urfave/cli/v3"
)

func inspectCmd() *cli.Command {
	var (
		modelID   string
		authToken string
		dataDir   string
		baseURL   string
	)
	return &cli.Command{
		Name:  "inspect",
		Usage: "List the tensors of a hub model",
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
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			model, err := hub.New(modelID, authToken, dataDir)
			if err != nil {
				return err
			}
			model.WithBaseURL(baseURL)
			tree, err := model.LoadTree()
			if err != nil {
				return err
			}
			_ = tree.EnumerateLeaves(func(p string, t *tensors.Tensor) error {
				fmt.Printf("%s: %s\n", p, t.Shape())
				return nil
			})
			fmt.Printf("%d parameters, %s\n",
				weights.NumParameters(tree), humanize.Bytes(uint64(weights.Memory(tree))))
			return nil
		},
	}
}
