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

package optimizers

import (
	"encoding/gob"
	"sort"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// stateHeader is the gob-encodable fixed part of a State: everything except the slot
// tensors, which are serialized with tensors.GobSerialize.
type stateHeader struct {
	Step           int64
	SlotPaths      []string
	SlotCounts     []int
	PartitionNames []string
}

// GobSerialize writes the state to the encoder in a deterministic order, so it can be
// used for checkpointing. Slot tensors and partition sub-states are written sorted by
// key.
func (s *State) GobSerialize(encoder *gob.Encoder) error {
	header := stateHeader{Step: s.Step}
	for p := range s.Slots {
		header.SlotPaths = append(header.SlotPaths, p)
	}
	sort.Strings(header.SlotPaths)
	for _, p := range header.SlotPaths {
		header.SlotCounts = append(header.SlotCounts, len(s.Slots[p]))
	}
	for name := range s.Partitions {
		header.PartitionNames = append(header.PartitionNames, name)
	}
	sort.Strings(header.PartitionNames)
	if err := encoder.Encode(header); err != nil {
		return errors.Wrapf(err, "failed to serialize optimizer state header")
	}
	for _, p := range header.SlotPaths {
		for _, t := range s.Slots[p] {
			if err := t.GobSerialize(encoder); err != nil {
				return errors.WithMessagef(err, "failed to serialize optimizer slot for %q", p)
			}
		}
	}
	for _, name := range header.PartitionNames {
		if err := s.Partitions[name].GobSerialize(encoder); err != nil {
			return errors.WithMessagef(err, "failed to serialize state of partition %q", name)
		}
	}
	return nil
}

// GobDeserializeState reads a State written by State.GobSerialize.
func GobDeserializeState(decoder *gob.Decoder) (*State, error) {
	var header stateHeader
	if err := decoder.Decode(&header); err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize optimizer state header")
	}
	s := &State{Step: header.Step}
	if len(header.SlotPaths) > 0 {
		s.Slots = make(map[string][]*tensors.Tensor, len(header.SlotPaths))
		for ii, p := range header.SlotPaths {
			slots := make([]*tensors.Tensor, 0, header.SlotCounts[ii])
			for jj := 0; jj < header.SlotCounts[ii]; jj++ {
				t, err := tensors.GobDeserialize(decoder)
				if err != nil {
					return nil, errors.WithMessagef(err, "failed to deserialize optimizer slot for %q", p)
				}
				slots = append(slots, t)
			}
			s.Slots[p] = slots
		}
	}
	if len(header.PartitionNames) > 0 {
		s.Partitions = make(map[string]*State, len(header.PartitionNames))
		for _, name := range header.PartitionNames {
			sub, err := GobDeserializeState(decoder)
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to deserialize state of partition %q", name)
			}
			s.Partitions[name] = sub
		}
	}
	return s, nil
}
