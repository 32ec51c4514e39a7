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

package modules

// Conventional child names for transfer-learning composites.
const (
	BackboneName = "backbone"
	HeadName     = "head"
)

// NewClassifier assembles the usual transfer-learning composite: the given (typically
// pretrained) backbone under the child name "backbone", and a fresh dense classification
// head with numClasses outputs under "head".
//
// Initializing it produces a weight tree with the top-level keys "backbone" and "head";
// the backbone values are freshly initialized as well -- transplant the pretrained
// weights over them with weights.Transplant.
func NewClassifier(backbone Interface, numClasses int) *Composite {
	return NewComposite(
		Named(BackboneName, backbone),
		Named(HeadName, NewDense(numClasses)),
	)
}
