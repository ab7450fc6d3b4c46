// Copyright (c) 2026 John Earle
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

package pipeline

// State is a position in the per-attempt state machine.
type State int

const (
	StateStart State = iota
	StateValidating
	StateSignatureCheck
	StateStoring
	StateScanGate
	StateAdmitted
	StateDuplicate
	StateRejected
)

var stateNames = [...]string{
	StateStart:          "start",
	StateValidating:     "validating",
	StateSignatureCheck: "signature_check",
	StateStoring:        "storing",
	StateScanGate:       "scan_gate",
	StateAdmitted:       "admitted",
	StateDuplicate:      "duplicate",
	StateRejected:       "rejected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return s == StateAdmitted || s == StateDuplicate || s == StateRejected
}
