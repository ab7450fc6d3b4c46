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

package models

// Status is the terminal state of an ingestion attempt.
type Status string

const (
	StatusAdmitted  Status = "admitted"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
)

// Reason explains a rejection. It is diagnostic only.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonOversize          Reason = "oversize"
	ReasonUnsupportedFormat Reason = "unsupported_format"
	ReasonMalware           Reason = "malware"
	ReasonIOFailure         Reason = "io_failure"
)

// Result is the outcome of one ingestion attempt. Address and Format are
// set only when Status is StatusAdmitted. Build it with Admitted,
// Duplicate or Rejected so that shape always holds.
type Result struct {
	Status    Status           `json:"status"`
	Address   string           `json:"address,omitempty"`
	Format    string           `json:"format,omitempty"`
	Reason    Reason           `json:"reason,omitempty"`
	Signature ContentSignature `json:"-"`
}

// Admitted builds the result for a stored, clean artifact.
func Admitted(sig ContentSignature, address, format string) Result {
	return Result{Status: StatusAdmitted, Address: address, Format: format, Signature: sig}
}

// Duplicate builds the result for content already present in the index.
// The location of the earlier artifact is deliberately not reported.
func Duplicate(sig ContentSignature) Result {
	return Result{Status: StatusDuplicate, Signature: sig}
}

// Rejected builds the result for a submission that failed a gate.
func Rejected(reason Reason, sig ContentSignature) Result {
	return Result{Status: StatusRejected, Reason: reason, Signature: sig}
}

// HasLocation reports whether the result carries an address and format.
func (r Result) HasLocation() bool {
	return r.Address != "" && r.Format != ""
}
