// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package verdict defines the total order over test-case and submission
// outcomes. The order is fixed and must never be derived from string
// comparison: AC < WA < TLE < MLE < RE < CE < OLE < IE < FN.
package verdict

// Verdict is a single evaluation outcome, ranked by its zero-based position
// in the total order.
type Verdict int

const (
	AC Verdict = iota
	WA
	TLE
	MLE
	RE
	CE
	OLE
	IE
	FN
)

var names = [...]string{"AC", "WA", "TLE", "MLE", "RE", "CE", "OLE", "IE", "FN"}

func (v Verdict) String() string {
	if v < 0 || int(v) >= len(names) {
		return "UNKNOWN"
	}
	return names[v]
}

// Parse maps a verdict name back to its rank. It reports ok=false for any
// string outside the fixed enumeration, never guessing a rank from
// lexicographic order.
func Parse(s string) (Verdict, bool) {
	for i, n := range names {
		if n == s {
			return Verdict(i), true
		}
	}
	return 0, false
}

// Max returns the higher-ranked of two verdicts under the total order.
// Aggregation of a submission's per-case JudgeResults is always this
// function folded over the case list, seeded with AC.
func Max(a, b Verdict) Verdict {
	if b > a {
		return b
	}
	return a
}
