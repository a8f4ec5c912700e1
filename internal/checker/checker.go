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

// Package checker compares expected and observed program output under
// whitespace normalization: trailing blank lines and run-of-whitespace
// differences never cause a WA verdict on their own.
package checker

import "strings"

// Match reports whether observed is equivalent to expected once both are
// split into lines, trimmed, stripped of empty lines, and tokenized on
// whitespace runs. Line count and per-line token lists must match exactly.
func Match(expected, observed string) bool {
	expLines := normalizeLines(expected)
	obsLines := normalizeLines(observed)

	if len(expLines) != len(obsLines) {
		return false
	}

	for i := range expLines {
		expTokens := strings.Fields(expLines[i])
		obsTokens := strings.Fields(obsLines[i])
		if len(expTokens) != len(obsTokens) {
			return false
		}
		for j := range expTokens {
			if expTokens[j] != obsTokens[j] {
				return false
			}
		}
	}
	return true
}

// normalizeLines splits s on newlines, trims each line, and drops lines
// that are empty after trimming.
func normalizeLines(s string) []string {
	raw := strings.Split(s, "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
