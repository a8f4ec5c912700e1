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

// Package watchdog defines the wire contract between the judge core and the
// in-container watchdog helper: a task.json document in, a single JSON
// result document out. Both documents are schema-validated with
// additionalProperties disallowed, so an unknown or missing field is always
// an IE, never mistaken for a program RE.
package watchdog

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// TaskSpec is the task.json document written into the container before
// exec, instructing the watchdog what to run and under what limits.
type TaskSpec struct {
	Command       string `json:"command"`
	Stdin         string `json:"stdin"`
	TimeoutMS     int    `json:"timeoutMS"`
	MemoryLimitMB int    `json:"memoryLimitMB"`
	UID           int    `json:"uid"`
	GID           int    `json:"gid"`
}

// Result is the single JSON document the watchdog writes to its stdout
// once the supervised command exits or is killed for exceeding a limit.
type Result struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimeMS   int    `json:"timeMS"`
	MemoryKB int    `json:"memoryKB"`
	TLE      bool   `json:"TLE"`
	MLE      bool   `json:"MLE"`
	OLE      bool   `json:"OLE"`
}

var taskSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"additionalProperties": false,
	"required": ["command", "stdin", "timeoutMS", "memoryLimitMB", "uid", "gid"],
	"properties": {
		"command": {"type": "string"},
		"stdin": {"type": "string"},
		"timeoutMS": {"type": "integer"},
		"memoryLimitMB": {"type": "integer"},
		"uid": {"type": "integer"},
		"gid": {"type": "integer"}
	}
}`)

var resultSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"additionalProperties": false,
	"required": ["exit_code", "stdout", "stderr", "timeMS", "memoryKB", "TLE", "MLE", "OLE"],
	"properties": {
		"exit_code": {"type": "integer"},
		"stdout": {"type": "string"},
		"stderr": {"type": "string"},
		"timeMS": {"type": "integer"},
		"memoryKB": {"type": "integer"},
		"TLE": {"type": "boolean"},
		"MLE": {"type": "boolean"},
		"OLE": {"type": "boolean"}
	}
}`)

// EncodeTask marshals a TaskSpec to the task.json payload the watchdog
// expects, validating it against the schema before returning it so a
// malformed spec never reaches the sandbox.
func EncodeTask(t TaskSpec) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, errors.Wrap(err, "marshal task spec")
	}
	if err := validate(taskSchema, b); err != nil {
		return nil, errors.Wrap(err, "task spec failed schema validation")
	}
	return b, nil
}

// DecodeResult validates and unmarshals the watchdog's stdout payload.
// Any schema violation — an unknown field, a missing field, a wrong type —
// is reported as an error: callers must translate that into IE, never RE.
func DecodeResult(raw []byte) (Result, error) {
	var r Result
	if err := validate(resultSchema, raw); err != nil {
		return r, errors.Wrap(err, "watchdog result failed schema validation")
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, errors.Wrap(err, "unmarshal watchdog result")
	}
	return r, nil
}

func validate(schema gojsonschema.JSONLoader, doc []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return errors.Wrap(err, "schema validation")
	}
	if !result.Valid() {
		msg := "invalid document"
		if errs := result.Errors(); len(errs) > 0 {
			msg = errs[0].String()
		}
		return errors.New(msg)
	}
	return nil
}
