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

// Package config loads the judge node's runtime configuration from a YAML
// file on disk, with environment variables supplying the pieces that
// shouldn't live in a checked-in file (connection strings, broker URLs).
package config

import (
	"io/ioutil"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Node is the judge worker's runtime configuration. For now it's quite
// simple:
// - How many workers run judge pipelines concurrently
// - The images used for the build and judge containers
// - Resource ceilings applied to every sandbox container
// - The queue-filler cadence
type Node struct {
	Workers           int    `yaml:"workers"`
	BuildImage        string `yaml:"build_image"`
	JudgeImage        string `yaml:"judge_image"`
	BuildMemoryMB     int    `yaml:"build_memory_mb"`
	JudgeMemoryHeadMB int    `yaml:"judge_memory_headroom_mb"`
	BuildTimeoutMS    int    `yaml:"build_timeout_ms"`
	PidsLimit         int    `yaml:"pids_limit"`
	StackLimitKB      int    `yaml:"stack_limit_kb"`
	QueueFillerCron   string `yaml:"queue_filler_cron"`
	QueueCapacity     int    `yaml:"queue_capacity"`

	// DSN, BrokerURL, NotifyExchange and the fields below are never read
	// from the YAML file: they come from the environment, keeping secrets
	// and per-host paths out of a checked-in config.
	//
	// DSN is sourced from DATABASE_DSN rather than the original DB_URL
	// name — go-sql-driver/mysql's DSN grammar differs from a generic
	// database URL, so the field name follows what it actually holds.
	DSN            string `yaml:"-"`
	BrokerURL      string `yaml:"-"`
	NotifyExchange string `yaml:"-"`

	// ResourceDir is RESOURCE_PATH: the root that every TestCase's
	// StdinPath/StdoutPath/StderrPath and every Problem's ArrangedFile
	// path is resolved against.
	ResourceDir string `yaml:"-"`
	// UploadDirPath is UPLOAD_DIR_PATH: the root that a Submission's
	// stored UploadDir is resolved against.
	UploadDirPath string `yaml:"-"`
	// GuestUID/GuestGID are GUEST_UID/GUEST_GID: the identity the
	// watchdog drops privileges to before running a submission's program.
	GuestUID int `yaml:"-"`
	GuestGID int `yaml:"-"`
	// CgroupParent is CGROUP_PARENT: an optional pre-provisioned cgroup
	// every judge container is placed under.
	CgroupParent string `yaml:"-"`
	// OutputLimitStdoutBytes/OutputLimitStderrBytes are
	// OUTPUT_LIMIT_STDOUT_BYTES/OUTPUT_LIMIT_STDERR_BYTES: the host-side
	// byte caps applied on top of the watchdog's own OLE detection.
	OutputLimitStdoutBytes int `yaml:"-"`
	OutputLimitStderrBytes int `yaml:"-"`
}

// LoadFromFile reads a Node config from path, applying defaults first so a
// partially-specified file still produces a usable configuration, then
// overlays the environment-sourced fields.
func LoadFromFile(path string) (*Node, error) {
	node := &Node{
		Workers:           4,
		BuildImage:        "checker-lang-gcc",
		JudgeImage:        "binary-runner",
		BuildMemoryMB:     1024,
		JudgeMemoryHeadMB: 512,
		BuildTimeoutMS:    2000,
		PidsLimit:         64,
		StackLimitKB:      8192,
		QueueFillerCron:   "*/5 * * * * *",
		QueueCapacity:     32,
		NotifyExchange:    "submission.finalized",
		GuestUID:          1000,
		GuestGID:          1000,
		OutputLimitStdoutBytes: 1 << 20, // 1 MiB
		OutputLimitStderrBytes: 1 << 16, // 64 KiB
	}

	yamlFile, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(yamlFile, node); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}

	node.DSN = os.Getenv("DATABASE_DSN")
	node.BrokerURL = os.Getenv("AMQP_URL")
	if ex := os.Getenv("NOTIFY_EXCHANGE"); ex != "" {
		node.NotifyExchange = ex
	}
	node.ResourceDir = os.Getenv("RESOURCE_PATH")
	node.UploadDirPath = os.Getenv("UPLOAD_DIR_PATH")
	node.CgroupParent = os.Getenv("CGROUP_PARENT")

	if err := overrideInt(&node.GuestUID, "GUEST_UID"); err != nil {
		return nil, err
	}
	if err := overrideInt(&node.GuestGID, "GUEST_GID"); err != nil {
		return nil, err
	}
	if err := overrideInt(&node.OutputLimitStdoutBytes, "OUTPUT_LIMIT_STDOUT_BYTES"); err != nil {
		return nil, err
	}
	if err := overrideInt(&node.OutputLimitStderrBytes, "OUTPUT_LIMIT_STDERR_BYTES"); err != nil {
		return nil, err
	}

	if node.DSN == "" {
		return nil, errors.New("DATABASE_DSN must be set")
	}

	return node, nil
}

// overrideInt replaces *field with the integer value of the named
// environment variable when it's set, leaving the existing default in
// place when it's unset; a set-but-unparsable value is a hard error rather
// than a silently ignored default.
func overrideInt(field *int, envVar string) error {
	raw := os.Getenv(envVar)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return errors.Wrapf(err, "parse %s", envVar)
	}
	*field = v
	return nil
}
