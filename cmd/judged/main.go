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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/codepr/dsajudge/internal/config"
	"github.com/codepr/dsajudge/internal/judge"
	"github.com/codepr/dsajudge/internal/logging"
	"github.com/codepr/dsajudge/internal/notify"
	"github.com/codepr/dsajudge/internal/queue"
	"github.com/codepr/dsajudge/internal/sandbox"
	"github.com/codepr/dsajudge/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/dsajudge/node.yaml", "Path to the node configuration file")
	logDir := flag.String("log-dir", "/logs", "Directory for the per-level log files")
	flag.Parse()

	log, err := logging.New(*logDir)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	node, err := config.LoadFromFile(*configPath)
	if err != nil {
		log.Fatal("failed to load node config", zap.Error(err))
	}

	if err := store.Migrate(node.DSN); err != nil {
		log.Fatal("failed to apply migrations", zap.Error(err))
	}

	db, err := store.Open(node.DSN)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	driver, err := sandbox.NewDockerDriver()
	if err != nil {
		log.Fatal("failed to connect to docker", zap.Error(err))
	}

	pipeline := judge.New(driver, judge.Config{
		BuildImage:        node.BuildImage,
		JudgeImage:        node.JudgeImage,
		BuildMemoryMB:     node.BuildMemoryMB,
		JudgeMemoryHeadMB: node.JudgeMemoryHeadMB,
		BuildTimeoutMS:    node.BuildTimeoutMS,
		PidsLimit:         node.PidsLimit,
		StackLimitKB:      node.StackLimitKB,
		CgroupParent:      node.CgroupParent,
		GuestUID:          node.GuestUID,
		GuestGID:          node.GuestGID,
		ResourceDir:       node.ResourceDir,
		UploadDirPath:     node.UploadDirPath,
		StdoutLimitBytes:  node.OutputLimitStdoutBytes,
		StderrLimitBytes:  node.OutputLimitStderrBytes,
	}, log)

	var notifier *notify.AmqpNotifier
	if node.BrokerURL == "" {
		log.Warn("AMQP_URL not set, finalize notifications are disabled")
	}
	notifier = notify.NewAmqpNotifier(node.BrokerURL, node.NotifyExchange)

	pool := queue.New(db, pipeline, notifier, log, node.Workers, node.QueueCapacity, node.QueueFillerCron)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Start(ctx); err != nil {
		log.Fatal("failed to start worker pool", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()
	pool.Stop()
}
