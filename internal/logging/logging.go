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

// Package logging builds the judge core's leveled logger: each of
// debug/info/warning/error/critical is appended to its own file, and
// info-and-above also reaches the console. The files are never rotated and
// no entries are removed from them, debug and info included. Every file line
// is a JSON object, mirroring the judge server's own per-level file-handler
// split; console lines use zap's plain console encoding.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the judge core's *zap.Logger, writing its per-level files
// under dir. A dir of "" disables file output and logs to the console only,
// which is convenient for tests.
func New(dir string) (*zap.Logger, error) {
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	jsonEncoder := zapcore.NewJSONEncoder(encoderCfg)
	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(zap.InfoLevel)),
	}

	if dir != "" {
		rotating := map[string]zapcore.Level{
			"5DEBUG.log": zap.DebugLevel,
			"4INFO.log":  zap.InfoLevel,
		}
		appending := map[string]zapcore.Level{
			"3WARNING.log":  zap.WarnLevel,
			"2ERROR.log":    zap.ErrorLevel,
			"1CRITICAL.log": zap.DPanicLevel,
		}

		for name, level := range rotating {
			w, err := openAppend(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			cores = append(cores, zapcore.NewCore(jsonEncoder, w, onlyLevel(level)))
		}
		for name, level := range appending {
			w, err := openAppend(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			cores = append(cores, zapcore.NewCore(jsonEncoder, w, onlyLevel(level)))
		}
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core, zap.AddCaller()), nil
}

// onlyLevel mirrors the judge server's per-handler LevelFilter: each file
// receives exactly one severity, not that severity and above.
func onlyLevel(level zapcore.Level) zap.LevelEnablerFunc {
	return func(l zapcore.Level) bool { return l == level }
}

func openAppend(path string) (zapcore.WriteSyncer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return zapcore.AddSync(f), nil
}
