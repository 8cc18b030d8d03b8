// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package logging builds the process's structured logger from the
// LOG_LEVEL surface named in the external interfaces. Grounded on
// sakateka-yanet2's common/go/logging.Init: a zap.Config built once at
// startup, returning a SugaredLogger plus its AtomicLevel so the level
// can be raised or lowered later without rebuilding the logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init builds the process logger at the given level name ("debug",
// "info", "warn", "error"; empty defaults to "info", and an unrecognized
// name returns an error).
func Init(levelName string) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(defaultLevel(levelName))); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("logging: invalid level %q: %w", levelName, err)
	}

	cfg := zap.Config{
		Level:            level,
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger.Sugar(), level, nil
}

func defaultLevel(name string) string {
	if name == "" {
		return "info"
	}
	return name
}
