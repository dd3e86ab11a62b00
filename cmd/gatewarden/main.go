// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the gatewarden gateway.
package main

import (
	"github.com/gatewarden/gatewarden/cmd/gatewarden/app"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		logger.Fatalf("command failed: %v", err)
	}
}
