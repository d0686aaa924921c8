// SPDX-FileCopyrightText: Copyright 2026 DIRACGrid contributors.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the diracx service.
package main

import (
	"os"

	"github.com/DIRACGrid/diracx-sub002/cmd/diracx/app"
	"github.com/DIRACGrid/diracx-sub002/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
