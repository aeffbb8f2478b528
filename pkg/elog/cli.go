package elog

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"os"

	"github.com/cirruslabs/echelon"
	"github.com/cirruslabs/echelon/renderers"
)

// NewCLI builds the default Logger used by the command-line tool: an
// EchelonLogger rendering to stderr at the given level.
func NewCLI(level LogLevel) Logger {
	renderer := renderers.NewSimpleRenderer(os.Stderr, nil)
	return &EchelonLogger{
		Logger: echelon.NewLogger(echelon.LogLevel(level), renderer),
	}
}
