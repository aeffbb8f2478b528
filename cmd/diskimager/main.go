package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"os"

	"github.com/diskimager/diskimager/pkg/elog"
)

var logger elog.Logger

// Each command executed may set an error message and status code for
// the process to report on exit, the same way a library call reports
// failure without panicking.
var errorStatusCode int
var errorStatusMessage error

func setError(err error, statusCode int) {
	logger.Errorf(err.Error())
	errorStatusCode = statusCode
	errorStatusMessage = err
}

func handleErrors() {
	if errorStatusMessage != nil {
		os.Exit(errorStatusCode)
	}
}

func main() {
	defer handleErrors()

	logger = elog.NewCLI(elog.InfoLevel)

	if err := RootCommand.Execute(); err != nil {
		setError(err, 1)
		return
	}
}
