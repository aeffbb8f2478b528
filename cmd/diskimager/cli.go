package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/diskimager/diskimager/pkg/elog"
)

const configFileName = "diskimager"

var (
	flagVerbose bool
	flagDebug   bool
	flagCfgFile string
)

// RootCommand is the diskimager entry point. Subcommands attach to it
// in init().
var RootCommand = &cobra.Command{
	Use:   "diskimager",
	Short: "Create resumable DD and monolithic-sparse VMDK disk images",
	Long: `diskimager copies a storage device or regular file into a byte-faithful
archival image, either a flat DD copy or a monolithic-sparse VMDK container,
and can resume an interrupted copy from where it left off.`,
}

func init() {
	RootCommand.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	RootCommand.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	RootCommand.PersistentFlags().StringVar(&flagCfgFile, "config", "", "path to a config file (default $HOME/diskimager.yaml)")

	RootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level := elog.InfoLevel
		if flagDebug {
			level = elog.DebugLevel
		} else if flagVerbose {
			level = elog.TraceLevel
		}
		logger = elog.NewCLI(level)

		initConfig()
		return nil
	}

	RootCommand.AddCommand(createCmd)
	RootCommand.AddCommand(resumeCmd)
}

// initConfig reads working-directory and buffer-size defaults from a
// config file, falling back to built-in defaults when none is found.
func initConfig() {
	if flagCfgFile != "" {
		viper.SetConfigFile(flagCfgFile)
	} else {
		home, err := homedir.Dir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigName(configFileName)
	}

	viper.SetDefault("workDir", ".")
	viper.SetDefault("bufferSize", int64(4*1024*1024))

	if err := viper.ReadInConfig(); err == nil {
		logger.Debugf("using config file: %s", viper.ConfigFileUsed())
	} else {
		logger.Debugf("no config file found, using defaults: %v", err)
	}
}
