package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/diskimager/diskimager/pkg/resumelog"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Inspect or clear in-progress resume records",
}

var resumeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resume records in the working directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := resumelog.Open(viper.GetString("workDir"))
		if err != nil {
			return err
		}
		paths, records, err := log.Enumerate()
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("no resume records found")
			return nil
		}
		for i, rec := range records {
			switch rec.Type {
			case resumelog.DD:
				fmt.Printf("%s\tdd\t%s -> %s/%s\t%d/%d sectors\n",
					paths[i], rec.Raw.Disk, rec.Raw.OutputDir, rec.Raw.OutputFileName,
					rec.Raw.SectorsWritten, rec.Raw.TotalSectors)
			case resumelog.Sparse:
				fmt.Printf("%s\tsparse\t%s -> %s/%s\t%d/%d grains\n",
					paths[i], rec.Sparse.Disk, rec.Sparse.OutputDir, rec.Sparse.OutputFileName,
					rec.Sparse.GrainsWritten, rec.Sparse.TotalGrains)
			}
		}
		return nil
	},
}

var resumeDeleteCmd = &cobra.Command{
	Use:   "delete <path>",
	Short: "Delete a resume record, abandoning its job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := resumelog.Open(viper.GetString("workDir"))
		if err != nil {
			return err
		}
		return log.Delete(args[0])
	},
}

func init() {
	resumeCmd.AddCommand(resumeListCmd)
	resumeCmd.AddCommand(resumeDeleteCmd)
}
