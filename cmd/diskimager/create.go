package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/diskimager/diskimager/pkg/coordinator"
)

var (
	flagDevice       string
	flagOutputDir    string
	flagOutputName   string
	flagFormat       string
	flagBufferSize   int64
	flagTotalSectors int64
	flagCID          uint32
	flagSerialNumber string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new disk image, or continue a previously interrupted one",
	Long: `create copies --sectors sectors from --device into --output-dir/--output-name
using the format named by --format (dd, sparse, or flat). If a resume record
in the working directory matches the same device and output, the copy
continues from where it left off instead of starting over.`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

func init() {
	f := createCmd.Flags()
	f.StringVar(&flagDevice, "device", "", "path to the source device or file (required)")
	f.StringVar(&flagOutputDir, "output-dir", ".", "directory to write the image into")
	f.StringVar(&flagOutputName, "output-name", "", "base name of the output file, without extension (required)")
	f.StringVar(&flagFormat, "format", "sparse", "image format: dd, sparse, or flat")
	f.Int64Var(&flagBufferSize, "buffer-size", 0, "copy buffer size in bytes (defaults to the configured value)")
	f.Int64Var(&flagTotalSectors, "sectors", 0, "number of 512-byte sectors to copy (required)")
	f.Uint32Var(&flagCID, "cid", 0, "override the descriptor CID (0 selects a random value; VMDK formats only)")
	f.StringVar(&flagSerialNumber, "serial", "", "source device serial number, recorded in the resume log")

	for _, name := range []string{"device", "output-name", "sectors"} {
		if err := createCmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
}

func runCreate(cmd *cobra.Command, args []string) error {
	if flagTotalSectors <= 0 {
		return errors.New("--sectors must be positive")
	}

	bufferSize := flagBufferSize
	if bufferSize <= 0 {
		bufferSize = viper.GetInt64("bufferSize")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := coordinator.New(viper.GetString("workDir"), logger)
	if err != nil {
		return err
	}

	var cidPtr *uint32
	if flagCID != 0 {
		cidPtr = &flagCID
	}

	switch flagFormat {
	case "dd":
		result, err := c.RunRawCopy(ctx, coordinator.RawCopyJob{
			Disk:           flagDevice,
			SerialNumber:   flagSerialNumber,
			Device:         flagDevice,
			OutputDir:      flagOutputDir,
			OutputFileName: flagOutputName,
			BufferSize:     bufferSize,
			TotalSectors:   flagTotalSectors,
		})
		if err != nil {
			return err
		}
		fmt.Printf("wrote %d sectors in %s\n", result.SectorsWritten, result.Duration())

	case "flat":
		result, err := c.RunFlat(ctx, coordinator.FlatJob{
			RawCopyJob: coordinator.RawCopyJob{
				Disk:           flagDevice,
				SerialNumber:   flagSerialNumber,
				Device:         flagDevice,
				OutputDir:      flagOutputDir,
				OutputFileName: flagOutputName,
				BufferSize:     bufferSize,
				TotalSectors:   flagTotalSectors,
			},
			CID: cidPtr,
		})
		if err != nil {
			return err
		}
		fmt.Printf("wrote %d sectors in %s\n", result.SectorsWritten, result.Duration())

	case "sparse":
		result, err := c.RunSparse(ctx, coordinator.SparseJob{
			Disk:            flagDevice,
			SerialNumber:    flagSerialNumber,
			Device:          flagDevice,
			OutputDir:       flagOutputDir,
			OutputFileName:  flagOutputName,
			BufferSize:      bufferSize,
			CapacitySectors: flagTotalSectors,
			CID:             cidPtr,
		})
		if err != nil {
			return err
		}
		fmt.Printf("wrote %d/%d grains\n", result.GrainsWritten, result.Layout.TotalGrains)

	default:
		return errors.Errorf("unknown format %q, expected dd, sparse, or flat", flagFormat)
	}

	return nil
}
