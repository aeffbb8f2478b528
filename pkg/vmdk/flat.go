package vmdk

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"github.com/pkg/errors"

	"github.com/diskimager/diskimager/pkg/blockio"
)

// WriteFlatDescriptor writes the text descriptor half of a monolithicFlat
// VMDK pair: a `<name>.vmdk` descriptor pointing at a sibling
// `<name>-flat.vmdk` data file. The data file itself is produced by
// pkg/rawcopy — this is the degenerate, uncompressed companion to a
// monolithicSparse image, not a container format of its own.
func WriteFlatDescriptor(w *blockio.Writer, capacitySectors int64, name string, cidOverride *uint32) error {
	if capacitySectors <= 0 {
		return errors.New("vmdk: capacitySectors must be positive")
	}
	desc := flatDescriptor(generateCID(cidOverride), capacitySectors, name)
	if _, err := w.Write([]byte(desc)); err != nil {
		return errors.Wrap(err, "vmdk: writing flat descriptor")
	}
	return nil
}
