package vmdk

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import "fmt"

const sparseDescriptorTemplate = `# Disk DescriptorFile
version=1
CID=%d
parentCID=ffffffff
createType="monolithicSparse"

# Extent description
RW %d SPARSE "%s.vmdk" 0

# The Disk Data Base
#DDB
ddb.adapterType = "ide"
ddb.geometry.cylinders = "%d"
ddb.geometry.heads = "16"
ddb.geometry.sectors = "63"
ddb.virtualHWVersion = "10"
`

const flatDescriptorTemplate = `# Disk DescriptorFile
version=1
CID=%d
parentCID=ffffffff
createType="monolithicFlat"

# Extent description
RW %d FLAT "%s-flat.vmdk" 0

# The Disk Data Base
#DDB
ddb.adapterType = "ide"
ddb.geometry.cylinders = "%d"
ddb.geometry.heads = "255"
ddb.geometry.sectors = "63"
ddb.virtualHWVersion = "10"
`

func sparseDescriptor(cid uint32, capacitySectors int64, name string) string {
	cylinders := capacitySectors / (SparseHeads * SparseSectors)
	return fmt.Sprintf(sparseDescriptorTemplate, cid, capacitySectors, name, cylinders)
}

func flatDescriptor(cid uint32, capacitySectors int64, name string) string {
	cylinders := capacitySectors / (FlatHeads * FlatSectors)
	return fmt.Sprintf(flatDescriptorTemplate, cid, capacitySectors, name, cylinders)
}
