// MMC/SD block device core driver
// https://github.com/usbarmory/go-mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mmcsd implements the card lifecycle and transfer state machine
// sitting above a low level SDIO host controller: identification, CSD/CID/
// SCR/EXT_CSD register decoding, single/multi block transfers, busy state
// tracking, bus width and clock negotiation, eMMC hardware partitions and
// media-change driven (un)registration of partition block devices.
//
// The package deliberately knows nothing about any specific host controller.
// It is driven entirely through the host.Host contract (package
// github.com/usbarmory/go-mmcsd/mmcsd/host), which a board/SoC package is
// expected to implement. See github.com/usbarmory/go-mmcsd/drivers/nxpusdhc
// for a reference implementation over the NXP uSDHC controller.
package mmcsd
