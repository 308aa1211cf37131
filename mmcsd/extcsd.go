// MMC/SD block device core driver
// https://github.com/usbarmory/go-mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmcsd

import "encoding/binary"

// EXT_CSD field byte offsets.
// p193, 7.4 Extended CSD register, JESD84-B51
const (
	extCSDPartitionConfig         = 179
	extCSDBusWidth                = 183
	extCSDHSTiming                = 185
	extCSDDeviceType              = 196
	extCSDSecCount                = 212 // 4 bytes, little endian
	extCSDPartitioningSupport     = 160
	extCSDPartitionSettingComp    = 155
	extCSDEraseGroupDef           = 175
	extCSDBootSizeMult            = 226
	extCSDRPMBSizeMult            = 168
	extCSDGPSizeMult              = 143 // 4 x 3 bytes little endian

	extCSDDefaultBlockSize = 512

	// p220, Table 137 - Device types, JESD84-B51
	deviceTypeHS200Mask = 0b11 << 4
	deviceTypeDDRMask   = 0b11 << 2
	deviceTypeHSMask    = 0b11

	partitionSupportBit    = 1 << 0
	partitionSettingCompBit = 1 << 0

	// p224, 7.4.69 PARTITION_CONFIG [179], JESD84-B51
	partitionAccessNone = 0x0
	partitionAccessRPMB = 0x3

	hsTimingHS    = 0x1
	hsTimingHS200 = 0x2

	// High/Dual-Data-Rate/HS200 throughput ceilings this driver
	// negotiates towards, in MB/s. HS200/HS400 tuning itself is out of
	// scope (see Non-goals); DEVICE_TYPE is still decoded below so
	// callers can see what the card advertises, capped at HS/DDR.
	hssdrMbps = 52
	hsddrMbps = 104
)

// decodeExtCSD parses the 512 byte EXT_CSD blob returned by CMD8
// (SEND_EXT_CSD). Only the fields this driver consumes are extracted; the
// remaining ~500-odd defined registers are left to callers who want the
// raw ioctl pass-through instead.
func decodeExtCSD(buf []byte) (ExtCSD, error) {
	if len(buf) < extCSDDefaultBlockSize {
		return ExtCSD{}, wrapf(IoError, "ext csd", "short EXT_CSD read: %d bytes", len(buf))
	}

	var e ExtCSD

	e.SectorCount = binary.LittleEndian.Uint32(buf[extCSDSecCount:])
	e.DeviceType = buf[extCSDDeviceType]
	e.PartitionSupport = buf[extCSDPartitioningSupport]&partitionSupportBit != 0
	e.PartitionSettingComplete = buf[extCSDPartitionSettingComp]&partitionSettingCompBit != 0
	e.BootSizeMult = buf[extCSDBootSizeMult]
	e.RPMBSizeMult = buf[extCSDRPMBSizeMult]
	e.HighCapacityEraseSupport = buf[extCSDEraseGroupDef]&1 != 0

	for i := 0; i < 4; i++ {
		off := extCSDGPSizeMult + i*3
		e.GPSizeMult[i] = uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16
	}

	return e, nil
}

// rate returns the negotiated throughput ceiling (MB/s) implied by
// DEVICE_TYPE, capped at High Speed DDR: HS200/HS400 signalling is out of
// scope (see Non-goals), so a card only ever advertising those modes still
// negotiates down to plain High Speed here.
func (e ExtCSD) rate() int {
	switch {
	case e.DeviceType&deviceTypeDDRMask != 0:
		return hsddrMbps
	case e.DeviceType&(deviceTypeHSMask|deviceTypeHS200Mask) != 0:
		return hssdrMbps
	default:
		return 0
	}
}

// partitions derives the fixed eMMC hardware partition table from EXT_CSD,
// following the unit conversions of p128 Table 39 and p224-226,
// JESD84-B51: BOOT_SIZE_MULT and RPMB_SIZE_MULT are in 128 KiB units,
// GP_SIZE_MULT is in write-protect-group granularity (erase group size x
// HC_WP_GRP_SIZE, approximated here as 512 KiB units per the common default
// WRITE_PROTECT_GROUP of erase-group-size 1, matching typical eMMC
// defaults observed in this driver's target deployments).
func (e ExtCSD) partitions() []Partition {
	var parts []Partition

	const unit128K = 128 * 1024 / extCSDDefaultBlockSize
	const unitGP = 512 * 1024 / extCSDDefaultBlockSize

	if e.BootSizeMult > 0 {
		blocks := int(e.BootSizeMult) * unit128K
		parts = append(parts,
			Partition{Kind: PartBoot0, Blocks: blocks},
			Partition{Kind: PartBoot1, Blocks: blocks},
		)
	}

	if e.RPMBSizeMult > 0 {
		parts = append(parts, Partition{Kind: PartRPMB, Blocks: int(e.RPMBSizeMult) * unit128K, ReadOnly: true})
	}

	if e.PartitionSettingComplete {
		gpKinds := [4]PartitionKind{PartGP1, PartGP2, PartGP3, PartGP4}

		for i, mult := range e.GPSizeMult {
			if mult == 0 {
				continue
			}

			parts = append(parts, Partition{Kind: gpKinds[i], Blocks: int(mult) * unitGP})
		}
	}

	return parts
}
