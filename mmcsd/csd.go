// MMC/SD block device core driver
// https://github.com/usbarmory/go-mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmcsd

import (
	"github.com/usbarmory/go-mmcsd/mmcsd/host"
)

// SD CSD register bit positions.
// p201-213, 5.3 CSD register, SD-PL-7.10
const (
	sdCSDStructure = 126 + csdRspOff

	sdCSDCSizeMult1   = 47 + csdRspOff
	sdCSDCSize1       = 62 + csdRspOff
	sdCSDReadBlLen1   = 80 + csdRspOff
	sdCSDTranSpeed1   = 96 + csdRspOff

	sdCSDCSize2 = 48 + csdRspOff
)

// MMC CSD register bit positions.
// p184, 7.3 CSD register, JESD84-B51
const (
	mmcCSDSpecVers  = 122 + csdRspOff
	mmcCSDTranSpeed = 96 + csdRspOff
	mmcCSDReadBlLen = 80 + csdRspOff
	mmcCSDCSize     = 62 + csdRspOff
	mmcCSDCSizeMult = 47 + csdRspOff

	tranSpeed26MHz = 0x32
)

// decodeCSDSD decodes CSD versions 1.0/2.0 as reported by SEND_CSD (CMD9),
// following the per-version field layout the teacher dispatches on in
// soc/imx6/usdhc/sd.go detectCapabilitiesSD. Version 3.0 (SDUC) is
// recognized and rejected with Unsupported.
func decodeCSDSD(rsp host.Response) (csd CSD, err error) {
	ver := rsp.Bits(sdCSDStructure, 0b11)

	switch ver {
	case 0:
		cSizeMult := rsp.Bits(sdCSDCSizeMult1, 0b111)
		cSize := rsp.Bits(sdCSDCSize1, 0xfff)
		readBlLen := rsp.Bits(sdCSDReadBlLen1, 0xf)

		csd.BlockSize = 2 << (readBlLen - 1)
		csd.Blocks = int((cSize + 1) * (2 << (cSizeMult + 2)))
	case 1:
		cSize := rsp.Bits(sdCSDCSize2, 0x3fffff)
		readBlLen := rsp.Bits(sdCSDReadBlLen1, 0xf)

		csd.BlockSize = 2 << (readBlLen - 1)
		csd.Blocks = int(cSize+1) * 1024
	case 2:
		// SDUC (CSD version 3.0, terabyte-class capacity) is out of
		// scope: decode the field but refuse to proceed, rather than
		// silently truncating a capacity this driver cannot address
		// correctly.
		return csd, wrapf(Unsupported, "csd", "SDUC (CSD version 3.0) capacity is not supported")
	default:
		return csd, wrapf(Unsupported, "csd", "unsupported CSD version %d", ver)
	}

	csd.Version = int(ver)
	csd.TransferRate = tranSpeedMHz(rsp.Bits(sdCSDTranSpeed1, 0xff))

	return csd, nil
}

// decodeCSDMMC decodes the eMMC CSD register. Capacity here is provisional:
// for cards denser than 2GB it is superseded by EXT_CSD.SEC_COUNT once
// readExtCSD runs, per p128 Table 39, JESD84-B51.
func decodeCSDMMC(rsp host.Response) (csd CSD, cSize uint32, cSizeMult uint32, err error) {
	cSizeMult = rsp.Bits(mmcCSDCSizeMult, 0b111)
	cSize = rsp.Bits(mmcCSDCSize, 0xfff)
	readBlLen := rsp.Bits(mmcCSDReadBlLen, 0xf)
	mhz := rsp.Bits(mmcCSDTranSpeed, 0xff)
	ver := rsp.Bits(mmcCSDSpecVers, 0xf)

	if mhz != tranSpeed26MHz {
		return csd, 0, 0, wrapf(Unsupported, "csd", "unexpected TRAN_SPEED %#x", mhz)
	}

	csd.Version = int(ver)
	csd.BlockSize = 2 << (readBlLen - 1)
	csd.Blocks = int((cSize + 1) * (2 << (cSizeMult + 2)))
	csd.TransferRate = tranSpeedMHz(mhz)

	return csd, cSize, cSizeMult, nil
}

func tranSpeedMHz(raw uint32) int {
	if raw == tranSpeed26MHz {
		return 26
	}

	return 0
}
