// MMC/SD block device core driver
// https://github.com/usbarmory/go-mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmcsd

import "github.com/usbarmory/go-mmcsd/mmcsd/host"

// CID register bit positions. SEND_CSD/ALL_SEND_CID responses carry the
// register shifted by 8 bits (the low CRC7/end bit is not returned), the
// same csdRspOff convention the teacher applies throughout cmd.go/sd.go.
const (
	csdRspOff = -8

	cidMID = 120 + csdRspOff
	cidOID = 104 + csdRspOff
	// SD PNM is 5 ASCII bytes at [103:64], MMC PNM is 6 ASCII bytes at
	// [111:64] (with MMC OID only occupying [119:112] and CBX sitting at
	// [113:112] within it); this driver does not need to pick the
	// product name apart further than "the ASCII bytes between OID and
	// PRV", so it reads the SD framing and, for MMC, folds the extra
	// leading byte into the name too rather than maintaining two field
	// tables.
	cidPNMSD  = 64 + csdRspOff
	cidPRV    = 56 + csdRspOff
	cidPSN    = 24 + csdRspOff
)

func decodeCID(rsp host.Response, mmc bool) CID {
	var pnm [6]byte
	off := cidPNMSD

	n := 5
	if mmc {
		n = 6
		off = 56 + csdRspOff + 8 // include the extra leading MMC PNM byte
	}

	for i := 0; i < n; i++ {
		pnm[i] = byte(rsp.Bits(off+(n-1-i)*8, 0xff))
	}

	return CID{
		ManufacturerID:   uint8(rsp.Bits(cidMID, 0xff)),
		OEMApplicationID: uint16(rsp.Bits(cidOID, 0xffff)),
		ProductName:      string(pnm[:n]),
		ProductRevision:  uint8(rsp.Bits(cidPRV, 0xff)),
		SerialNumber:     rsp.Bits(cidPSN, 0xffffffff),
	}
}
