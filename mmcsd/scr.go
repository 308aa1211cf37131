// MMC/SD block device core driver
// https://github.com/usbarmory/go-mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmcsd

// SCR (SD Configuration Register) byte layout, read via ACMD51 as an 8
// byte, MSB-first data block.
// p200, 5.6 SCR register, SD-PL-7.10
const (
	scrBusWidth4   = 0x04
	scrBusWidth1   = 0x01
	scrCmd23Bit    = 0x02 // CMD_SUPPORT bit 1: SET_BLOCK_COUNT (CMD23)
)

func decodeSCR(data []byte) (SCR, error) {
	if len(data) < 8 {
		return SCR{}, wrapf(IoError, "scr", "short SCR read: %d bytes", len(data))
	}

	var scr SCR

	scr.SDSpec = int(data[0] & 0x0f)

	widths := data[1] & 0x0f

	if widths&scrBusWidth1 != 0 {
		scr.BusWidths = append(scr.BusWidths, 1)
	}

	if widths&scrBusWidth4 != 0 {
		scr.BusWidths = append(scr.BusWidths, 4)
	}

	scr.CMD23Support = data[4]&scrCmd23Bit != 0

	return scr, nil
}
