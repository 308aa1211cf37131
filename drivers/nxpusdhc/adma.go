// MMC/SD block device core driver
// https://github.com/usbarmory/go-mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nxpusdhc

import "encoding/binary"

// admaDescriptor is a single ADMA2 32-bit descriptor entry (p4043, 58.8.20
// ADMA System Address, IMX6ULLRM and p352, 35.4.9 Buffer (descriptor) for
// ADMA, IMX6FG). This driver only ever needs one entry per transfer since
// mmcsd chunks transfers to the Host's MaxBlockCount before calling
// Execute.
type admaDescriptor struct {
	attr   uint16
	length uint16
	addr   uint32
}

const (
	admaAttrValid = 1 << 0
	admaAttrEnd   = 1 << 1
	admaAttrInt   = 1 << 2
	// act[1:0] = 0b10 selects ADMA2 transfer type (as opposed to nop/link).
	admaAttrActTran = 0b10 << 4
)

func newADMADescriptor(addr uint32, length int) admaDescriptor {
	return admaDescriptor{
		attr:   admaAttrValid | admaAttrEnd | admaAttrActTran,
		length: uint16(length),
		addr:   addr,
	}
}

func (d admaDescriptor) bytes() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], d.attr)
	binary.LittleEndian.PutUint16(buf[2:4], d.length)
	binary.LittleEndian.PutUint32(buf[4:8], d.addr)
	return buf
}
