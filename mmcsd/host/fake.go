// MMC/SD block device core driver
// https://github.com/usbarmory/go-mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package host

import (
	"context"
	"fmt"
)

// FakeHost is an in-memory Host implementation driving a synthetic card
// image, standing in for the physical SDIO controller in tests the same
// way the teacher's own test files stub out hardware state rather than
// requiring real silicon.
type FakeHost struct {
	Caps Capabilities

	// Present controls CardPresent.
	Present bool

	// Script, if set, is consulted in Execute before the built-in card
	// model: Script maps a command index to a canned response/error,
	// letting a test drive a specific protocol edge case (a CRC error on
	// CMD18, a busy OCR on the first ACMD41 poll, ...) without having to
	// extend the card model itself.
	Script map[uint32]func(cmd *Command) (Response, error)

	// Storage backs all data-phase reads/writes, indexed by byte offset
	// (argument * BlockSize for high-capacity cards, argument directly
	// otherwise - callers set HighCapacity to match).
	Storage      []byte
	HighCapacity bool

	// RCA is the address the fake hands back on CMD3; tests
	// set it up-front since the fake does not implement the full
	// identification numbering scheme.
	RCA uint32

	// OCRBusy, when true, makes the first ACMD41/CMD1 poll report busy
	// and the second report ready, exercising the polling loop.
	OCRBusy     bool
	ocrPolled   bool
	width       int
	clockHz     int
	timing      Timing
	lastCmd     uint32
	CmdLog      []uint32
}

// NewFakeHost returns a FakeHost with reasonable defaults (4/8 bit bus, 64
// block max transfer, 4 byte DMA alignment) and storageSize bytes of
// zeroed backing storage.
func NewFakeHost(storageSize int) *FakeHost {
	return &FakeHost{
		Caps: Capabilities{
			BusWidths:            []int{1, 4, 8},
			MaxBlockCount:        64,
			DMAAlignment:         4,
			SupportsHighSpeedDDR: true,
		},
		Present: true,
		Storage: make([]byte, storageSize),
	}
}

func (f *FakeHost) Capabilities() Capabilities { return f.Caps }

func (f *FakeHost) Reset(ctx context.Context) error {
	f.width = 1
	f.clockHz = 0
	f.timing = Legacy
	return nil
}

func (f *FakeHost) CardPresent() bool { return f.Present }

func (f *FakeHost) SetBusWidth(width int) error {
	for _, w := range f.Caps.BusWidths {
		if w == width {
			f.width = width
			return nil
		}
	}

	return fmt.Errorf("fake host: unsupported bus width %d", width)
}

func (f *FakeHost) SetClock(hz int, timing Timing) error {
	if timing == HighSpeedDDR && !f.Caps.SupportsHighSpeedDDR {
		return fmt.Errorf("fake host: DDR not supported")
	}

	f.clockHz = hz
	f.timing = timing

	return nil
}

func (f *FakeHost) SetVoltage(mv int) error {
	return nil
}

func (f *FakeHost) Execute(ctx context.Context, cmd *Command) (Response, error) {
	if !f.Present {
		return Response{}, fmt.Errorf("fake host: no card present")
	}

	f.lastCmd = cmd.Index
	f.CmdLog = append(f.CmdLog, cmd.Index)

	if fn, ok := f.Script[cmd.Index]; ok {
		return fn(cmd)
	}

	switch cmd.Index {
	case 1, 41: // SEND_OP_COND / SD_SEND_OP_COND
		rsp := Response{}

		if f.OCRBusy && !f.ocrPolled {
			f.ocrPolled = true
			// busy bit (31) clear signals "still powering up"
			rsp[0] = cmd.Argument &^ (1 << 31)
		} else {
			rsp[0] = cmd.Argument | (1 << 31)
		}

		return rsp, nil
	case 3: // SEND_RELATIVE_ADDR / SET_RELATIVE_ADDR
		rsp := Response{}
		rsp[0] = f.RCA << 16
		return rsp, nil
	case 7: // SELECT/DESELECT_CARD
		return Response{}, nil
	case 13: // SEND_STATUS
		return Response{}, nil
	}

	switch cmd.Direction {
	case Read:
		off := f.offset(cmd)
		n := copy(cmd.Data, f.Storage[off:])
		if n < len(cmd.Data) {
			return Response{}, fmt.Errorf("fake host: read past end of storage")
		}
	case Write:
		off := f.offset(cmd)
		n := copy(f.Storage[off:], cmd.Data)
		if n < len(cmd.Data) {
			return Response{}, fmt.Errorf("fake host: write past end of storage")
		}
	}

	return Response{}, nil
}

func (f *FakeHost) offset(cmd *Command) int64 {
	if f.HighCapacity {
		return int64(cmd.Argument) * int64(cmd.BlockSize)
	}

	return int64(cmd.Argument)
}

// LastCommand returns the index of the most recently executed command, for
// assertions that care about issuance order (e.g. a CMD12 stop following a
// failed CMD25).
func (f *FakeHost) LastCommand() uint32 { return f.lastCmd }
