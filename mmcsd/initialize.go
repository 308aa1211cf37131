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
	"context"
	"time"

	"github.com/usbarmory/go-mmcsd/mmcsd/host"
)

const (
	// p118, Table 4-31, SD-PL-7.10
	sdBusWidth1 = 0b00
	sdBusWidth4 = 0b10

	// p92, Table 4-11 : Available Functions of CMD6, SD-PL-7.10
	sdSwitchModeCheck  = 0
	sdSwitchModeSwitch = 1
	sdSwitchAccessHS   = 0x1
	sdSwitchGroupAccessMode = 1
	sdSwitchStatusLength    = 64

	// p62, 6.6.1 Command sets and extended settings, JESD84-B51
	mmcSwitchAccess  = 24
	mmcSwitchIndex   = 16
	mmcSwitchValue   = 8
	accessWriteByte  = 0b11
)

// initializeSD implements p351, 35.4.5 SD card initialization flow chart,
// IMX6FG: CMD2/CMD3 have already run in identify(); this picks up with CSD
// decode, CMD7 select, ACMD6 bus width and an optional CMD6 High Speed
// switch. UHS-I/II voltage switching and tuning are out of scope (Non-goals).
func (s *Slot) initializeSD(ctx context.Context) error {
	csdRsp, err := s.do(ctx, 9, s.rca, host.R2)

	if err != nil {
		return wrapf(IoError, "initialize", "CMD9: %v", err)
	}

	csd, err := decodeCSDSD(csdRsp)

	if err != nil {
		return err
	}

	s.card.CSD = csd
	s.card.BlockSize = csd.BlockSize
	s.card.Blocks = csd.Blocks

	if _, err := s.do(ctx, 7, s.rca, host.R1b); err != nil {
		return wrapf(IoError, "initialize", "CMD7: %v", err)
	}

	if err := s.waitState(ctx, currentStateTran, 1*time.Millisecond); err != nil {
		return err
	}

	if err := s.readSCR(ctx); err != nil {
		return err
	}

	width := 1

	for _, w := range s.card.SCR.BusWidths {
		if w == 4 {
			width = 4
		}
	}

	if width == 4 && hostSupportsWidth(s.host, 4) {
		// ACMD42 (SET_CLR_CARD_DETECT) disconnects the DAT3 pull-up
		// before switching to 4 bit mode, p71, 4.3.12 SET_CLR_CARD_DETECT
		// (ACMD42), SD-PL-7.10. It is optional for cards that don't
		// keep the pull-up connected in the first place: a failure
		// here is logged and otherwise ignored, ACMD6 is attempted
		// regardless.
		if _, err := s.doAppCmd(ctx, 42, 0, host.R1); err != nil {
			s.cfg.Logger.Warnf("mmcsd%d: ACMD42 failed, continuing: %v", s.minor, err)
		}

		busWidth := uint32(sdBusWidth4)

		if _, err := s.doAppCmd(ctx, 6, busWidth, host.R1); err != nil {
			return wrapf(IoError, "initialize", "ACMD6: %v", err)
		}

		if err := s.host.SetBusWidth(4); err != nil {
			return wrapf(IoError, "initialize", "set bus width: %v", err)
		}

		s.card.BusWidth = 4
	} else {
		s.card.BusWidth = 1
	}

	if err := s.switchHighSpeedSD(ctx); err != nil {
		s.cfg.Logger.Warnf("mmcsd%d: high speed switch failed, staying at default speed: %v", s.minor, err)
	}

	if err := s.do16SetBlockLen(ctx); err != nil {
		return err
	}

	return nil
}

func hostSupportsWidth(h host.Host, w int) bool {
	for _, cw := range h.Capabilities().BusWidths {
		if cw == w {
			return true
		}
	}

	return false
}

// readSCR issues ACMD51 and decodes the 8 byte SCR register.
func (s *Slot) readSCR(ctx context.Context) error {
	buf := make([]byte, 8)

	if _, err := s.doAppCmdData(ctx, 51, 0, host.Read, 1, 8, buf); err != nil {
		return wrapf(IoError, "initialize", "ACMD51: %v", err)
	}

	scr, err := decodeSCR(buf)

	if err != nil {
		return err
	}

	s.card.SCR = scr

	return nil
}

// doAppCmdData is doAppCmd's data-phase counterpart, used by readSCR.
func (s *Slot) doAppCmdData(ctx context.Context, index uint32, arg uint32, dir host.Direction, blocks int, blockSize int, buf []byte) (host.Response, error) {
	rsp, err := s.do(ctx, 55, s.rca, host.R1)

	if err != nil {
		return host.Response{}, err
	}

	if rsp.Bits(statusAppCmd, 1) != 1 {
		return host.Response{}, wrapf(InvalidState, "acmd", "card not expecting application command")
	}

	bb, err := s.bounce.Prepare(buf, s.host.Capabilities().DMAAlignment, dir == host.Write)

	if err != nil {
		return host.Response{}, wrapf(OutOfMemory, "acmd", "bounce buffer: %v", err)
	}

	defer bb.Release(dir == host.Read)

	return s.host.Execute(ctx, &host.Command{
		Index: index, Argument: arg, Response: host.R1,
		Direction: dir, Blocks: blocks, BlockSize: blockSize, Data: bb.Bytes(),
	})
}

// switchHighSpeedSD issues the CMD6 mode-switch sequence (p89, 4.3.10
// Switch Function Command, SD-PL-7.10), moving to High Speed if the card
// advertises support for it.
func (s *Slot) switchHighSpeedSD(ctx context.Context) error {
	status, err := s.switchSD(ctx, sdSwitchModeCheck, sdSwitchGroupAccessMode, 0xf)

	if err != nil {
		return err
	}

	if len(status) < 14 || status[13]&sdSwitchAccessHS == 0 {
		return nil
	}

	if _, err := s.switchSD(ctx, sdSwitchModeSwitch, sdSwitchGroupAccessMode, sdSwitchAccessHS); err != nil {
		return err
	}

	if err := s.host.SetClock(0, host.HighSpeed); err != nil {
		return wrapf(IoError, "initialize", "set clock: %v", err)
	}

	s.card.HS = true

	return nil
}

func (s *Slot) switchSD(ctx context.Context, mode uint32, group int, val uint32) ([]byte, error) {
	arg := uint32(0x00ffffff)
	arg |= mode << 31
	arg |= (val & 0xf) << ((group - 1) * 4)

	status := make([]byte, sdSwitchStatusLength)

	bb, err := s.bounce.Prepare(status, s.host.Capabilities().DMAAlignment, false)

	if err != nil {
		return nil, wrapf(OutOfMemory, "switch", "bounce buffer: %v", err)
	}

	defer bb.Release(true)

	_, err = s.host.Execute(ctx, &host.Command{
		Index: 6, Argument: arg, Response: host.R1,
		Direction: host.Read, Blocks: 1, BlockSize: sdSwitchStatusLength, Data: bb.Bytes(),
	})

	if err != nil {
		return nil, wrapf(IoError, "switch", "CMD6: %v", err)
	}

	if err := s.waitState(ctx, currentStateTran, 500*time.Millisecond); err != nil {
		return nil, err
	}

	return status, nil
}

// initializeMMC implements p352, 35.4.7 MMC card initialization flow
// chart, IMX6FG / p58, 6.4.4 Device identification process, JESD84-B51.
func (s *Slot) initializeMMC(ctx context.Context) error {
	csdRsp, err := s.do(ctx, 9, s.rca, host.R2)

	if err != nil {
		return wrapf(IoError, "initialize", "CMD9: %v", err)
	}

	csd, cSize, cSizeMult, err := decodeCSDMMC(csdRsp)

	if err != nil {
		return err
	}

	s.card.CSD = csd

	if _, err := s.do(ctx, 7, s.rca, host.R1b); err != nil {
		return wrapf(IoError, "initialize", "CMD7: %v", err)
	}

	if err := s.waitState(ctx, currentStateTran, 1*time.Millisecond); err != nil {
		return err
	}

	width := 1

	for _, w := range []int{8, 4} {
		if hostSupportsWidth(s.host, w) {
			width = w
			break
		}
	}

	var busWidthVal uint32

	switch width {
	case 4:
		busWidthVal = 1
	case 8:
		busWidthVal = 2
	default:
		busWidthVal = 0
	}

	if width > 1 {
		if err := s.writeExtCSDByte(ctx, extCSDBusWidth, busWidthVal); err != nil {
			return err
		}

		if err := s.host.SetBusWidth(width); err != nil {
			return wrapf(IoError, "initialize", "set bus width: %v", err)
		}
	}

	s.card.BusWidth = width

	if err := s.readExtCSD(ctx, cSize, cSizeMult, csd.BlockSize); err != nil {
		return err
	}

	if err := s.do16SetBlockLen(ctx); err != nil {
		return err
	}

	if s.card.ExtCSD.rate() <= hssdrMbps {
		return nil
	}

	return s.switchHighSpeedDDRMMC(ctx, busWidthVal)
}

// readExtCSD issues CMD8 (SEND_EXT_CSD) and applies the SEC_COUNT override
// for cards denser than 2GB, per p128 Table 39, JESD84-B51.
func (s *Slot) readExtCSD(ctx context.Context, cSize uint32, cSizeMult uint32, readBlLenSize int) error {
	buf := make([]byte, extCSDDefaultBlockSize)

	if err := s.transferRaw(ctx, 8, host.Read, 0, 1, extCSDDefaultBlockSize, buf); err != nil {
		return wrapf(IoError, "initialize", "CMD8 (SEND_EXT_CSD): %v", err)
	}

	ext, err := decodeExtCSD(buf)

	if err != nil {
		return err
	}

	s.card.ExtCSD = ext

	if cSize == 0xfff {
		s.card.BlockSize = extCSDDefaultBlockSize
		s.card.Blocks = int(ext.SectorCount)
	} else {
		s.card.BlockSize = readBlLenSize
		s.card.Blocks = int((cSize + 1) * (2 << (cSizeMult + 2)))
	}

	return nil
}

// writeExtCSDByte issues the CMD6 byte-write form used for both
// BUS_WIDTH and (later) PARTITION_CONFIG, p62, 6.6.1 Command sets and
// extended settings, JESD84-B51.
func (s *Slot) writeExtCSDByte(ctx context.Context, reg uint32, val uint32) error {
	arg := uint32(accessWriteByte) << mmcSwitchAccess
	arg |= (reg & 0xff) << mmcSwitchIndex
	arg |= (val & 0xff) << mmcSwitchValue

	rsp, err := s.do(ctx, 6, arg, host.R1b)

	if err != nil {
		return wrapf(IoError, "switch", "CMD6: %v", err)
	}

	if err := s.waitState(ctx, currentStateTran, 500*time.Millisecond); err != nil {
		return err
	}

	if rsp.Bits(statusSwitchError, 1) != 0 {
		return wrapf(IoError, "switch", "SWITCH_ERROR set for EXT_CSD[%d]=%#x", reg, val)
	}

	return nil
}

// switchHighSpeedDDRMMC enables eMMC High Speed Dual Data Rate mode on
// Version 4.1+ cards advertising DDR support, p112, Dual Data Rate mode
// operation, JESD84-B51.
func (s *Slot) switchHighSpeedDDRMMC(ctx context.Context, busWidthVal uint32) error {
	if s.card.CSD.Version < 4 {
		return nil
	}

	if err := s.writeExtCSDByte(ctx, extCSDHSTiming, hsTimingHS); err != nil {
		return err
	}

	ddrBusWidth := busWidthVal + 4 // p223, 7.4.67 BUS_WIDTH [183]: 5=4bit DDR, 6=8bit DDR

	if err := s.writeExtCSDByte(ctx, extCSDBusWidth, ddrBusWidth); err != nil {
		return err
	}

	if err := s.host.SetClock(0, host.HighSpeedDDR); err != nil {
		return wrapf(IoError, "initialize", "set clock: %v", err)
	}

	s.card.DDR = true
	s.card.HS = true

	return nil
}

func (s *Slot) do16SetBlockLen(ctx context.Context) error {
	if s.card.DDR {
		// CMD16 (SET_BLOCKLEN) is only legal in single data rate mode.
		return nil
	}

	if _, err := s.do(ctx, 16, uint32(s.card.BlockSize), host.R1); err != nil {
		return wrapf(IoError, "initialize", "CMD16: %v", err)
	}

	return nil
}
