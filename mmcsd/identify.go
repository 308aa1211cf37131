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

// Voltage/OCR bit positions.
// p59, 4.2.3.1 Initialization Command (ACMD41), SD-PL-7.10
// p198, 5.1 OCR register, SD-PL-7.10
// p181, 7.1 OCR register, JESD84-B51
const (
	cmd8ArgVHS           = 8
	cmd8ArgCheckPattern  = 0
	vhsHigh              = 0b0001
	vhsLow               = 0b0010
	checkPattern         = 0b10101010

	sdOCRBusy   = 31
	sdOCRHCS    = 30
	sdOCRVDDMin = 15

	mmcOCRBusy       = 31
	mmcOCRAccessMode = 29
	mmcOCRVDDMin     = 15
	accessModeSector = 0b10

	detectTimeout = 1 * time.Second
)

// identify runs the card identification process (spec §4.2): CMD0 reset,
// SD voltage validation via CMD8/ACMD41, falling back to MMC voltage
// validation via CMD1 if the card doesn't answer as SD (and
// Config.MMCSupport is set; otherwise NoDevice), then CMD2/CMD3
// to assign an RCA. On return exactly one of s.card.SD / s.card.MMC is
// set, or an error is returned.
func (s *Slot) identify(ctx context.Context) error {
	if _, err := s.do(ctx, 0, 0, host.RNone); err != nil {
		return wrapf(IoError, "identify", "CMD0: %v", err)
	}

	sd, hc, err := s.voltageValidationSD(ctx)

	if err != nil {
		return err
	}

	if sd {
		s.card.SD = true
		s.card.HC = hc
		return s.assignAddressSD(ctx)
	}

	if !s.cfg.MMCSupport {
		return newError(NoDevice, "identify", nil)
	}

	mmc, hc, err := s.voltageValidationMMC(ctx)

	if err != nil {
		return err
	}

	if !mmc {
		return newError(NoDevice, "identify", nil)
	}

	s.card.MMC = true
	s.card.HC = hc

	return s.assignAddressMMC(ctx)
}

// voltageValidationSD implements CMD8/ACMD41 per p350, 35.4.4 SD voltage
// validation flow chart, IMX6FG / p57, 4.2.3 Card Initialization and
// Identification Process, SD-PL-7.10. A non-SD card (one that never
// answers ACMD41 meaningfully) returns sd=false without error so the
// caller can fall through to MMC validation.
func (s *Slot) voltageValidationSD(ctx context.Context) (sd bool, hc bool, err error) {
	var arg uint32
	var hv bool

	argIf := uint32(vhsHigh<<cmd8ArgVHS | checkPattern)

	if rsp, cerr := s.do(ctx, 8, argIf, host.R7); cerr == nil && rsp.Word(0) == argIf {
		hc = true
		hv = true
	} else {
		argLow := uint32(vhsLow<<cmd8ArgVHS | checkPattern)

		if rsp, cerr := s.do(ctx, 8, argLow, host.R7); cerr == nil && rsp.Word(0) == argLow {
			hc = true
		} else {
			hv = true
		}
	}

	if hc {
		arg |= 1 << sdOCRHCS
	}

	if hv {
		arg |= 0x1ff << sdOCRVDDMin
	} else {
		arg |= 1 << 7
	}

	start := time.Now()

	for time.Since(start) <= detectTimeout {
		rsp, err := s.do(ctx, 55, 0, host.R1)

		if err != nil {
			return false, false, nil
		}

		_ = rsp

		rsp, err = s.do(ctx, 41, arg, host.R3)

		if err != nil {
			return false, false, nil
		}

		if rsp.Bits(sdOCRBusy, 1) == 0 {
			continue
		}

		if rsp.Bits(sdOCRHCS, 1) == 1 {
			hc = true
		}

		return true, hc, nil
	}

	return false, false, nil
}

// voltageValidationMMC implements CMD1 per p352, 35.4.6 MMC voltage
// validation flow chart, IMX6FG.
func (s *Slot) voltageValidationMMC(ctx context.Context) (mmc bool, hc bool, err error) {
	var arg uint32

	arg |= accessModeSector << mmcOCRAccessMode
	arg |= 0x1ff << mmcOCRVDDMin

	time.Sleep(1 * time.Millisecond)

	start := time.Now()

	for time.Since(start) <= detectTimeout {
		rsp, cerr := s.do(ctx, 1, arg, host.R3)

		if cerr != nil {
			return false, false, nil
		}

		if rsp.Bits(mmcOCRBusy, 1) == 0 {
			continue
		}

		if rsp.Bits(mmcOCRAccessMode, 0b11) == accessModeSector {
			hc = true
		}

		return true, hc, nil
	}

	return false, false, nil
}

// assignAddressSD runs CMD2 (ALL_SEND_CID) and CMD3 (SEND_RELATIVE_ADDR),
// learning the card-chosen RCA.
func (s *Slot) assignAddressSD(ctx context.Context) error {
	rsp, err := s.do(ctx, 2, 0, host.R2)

	if err != nil {
		return wrapf(IoError, "identify", "CMD2: %v", err)
	}

	s.card.CID = decodeCID(rsp, false)

	rsp, err = s.do(ctx, 3, 0, host.R6)

	if err != nil {
		return wrapf(IoError, "identify", "CMD3: %v", err)
	}

	if state := currentState(rsp); state != currentStateIdent {
		return wrapf(InvalidState, "identify", "card not in ident state (%d)", state)
	}

	s.rca = rsp.Word(0) & (0xffff << rcaShift)
	s.card.RCA = s.rca

	return nil
}

// assignAddressMMC runs CMD2/CMD3 following the MMC convention of the host
// choosing the RCA, p301 A.6.1 Bus initialization, JESD84-B51.
func (s *Slot) assignAddressMMC(ctx context.Context) error {
	rsp, err := s.do(ctx, 2, 0, host.R2)

	if err != nil {
		return wrapf(IoError, "identify", "CMD2: %v", err)
	}

	s.card.CID = decodeCID(rsp, true)

	s.rca = (uint32(s.minor) + 1) << rcaShift

	rsp, err = s.do(ctx, 3, s.rca, host.R1)

	if err != nil {
		return wrapf(IoError, "identify", "CMD3: %v", err)
	}

	if state := currentState(rsp); state != currentStateIdent {
		return wrapf(InvalidState, "identify", "card not in ident state (%d)", state)
	}

	s.card.RCA = s.rca

	return nil
}
