// MMC/SD block device core driver
// https://github.com/usbarmory/go-mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nxpusdhc

import "time"

// USDHC instance base addresses (p4012, 58.8 uSDHC Memory Map/Register
// Definition, IMX6ULLRM).
const (
	USDHC1Base uint32 = 0x02190000
	USDHC2Base uint32 = 0x02194000
)

// Register offsets from an instance's base (p4012-4013, IMX6ULLRM).
const (
	regBlkAtt    = 0x04
	blkAttBlkCnt = 16
	blkAttBlkSz  = 0

	regCmdArg = 0x08

	regCmdXfrTyp   = 0x0c
	cmdXfrTypCmdIx = 24
	cmdXfrTypCmdT  = 22
	cmdXfrTypDpSel = 21
	cmdXfrTypCicEn = 20
	cmdXfrTypCccEn = 19
	cmdXfrTypRspT  = 16

	regCmdRsp0 = 0x10

	regPresState   = 0x24
	presStateWpspl = 19
	presStateSdStb = 3
	presStateCdIhb = 1
	presStateCIhb  = 0

	regProtCtrl    = 0x28
	protCtrlDmaSel = 8
	protCtrlEMode  = 4
	protCtrlDtw    = 1

	regSysCtrl    = 0x2c
	sysCtrlInitA  = 27
	sysCtrlRstD   = 26
	sysCtrlRstC   = 25
	sysCtrlRstA   = 24
	sysCtrlDtoCv  = 16
	sysCtrlSdClks = 8
	sysCtrlDvs    = 4

	regIntStatus  = 0x30
	intStatusAc12 = 24
	intStatusTC   = 1
	intStatusCC   = 0

	regIntStatusEn   = 0x34
	intStatusEnDtoes = 20

	regIntSignalEn = 0x38

	regAc12ErrStatus = 0x3c

	regWtmkLvl    = 0x44
	wtmkLvlWrWml  = 16
	wtmkLvlRdWml  = 0

	regMixCtrl    = 0x48
	mixCtrlMsbSel = 5
	mixCtrlDtdSel = 4
	mixCtrlDdrEn  = 3
	mixCtrlAc12En = 2
	mixCtrlBcEn   = 1
	mixCtrlDmaEn  = 0

	regAdmaErrStatus = 0x54
	regAdmaSysAddr   = 0x58
)

// Response type field values for USDHCx_CMD_XFR_TYP[RSPTYP] (p4014,
// IMX6ULLRM).
const (
	rspNone         = 0b00
	rsp136          = 0b01
	rsp48           = 0b10
	rsp48CheckBusy  = 0b11
)

// DMA select field values for USDHCx_PROT_CTRL[DMASEL] (p4017, IMX6ULLRM).
const (
	dmaSelNone  = 0b00
	dmaSelAdma2 = 0b10
)

const defaultCmdTimeout = 10 * time.Millisecond

// Clock divider configuration (p348, 35.4.2 Frequency divider
// configuration, IMX6FG) assuming the default root clock of 198MHz (PLL2
// PFD2 396MHz divided by 2), which board init is expected to have already
// configured via CCM before this driver runs.
const (
	// Identification frequency: 198 / (8 * 64) == ~400 KHz.
	dvsID      = 7
	sdClkFsID  = 0x20
	// Operating (legacy) frequency: 198 / (2 * 4) == 24.75 MHz.
	dvsOp      = 1
	sdClkFsOp  = 0x02
	// High Speed frequency, single data rate: 198 / (1 * 4) == 49.5 MHz.
	dvsHS         = 0
	sdClkFsHSSdr  = 0x02
	// High Speed frequency, dual data rate.
	sdClkFsHSDdr = 0x01
)

// i.MX6 clock-gate register this driver touches
// directly rather than depending on a full SoC clock-tree package (p629,
// Figure 18-2. Clock Tree - Part 1, IMX6ULLRM).
const (
	ccmCCGR6 uint32 = 0x020c4080
	ccgr6CG1        = 2
	ccgr6CG2        = 4
)

func clockGateBit(n int) int {
	if n == 2 {
		return ccgr6CG2
	}

	return ccgr6CG1
}
