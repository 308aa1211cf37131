// MMC/SD block device core driver
// https://github.com/usbarmory/go-mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nxpusdhc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/usbarmory/go-mmcsd/bits"
	"github.com/usbarmory/go-mmcsd/internal/reg"
	"github.com/usbarmory/go-mmcsd/mmcsd/host"
)

// Controller drives one uSDHC instance (1 or 2 on i.MX6).
type Controller struct {
	sync.Mutex

	n     int
	base  uint32
	width int
	ddr   bool
	rpmb  bool

	// CardDetect reports the instantaneous physical presence signal for
	// this slot. A board without a card-detect line may hardwire this to
	// always return true.
	CardDetect func() bool

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewController returns a Controller for instance n (1 or 2).
func NewController(n int) (*Controller, error) {
	var base uint32

	switch n {
	case 1:
		base = USDHC1Base
	case 2:
		base = USDHC2Base
	default:
		return nil, fmt.Errorf("nxpusdhc: invalid controller instance %d", n)
	}

	return &Controller{
		n:            n,
		base:         base,
		width:        1,
		readTimeout:  100 * time.Millisecond,
		writeTimeout: 500 * time.Millisecond,
		CardDetect:   func() bool { return true },
	}, nil
}

func (c *Controller) reg(offset uint32) uint32 { return c.base + offset }

// Capabilities reports this controller's transfer limits. MaxBlockCount
// keeps a chunk of 512 byte blocks within the 16 bit length field of the
// single ADMA2 descriptor each transfer uses (see adma.go); DMAAlignment
// is the ADMA2 32 bit descriptor address granularity this driver allocates
// buffers at (matching the teacher's dma.Alloc(buf, 32) call site).
func (c *Controller) Capabilities() host.Capabilities {
	return host.Capabilities{
		BusWidths:            []int{1, 4, 8},
		MaxBlockCount:        127,
		DMAAlignment:         32,
		SupportsHighSpeedDDR: true,
	}
}

func (c *Controller) CardPresent() bool {
	if c.CardDetect == nil {
		return true
	}

	return c.CardDetect()
}

// Reset brings the controller up at identification speed (p4009, 58.7.1
// Reset, IMX6ULLRM and p349, 35.4.1 uSDHC initialization flow chart,
// IMX6FG).
func (c *Controller) Reset(ctx context.Context) error {
	c.Lock()
	defer c.Unlock()

	c.width = 1
	c.ddr = false
	c.rpmb = false

	// enable clock gate
	reg.SetN(ccmCCGR6, clockGateBit(c.n), 0b11, 0b11)

	// soft reset uSDHC
	reg.Set(c.reg(regSysCtrl), sysCtrlRstA)
	reg.Wait(c.reg(regSysCtrl), sysCtrlRstA, 1, 0)

	mix := reg.Read(c.reg(regMixCtrl))
	bits.Clear(&mix, mixCtrlDdrEn)
	reg.Write(c.reg(regMixCtrl), mix)

	if err := c.setBusWidthLocked(1); err != nil {
		return err
	}

	// little endian mode
	reg.SetN(c.reg(regProtCtrl), protCtrlEMode, 0b11, 0b10)

	// clear clock, then set identification frequency
	c.setClockDividers(-1, -1)
	c.setClockDividers(dvsID, sdClkFsID)

	// data timeout counter: SDCLK x 2^28
	reg.Clear(c.reg(regIntStatusEn), intStatusEnDtoes)
	reg.SetN(c.reg(regSysCtrl), sysCtrlDtoCv, 0xf, 0xf)
	reg.Set(c.reg(regIntStatusEn), intStatusEnDtoes)

	reg.Set(c.reg(regSysCtrl), sysCtrlInitA)
	reg.Wait(c.reg(regSysCtrl), sysCtrlInitA, 1, 0)

	return nil
}

func (c *Controller) SetBusWidth(width int) error {
	c.Lock()
	defer c.Unlock()

	return c.setBusWidthLocked(width)
}

func (c *Controller) setBusWidthLocked(width int) error {
	var dtw uint32

	switch width {
	case 1:
		dtw = 0b00
	case 4:
		dtw = 0b01
	case 8:
		dtw = 0b10
	default:
		return fmt.Errorf("nxpusdhc: unsupported bus width %d", width)
	}

	reg.SetN(c.reg(regProtCtrl), protCtrlDtw, 0b11, dtw)
	c.width = width

	return nil
}

// SetClock programs the SDCLKFS/DVS divider pair for the requested timing,
// relative to the assumed 198MHz uSDHC root clock (p348, 35.4.2 Frequency
// divider configuration, IMX6FG). Root clock source selection (CCM
// CSCDR1/CSCMR1 PFD muxing) is assumed configured by board init before this
// driver runs, since this package owns only the uSDHC instance itself.
func (c *Controller) SetClock(hz int, timing host.Timing) error {
	c.Lock()
	defer c.Unlock()

	switch timing {
	case host.Legacy:
		c.ddr = false
		c.setClockDividers(dvsOp, sdClkFsOp)
	case host.HighSpeed:
		c.ddr = false
		c.setClockDividers(dvsHS, sdClkFsHSSdr)
	case host.HighSpeedDDR:
		c.ddr = true
		c.setClockDividers(dvsHS, sdClkFsHSDdr)
	default:
		return fmt.Errorf("nxpusdhc: unsupported timing %v", timing)
	}

	mix := reg.Read(c.reg(regMixCtrl))

	if c.ddr {
		bits.Set(&mix, mixCtrlDdrEn)
	} else {
		bits.Clear(&mix, mixCtrlDdrEn)
	}

	reg.Write(c.reg(regMixCtrl), mix)

	return nil
}

// setClockDividers sets the SDCLKFS and DVS fields of SYS_CTRL (p4035,
// 58.8.12 System Control, IMX6ULLRM). dvs/sdclkfs both negative only
// clears the clock (forced off before a frequency change, p4011, 58.7.7
// Change Clock Frequency, IMX6ULLRM).
func (c *Controller) setClockDividers(dvs int, sdclkfs int) {
	reg.Clear(c.reg(0xc0), 8) // VEND_SPEC[FRC_SDCLK_ON]

	if dvs < 0 && sdclkfs < 0 {
		return
	}

	reg.Wait(c.reg(regPresState), presStateSdStb, 1, 1)

	sys := reg.Read(c.reg(regSysCtrl))
	bits.SetN(&sys, sysCtrlDvs, 0xf, uint32(dvs))
	bits.SetN(&sys, sysCtrlSdClks, 0xff, uint32(sdclkfs))
	reg.Write(c.reg(regSysCtrl), sys)

	reg.Wait(c.reg(regPresState), presStateSdStb, 1, 1)
	reg.Set(c.reg(0xc0), 8)
}

// SetVoltage is unsupported on this reference board: uSDHC I/O signaling
// voltage switching requires board-level PMIC control this package doesn't
// own, so SD UHS-I/eMMC HS200/HS400 voltage switches (already out of scope,
// see package doc) always fail here.
func (c *Controller) SetVoltage(mv int) error {
	return host.ErrUnsupportedVoltage
}
