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
	"time"

	"github.com/usbarmory/go-mmcsd/bits"
	"github.com/usbarmory/go-mmcsd/dma"
	"github.com/usbarmory/go-mmcsd/internal/reg"
	"github.com/usbarmory/go-mmcsd/mmcsd/host"
)

func responseFormat(rt host.ResponseType) (rsp uint32, cic bool, ccc bool) {
	switch rt {
	case host.RNone:
		return rspNone, false, false
	case host.R2:
		return rsp136, false, true
	case host.R3:
		return rsp48, false, false
	case host.R1b:
		return rsp48CheckBusy, true, true
	default: // R1, R6, R7
		return rsp48, true, true
	}
}

// Execute issues a single command as described in p349, 35.4.3 Send command
// to card flow chart, IMX6FG. Automatic CMD12 on multi-block transfers is
// left disabled (MIX_CTRL[AC12EN]=0): mmcsd issues STOP_TRANSMISSION itself
// as a distinct Execute call when a transfer isn't bounded by a prior
// SET_BLOCK_COUNT, so the hardware auto-stop would otherwise race it.
func (c *Controller) Execute(ctx context.Context, cmd *host.Command) (host.Response, error) {
	c.Lock()
	defer c.Unlock()

	timeout := cmd.Timeout

	if timeout == 0 {
		timeout = defaultCmdTimeout
	}

	dataPhase := cmd.Direction != host.NoData

	var bufAddr uint32

	if dataPhase {
		if len(cmd.Data) != cmd.Blocks*cmd.BlockSize {
			return host.Response{}, fmt.Errorf("nxpusdhc: data length %d does not match %d blocks of %d bytes", len(cmd.Data), cmd.Blocks, cmd.BlockSize)
		}

		if err := c.setupDMA(cmd, &bufAddr); err != nil {
			return host.Response{}, err
		}
	}

	if err := c.issue(cmd, dataPhase, timeout); err != nil {
		if dataPhase {
			dma.Free(bufAddr)
		}

		return host.Response{}, err
	}

	rsp := host.Response{
		reg.Read(c.reg(regCmdRsp0 + 0)),
		reg.Read(c.reg(regCmdRsp0 + 4)),
		reg.Read(c.reg(regCmdRsp0 + 8)),
		reg.Read(c.reg(regCmdRsp0 + 12)),
	}

	if dataPhase {
		if cmd.Direction == host.Read {
			dma.Read(bufAddr, 0, cmd.Data)
		}

		dma.Free(bufAddr)
	}

	return rsp, nil
}

func (c *Controller) setupDMA(cmd *host.Command, bufAddr *uint32) error {
	*bufAddr = dma.Alloc(cmd.Data, 32)

	bd := newADMADescriptor(*bufAddr, len(cmd.Data))
	bdAddr := dma.Alloc(bd.bytes(), 4)
	defer dma.Free(bdAddr)

	reg.Write(c.reg(regAdmaSysAddr), bdAddr)

	reg.SetN(c.reg(regBlkAtt), blkAttBlkSz, 0x1fff, uint32(cmd.BlockSize))
	reg.SetN(c.reg(regBlkAtt), blkAttBlkCnt, 0xffff, uint32(cmd.Blocks))

	if cmd.Direction == host.Write {
		reg.SetN(c.reg(regWtmkLvl), wtmkLvlWrWml, 0xff, uint32(cmd.BlockSize)/4)
	} else {
		reg.SetN(c.reg(regWtmkLvl), wtmkLvlRdWml, 0xff, uint32(cmd.BlockSize)/4)
	}

	return nil
}

func (c *Controller) issue(cmd *host.Command, dataPhase bool, timeout time.Duration) error {
	index := cmd.Index
	arg := cmd.Argument
	rsp, cic, ccc := responseFormat(cmd.Response)

	reg.Write(c.reg(regIntStatus), 0xffffffff)
	reg.Write(c.reg(regIntStatusEn), 0xffffffff)

	if !reg.WaitFor(timeout, c.reg(regPresState), presStateCIhb, 1, 0) {
		return fmt.Errorf("CMD%d command inhibit", index)
	}

	if dataPhase && !reg.WaitFor(timeout, c.reg(regPresState), presStateCdIhb, 1, 0) {
		return fmt.Errorf("CMD%d data inhibit", index)
	}

	reg.Write(c.reg(regIntStatus), 0xffffffff)

	if cmd.Direction == host.Write && reg.Get(c.reg(regPresState), presStateWpspl, 1) == 0 {
		return fmt.Errorf("card is write protected")
	}

	var cmdErr error

	defer func() {
		if cmdErr != nil {
			reg.Clear(c.reg(regPresState), presStateCIhb)
			reg.Clear(c.reg(regPresState), presStateCdIhb)
			reg.Set(c.reg(regSysCtrl), sysCtrlRstC)
		}
	}()

	dmasel := uint32(dmaSelNone)

	if dataPhase {
		dmasel = dmaSelAdma2
		reg.Write(c.reg(regIntSignalEn), 0xffffffff)
	}

	reg.SetN(c.reg(regProtCtrl), protCtrlDmaSel, 0b11, dmasel)
	reg.Write(c.reg(regCmdArg), arg)

	xfr := reg.Read(c.reg(regCmdXfrTyp))
	mix := reg.Read(c.reg(regMixCtrl))

	bits.SetN(&xfr, cmdXfrTypCmdIx, 0b111111, index)
	bits.SetN(&xfr, cmdXfrTypCmdT, 0b11, 0)
	bits.SetTo(&xfr, cmdXfrTypCicEn, cic)
	bits.SetTo(&xfr, cmdXfrTypCccEn, ccc)

	if c.ddr {
		bits.Set(&mix, mixCtrlDdrEn)
	} else {
		bits.Clear(&mix, mixCtrlDdrEn)
	}

	if dataPhase {
		bits.Set(&xfr, cmdXfrTypDpSel)
		bits.SetTo(&mix, mixCtrlMsbSel, cmd.Blocks > 1)
		bits.Clear(&mix, mixCtrlAc12En)
		bits.Set(&mix, mixCtrlBcEn)
		bits.Set(&mix, mixCtrlDmaEn)
	} else {
		bits.Clear(&xfr, cmdXfrTypDpSel)
		bits.Clear(&mix, mixCtrlMsbSel)
		bits.Clear(&mix, mixCtrlAc12En)
		bits.Clear(&mix, mixCtrlBcEn)
		bits.Clear(&mix, mixCtrlDmaEn)
	}

	if c.rpmb {
		bits.Clear(&mix, mixCtrlMsbSel)
	}

	bits.SetN(&xfr, cmdXfrTypRspT, 0b11, rsp)

	dtd := uint32(0)

	if cmd.Direction == host.Read {
		dtd = 1
	}

	bits.SetN(&mix, mixCtrlDtdSel, 1, dtd)

	reg.Write(c.reg(regMixCtrl), mix)
	reg.Write(c.reg(regCmdXfrTyp), xfr)

	completionBit := intStatusCC

	if dataPhase {
		completionBit = intStatusTC
	}

	if !reg.WaitFor(timeout, c.reg(regIntStatus), completionBit, 1, 1) {
		cmdErr = fmt.Errorf("CMD%d: timeout pres_state:%#x int_status:%#x", index,
			reg.Read(c.reg(regPresState)), reg.Read(c.reg(regIntStatus)))
	}

	reg.Write(c.reg(regIntSignalEn), 0)

	status := reg.Read(c.reg(regIntStatus))

	if (status >> 16) > 0 {
		msg := fmt.Sprintf("pres_state:%#x int_status:%#x", reg.Read(c.reg(regPresState)), status)

		if bits.Get(&status, intStatusAc12) {
			msg += fmt.Sprintf(" AC12:%#x", reg.Read(c.reg(regAc12ErrStatus)))
		}

		cmdErr = fmt.Errorf("CMD%d: error %s", index, msg)
	}

	if dataPhase && cmdErr == nil {
		if admaErr := reg.Read(c.reg(regAdmaErrStatus)); admaErr > 0 {
			cmdErr = fmt.Errorf("CMD%d: ADMA error %#x", index, admaErr)
		}
	}

	return cmdErr
}
