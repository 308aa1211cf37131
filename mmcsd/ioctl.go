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

	"github.com/usbarmory/go-mmcsd/mmcsd/host"
)

// MMCIocMaxCmds bounds a single MMC_IOC_MULTI_CMD batch, matching the
// Linux mmc_ioc_multi_cmd.num_of_cmds limit this pass-through surface
// mirrors.
const MMCIocMaxCmds = 255

// IOCResponseFlag bits select the expected response format for a raw
// command, following the Linux MMC_RSP_* convention this ioctl surface is
// modeled on.
type IOCResponseFlag uint32

const (
	IOCRspPresent IOCResponseFlag = 1 << 0
	IOCRsp136     IOCResponseFlag = 1 << 1
	IOCRspCRC     IOCResponseFlag = 1 << 2
	IOCRspBusy    IOCResponseFlag = 1 << 3
	IOCRspOpcode  IOCResponseFlag = 1 << 4
)

// opGenCmd is CMD56 (GEN_CMD), the vendor-specific general purpose command
// whose ioctl handling had historically been special-cased to always
// report success: this pass-through does not special-case it, the actual
// command outcome (error or not) is what the caller gets back.
const opGenCmd = 56

// IOCCmd is a single raw command for the MMC_IOC_CMD/MMC_IOC_MULTI_CMD
// pass-through, letting a privileged caller issue arbitrary SD/MMC
// commands the core itself doesn't otherwise expose.
type IOCCmd struct {
	OpCode    uint32
	Arg       uint32
	Flags     IOCResponseFlag
	Blocks    uint32
	BlockSize uint32
	WriteFlag bool
	Data      []byte
}

func responseTypeFromFlags(f IOCResponseFlag) host.ResponseType {
	switch {
	case f&IOCRspPresent == 0:
		return host.RNone
	case f&IOCRsp136 != 0:
		return host.R2
	case f&IOCRspBusy != 0:
		return host.R1b
	default:
		return host.R1
	}
}

// IOCCmd issues a single raw command, honoring IOCSupport. Data transfers
// go through the same bounce-buffer path as every other transfer in this
// package.
func (s *Slot) IOCCmd(ctx context.Context, cmd *IOCCmd) (host.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.IOCSupport {
		return host.Response{}, newError(Unsupported, "ioctl", nil)
	}

	if !s.present {
		return host.Response{}, newError(NoDevice, "ioctl", nil)
	}

	rt := responseTypeFromFlags(cmd.Flags)

	if len(cmd.Data) == 0 {
		rsp, err := s.host.Execute(ctx, &host.Command{Index: cmd.OpCode, Argument: cmd.Arg, Response: rt})

		if err != nil {
			return host.Response{}, wrapf(IoError, "ioctl", "CMD%d: %v", cmd.OpCode, err)
		}

		return rsp, nil
	}

	dir := host.Read

	if cmd.WriteFlag {
		dir = host.Write
	}

	bb, err := s.bounce.Prepare(cmd.Data, s.host.Capabilities().DMAAlignment, dir == host.Write)

	if err != nil {
		return host.Response{}, wrapf(OutOfMemory, "ioctl", "bounce buffer: %v", err)
	}

	defer bb.Release(dir == host.Read)

	rsp, err := s.host.Execute(ctx, &host.Command{
		Index: cmd.OpCode, Argument: cmd.Arg, Response: rt,
		Direction: dir, Blocks: int(cmd.Blocks), BlockSize: int(cmd.BlockSize), Data: bb.Bytes(),
	})

	if err != nil {
		return host.Response{}, wrapf(IoError, "ioctl", "CMD%d: %v", cmd.OpCode, err)
	}

	return rsp, nil
}

// IOCMultiCmd issues a batch of raw commands, stopping at the first
// failure (results up to and including the failing command are returned
// alongside the error, matching MMC_IOC_MULTI_CMD semantics where a
// caller needs to know which command in the batch failed).
func (s *Slot) IOCMultiCmd(ctx context.Context, cmds []*IOCCmd) ([]host.Response, error) {
	if len(cmds) == 0 {
		return nil, newError(InvalidArgument, "ioctl", nil)
	}

	if len(cmds) > MMCIocMaxCmds {
		return nil, wrapf(InvalidArgument, "ioctl", "command count %d exceeds MMC_IOC_MAX_CMDS", len(cmds))
	}

	results := make([]host.Response, 0, len(cmds))

	for _, c := range cmds {
		rsp, err := s.IOCCmd(ctx, c)
		results = append(results, rsp)

		if err != nil {
			return results, err
		}
	}

	return results, nil
}
