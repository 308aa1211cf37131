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

// Card status / response bit positions.
// p131, Table 4-42 : Card Status, SD-PL-7.10
// p160, Table 68 - Device Status, JESD84-B51
const (
	statusCurrentState = 9
	statusSwitchError  = 7
	statusAppCmd       = 5

	currentStateIdent = 2
	currentStateStby  = 3
	currentStateTran  = 4
	currentStatePrg   = 7
	currentStateRcv   = 6

	rcaShift = 16
)

func (s *Slot) do(ctx context.Context, index uint32, arg uint32, rt host.ResponseType) (host.Response, error) {
	return s.host.Execute(ctx, &host.Command{Index: index, Argument: arg, Response: rt})
}

// doAppCmd prefixes index with CMD55 (APP_CMD), per the ACMDxx convention,
// one wire command per Execute call so the Host never has to know about
// application-specific commands.
func (s *Slot) doAppCmd(ctx context.Context, index uint32, arg uint32, rt host.ResponseType) (host.Response, error) {
	rsp, err := s.do(ctx, 55, s.rca, host.R1)

	if err != nil {
		return host.Response{}, wrapf(IoError, "acmd", "CMD55: %v", err)
	}

	if rsp.Bits(statusAppCmd, 1) != 1 {
		return host.Response{}, wrapf(InvalidState, "acmd", "card not expecting application command")
	}

	return s.do(ctx, index, arg, rt)
}

// currentState extracts CURRENT_STATE from an R1 response.
func currentState(rsp host.Response) uint32 {
	return rsp.Bits(statusCurrentState, 0b1111)
}

// waitState polls CMD13 (SEND_STATUS) until the card reports the wanted
// state or timeout elapses, mirroring the teacher's waitState loop
// (soc/imx6/usdhc/cmd.go). Unless Config.CheckReadyStatusWithoutSleep is
// set, it sleeps for a millisecond between polls.
func (s *Slot) waitState(ctx context.Context, want uint32, timeout time.Duration) error {
	start := time.Now()

	for first := true; ; first = false {
		if !first && !s.cfg.CheckReadyStatusWithoutSleep {
			time.Sleep(time.Millisecond)
		}

		rsp, err := s.do(ctx, 13, s.rca, host.R1)

		if err != nil {
			if time.Since(start) >= timeout {
				return wrapf(Timeout, "wait state", "polling card status: %v", err)
			}

			continue
		}

		if currentState(rsp) == want {
			return nil
		}

		if time.Since(start) >= timeout {
			return wrapf(Timeout, "wait state", "expected state %d, got %d", want, currentState(rsp))
		}
	}
}

// writeProgramming reports whether the card is still in the Programming
// (busy) state following a write, the state a caller polls via CMD13 to
// know a write has actually landed, not merely been accepted on the bus.
func (s *Slot) writeProgramming(ctx context.Context) (bool, error) {
	rsp, err := s.do(ctx, 13, s.rca, host.R1)

	if err != nil {
		return false, wrapf(IoError, "status", "CMD13: %v", err)
	}

	return currentState(rsp) == currentStatePrg, nil
}
