// MMC/SD block device core driver
// https://github.com/usbarmory/go-mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package nxpusdhc implements mmcsd/host.Host over the NXP Ultra Secured
// Digital Host Controller (uSDHC), also known as Freescale Enhanced Secure
// Digital Host Controller (eSDHC), as found on i.MX6 family SoCs.
//
// It issues commands through the ADMA2 descriptor chain and polls the
// controller's presence/status registers directly: it owns register-level
// command issuance, clock/bus-width programming and data transfer, nothing
// about card identification, register decoding or partition bookkeeping,
// which live once, generically, in mmcsd.
//
// Only Legacy, High Speed and High Speed DDR timings are driven; SDR50,
// SDR104, DDR50, HS200 and HS400 tuning are out of scope and the
// controller's sampling-clock tuning registers are left at their reset
// values.
//
// This package is only meant to run with `GOOS=tamago GOARCH=arm` as
// supported by the TamaGo framework for bare metal Go on ARM SoCs, see
// https://github.com/usbarmory/tamago.
package nxpusdhc
