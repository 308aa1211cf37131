// MMC/SD block device core driver
// https://github.com/usbarmory/go-mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmcsd

import plog "github.com/prometheus/common/log"

// Logger is the subset of github.com/prometheus/common/log.Logger this
// package relies on, kept as our own interface so a caller embedding this
// driver in a constrained environment can swap in a no-op sink without
// pulling in the prometheus logging stack.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// defaultLogger adapts the package-level github.com/prometheus/common/log
// functions (as used for device lifecycle events in github.com/coreos/go-tcmu)
// to the Logger interface above.
type defaultLogger struct{}

func (defaultLogger) Debugf(format string, args ...interface{}) { plog.Debugf(format, args...) }
func (defaultLogger) Infof(format string, args ...interface{})  { plog.Infof(format, args...) }
func (defaultLogger) Warnf(format string, args ...interface{})  { plog.Warnf(format, args...) }
func (defaultLogger) Errorf(format string, args ...interface{}) { plog.Errorf(format, args...) }

// noopLogger discards everything, for tests and constrained deployments.
type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}
