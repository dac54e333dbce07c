// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package sockopt

import "errors"

var errMarkUnsupported = errors.New("SO_MARK is only supported on linux")

func (o Options) setRaw(fd int) error {
	if o.Mark != 0 {
		return errMarkUnsupported
	}
	return nil
}
