// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package dwheel

import (
	"errors"
)

var ErrInvalidParameters = errors.New("invalid parameters")
var ErrCapacityExceeded = errors.New("tick allocation limit exceeded")
var ErrWheelNotEmpty = errors.New("called on non-empty wheel")
