// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package binutil provides utilities for implementing the interfaces
// consumed by binstruct. structs.go's generated field unmarshalers
// call NeedNBytes before touching a ploop.Header field's bytes, so a
// delta file truncated mid-header turns into a plain "need N bytes"
// error instead of a slice-bounds panic.
package binutil

import (
	"fmt"
)

func NeedNBytes(dat []byte, n int) error {
	if len(dat) < n {
		return fmt.Errorf("need at least %v bytes, only have %v", n, len(dat))
	}
	return nil
}
