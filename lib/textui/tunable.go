// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

// Tunable annotates a value as something that might want to be tuned
// as the program gets optimized.
//
// TODO(lukeshu): Have Tunable be runtime-configurable.
//
// ploop wraps its two load-bearing constants in this: Delta's
// in-flight read/write budget (lib/ploop/delta.go) and the commit pipeline's dirty-page
// watermark (lib/ploop/pipeline.go) that decides when Submit starts
// returning ErrMetadataBackpressure. Grepping for Tunable finds both
// without having to already know their names.
func Tunable[T any](x T) T {
	return x
}
