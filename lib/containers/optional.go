// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

// Stack.Locate (lib/ploop/mapper.go) returns one of these wrapping a
// MappedLocation: an absent Optional is the exported form of a hole,
// the same "no mapping in any layer" state resolve() walks the whole
// stack to confirm, surfaced to diagnostic callers like ploopctl's
// relocate command without handing them a *MappedLocation they'd have
// to nil-check. ploopctl's status command has its own JSON shape and
// never serializes one of these directly, so unlike the teacher's
// version this carries no (Un)MarshalJSON of its own.
type Optional[T any] struct {
	OK  bool
	Val T
}
