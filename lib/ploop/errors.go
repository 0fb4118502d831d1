// SPDX-License-Identifier: GPL-2.0-or-later

package ploop

import "errors"

// Caller errors: reported synchronously by the translator, no state
// change (§7 "Caller errors").
var (
	ErrInvalidAlignment      = errors.New("ploop: request is not sector-aligned")
	ErrOutOfRange            = errors.New("ploop: offset is beyond the virtual size")
	ErrUnsupportedVersion    = errors.New("ploop: delta header version is not supported")
	ErrIncompatibleClusterSize = errors.New("ploop: delta cluster size does not match the stack")
)

// Transient errors: the caller should retry after yielding (§7
// "Transient errors").
var (
	ErrMetadataBackpressure = errors.New("ploop: metadata pipeline is backlogged, retry")
	ErrStackBusy            = errors.New("ploop: stack is quiesced for a control operation, retry")
)

// Resource errors: permanent for this request (§7 "Resource errors").
var ErrOutOfSpace = errors.New("ploop: delta has no room to grow the BAT or data region")

// Fatal data errors: propagate to the caller; the affected delta may
// be marked offline (§7 "Fatal data errors").
var (
	ErrBackingIO     = errors.New("ploop: backing I/O error")
	ErrCorruptHeader = errors.New("ploop: delta header failed its checksum")
)

// ErrDeltaOffline is returned by any operation against a delta that
// has been marked offline after a fatal backing-I/O error.
var ErrDeltaOffline = errors.New("ploop: delta is offline")
