// Copyright 2024 The Shale Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import "github.com/cockroachdb/redact"

// Temperature describes the expected access frequency of a sorted run, used
// by storage placement policies to choose a tier for the file. Compaction
// outputs inherit the temperature configured for their output level. The
// numeric values are part of the file metadata encoding.
type Temperature uint8

const (
	// TemperatureUnknown is the zero value, used when no placement policy is
	// configured.
	TemperatureUnknown Temperature = 0
	// TemperatureHot marks runs expected to serve frequent reads.
	TemperatureHot Temperature = 1
	// TemperatureWarm marks runs with moderate access frequency.
	TemperatureWarm Temperature = 2
	// TemperatureCold marks runs that are rarely read, typically bottommost
	// outputs.
	TemperatureCold Temperature = 3
)

var temperatureStrings = [...]string{
	TemperatureUnknown: "unknown",
	TemperatureHot:     "hot",
	TemperatureWarm:    "warm",
	TemperatureCold:    "cold",
}

// SafeFormat implements redact.SafeFormatter.
func (t Temperature) SafeFormat(w redact.SafePrinter, _ rune) {
	if int(t) >= len(temperatureStrings) {
		w.Printf("invalid(%d)", redact.SafeUint(t))
		return
	}
	w.Print(redact.SafeString(temperatureStrings[t]))
}

func (t Temperature) String() string {
	return redact.StringWithoutMarkers(t)
}

// Placement names the output level group a compaction record is routed to.
// Most records go to the primary output level. When a compaction is given a
// proximal output level, records whose sequence numbers are too recent to
// demote all the way down are written there instead.
type Placement uint8

const (
	// PlacePrimary routes a record to the compaction's primary output level.
	PlacePrimary Placement = iota
	// PlaceProximal routes a record to the proximal output level.
	PlaceProximal
	// NumPlacements bounds the Placement values, for indexing.
	NumPlacements = 2
)

func (p Placement) String() string {
	switch p {
	case PlacePrimary:
		return "primary"
	case PlaceProximal:
		return "proximal"
	default:
		return "invalid"
	}
}

// SafeFormat implements redact.SafeFormatter.
func (p Placement) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(p.String()))
}

// IOPriority is the priority at which a compaction issues its reads and
// writes. The priority is chosen dynamically per job: a compaction that is on
// the path to relieving a write stall runs at user priority so paced I/O does
// not throttle it, while ordinary background work runs at low priority.
type IOPriority uint8

const (
	// IOPriorityLow is the default priority for background work.
	IOPriorityLow IOPriority = iota
	// IOPriorityUser elevates a compaction's I/O to user-facing priority.
	IOPriorityUser
)

func (p IOPriority) String() string {
	switch p {
	case IOPriorityLow:
		return "low"
	case IOPriorityUser:
		return "user"
	default:
		return "invalid"
	}
}
