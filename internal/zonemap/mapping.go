// Package zonemap holds the static (zone, wind direction) → lamp id set
// lookup table. Shipped as a compiled-in constant rather than a config file
// so that changeover behaviour is deterministic and auditable.
//
// The table below is transcribed verbatim from the field installation's
// authoritative source; it is not "corrected" for apparent asymmetries
// (zone B pairs E-W with its S-N set and W-E with its N-S set, the reverse
// of zones A and D, and zone G's S-N/E-W enqueue order is not numeric) —
// those are properties of the installed pattern, not bugs.
package zonemap

import "fmt"

// Wind is one of the four compass directions the table is keyed on.
type Wind string

const (
	WindNorthToSouth Wind = "N-S"
	WindSouthToNorth Wind = "S-N"
	WindEastToWest   Wind = "E-W"
	WindWestToEast   Wind = "W-E"
)

// Zone is one of the nine valid zone names.
type Zone string

const (
	ZoneA Zone = "A"
	ZoneB Zone = "B"
	ZoneC Zone = "C"
	ZoneD Zone = "D"
	ZoneE Zone = "E"
	ZoneF Zone = "F"
	ZoneG Zone = "G"
	ZoneH Zone = "H"
	ZoneK Zone = "K"
)

var validWinds = map[Wind]bool{
	WindNorthToSouth: true,
	WindSouthToNorth: true,
	WindEastToWest:   true,
	WindWestToEast:   true,
}

// table[zone][wind] is the ordered list of lamp ids to drive ON. Order
// matters: the zone orchestrator enqueues ON commands in this order, and
// the flash marker goes on the numerically highest id in the set, not the
// last element of this slice.
var table = map[Zone]map[Wind][]int{
	ZoneA: {
		WindNorthToSouth: {6, 105},
		WindSouthToNorth: {4, 13, 22, 31, 42, 52, 70, 79, 97},
		WindEastToWest:   {6, 105},
		WindWestToEast:   {4, 13, 22, 31, 42, 52, 70, 79, 97},
	},
	ZoneB: {
		WindNorthToSouth: {6, 104},
		WindSouthToNorth: {4, 15},
		WindEastToWest:   {4, 15},  // swapped: matches the S-N pattern
		WindWestToEast:   {6, 104}, // swapped: matches the N-S pattern
	},
	ZoneC: {
		WindNorthToSouth: {4, 15},
		WindSouthToNorth: {4, 13, 22, 31, 42, 54, 58},
		WindEastToWest:   {4, 13, 22, 31, 42, 54, 60},
		WindWestToEast:   {4, 15},
	},
	ZoneD: {
		WindNorthToSouth: {6, 103},
		WindSouthToNorth: {4, 13, 22, 31, 42, 52, 70, 81, 86},
		WindEastToWest:   {6, 103},
		WindWestToEast:   {4, 13, 22, 31, 42, 52, 70, 81, 86},
	},
	ZoneE: {
		WindNorthToSouth: {5},
		WindSouthToNorth: {4, 14},
		WindEastToWest:   {4, 14},
		WindWestToEast:   {5},
	},
	ZoneF: {
		WindNorthToSouth: {6, 92, 103},
		WindSouthToNorth: {4, 13, 22, 31, 42, 52, 70, 81, 83},
		WindEastToWest:   {6, 92, 103},
		WindWestToEast:   {4, 13, 22, 31, 42, 52, 70, 81, 86},
	},
	ZoneG: {
		WindNorthToSouth: {6, 88, 92, 103},
		WindSouthToNorth: {4, 22, 13, 31, 42, 52, 72}, // source order, not numeric
		WindEastToWest:   {4, 22, 13, 31, 42, 52, 72}, // same pattern as S-N
		WindWestToEast:   {6, 88, 92, 103},
	},
	ZoneH: {
		WindNorthToSouth: {4, 13, 22, 32},
		WindSouthToNorth: {4, 13, 22, 32},
		WindEastToWest:   {4, 13, 23, 114},
		WindWestToEast:   {4, 13, 22, 32},
	},
	ZoneK: {
		WindNorthToSouth: {4, 13, 23, 113},
		WindSouthToNorth: {4, 13, 23, 114, 119},
		WindEastToWest:   {4, 13, 22, 31, 41, 126},
		WindWestToEast:   {4, 13, 23, 112},
	},
}

// AllZones returns the nine valid zone names in the table's fixed order.
func AllZones() []Zone {
	return []Zone{ZoneA, ZoneB, ZoneC, ZoneD, ZoneE, ZoneF, ZoneG, ZoneH, ZoneK}
}

// Lookup returns the ordered lamp id set for (zone, wind), and an error if
// either the zone or the wind direction is not recognised.
func Lookup(zone Zone, wind Wind) ([]int, error) {
	if !validWinds[wind] {
		return nil, fmt.Errorf("zonemap: invalid wind direction %q", wind)
	}
	winds, ok := table[zone]
	if !ok {
		return nil, fmt.Errorf("zonemap: invalid zone %q", zone)
	}
	ids := winds[wind]
	out := make([]int, len(ids))
	copy(out, ids)
	return out, nil
}

// HighestLampID returns the numerically largest lamp id in ids. Used to
// select which lamp carries the flash marker during activation.
func HighestLampID(ids []int) int {
	highest := 0
	for _, id := range ids {
		if id > highest {
			highest = id
		}
	}
	return highest
}
