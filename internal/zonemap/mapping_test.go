package zonemap

import "testing"

func TestLookup_ZoneA_SouthToNorth(t *testing.T) {
	ids, err := Lookup(ZoneA, WindSouthToNorth)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	want := []int{4, 13, 22, 31, 42, 52, 70, 79, 97}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}
	if got := HighestLampID(ids); got != 97 {
		t.Errorf("HighestLampID = %d, want 97", got)
	}
}

func TestLookup_ZoneB_EastWestSwap(t *testing.T) {
	// Zone B's E-W/W-E pairing is deliberately swapped relative to other zones.
	ew, err := Lookup(ZoneB, WindEastToWest)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	sn, _ := Lookup(ZoneB, WindSouthToNorth)
	if len(ew) != len(sn) || ew[0] != sn[0] || ew[1] != sn[1] {
		t.Errorf("expected zone B E-W to match S-N pattern, got E-W=%v S-N=%v", ew, sn)
	}
}

func TestLookup_ZoneG_SouthToNorth(t *testing.T) {
	// Installed (non-numeric) enqueue order.
	ids, err := Lookup(ZoneG, WindSouthToNorth)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	want := []int{4, 22, 13, 31, 42, 52, 72}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}
}

func TestLookup_InvalidZoneOrWind(t *testing.T) {
	if _, err := Lookup(Zone("Z"), WindNorthToSouth); err == nil {
		t.Error("expected error for invalid zone")
	}
	if _, err := Lookup(ZoneA, Wind("X-X")); err == nil {
		t.Error("expected error for invalid wind")
	}
}

func TestAllZones_CoversNineZones(t *testing.T) {
	zones := AllZones()
	if len(zones) != 9 {
		t.Fatalf("expected 9 zones, got %d", len(zones))
	}
	for _, z := range zones {
		for _, w := range []Wind{WindNorthToSouth, WindSouthToNorth, WindEastToWest, WindWestToEast} {
			if _, err := Lookup(z, w); err != nil {
				t.Errorf("Lookup(%s, %s): %v", z, w, err)
			}
		}
	}
}

func TestLampIDsWithinValidRange(t *testing.T) {
	for _, z := range AllZones() {
		for _, w := range []Wind{WindNorthToSouth, WindSouthToNorth, WindEastToWest, WindWestToEast} {
			ids, _ := Lookup(z, w)
			for _, id := range ids {
				if id < 1 || id > 126 {
					t.Errorf("zone %s wind %s has out-of-range lamp id %d", z, w, id)
				}
			}
		}
	}
}
