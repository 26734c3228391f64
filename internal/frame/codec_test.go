package frame

import (
	"errors"
	"testing"
)

func TestLookup_DeviceAndPositionDerivation(t *testing.T) {
	cases := []struct {
		id       int
		device   byte
		position int
	}{
		{1, 'A', 1},
		{9, 'A', 9},
		{10, 'B', 1},
		{97, 'K', 7}, // (97-1)/9 = 10 -> 'A'+10 = 'K'; (97-1)%9+1 = 7
		{104, 'L', 5},
		{126, 'N', 9},
	}
	for _, c := range cases {
		info, err := Lookup(c.id)
		if err != nil {
			t.Fatalf("Lookup(%d): %v", c.id, err)
		}
		if info.Device != c.device || info.Position != c.position {
			t.Errorf("Lookup(%d) = {%c,%d}, want {%c,%d}", c.id, info.Device, info.Position, c.device, c.position)
		}
	}
}

func TestLookup_OutOfRange(t *testing.T) {
	for _, id := range []int{0, -1, 127, 1000} {
		if _, err := Lookup(id); !errors.Is(err, ErrInvalidLamp) {
			t.Errorf("Lookup(%d) expected ErrInvalidLamp, got %v", id, err)
		}
	}
}

func TestFrameForLamp97_FlashedOn(t *testing.T) {
	// Lamp 97, flashed ON -> device K, position 7 -> 'n', flash '#'.
	got, err := FrameForLamp(97, true, true)
	if err != nil {
		t.Fatalf("FrameForLamp: %v", err)
	}
	want := []byte("Kn#")
	if string(got) != string(want) {
		t.Errorf("FrameForLamp(97,on,flash) = %q, want %q", got, want)
	}
}

func TestLampFrame_RoundTrip(t *testing.T) {
	on, err := LampFrame('A', 1, true, false)
	if err != nil || string(on) != "Ab" {
		t.Fatalf("LampFrame on = %q, %v", on, err)
	}
	off, err := LampFrame('A', 1, false, false)
	if err != nil || string(off) != "Aa" {
		t.Fatalf("LampFrame off = %q, %v", off, err)
	}
}

func TestAllFrame(t *testing.T) {
	on, _ := AllFrame('A', true)
	if string(on) != "A*" {
		t.Errorf("AllFrame(on) = %q", on)
	}
	off, _ := AllFrame('A', false)
	if string(off) != "A!" {
		t.Errorf("AllFrame(off) = %q", off)
	}
}

func TestRouteFrame_Boundaries(t *testing.T) {
	if f, err := RouteFrame('A', 0); err != nil || string(f) != "AR0" {
		t.Errorf("RouteFrame(0) = %q, %v", f, err)
	}
	if f, err := RouteFrame('A', 9); err != nil || string(f) != "AR9" {
		t.Errorf("RouteFrame(9) = %q, %v", f, err)
	}
	if _, err := RouteFrame('A', 10); !errors.Is(err, ErrInvalidRoute) {
		t.Errorf("RouteFrame(10) expected ErrInvalidRoute, got %v", err)
	}
}

func TestMaskFrame_Boundaries(t *testing.T) {
	if f, err := MaskFrame('A', "1FF"); err != nil || string(f) != "AM1FF" {
		t.Errorf("MaskFrame(1FF) = %q, %v", f, err)
	}
	if _, err := MaskFrame('A', "200"); !errors.Is(err, ErrInvalidMask) {
		t.Errorf("MaskFrame(200) expected ErrInvalidMask, got %v", err)
	}
	if _, err := MaskFrame('A', "ZZZ"); !errors.Is(err, ErrInvalidMask) {
		t.Errorf("MaskFrame(ZZZ) expected ErrInvalidMask, got %v", err)
	}
}

func TestValidateDevice_OutOfRange(t *testing.T) {
	if _, err := LampFrame('O', 1, true, false); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("device 'O' expected ErrInvalidDevice, got %v", err)
	}
	if _, err := LampFrame('Z', 1, true, false); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("device 'Z' expected ErrInvalidDevice, got %v", err)
	}
}

func TestIsValidFrame(t *testing.T) {
	valid := [][]byte{
		[]byte("Ab"), []byte("A*"), []byte("A!"),
		[]byte("AR0"), []byte("AR9"), []byte("Ab#"),
		[]byte("AM1FF"), []byte("AM000"),
	}
	for _, f := range valid {
		if !IsValidFrame(f) {
			t.Errorf("IsValidFrame(%q) = false, want true", f)
		}
	}

	invalid := [][]byte{
		{},
		[]byte("Oa"),    // invalid device
		[]byte("Zb"),    // invalid device
		[]byte("ARx"),   // non-digit route
		[]byte("Abx"),   // 3-byte, second char not R, third not '#'
		[]byte("AM200"), // mask over 1FF
		[]byte("AMzzz"), // non-hex mask
		[]byte("AM1ff"), // lowercase hex not accepted by grammar
	}
	for _, f := range invalid {
		if IsValidFrame(f) {
			t.Errorf("IsValidFrame(%q) = true, want false", f)
		}
	}
}
