package gpio

import "testing"

func TestNewDriver_Mock(t *testing.T) {
	drv, err := NewDriver(true)
	if err != nil {
		t.Fatalf("NewDriver(mock): %v", err)
	}
	if _, ok := drv.(*MockDriver); !ok {
		t.Fatalf("expected *MockDriver, got %T", drv)
	}
}

func TestMockDriver_UnscriptedInputReadsHigh(t *testing.T) {
	drv := NewMockDriver()
	lvl, err := drv.ReadPin(17)
	if err != nil {
		t.Fatalf("ReadPin: %v", err)
	}
	if lvl != High {
		t.Errorf("idle pulled-up input = %v, want High", lvl)
	}
}

func TestMockDriver_ScriptedInput(t *testing.T) {
	drv := NewMockDriver()
	reads := 0
	drv.ScriptInput(17, func() Level {
		reads++
		if reads >= 3 {
			return Low
		}
		return High
	})

	want := []Level{High, High, Low, Low}
	for i, w := range want {
		got, _ := drv.ReadPin(17)
		if got != w {
			t.Errorf("read %d = %v, want %v", i, got, w)
		}
	}
}

func TestMockDriver_CountsWrites(t *testing.T) {
	drv := NewMockDriver()
	_ = drv.WritePin(5, High)
	_ = drv.WritePin(5, Low)
	_ = drv.WritePin(6, High)
	if got := drv.Writes(5); got != 2 {
		t.Errorf("Writes(5) = %d, want 2", got)
	}
	if got := drv.Writes(6); got != 1 {
		t.Errorf("Writes(6) = %d, want 1", got)
	}
}

func TestPinMode_String(t *testing.T) {
	cases := map[PinMode]string{Input: "input", Output: "output", InputPullUp: "input+pullup", PinMode(9): "unknown"}
	for m, want := range cases {
		if got := m.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", m, got, want)
		}
	}
}
