package fleet

import "testing"

func TestParseTransport(t *testing.T) {
	for _, valid := range []string{"can", "serial", "dfu", "linux"} {
		tr, err := ParseTransport(valid)
		if err != nil {
			t.Errorf("ParseTransport(%q): %v", valid, err)
		}
		if string(tr) != valid {
			t.Errorf("ParseTransport(%q) = %q", valid, tr)
		}
	}

	for _, invalid := range []string{"", "usb", "CAN", "spi"} {
		if _, err := ParseTransport(invalid); err == nil {
			t.Errorf("ParseTransport(%q) succeeded, want error", invalid)
		}
	}
}

func TestModeTerminal(t *testing.T) {
	cases := []struct {
		mode Mode
		want bool
	}{
		{ModeFirmware, true},
		{ModeBootloader, true},
		{ModeUnknown, false},
		{ModeUnreachable, false},
	}
	for _, tc := range cases {
		if got := tc.mode.Terminal(); got != tc.want {
			t.Errorf("%s.Terminal() = %v, want %v", tc.mode, got, tc.want)
		}
	}
}
