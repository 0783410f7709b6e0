package wsproto

import "testing"

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.2.3")
	if err != nil {
		t.Fatalf("ParseVersion: %v", err)
	}
	if v != (Version{1, 2, 3}) {
		t.Fatalf("ParseVersion = %+v, want {1 2 3}", v)
	}
}

func TestParseVersionMalformed(t *testing.T) {
	cases := []string{"1.2", "1.2.x", "", "1.2.3.4"}
	for _, c := range cases {
		if _, err := ParseVersion(c); err == nil {
			t.Errorf("ParseVersion(%q) expected error, got nil", c)
		}
	}
}

func TestCompatible(t *testing.T) {
	cases := []struct {
		client string
		want   bool
	}{
		{ServerVersion, true},
		{"1.0.0", true},
		{"1.0.5", true},  // patch is ignored
		{"1.99.0", false}, // client minor ahead of server
		{"2.0.0", false},  // major mismatch
		{"0.9.0", false},
		{"garbage", false},
	}
	for _, c := range cases {
		if got := Compatible(c.client); got != c.want {
			t.Errorf("Compatible(%q) = %v, want %v", c.client, got, c.want)
		}
	}
}

func TestCodeOfDefaultsToIO(t *testing.T) {
	if got := CodeOf(nil); got != "" {
		t.Fatalf("CodeOf(nil) = %q, want empty", got)
	}
	plain := errStr("boom")
	if got := CodeOf(plain); got != ErrIO {
		t.Fatalf("CodeOf(plain error) = %q, want %q", got, ErrIO)
	}
	wrapped := NewError(ErrEISDIR, plain)
	if got := CodeOf(wrapped); got != ErrEISDIR {
		t.Fatalf("CodeOf(wrapped) = %q, want %q", got, ErrEISDIR)
	}
}

type errStr string

func (e errStr) Error() string { return string(e) }
