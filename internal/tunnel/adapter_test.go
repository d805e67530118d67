package tunnel

import "testing"

func TestToCIDR_bareIPv4GetsSlash32(t *testing.T) {
	t.Parallel()

	got, err := toCIDR("10.13.0.2", 32)
	if err != nil {
		t.Fatalf("toCIDR() error: %v", err)
	}
	if got != "10.13.0.2/32" {
		t.Errorf("toCIDR() = %q, want 10.13.0.2/32", got)
	}
}

func TestToCIDR_bareIPv6GetsSlash128(t *testing.T) {
	t.Parallel()

	got, err := toCIDR("fd00::1", 128)
	if err != nil {
		t.Fatalf("toCIDR() error: %v", err)
	}
	if got != "fd00::1/128" {
		t.Errorf("toCIDR() = %q, want fd00::1/128", got)
	}
}

func TestToCIDR_existingPrefixPassesThrough(t *testing.T) {
	t.Parallel()

	got, err := toCIDR("10.13.0.0/24", 32)
	if err != nil {
		t.Fatalf("toCIDR() error: %v", err)
	}
	if got != "10.13.0.0/24" {
		t.Errorf("toCIDR() = %q, want 10.13.0.0/24 unchanged", got)
	}
}

func TestToCIDR_invalidAddress(t *testing.T) {
	t.Parallel()

	if _, err := toCIDR("not-an-address", 32); err == nil {
		t.Error("toCIDR() with garbage input should error")
	}
}

func TestAdapter_MTUDefault(t *testing.T) {
	t.Parallel()

	a := &Adapter{mtu: DefaultMTU}
	if a.MTU() != DefaultMTU {
		t.Errorf("MTU() = %d, want %d", a.MTU(), DefaultMTU)
	}
}
