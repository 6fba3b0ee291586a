package tier

import "testing"

func TestSelectBySize(t *testing.T) {
	cases := []struct {
		name string
		path string
		size int64
		want Tier
	}{
		{"inline", "small.bin", 1024, Inline},
		{"granular-small", "medium.bin", 5 * MiB, Granular},
		{"standard", "large.bin", 100 * MiB, Standard},
		{"large", "huge.bin", 1 * GiB, Large},
		{"jumbo", "massive.bin", 6 * GiB, Jumbo},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Select(c.path, c.size); got != c.want {
				t.Errorf("Select(%q, %d) = %v, want %v", c.path, c.size, got, c.want)
			}
		})
	}
}

func TestSelectByExtension(t *testing.T) {
	if got := Select("code.rs", 100*MiB); got != Granular {
		t.Errorf("source file below the large-file threshold should be granular, got %v", got)
	}
	if got := Select("disk.iso", 1024); got != Jumbo {
		t.Errorf("disk image should be jumbo regardless of size, got %v", got)
	}
	if got := Select("vm.vmdk", 100*MiB); got != Jumbo {
		t.Errorf("vmdk should be jumbo, got %v", got)
	}
}

func TestConfigFor(t *testing.T) {
	if c := ConfigFor(Standard); c.MinSize != 16*KiB || c.AvgSize != 32*KiB || c.MaxSize != 64*KiB {
		t.Errorf("unexpected standard config: %+v", c)
	}
	if c := ConfigFor(Inline); c != (Config{}) {
		t.Errorf("inline config should be zero, got %+v", c)
	}
}

func TestCompressible(t *testing.T) {
	for _, tt := range []Tier{Inline, Granular, Standard} {
		if !Compressible(tt) {
			t.Errorf("%v should be compressible", tt)
		}
	}
	for _, tt := range []Tier{Large, Jumbo} {
		if Compressible(tt) {
			t.Errorf("%v should not be compressible", tt)
		}
	}
}
