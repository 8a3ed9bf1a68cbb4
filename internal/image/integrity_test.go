package image

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIntegrity(t *testing.T) {
	const (
		rx = PermRead | PermExec
		rw = PermRead | PermWrite
	)
	tests := []struct {
		name string
		img  *Image
		want Integrity
	}{
		{
			name: "raw",
			img:  Raw("blob", []byte{0x90, 0xc3}, 0x7c00),
			want: Integrity{EntryValid: true, EntryAtSectionStart: true},
		},
		{
			name: "entry inside text",
			img: &Image{
				Data:  make([]byte, 0x300),
				Entry: 0x110,
				Sections: []Section{
					{Name: ".text", Offset: 0x100, Size: 0x100, Addr: 0x1000, Perm: rx},
					{Name: ".data", Offset: 0x200, Size: 0x100, Addr: 0x2000, Perm: rw},
				},
			},
			want: Integrity{EntryValid: true},
		},
		{
			name: "entry in data",
			img: &Image{
				Data:  make([]byte, 0x300),
				Entry: 0x200,
				Sections: []Section{
					{Name: ".text", Offset: 0x100, Size: 0x100, Addr: 0x1000, Perm: rx},
					{Name: ".data", Offset: 0x200, Size: 0x100, Addr: 0x2000, Perm: rw},
				},
			},
			want: Integrity{},
		},
		{
			name: "overlap and wx",
			img: &Image{
				Data:  make([]byte, 0x300),
				Entry: 0x100,
				Sections: []Section{
					{Name: ".text", Offset: 0x100, Size: 0x100, Addr: 0x1000, Perm: rx | PermWrite},
					{Name: ".hook", Offset: 0x200, Size: 0x20, Addr: 0x10f0, Perm: rw},
					{Name: ".bss", Offset: 0x300, Addr: 0x1000, Perm: rw},
				},
			},
			want: Integrity{
				EntryValid:          true,
				EntryAtSectionStart: true,
				Overlapping:         [][2]string{{".text", ".hook"}},
				Anomalous:           []string{".text"},
			},
		},
		{
			name: "no executable section",
			img: &Image{
				Data:     make([]byte, 0x10),
				Sections: []Section{{Name: ".data", Size: 0x10, Addr: 0x1000, Perm: rw}},
			},
			want: Integrity{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.img.Integrity()
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Integrity() mismatch (-want +got):\n%s", diff)
			}
			if sound := len(got.Problems()) == 0; sound != got.Sound() {
				t.Errorf("Sound() = %v with problems %q", got.Sound(), got.Problems())
			}
		})
	}
}

func TestIntegrityProblems(t *testing.T) {
	in := Integrity{
		Overlapping: [][2]string{{"a", "b"}},
		Anomalous:   []string{"a"},
	}
	want := []string{
		"entry point outside executable sections",
		"sections a and b overlap",
		"section a is writable and executable",
	}
	if diff := cmp.Diff(want, in.Problems()); diff != "" {
		t.Errorf("Problems() mismatch (-want +got):\n%s", diff)
	}
	if in.Sound() {
		t.Error("Sound() = true, want false")
	}
}
