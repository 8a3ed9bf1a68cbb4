package image

import "fmt"

// Integrity is the structural sanity report of an image's section
// table. It depends on Entry, which the section table does not pin, so
// it is computed per image rather than stored with a map.
type Integrity struct {
	// EntryValid is set when Entry lies inside an executable section.
	EntryValid          bool `json:"entry_valid"`
	EntryAtSectionStart bool `json:"entry_at_section_start"`
	// Overlapping lists section pairs whose virtual ranges intersect.
	Overlapping [][2]string `json:"overlapping,omitempty"`
	// Anomalous lists sections that are both writable and executable.
	Anomalous []string `json:"anomalous_permissions,omitempty"`
}

// Integrity checks the entry point and section table of img.
func (img *Image) Integrity() Integrity {
	var in Integrity
	for _, s := range img.Executable() {
		if img.Entry >= s.Offset && img.Entry-s.Offset < s.Size {
			in.EntryValid = true
			in.EntryAtSectionStart = img.Entry == s.Offset
			break
		}
	}
	for i, a := range img.Sections {
		if a.WX() {
			in.Anomalous = append(in.Anomalous, a.Name)
		}
		if a.Size == 0 {
			continue
		}
		for _, b := range img.Sections[i+1:] {
			if b.Size > 0 && a.Overlaps(b.Addr, b.End()) {
				in.Overlapping = append(in.Overlapping, [2]string{a.Name, b.Name})
			}
		}
	}
	return in
}

// Sound reports whether no structural check failed.
func (in Integrity) Sound() bool {
	return in.EntryValid && len(in.Overlapping) == 0 && len(in.Anomalous) == 0
}

// Problems describes each failed check, entry first.
func (in Integrity) Problems() []string {
	var out []string
	if !in.EntryValid {
		out = append(out, "entry point outside executable sections")
	}
	for _, p := range in.Overlapping {
		out = append(out, fmt.Sprintf("sections %s and %s overlap", p[0], p[1]))
	}
	for _, name := range in.Anomalous {
		out = append(out, fmt.Sprintf("section %s is writable and executable", name))
	}
	return out
}
