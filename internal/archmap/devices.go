package archmap

import "slices"

type portRange struct {
	from, to uint16
	name     string
}

// Legacy PC port assignments, sorted and disjoint.
var devices = []portRange{
	{0x0000, 0x000f, "dma1"},
	{0x0020, 0x0021, "pic1"},
	{0x0040, 0x0043, "pit"},
	{0x0060, 0x0060, "ps2-data"},
	{0x0061, 0x0061, "speaker"},
	{0x0064, 0x0064, "ps2-cmd"},
	{0x0070, 0x0071, "cmos"},
	{0x0080, 0x008f, "dma-page"},
	{0x00a0, 0x00a1, "pic2"},
	{0x00c0, 0x00df, "dma2"},
	{0x0170, 0x0177, "ata2"},
	{0x01f0, 0x01f7, "ata1"},
	{0x0201, 0x0201, "gameport"},
	{0x0278, 0x027a, "lpt2"},
	{0x02e8, 0x02ef, "com4"},
	{0x02f8, 0x02ff, "com2"},
	{0x0376, 0x0376, "ata2-ctl"},
	{0x0378, 0x037a, "lpt1"},
	{0x03b0, 0x03df, "vga"},
	{0x03e8, 0x03ef, "com3"},
	{0x03f6, 0x03f6, "ata1-ctl"},
	{0x03f8, 0x03ff, "com1"},
	{0x0cf8, 0x0cff, "pci-config"},
}

// DeviceName returns the legacy device conventionally decoded at port.
func DeviceName(port uint16) (string, bool) {
	i, _ := slices.BinarySearchFunc(devices, port, func(r portRange, p uint16) int {
		switch {
		case r.to < p:
			return -1
		case r.from > p:
			return 1
		}
		return 0
	})
	if i < len(devices) && devices[i].from <= port && port <= devices[i].to {
		return devices[i].name, true
	}
	return "", false
}

// Device groups the known ports of one device.
type Device struct {
	Name  string   `json:"name"`
	Ports []uint16 `json:"ports"`
}

// Devices maps the map's known ports to legacy devices. Ports outside
// the table are grouped under "unknown", listed last.
func (m *Map) Devices() []Device {
	var out []Device
	var unknown []uint16
	for _, p := range m.IO.Ports {
		name, ok := DeviceName(p)
		if !ok {
			unknown = append(unknown, p)
			continue
		}
		if n := len(out); n > 0 && out[n-1].Name == name {
			out[n-1].Ports = append(out[n-1].Ports, p)
			continue
		}
		out = append(out, Device{Name: name, Ports: []uint16{p}})
	}
	if len(unknown) > 0 {
		out = append(out, Device{Name: "unknown", Ports: unknown})
	}
	return out
}
