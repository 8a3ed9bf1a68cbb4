package archmap

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"bg/internal/image"
)

func TestCategorizeImport(t *testing.T) {
	tests := []struct {
		name string
		want APICategory
		ok   bool
	}{
		{"VirtualAllocEx", APIMemory, true},
		{"mprotect", APIMemory, true},
		{"WriteProcessMemory", APIInjection, true},
		{"ptrace", APIInjection, true},
		{"CreateRemoteThread", APIInjection, true},
		{"WSAStartup", APINetwork, true},
		{"WSASend", APINetwork, true},
		{"connect", APINetwork, true},
		{"recvfrom", APINetwork, true},
		{"InternetOpenUrlA", APINetwork, true},
		{"CreateFileW", APIFilesystem, true},
		{"open64", APIFilesystem, true},
		{"__open_2", APIFilesystem, true},
		{"__read_chk", APIFilesystem, true},
		{"fstat64", APIFilesystem, true},
		{"BCryptGenRandom", APICrypto, true},
		{"CryptAcquireContextW", APICrypto, true},
		// Short POSIX names only match whole.
		{"pthread_create", "", false},
		{"strstr", "", false},
		{"printf", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := CategorizeImport(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("CategorizeImport(%q) = %q, %v, want %q, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNewImportMap(t *testing.T) {
	img := &image.Image{
		Libraries: []string{"libc.so.6"},
		Imports: []image.Import{
			{Library: "KERNEL32.dll", Name: "VirtualProtect"},
			{Library: "kernel32.dll", Name: "CreateFileW"},
			{Library: "ws2_32.dll", Name: "connect"},
			{Name: "read"},
			{Name: "open"},
			{Name: "read"},
			{Name: "printf"},
		},
		Exports: []string{"run", "init", "run"},
	}
	want := ImportMap{
		Libraries: []string{"kernel32.dll", "libc.so.6", "ws2_32.dll"},
		Imports:   7,
		Exports:   []string{"init", "run"},
		Categories: map[APICategory][]string{
			APIMemory:     {"VirtualProtect"},
			APINetwork:    {"connect"},
			APIFilesystem: {"CreateFileW", "open", "read"},
		},
	}
	got := NewImportMap(img)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("NewImportMap mismatch (-want +got):\n%s", diff)
	}
	if !got.Has(APINetwork) || got.Has(APIInjection) {
		t.Errorf("Has: network %v injection %v", got.Has(APINetwork), got.Has(APIInjection))
	}

	// Map keys are sorted by encoding/json, so output is stable.
	a, err := json.Marshal(got)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := json.Marshal(NewImportMap(img))
	if string(a) != string(b) {
		t.Errorf("json not deterministic:\n%s\n%s", a, b)
	}
}

func TestNewImportMapEmpty(t *testing.T) {
	got := NewImportMap(image.Raw("blob", []byte{0xc3}, 0))
	if diff := cmp.Diff(ImportMap{}, got); diff != "" {
		t.Errorf("NewImportMap mismatch (-want +got):\n%s", diff)
	}
}

func TestCategoryOrder(t *testing.T) {
	want := []APICategory{APIMemory, APIInjection, APINetwork, APIFilesystem, APICrypto}
	if diff := cmp.Diff(want, CategoryOrder()); diff != "" {
		t.Errorf("CategoryOrder mismatch (-want +got):\n%s", diff)
	}
}
