package archmap

import (
	"slices"
	"strings"

	"bg/internal/image"
)

// APICategory groups imported functions by the kind of access they
// grant.
type APICategory string

const (
	APIMemory     APICategory = "memory"
	APIInjection  APICategory = "injection"
	APINetwork    APICategory = "network"
	APIFilesystem APICategory = "filesystem"
	APICrypto     APICategory = "crypto"
)

// apiPatterns is matched in order; the first hit wins. Patterns of six
// or more letters match anywhere in the name. Shorter ones are POSIX
// names and must match the whole normalized name.
var apiPatterns = []struct {
	cat   APICategory
	names []string
}{
	{APIMemory, []string{
		"VIRTUALALLOC", "VIRTUALPROTECT", "VIRTUALFREE", "HEAPALLOC", "HEAPFREE",
		"NTMAPVIEWOFSECTION", "NTUNMAPVIEWOFSECTION", "MMAP", "MPROTECT", "MUNMAP",
	}},
	{APIInjection, []string{
		"WRITEPROCESSMEMORY", "READPROCESSMEMORY", "CREATEREMOTETHREAD", "NTQUEUEAPCTHREAD",
		"SETWINDOWSHOOKEX", "SETTHREADCONTEXT", "NTWRITEVIRTUALMEMORY", "NTREADVIRTUALMEMORY",
		"PTRACE",
	}},
	{APINetwork, []string{
		"WSASTARTUP", "WSASEND", "WSARECV", "SOCKET", "CONNECT", "SEND", "SENDTO", "SENDMSG",
		"RECV", "RECVFROM", "RECVMSG", "BIND", "LISTEN", "ACCEPT",
		"GETADDRINFO", "INTERNETOPEN", "HTTPOPENREQUEST", "URLDOWNLOAD", "WINHTTP",
	}},
	{APIFilesystem, []string{
		"CREATEFILE", "WRITEFILE", "READFILE", "DELETEFILE", "MOVEFILE", "COPYFILE",
		"FINDFIRSTFILE", "FINDNEXTFILE", "OPEN", "WRITE", "READ", "UNLINK", "STAT", "FSTAT",
	}},
	{APICrypto, []string{
		"CRYPTACQUIRECONTEXT", "CRYPTENCRYPT", "CRYPTDECRYPT", "CRYPTGENRANDOM", "BCRYPT", "NCRYPT",
	}},
}

// normalize folds libc spellings such as __open_2 or stat64 onto the
// base name.
func normalize(name string) string {
	n := strings.ToUpper(strings.TrimLeft(name, "_"))
	for _, suffix := range []string{"_CHK", "_2", "64"} {
		n = strings.TrimSuffix(n, suffix)
	}
	return n
}

// CategorizeImport returns the category of an imported function name.
func CategorizeImport(name string) (APICategory, bool) {
	n := normalize(name)
	for _, p := range apiPatterns {
		for _, pat := range p.names {
			if len(pat) < 6 && n == pat || len(pat) >= 6 && strings.Contains(n, pat) {
				return p.cat, true
			}
		}
	}
	return "", false
}

// ImportMap profiles the dynamic linking surface of a binary.
type ImportMap struct {
	Libraries []string `json:"libraries,omitempty"`
	Imports   int      `json:"imports"`
	Exports   []string `json:"exports,omitempty"`
	// Categories holds the sorted import names of each category.
	Categories map[APICategory][]string `json:"categories,omitempty"`
}

// NewImportMap categorizes the imports of img.
func NewImportMap(img *image.Image) ImportMap {
	im := ImportMap{
		Imports: len(img.Imports),
		Exports: slices.Compact(slices.Sorted(slices.Values(img.Exports))),
	}
	libs := slices.Clone(img.Libraries)
	for _, imp := range img.Imports {
		if imp.Library != "" {
			libs = append(libs, imp.Library)
		}
		cat, ok := CategorizeImport(imp.Name)
		if !ok {
			continue
		}
		if im.Categories == nil {
			im.Categories = make(map[APICategory][]string)
		}
		im.Categories[cat] = append(im.Categories[cat], imp.Name)
	}
	for cat, names := range im.Categories {
		slices.Sort(names)
		im.Categories[cat] = slices.Compact(names)
	}
	for i, l := range libs {
		libs[i] = strings.ToLower(l)
	}
	slices.Sort(libs)
	im.Libraries = slices.Compact(libs)
	return im
}

// Has reports whether any import falls in c.
func (im ImportMap) Has(c APICategory) bool { return len(im.Categories[c]) > 0 }

// CategoryOrder is the order categories are matched and reported in.
func CategoryOrder() []APICategory {
	out := make([]APICategory, len(apiPatterns))
	for i, p := range apiPatterns {
		out[i] = p.cat
	}
	return out
}
