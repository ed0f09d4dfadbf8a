// Package binary inspects target files on disk: identity hashing, header
// parsing and printable string extraction.
package binary

import (
	"bufio"
	"crypto/md5"
	"crypto/sha256"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// Identity is the SHA-256 of a binary's content. It keys every cache
// namespace, so two paths with the same bytes share cached results.
type Identity string

// Short returns the first 12 hex digits.
func (id Identity) Short() string {
	if len(id) > 12 {
		return string(id[:12])
	}
	return string(id)
}

// Digest holds size and hashes of a file.
type Digest struct {
	Size      int64  `json:"file_size"`
	SizeHuman string `json:"file_size_human"`
	MD5       string `json:"md5"`
	SHA256    string `json:"sha256"`
}

// Hash reads path once and computes its digests.
func Hash(path string) (*Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := md5.New()
	s := sha256.New()
	n, err := io.Copy(io.MultiWriter(m, s), f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return &Digest{
		Size:      n,
		SizeHuman: FormatSize(n),
		MD5:       hex.EncodeToString(m.Sum(nil)),
		SHA256:    hex.EncodeToString(s.Sum(nil)),
	}, nil
}

// IdentityOf hashes path.
func IdentityOf(path string) (Identity, error) {
	d, err := Hash(path)
	if err != nil {
		return "", err
	}
	return Identity(d.SHA256), nil
}

// FormatSize renders a byte count as "12.3 KB".
func FormatSize(n int64) string {
	size := float64(n)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if size < 1024.0 {
			return fmt.Sprintf("%.1f %s", size, unit)
		}
		size /= 1024.0
	}
	return fmt.Sprintf("%.1f TB", size)
}

// Header is the parsed executable header.
type Header struct {
	Format       string   `json:"format"`
	Architecture string   `json:"architecture"`
	Class        string   `json:"class,omitempty"`
	Endianness   string   `json:"endianness,omitempty"`
	Type         string   `json:"type,omitempty"`
	Entry        string   `json:"entry,omitempty"`
	Stripped     bool     `json:"stripped"`
	Sections     []string `json:"sections,omitempty"`
	Libraries    []string `json:"libraries,omitempty"`
}

// Describe returns a one-line description similar to file(1).
func (h *Header) Describe() string {
	parts := []string{h.Format}
	if h.Class != "" {
		parts = append(parts, h.Class)
	}
	if h.Type != "" {
		parts = append(parts, h.Type)
	}
	parts = append(parts, h.Architecture)
	if h.Stripped {
		parts = append(parts, "stripped")
	} else {
		parts = append(parts, "not stripped")
	}
	return strings.Join(parts, ", ")
}

// ReadHeader parses an ELF, Mach-O or PE header.
func ReadHeader(path string) (*Header, error) {
	if f, err := elf.Open(path); err == nil {
		defer f.Close()
		return elfHeader(f), nil
	}
	if f, err := macho.Open(path); err == nil {
		defer f.Close()
		return machoHeader(f), nil
	}
	if f, err := pe.Open(path); err == nil {
		defer f.Close()
		return peHeader(f), nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%s: not an ELF, Mach-O or PE executable", path)
}

func elfHeader(f *elf.File) *Header {
	h := &Header{
		Format:       "ELF",
		Architecture: f.Machine.String(),
		Class:        f.Class.String(),
		Endianness:   f.Data.String(),
		Type:         f.Type.String(),
		Entry:        fmt.Sprintf("0x%x", f.Entry),
		Stripped:     f.Section(".symtab") == nil,
	}
	for _, s := range f.Sections {
		if s.Name != "" {
			h.Sections = append(h.Sections, s.Name)
		}
	}
	if libs, err := f.ImportedLibraries(); err == nil {
		h.Libraries = libs
	}
	return h
}

func machoHeader(f *macho.File) *Header {
	h := &Header{
		Format:       "Mach-O",
		Architecture: f.Cpu.String(),
		Type:         f.Type.String(),
		Stripped:     f.Symtab == nil || len(f.Symtab.Syms) == 0,
	}
	if f.Magic == macho.Magic64 {
		h.Class = "64-bit"
	} else {
		h.Class = "32-bit"
	}
	for _, s := range f.Sections {
		h.Sections = append(h.Sections, s.Seg+","+s.Name)
	}
	if libs, err := f.ImportedLibraries(); err == nil {
		h.Libraries = libs
	}
	return h
}

func peHeader(f *pe.File) *Header {
	h := &Header{
		Format:       "PE",
		Architecture: peMachine(f.Machine),
		Stripped:     f.FileHeader.NumberOfSymbols == 0,
	}
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		h.Class = "PE32"
		h.Entry = fmt.Sprintf("0x%x", uint64(oh.ImageBase)+uint64(oh.AddressOfEntryPoint))
	case *pe.OptionalHeader64:
		h.Class = "PE32+"
		h.Entry = fmt.Sprintf("0x%x", oh.ImageBase+uint64(oh.AddressOfEntryPoint))
	}
	for _, s := range f.Sections {
		h.Sections = append(h.Sections, s.Name)
	}
	if libs, err := f.ImportedLibraries(); err == nil {
		h.Libraries = libs
	}
	return h
}

func peMachine(m uint16) string {
	switch m {
	case pe.IMAGE_FILE_MACHINE_I386:
		return "x86"
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return "x86-64"
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return "ARM64"
	case pe.IMAGE_FILE_MACHINE_ARMNT:
		return "ARM"
	}
	return fmt.Sprintf("machine 0x%x", m)
}

// RawString is a printable run found in the file.
type RawString struct {
	Offset int64  `json:"offset"`
	Value  string `json:"value"`
}

// Strings extracts printable ASCII runs of at least minLen bytes, stopping
// after limit results when limit > 0.
func Strings(path string, minLen, limit int) ([]RawString, error) {
	if minLen <= 0 {
		minLen = 4
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var (
		out    []RawString
		run    []byte
		offset int64
		start  int64
	)
	flush := func() {
		if len(run) >= minLen {
			out = append(out, RawString{Offset: start, Value: string(run)})
		}
		run = run[:0]
	}
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if b == '\t' || (b >= 0x20 && b < 0x7f) {
			if len(run) == 0 {
				start = offset
			}
			run = append(run, b)
		} else {
			flush()
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		offset++
	}
	flush()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
