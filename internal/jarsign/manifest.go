// Package jarsign produces and reads the legacy JAR v1 signing artifacts:
// META-INF/MANIFEST.MF, META-INF/BS.SF, and META-INF/BS.RSA.
package jarsign

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/timfenton/questpatcher/internal/buildinfo"
	"github.com/timfenton/questpatcher/internal/zipsurgeon"
)

// ErrUnsupportedManifest is returned by CollectPrePatchHashes when an
// existing manifest isn't Manifest-Version: 1.0 with SHA-256 digests.
var ErrUnsupportedManifest = errors.New("jarsign: unsupported manifest format")

const (
	ManifestName = "META-INF/MANIFEST.MF"
	SFName       = "META-INF/BS.SF"
	RSAName      = "META-INF/BS.RSA"
)

// PrePatchHash is a trusted digest of an entry's uncompressed content as of
// a known last-modified stamp, keyed by entry name by the caller.
type PrePatchHash struct {
	DigestB64    string
	LastModified uint32
}

// EntryOpener returns a fresh decompressing reader over one archive entry.
type EntryOpener func(zipsurgeon.Entry) (io.ReadCloser, error)

// section is one parsed "Name: ...\nSHA-256-Digest: ...\n\n" block, along
// with the exact bytes it occupied in the manifest (needed to hash the
// signature file's per-entry digests from the literal manifest bytes).
type section struct {
	name   string
	digest string // base64
	raw    []byte
}

func hashEntryStream(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, 64*1024)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", errors.Wrap(err, "jarsign: hashing entry content")
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// digestEntry resolves one entry's content digest, reusing knownHashes when
// the cached last-modified stamp still matches.
func digestEntry(e zipsurgeon.Entry, open EntryOpener, knownHashes map[string]PrePatchHash) (string, error) {
	if cached, ok := knownHashes[e.Name]; ok && cached.LastModified == e.DOSTime() {
		return cached.DigestB64, nil
	}
	r, err := open(e)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return hashEntryStream(r)
}

// BuildManifest writes the MANIFEST.MF byte stream for entries, in the
// order given, reusing knownHashes where the cached last-modified time
// still matches. It returns the full manifest bytes and the per-entry
// section byte ranges needed to build the .SF file.
func BuildManifest(entries []zipsurgeon.Entry, open EntryOpener, knownHashes map[string]PrePatchHash) ([]byte, []section, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Manifest-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Created-By: %s\r\n", buildinfo.UserAgent)
	buf.WriteString("\r\n")

	sections := make([]section, 0, len(entries))
	for _, e := range entries {
		if e.IsSignatureArtifact() {
			continue
		}
		digest, err := digestEntry(e, open, knownHashes)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "jarsign: hashing %s", e.Name)
		}
		var sec bytes.Buffer
		fmt.Fprintf(&sec, "Name: %s\r\n", e.Name)
		fmt.Fprintf(&sec, "SHA-256-Digest: %s\r\n", digest)
		sec.WriteString("\r\n")
		sections = append(sections, section{name: e.Name, digest: digest, raw: sec.Bytes()})
		buf.Write(sec.Bytes())
	}
	return buf.Bytes(), sections, nil
}

// BuildSignatureFile produces META-INF/BS.SF from the already-built
// manifest bytes and its per-entry sections.
func BuildSignatureFile(manifest []byte, sections []section) []byte {
	manifestDigest := sha256.Sum256(manifest)

	var buf bytes.Buffer
	buf.WriteString("Signature-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "SHA-256-Digest-Manifest: %s\r\n", base64.StdEncoding.EncodeToString(manifestDigest[:]))
	fmt.Fprintf(&buf, "Created-By: %s\r\n", buildinfo.UserAgent)
	buf.WriteString("X-Android-APK-Signed: 2\r\n")
	buf.WriteString("\r\n")

	for _, sec := range sections {
		d := sha256.Sum256(sec.raw)
		fmt.Fprintf(&buf, "Name: %s\r\n", sec.name)
		fmt.Fprintf(&buf, "SHA-256-Digest: %s\r\n", base64.StdEncoding.EncodeToString(d[:]))
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// parseSections splits a manifest (or any MF-shaped blob) into blocks on a
// blank line, tolerating single-space-prefixed continuation lines the way
// the source's wrapped-name reader does: a line starting with a single
// space is glued onto the previous line with no separator.
func parseSections(manifest []byte) [][]byte {
	norm := bytes.ReplaceAll(manifest, []byte("\r\n"), []byte("\n"))
	norm = bytes.ReplaceAll(norm, []byte("\n "), []byte{})
	var sections [][]byte
	for _, raw := range bytes.Split(norm, []byte("\n\n")) {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		sections = append(sections, raw)
	}
	return sections
}

func parseAttributes(section []byte) map[string]string {
	attrs := make(map[string]string)
	for _, line := range bytes.Split(section, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := string(bytes.TrimSpace(line[:idx]))
		value := string(bytes.TrimSpace(line[idx+1:]))
		attrs[key] = value
	}
	return attrs
}

// CollectPrePatchHashes reads an existing META-INF/MANIFEST.MF from entries
// (opened via open) and builds a PrePatchHash map keyed by entry name,
// joined against each entry's current last-modified stamp. It returns
// (nil, nil) rather than an error when the manifest isn't recognizable
// (missing, wrong version, non-SHA-256 digests) so callers fall back to a
// full rehash instead of failing the whole operation.
func CollectPrePatchHashes(entries []zipsurgeon.Entry, open EntryOpener) (map[string]PrePatchHash, error) {
	byName := make(map[string]zipsurgeon.Entry, len(entries))
	var manifestEntry *zipsurgeon.Entry
	for i := range entries {
		byName[entries[i].Name] = entries[i]
		if entries[i].Name == ManifestName {
			manifestEntry = &entries[i]
		}
	}
	if manifestEntry == nil {
		return nil, nil
	}
	r, err := open(*manifestEntry)
	if err != nil {
		return nil, errors.Wrap(err, "jarsign: opening existing manifest")
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "jarsign: reading existing manifest")
	}

	sections := parseSections(raw)
	if len(sections) == 0 {
		return nil, nil
	}
	main := parseAttributes(sections[0])
	if main["Manifest-Version"] != "1.0" {
		return nil, nil
	}

	result := make(map[string]PrePatchHash)
	for _, sec := range sections[1:] {
		attrs := parseAttributes(sec)
		name := attrs["Name"]
		digest := attrs["SHA-256-Digest"]
		if name == "" || digest == "" {
			continue
		}
		entry, ok := byName[name]
		if !ok {
			continue
		}
		result[name] = PrePatchHash{DigestB64: digest, LastModified: entry.DOSTime()}
	}
	return result, nil
}

// sortedNames is a small helper kept for callers that want deterministic
// iteration over a PrePatchHash map (map order is otherwise unspecified).
func sortedNames(m map[string]PrePatchHash) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
