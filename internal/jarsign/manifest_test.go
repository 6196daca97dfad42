package jarsign

import (
	"bytes"
	"io"
	"io/ioutil"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timfenton/questpatcher/internal/zipsurgeon"
)

func openerFor(contents map[string][]byte) EntryOpener {
	return func(e zipsurgeon.Entry) (io.ReadCloser, error) {
		return ioutil.NopCloser(bytes.NewReader(contents[e.Name])), nil
	}
}

// TestBuildManifestScenario1 matches the fixed test vector: a single entry
// a.txt containing "hello\n" must produce this exact manifest section.
func TestBuildManifestScenario1(t *testing.T) {
	entries := []zipsurgeon.Entry{{Name: "a.txt"}}
	open := openerFor(map[string][]byte{"a.txt": []byte("hello\n")})

	manifest, sections, err := BuildManifest(entries, open, nil)
	require.NoError(t, err)
	require.Len(t, sections, 1)

	const wantSection = "Name: a.txt\r\nSHA-256-Digest: WJG1tSLV3whtD/CxEPvZ0hu0/HFjrzTQgoai6Eb2vgM=\r\n\r\n"
	assert.Contains(t, string(manifest), wantSection)
	assert.Equal(t, wantSection, string(sections[0].raw))
}

func TestBuildManifestSkipsSignatureArtifacts(t *testing.T) {
	entries := []zipsurgeon.Entry{
		{Name: "a.txt"},
		{Name: "META-INF/MANIFEST.MF"},
		{Name: "META-INF/BS.SF"},
	}
	open := openerFor(map[string][]byte{"a.txt": []byte("hello\n")})

	_, sections, err := BuildManifest(entries, open, nil)
	require.NoError(t, err)
	assert.Len(t, sections, 1)
	assert.Equal(t, "a.txt", sections[0].name)
}

func TestBuildManifestUnwrapped(t *testing.T) {
	longName := "lib/" + string(bytes.Repeat([]byte("x"), 100)) + ".so"
	entries := []zipsurgeon.Entry{{Name: longName}}
	open := openerFor(map[string][]byte{longName: []byte("payload")})

	manifest, _, err := BuildManifest(entries, open, nil)
	require.NoError(t, err)
	for _, line := range bytes.Split(manifest, []byte("\r\n")) {
		assert.LessOrEqual(t, len(line), 200, "lines must not be wrapped even past 70 bytes")
	}
}

func TestDigestEntryReusesKnownHash(t *testing.T) {
	e := zipsurgeon.Entry{Name: "a.txt", ModDate: 1, ModTime: 2}
	called := false
	open := func(zipsurgeon.Entry) (io.ReadCloser, error) {
		called = true
		return ioutil.NopCloser(bytes.NewReader([]byte("hello\n"))), nil
	}
	known := map[string]PrePatchHash{
		"a.txt": {DigestB64: "cached", LastModified: e.DOSTime()},
	}
	digest, err := digestEntry(e, open, known)
	require.NoError(t, err)
	assert.Equal(t, "cached", digest)
	assert.False(t, called, "cached entries must not be re-opened")
}

func TestDigestEntryRehashesOnStampMismatch(t *testing.T) {
	e := zipsurgeon.Entry{Name: "a.txt", ModDate: 1, ModTime: 2}
	open := func(zipsurgeon.Entry) (io.ReadCloser, error) {
		return ioutil.NopCloser(bytes.NewReader([]byte("hello\n"))), nil
	}
	known := map[string]PrePatchHash{
		"a.txt": {DigestB64: "stale", LastModified: e.DOSTime() + 1},
	}
	digest, err := digestEntry(e, open, known)
	require.NoError(t, err)
	assert.Equal(t, "WJG1tSLV3whtD/CxEPvZ0hu0/HFjrzTQgoai6Eb2vgM=", digest)
}

func TestBuildSignatureFileDigestsManifestSections(t *testing.T) {
	entries := []zipsurgeon.Entry{{Name: "a.txt"}}
	open := openerFor(map[string][]byte{"a.txt": []byte("hello\n")})
	manifest, sections, err := BuildManifest(entries, open, nil)
	require.NoError(t, err)

	sf := BuildSignatureFile(manifest, sections)
	assert.Contains(t, string(sf), "Signature-Version: 1.0\r\n")
	assert.Contains(t, string(sf), "X-Android-APK-Signed: 2\r\n")
	assert.Contains(t, string(sf), "Name: a.txt\r\n")
}

func TestCollectPrePatchHashesRoundTrip(t *testing.T) {
	entries := []zipsurgeon.Entry{{Name: "a.txt"}}
	open := openerFor(map[string][]byte{"a.txt": []byte("hello\n")})
	manifest, _, err := BuildManifest(entries, open, nil)
	require.NoError(t, err)

	full := append([]zipsurgeon.Entry{{Name: ManifestName}}, entries...)
	fullOpen := openerFor(map[string][]byte{
		ManifestName: manifest,
		"a.txt":      []byte("hello\n"),
	})
	got, err := CollectPrePatchHashes(full, fullOpen)
	require.NoError(t, err)
	require.Contains(t, got, "a.txt")
	assert.Equal(t, "WJG1tSLV3whtD/CxEPvZ0hu0/HFjrzTQgoai6Eb2vgM=", got["a.txt"].DigestB64)
}

func TestCollectPrePatchHashesNoManifest(t *testing.T) {
	entries := []zipsurgeon.Entry{{Name: "a.txt"}}
	open := openerFor(map[string][]byte{"a.txt": []byte("hello\n")})
	got, err := CollectPrePatchHashes(entries, open)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCollectPrePatchHashesUnsupportedVersion(t *testing.T) {
	entries := []zipsurgeon.Entry{{Name: ManifestName}}
	open := openerFor(map[string][]byte{
		ManifestName: []byte("Manifest-Version: 2.0\r\n\r\n"),
	})
	got, err := CollectPrePatchHashes(entries, open)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSortedNames(t *testing.T) {
	m := map[string]PrePatchHash{"b.txt": {}, "a.txt": {}, "c.txt": {}}
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, sortedNames(m))
}
