package apksigner

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/timfenton/questpatcher/internal/apksig"
	"github.com/timfenton/questpatcher/internal/atomicfile"
	"github.com/timfenton/questpatcher/internal/buildinfo"
	"github.com/timfenton/questpatcher/internal/certload"
	"github.com/timfenton/questpatcher/internal/jarsign"
	"github.com/timfenton/questpatcher/internal/zipsurgeon"
)

// SignAPK signs path in place using the supplied PEM certificate/key.
// knownHashes may be nil; entries present in it with a matching
// last-modified stamp are reused instead of rehashed.
func SignAPK(path string, pemText []byte, knownHashes map[string]PrePatchHash) error {
	cert, err := certload.Load(pemText)
	if err != nil {
		return err
	}
	return signWithCert(path, cert, knownHashes)
}

// SignAPKWithBuiltinCert signs path using the compiled-in default
// certificate, for callers with no signing identity of their own.
func SignAPKWithBuiltinCert(path string, knownHashes map[string]PrePatchHash) error {
	cert, err := certload.Load([]byte(buildinfo.BuiltinCertPEM))
	if err != nil {
		return errors.Wrap(err, "apksigner: builtin certificate")
	}
	return signWithCert(path, cert, knownHashes)
}

// signWithCert runs the full pipeline: jarsign produces the v1 artifacts,
// zipsurgeon rewrites the archive (stripping META-INF/*, appending the new
// artifacts, 4-byte-aligning STORED entries), apksig computes and splices
// the v2 signing block, and the result atomically replaces path.
func signWithCert(path string, cert *certload.Certificate, knownHashes map[string]PrePatchHash) error {
	logger := log.With().Str("apk", filepath.Base(path)).Logger()

	archive, f, err := zipsurgeon.OpenFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	entries := archive.Entries()
	hasContent := false
	for _, e := range entries {
		if !e.IsSignatureArtifact() {
			hasContent = true
			break
		}
	}
	if !hasContent {
		return errors.Wrap(zipsurgeon.ErrMalformedArchive, "archive has no non-META-INF/ entries")
	}
	if archive.HasExistingV2Block() {
		logger.Debug().Msg("existing v2 signing block detected, will be replaced")
	}

	artifacts, err := jarsign.Sign(cert, entries, archive.OpenEntryStream, knownHashes)
	if err != nil {
		return errors.Wrap(ErrSigningFailed, err.Error())
	}
	logger.Debug().Int("entries", len(entries)).Msg("v1 manifest built")

	passOne, err := ioutil.TempFile(filepath.Dir(path), filepath.Base(path)+".pass1.")
	if err != nil {
		return errors.Wrap(err, "apksigner: creating intermediate file")
	}
	defer func() {
		passOne.Close()
		os.Remove(passOne.Name())
	}()

	cdOffset, err := writePassOne(passOne, entries, archive, artifacts)
	if err != nil {
		return errors.Wrap(ErrSigningFailed, err.Error())
	}

	out, err := atomicfile.New(path)
	if err != nil {
		return errors.Wrap(err, "apksigner: creating output file")
	}
	defer out.Close()

	if err := writePassTwo(out, passOne, cdOffset, cert); err != nil {
		return errors.Wrap(ErrSigningFailed, err.Error())
	}
	if err := out.Commit(); err != nil {
		return errors.Wrap(err, "apksigner: committing signed archive")
	}
	logger.Info().Msg("signed")
	return nil
}

// writePassOne rewrites the archive: every non-META-INF/ entry is copied
// verbatim (byte-exact preservation), then the three new signature
// artifacts are appended, all 4-byte-aligned if STORED. Because this
// writer only ever emits CD-listed entries, any pre-existing APK Signing
// Block between the last entry and the old central directory is silently
// dropped rather than copied forward.
func writePassOne(w io.Writer, entries []zipsurgeon.Entry, archive *zipsurgeon.Archive, artifacts *jarsign.Artifacts) (int64, error) {
	wr := zipsurgeon.NewWriter(w)
	for _, e := range entries {
		if e.IsSignatureArtifact() {
			continue
		}
		raw, err := archive.OpenRawEntry(e)
		if err != nil {
			return 0, err
		}
		if err := wr.CopyEntry(e, raw, true); err != nil {
			return 0, err
		}
	}
	for _, art := range []struct {
		name string
		data []byte
	}{
		{jarsign.ManifestName, artifacts.Manifest},
		{jarsign.SFName, artifacts.SF},
		{jarsign.RSAName, artifacts.RSA},
	} {
		if err := wr.CreateStoredEntry(art.name, art.data, true); err != nil {
			return 0, err
		}
	}
	return wr.Finish()
}

// writePassTwo reads the pass-one archive back, computes the v2 signing
// block, and splices S1 || block || S3 || patched-EOCD into out.
func writePassTwo(out io.Writer, passOne *os.File, cdOffset int64, cert *certload.Certificate) error {
	info, err := passOne.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	cdSize := size - cdOffset - apksigEOCDLen
	if cdSize < 0 {
		return errors.New("apksigner: intermediate archive shorter than its own central directory")
	}
	cdBytes := make([]byte, cdSize)
	if _, err := passOne.ReadAt(cdBytes, cdOffset); err != nil {
		return err
	}
	oldEOCD := make([]byte, apksigEOCDLen)
	if _, err := passOne.ReadAt(oldEOCD, size-apksigEOCDLen); err != nil {
		return err
	}

	block, _, finalEOCD, err := apksig.Splice(
		io.NewSectionReader(passOne, 0, cdOffset),
		cdOffset, cdBytes, oldEOCD,
		cert.Leaf, cert.PrivateKey,
	)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, io.NewSectionReader(passOne, 0, cdOffset)); err != nil {
		return err
	}
	if _, err := out.Write(block); err != nil {
		return err
	}
	if _, err := out.Write(cdBytes); err != nil {
		return err
	}
	if _, err := out.Write(finalEOCD); err != nil {
		return err
	}
	return nil
}

const apksigEOCDLen = 22
