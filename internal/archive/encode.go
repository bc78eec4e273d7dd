package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"path"
	"strings"
	"time"
)

// Container formats.
const (
	FormatZip   = "zip"
	FormatTarGz = "tar.gz"
)

// PayloadOpener opens the audio payload of the audio file with the given
// archive-local ID.
type PayloadOpener func(audioFileID string) (io.ReadCloser, error)

// ErrPayloadUnavailable is returned by a PayloadOpener that has no bytes for
// the audio file. Encode exports such files as missing.
var ErrPayloadUnavailable = errors.New("payload unavailable")

// ParseFormat normalizes a container format name.
func ParseFormat(s string) (string, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "", "zip":
		return FormatZip, nil
	case "tar.gz", "tgz", "targz":
		return FormatTarGz, nil
	default:
		return "", fmt.Errorf("unknown archive format: %s", s)
	}
}

// FormatFromPath guesses the container format from a file name.
// Returns "" when the extension is not recognized.
func FormatFromPath(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip
	}
	return ""
}

// PayloadName returns the entry name for the payload of the index-th audio
// file. Names derive from the archive-local ID, never the original filename.
func PayloadName(index int, audioFileID, originalFilename string) string {
	return fmt.Sprintf("%s%03d_%s%s", AudioDir, index, audioFileID, payloadExt(originalFilename))
}

func payloadExt(filename string) string {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(filename, "\\", "/")))
	if len(ext) < 2 || len(ext) > 9 {
		return ""
	}
	for _, c := range ext[1:] {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return ""
		}
	}
	return ext
}

// Encode writes m and its payloads as one archive to w.
//
// Encode works on a copy of m: payload entry names, sizes, and SHA-256
// digests are assigned for every audio file not flagged MissingSourceFile,
// using open to read the bytes. A file whose opener reports
// ErrPayloadUnavailable is flagged missing with a warning. The final
// manifest is returned. Entry
// timestamps are pinned to m.ExportedAt so equal input gives equal bytes.
func Encode(w io.Writer, format string, m *Manifest, open PayloadOpener) (*Manifest, error) {
	out := m.Clone()
	if out.FormatVersion == 0 {
		out.FormatVersion = CurrentVersion
	}
	if out.AudioFiles == nil {
		out.AudioFiles = []AudioFile{}
	}

	for i := range out.AudioFiles {
		af := &out.AudioFiles[i]
		if af.MissingSourceFile {
			af.Payload, af.PayloadSize, af.PayloadSHA256 = "", 0, ""
			continue
		}
		af.Payload = PayloadName(i, af.ID, af.OriginalFilename)
		var err error
		if af.PayloadSHA256 != "" {
			err = checkPayload(open, af.ID)
		} else {
			af.PayloadSize, af.PayloadSHA256, err = digestPayload(open, af.ID)
		}
		if errors.Is(err, ErrPayloadUnavailable) {
			markMissing(out, af)
			continue
		}
		if err != nil {
			return nil, err
		}
	}

	manifest, err := MarshalManifest(out)
	if err != nil {
		return nil, err
	}
	summary := RenderSummary(out)

	var ew entryWriter
	switch format {
	case FormatZip:
		ew = newZipEntryWriter(w, out.ExportedAt)
	case FormatTarGz:
		ew = newTarEntryWriter(w, out.ExportedAt)
	default:
		return nil, fmt.Errorf("unknown archive format: %s", format)
	}

	if err := ew.WriteBytes(ManifestName, manifest); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	for i := range out.AudioFiles {
		af := &out.AudioFiles[i]
		if !af.HasPayload() {
			continue
		}
		if err := writePayload(ew, open, af); err != nil {
			return nil, err
		}
	}
	if err := ew.WriteBytes(SummaryName, []byte(summary)); err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}
	if err := ew.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	return out, nil
}

// DigestReader returns the size and hex SHA-256 of everything in r.
func DigestReader(r io.Reader) (int64, string, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return n, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func digestPayload(open PayloadOpener, id string) (int64, string, error) {
	rc, err := open(id)
	if err != nil {
		return 0, "", fmt.Errorf("open payload for %s: %w", id, err)
	}
	defer func() { _ = rc.Close() }()

	n, sum, err := DigestReader(rc)
	if err != nil {
		return 0, "", fmt.Errorf("read payload for %s: %w", id, err)
	}
	return n, sum, nil
}

// checkPayload opens and closes a payload whose digest is already known.
func checkPayload(open PayloadOpener, id string) error {
	rc, err := open(id)
	if err != nil {
		return fmt.Errorf("open payload for %s: %w", id, err)
	}
	return rc.Close()
}

func markMissing(m *Manifest, af *AudioFile) {
	af.MissingSourceFile = true
	af.Payload, af.PayloadSize, af.PayloadSHA256 = "", 0, ""
	m.Warnings = append(m.Warnings, Warning{
		Code:         WarningMissingSourceFile,
		AudioFileRef: af.ID,
		Message:      fmt.Sprintf("audio for %s (%s) was not in the source", af.OriginalFilename, af.ID),
	})
}

// writePayload streams one payload, failing if its bytes no longer match
// the digest recorded in the manifest.
func writePayload(ew entryWriter, open PayloadOpener, af *AudioFile) error {
	rc, err := open(af.ID)
	if err != nil {
		return fmt.Errorf("open payload for %s: %w", af.ID, err)
	}
	defer func() { _ = rc.Close() }()

	h := sha256.New()
	src := io.TeeReader(io.LimitReader(rc, af.PayloadSize+1), h)
	n, err := ew.WriteStream(af.Payload, af.PayloadSize, src)
	if err != nil {
		return fmt.Errorf("write payload for %s: %w", af.ID, err)
	}
	if n != af.PayloadSize || !digestEqual(h, af.PayloadSHA256) {
		return fmt.Errorf("payload for %s changed while exporting", af.ID)
	}
	return nil
}

func digestEqual(h hash.Hash, want string) bool {
	return hex.EncodeToString(h.Sum(nil)) == strings.ToLower(want)
}

// entryWriter abstracts the two container formats.
type entryWriter interface {
	WriteBytes(name string, data []byte) error
	// WriteStream writes exactly size bytes from r under name and returns
	// the number of bytes read from r.
	WriteStream(name string, size int64, r io.Reader) (int64, error)
	Close() error
}

type zipEntryWriter struct {
	zw       *zip.Writer
	modified time.Time
}

func newZipEntryWriter(w io.Writer, modified time.Time) *zipEntryWriter {
	return &zipEntryWriter{zw: zip.NewWriter(w), modified: modified}
}

func (z *zipEntryWriter) create(name string, method uint16) (io.Writer, error) {
	return z.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: z.modified,
	})
}

func (z *zipEntryWriter) WriteBytes(name string, data []byte) error {
	f, err := z.create(name, zip.Deflate)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

func (z *zipEntryWriter) WriteStream(name string, _ int64, r io.Reader) (int64, error) {
	// Audio is already compressed.
	f, err := z.create(name, zip.Store)
	if err != nil {
		return 0, err
	}
	return io.Copy(f, r)
}

func (z *zipEntryWriter) Close() error {
	return z.zw.Close()
}

type tarEntryWriter struct {
	gz       *gzip.Writer
	tw       *tar.Writer
	modified time.Time
}

func newTarEntryWriter(w io.Writer, modified time.Time) *tarEntryWriter {
	gz := gzip.NewWriter(w)
	return &tarEntryWriter{gz: gz, tw: tar.NewWriter(gz), modified: modified}
}

func (t *tarEntryWriter) header(name string, size int64) error {
	return t.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0644,
		Size:     size,
		ModTime:  t.modified,
		Format:   tar.FormatPAX,
	})
}

func (t *tarEntryWriter) WriteBytes(name string, data []byte) error {
	if err := t.header(name, int64(len(data))); err != nil {
		return err
	}
	_, err := t.tw.Write(data)
	return err
}

func (t *tarEntryWriter) WriteStream(name string, size int64, r io.Reader) (int64, error) {
	if err := t.header(name, size); err != nil {
		return 0, err
	}
	n, err := io.Copy(t.tw, io.LimitReader(r, size))
	if err != nil {
		return n, err
	}
	// Anything past size means the payload grew since it was digested.
	extra, _ := io.Copy(io.Discard, r)
	return n + extra, nil
}

func (t *tarEntryWriter) Close() error {
	if err := t.tw.Close(); err != nil {
		return err
	}
	return t.gz.Close()
}

// EncodeBytes is Encode into a byte slice.
func EncodeBytes(format string, m *Manifest, open PayloadOpener) ([]byte, *Manifest, error) {
	var buf bytes.Buffer
	out, err := Encode(&buf, format, m, open)
	if err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), out, nil
}
