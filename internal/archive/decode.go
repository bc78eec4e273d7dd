package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	scribeerrors "github.com/randalmurphal/scribe/internal/errors"
)

// Limits bounds the resources Decode spends on untrusted input.
type Limits struct {
	// MaxArchiveSize bounds the container size and the total
	// uncompressed size of its entries.
	MaxArchiveSize int64
	// MaxEntrySize bounds any single uncompressed entry.
	MaxEntrySize int64
	// MaxManifestSize bounds the manifest document.
	MaxManifestSize int64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxArchiveSize:  2 << 30,
		MaxEntrySize:    1 << 30,
		MaxManifestSize: 64 << 20,
	}
}

// Payload is one audio entry present in a decoded archive.
type Payload struct {
	Name   string
	Size   int64
	SHA256 string
	open   func() (io.ReadCloser, error)
}

// Open returns the payload bytes.
func (p *Payload) Open() (io.ReadCloser, error) {
	return p.open()
}

// Archive is a decoded archive: the manifest upgraded to the current
// schema plus an index of the payload entries that are actually present.
type Archive struct {
	// Format is the container format detected from magic bytes.
	Format string
	// SourceVersion is the manifest format version before upgrade.
	SourceVersion int
	Manifest      *Manifest
	// Payloads maps audio file IDs to their payload entry. Audio files
	// whose referenced entry is absent from the container have no key.
	Payloads map[string]*Payload
	// Orphans lists entries the manifest does not reference.
	Orphans []string
}

// Payload returns the payload for an audio file, if present.
func (a *Archive) Payload(audioFileID string) (*Payload, bool) {
	p, ok := a.Payloads[audioFileID]
	return p, ok
}

// PayloadBytes returns the total size of present payloads.
func (a *Archive) PayloadBytes() int64 {
	var n int64
	for _, p := range a.Payloads {
		n += p.Size
	}
	return n
}

// Opener returns a PayloadOpener over this archive's payloads, for
// re-encoding a decoded manifest.
func (a *Archive) Opener() PayloadOpener {
	return func(id string) (io.ReadCloser, error) {
		p, ok := a.Payloads[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPayloadUnavailable, id)
		}
		return p.Open()
	}
}

// rawEntry is one regular file inside the container.
type rawEntry struct {
	name string
	size int64
	// sum is the hex SHA-256 when it was computed while indexing.
	sum  string
	open func() (io.ReadCloser, error)
}

// DetectFormat identifies the container by its magic bytes.
func DetectFormat(r io.ReaderAt) (string, error) {
	magic := make([]byte, 4)
	if _, err := r.ReadAt(magic, 0); err != nil && !errors.Is(err, io.EOF) {
		return "", scribeerrors.ErrCorruptArchive("cannot read container header").WithCause(err)
	}

	// gzip magic: 1f 8b
	if magic[0] == 0x1f && magic[1] == 0x8b {
		return FormatTarGz, nil
	}
	// zip magic: 50 4b 03 04 (PK), or 50 4b 05 06 for an empty archive
	if magic[0] == 0x50 && magic[1] == 0x4b {
		return FormatZip, nil
	}
	return "", scribeerrors.ErrCorruptArchive("not a zip or tar.gz container")
}

// Decode extracts the manifest and payload index from an archive of the
// given size. It checks structure only: the container opens, the manifest
// parses, and every present payload is readable and matches its recorded
// size and digest. Semantic checks are left to the validator.
func Decode(r io.ReaderAt, size int64, limits Limits) (*Archive, error) {
	if size > limits.MaxArchiveSize {
		return nil, scribeerrors.ErrArchiveTooLarge("archive", limits.MaxArchiveSize)
	}
	if size == 0 {
		return nil, scribeerrors.ErrCorruptArchive("archive is empty")
	}

	format, err := DetectFormat(r)
	if err != nil {
		return nil, err
	}

	var entries []rawEntry
	switch format {
	case FormatZip:
		entries, err = zipEntries(r, size, limits)
	case FormatTarGz:
		entries, err = tarEntries(r, size, limits)
	}
	if err != nil {
		return nil, err
	}

	byName := make(map[string]rawEntry, len(entries))
	for _, e := range entries {
		if _, dup := byName[e.name]; dup {
			return nil, scribeerrors.ErrCorruptArchive(fmt.Sprintf("duplicate entry %s", e.name))
		}
		byName[e.name] = e
	}

	me, ok := byName[ManifestName]
	if !ok {
		return nil, scribeerrors.ErrMissingManifest(ManifestName)
	}
	if me.size > limits.MaxManifestSize {
		return nil, scribeerrors.ErrArchiveTooLarge("manifest", limits.MaxManifestSize)
	}
	data, err := readEntry(me, limits.MaxManifestSize)
	if err != nil {
		return nil, err
	}
	sourceVersion, m, err := parseManifest(data)
	if err != nil {
		return nil, err
	}

	a := &Archive{
		Format:        format,
		SourceVersion: sourceVersion,
		Manifest:      m,
		Payloads:      make(map[string]*Payload),
	}

	referenced := map[string]bool{ManifestName: true, SummaryName: true}
	claimed := make(map[string]string)
	for i := range m.AudioFiles {
		af := &m.AudioFiles[i]
		if af.Payload == "" {
			continue
		}
		if err := payloadName(af.Payload); err != nil {
			return nil, err
		}
		if other, dup := claimed[af.Payload]; dup {
			return nil, scribeerrors.ErrCorruptArchive(fmt.Sprintf("audio files %s and %s share payload %s", other, af.ID, af.Payload))
		}
		claimed[af.Payload] = af.ID
		referenced[af.Payload] = true
		e, ok := byName[af.Payload]
		if !ok {
			continue
		}
		p, err := verifyPayload(e, af, limits.MaxEntrySize)
		if err != nil {
			return nil, err
		}
		a.Payloads[af.ID] = p
	}

	for _, e := range entries {
		if !referenced[e.name] {
			a.Orphans = append(a.Orphans, e.name)
		}
	}
	sort.Strings(a.Orphans)
	return a, nil
}

// DecodeBytes is Decode over an in-memory archive.
func DecodeBytes(data []byte, limits Limits) (*Archive, error) {
	return Decode(bytes.NewReader(data), int64(len(data)), limits)
}

func verifyPayload(e rawEntry, af *AudioFile, maxEntry int64) (*Payload, error) {
	if e.size > maxEntry {
		return nil, scribeerrors.ErrArchiveTooLarge(fmt.Sprintf("payload %s", e.name), maxEntry)
	}

	n, sum := e.size, e.sum
	if sum == "" {
		var err error
		if n, sum, err = digestEntry(e, maxEntry); err != nil {
			return nil, err
		}
	}
	if n > maxEntry {
		return nil, scribeerrors.ErrArchiveTooLarge(fmt.Sprintf("payload %s", e.name), maxEntry)
	}
	if af.PayloadSize != 0 && n != af.PayloadSize {
		return nil, scribeerrors.ErrCorruptArchive(fmt.Sprintf("payload %s is %d bytes, manifest says %d", e.name, n, af.PayloadSize))
	}
	if af.PayloadSHA256 != "" && !strings.EqualFold(sum, af.PayloadSHA256) {
		return nil, scribeerrors.ErrCorruptArchive(fmt.Sprintf("payload %s does not match its checksum", e.name))
	}
	return &Payload{Name: e.name, Size: n, SHA256: sum, open: e.open}, nil
}

func digestEntry(e rawEntry, maxEntry int64) (int64, string, error) {
	rc, err := e.open()
	if err != nil {
		return 0, "", scribeerrors.ErrCorruptArchive(fmt.Sprintf("payload %s cannot be opened", e.name)).WithCause(err)
	}
	defer func() { _ = rc.Close() }()

	n, sum, err := DigestReader(io.LimitReader(rc, maxEntry+1))
	if err != nil {
		return 0, "", scribeerrors.ErrCorruptArchive(fmt.Sprintf("payload %s is unreadable", e.name)).WithCause(err)
	}
	return n, sum, nil
}

func readEntry(e rawEntry, limit int64) ([]byte, error) {
	rc, err := e.open()
	if err != nil {
		return nil, scribeerrors.ErrCorruptArchive(fmt.Sprintf("%s cannot be opened", e.name)).WithCause(err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, scribeerrors.ErrCorruptArchive(fmt.Sprintf("%s is unreadable", e.name)).WithCause(err)
	}
	if int64(len(data)) > limit {
		return nil, scribeerrors.ErrArchiveTooLarge(e.name, limit)
	}
	return data, nil
}

// payloadName accepts only safe names under AudioDir, which keeps a
// manifest from claiming itself or the summary as audio.
func payloadName(name string) error {
	if !strings.HasPrefix(name, AudioDir) || len(name) == len(AudioDir) || strings.HasSuffix(name, "/") {
		return scribeerrors.ErrCorruptArchive(fmt.Sprintf("payload %q is not under %s", name, AudioDir))
	}
	return safeName(name)
}

// safeName rejects entry names that could escape an extraction root.
func safeName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return scribeerrors.ErrCorruptArchive(fmt.Sprintf("unsafe entry name %q", name))
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return scribeerrors.ErrCorruptArchive(fmt.Sprintf("unsafe entry name %q", name))
		}
	}
	if path.Clean(name) != strings.TrimSuffix(name, "/") {
		return scribeerrors.ErrCorruptArchive(fmt.Sprintf("unsafe entry name %q", name))
	}
	return nil
}

func zipEntries(r io.ReaderAt, size int64, limits Limits) ([]rawEntry, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, scribeerrors.ErrCorruptArchive("zip container cannot be opened").WithCause(err)
	}

	var (
		entries []rawEntry
		total   uint64
	)
	for _, f := range zr.File {
		if err := safeName(f.Name); err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		if !f.Mode().IsRegular() {
			return nil, scribeerrors.ErrCorruptArchive(fmt.Sprintf("entry %s is not a regular file", f.Name))
		}
		if f.UncompressedSize64 > uint64(limits.MaxEntrySize) {
			return nil, scribeerrors.ErrArchiveTooLarge(fmt.Sprintf("entry %s", f.Name), limits.MaxEntrySize)
		}
		total += f.UncompressedSize64
		if total > uint64(limits.MaxArchiveSize) {
			return nil, scribeerrors.ErrArchiveTooLarge("uncompressed archive", limits.MaxArchiveSize)
		}
		entries = append(entries, rawEntry{
			name: f.Name,
			size: int64(f.UncompressedSize64),
			open: f.Open,
		})
	}
	return entries, nil
}

// tarEntries indexes regular entries by their offset in the decompressed
// stream. Digests are taken during the single scan; opening an entry later
// inflates the stream again up to that offset, so nothing is held in memory.
func tarEntries(r io.ReaderAt, size int64, limits Limits) ([]rawEntry, error) {
	gz, err := gzip.NewReader(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, scribeerrors.ErrCorruptArchive("gzip stream cannot be opened").WithCause(err)
	}
	defer func() { _ = gz.Close() }()

	var (
		entries []rawEntry
		total   int64
	)
	stream := &countingReader{r: gz}
	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, scribeerrors.ErrCorruptArchive("tar stream is truncated or malformed").WithCause(err)
		}
		if err := safeName(hdr.Name); err != nil {
			return nil, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeReg:
		default:
			return nil, scribeerrors.ErrCorruptArchive(fmt.Sprintf("entry %s is not a regular file", hdr.Name))
		}
		if hdr.Size > limits.MaxEntrySize {
			return nil, scribeerrors.ErrArchiveTooLarge(fmt.Sprintf("entry %s", hdr.Name), limits.MaxEntrySize)
		}
		total += hdr.Size
		if total > limits.MaxArchiveSize {
			return nil, scribeerrors.ErrArchiveTooLarge("uncompressed archive", limits.MaxArchiveSize)
		}

		// The tar reader does not read ahead, so the data starts here.
		offset := stream.n
		n, sum, err := DigestReader(tr)
		if err == nil && n != hdr.Size {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, scribeerrors.ErrCorruptArchive(fmt.Sprintf("entry %s is truncated", hdr.Name)).WithCause(err)
		}
		entries = append(entries, rawEntry{
			name: hdr.Name,
			size: hdr.Size,
			sum:  sum,
			open: tarEntryOpener(r, size, offset, hdr.Size),
		})
	}
	return entries, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func tarEntryOpener(r io.ReaderAt, archiveSize, offset, size int64) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return &tarEntryReader{
			src:    io.NewSectionReader(r, 0, archiveSize),
			offset: offset,
			size:   size,
		}, nil
	}
}

// tarEntryReader inflates the stream on first Read, so opening an entry
// only to check that it exists costs nothing.
type tarEntryReader struct {
	src    *io.SectionReader
	offset int64
	size   int64

	gz  *gzip.Reader
	r   io.Reader
	err error
}

func (t *tarEntryReader) Read(p []byte) (int, error) {
	if t.err != nil {
		return 0, t.err
	}
	if t.r == nil {
		gz, err := gzip.NewReader(t.src)
		if err != nil {
			t.err = err
			return 0, err
		}
		t.gz = gz
		if _, err := io.CopyN(io.Discard, gz, t.offset); err != nil {
			t.err = err
			return 0, err
		}
		t.r = io.LimitReader(gz, t.size)
	}
	return t.r.Read(p)
}

func (t *tarEntryReader) Close() error {
	if t.gz == nil {
		return nil
	}
	return t.gz.Close()
}
