package trailer

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codenamedpkt/wimlib/format"
)

type fakeOut struct {
	buf bytes.Buffer
	pos int64
}

func (f *fakeOut) Write(p []byte) (int, error) {
	n, err := f.buf.Write(p)
	f.pos += int64(n)
	return n, err
}

func (f *fakeOut) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = int64(f.buf.Len()) + offset
	}
	return f.pos, nil
}

func TestWriteLookupTableEmpty(t *testing.T) {
	out := &fakeOut{}
	entry, err := WriteLookupTable(nil, out)
	require.NoError(t, err)
	require.Equal(t, uint64(0), entry.Size)
	require.Equal(t, uint64(0), entry.Offset)
}

func TestWriteLookupTableRoundTripsRecordCount(t *testing.T) {
	out := &fakeOut{}
	entries := []LookupTableEntry{
		{Hash: [20]byte{1}, RefCount: 1, ResourceEntry: format.ResourceEntry{Size: 10, Offset: 212}},
		{Hash: [20]byte{2}, RefCount: 2, ResourceEntry: format.ResourceEntry{Size: 20, Offset: 222}},
	}
	entry, err := WriteLookupTable(entries, out)
	require.NoError(t, err)
	require.Equal(t, uint64(2*onDiskLookupEntrySize), entry.Size)
	require.Equal(t, 2*onDiskLookupEntrySize, out.buf.Len())
}

func TestWriteXMLIncludesEveryImage(t *testing.T) {
	out := &fakeOut{}
	images := []ImageInfo{
		{Index: 1, Name: "first", TotalBytes: 1000},
		{Index: 2, Name: "second", TotalBytes: 2000},
	}
	entry, err := WriteXML(images, 0, out)
	require.NoError(t, err)
	require.Equal(t, uint64(out.buf.Len()), entry.Size)

	body := out.buf.String()
	require.Contains(t, body, "<NAME>first</NAME>")
	require.Contains(t, body, "<NAME>second</NAME>")
	require.Contains(t, body, "<TOTALBYTES>1000</TOTALBYTES>")
}

func TestWriteXMLAppliesTotalBytesHint(t *testing.T) {
	out := &fakeOut{}
	images := []ImageInfo{{Index: 1, Name: "only", TotalBytes: 1}}
	_, err := WriteXML(images, 9999, out)
	require.NoError(t, err)
	require.Contains(t, out.buf.String(), "<TOTALBYTES>9999</TOTALBYTES>")
}

func TestWriteIntegrityHashesEveryBlock(t *testing.T) {
	data := bytes.Repeat([]byte("a"), integrityBlockSize+100)
	src := bytes.NewReader(data)

	out := &fakeOut{}
	entry, err := WriteIntegrity(src, int64(len(data)), 0, nil, out)
	require.NoError(t, err)
	require.Equal(t, uint64(out.buf.Len()), entry.Size)

	// 12-byte table header + 2 blocks * 20-byte hashes.
	require.Equal(t, 12+2*20, out.buf.Len())
}

func TestWriteIntegrityReusesOldHashesWithinPrefix(t *testing.T) {
	data := bytes.Repeat([]byte("b"), integrityBlockSize*2)
	src := bytes.NewReader(data)
	oldHashes := [][20]byte{{9, 9, 9}}

	out := &fakeOut{}
	_, err := WriteIntegrity(src, int64(len(data)), integrityBlockSize, oldHashes, out)
	require.NoError(t, err)

	raw := out.buf.Bytes()
	firstHash := raw[12 : 12+20]
	require.Equal(t, oldHashes[0][:], firstHash)
}
