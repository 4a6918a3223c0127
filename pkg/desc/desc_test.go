package desc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTSSDescriptorWellFormed(t *testing.T) {
	// Decoding a TSS descriptor must yield
	// type=0x89, G=0, the expected base, limit=0x67.
	base := uintptr(0x01800FD0)
	d := TSSDescriptor(base)
	kind, gran, gotBase, limit := Decode(d)
	require.Equal(t, TypeTSSAvailable32, kind)
	require.Equal(t, GranularityByte, gran)
	require.Equal(t, uint32(base), gotBase)
	require.Equal(t, uint32(TSSLimit), limit)
}

func TestTSSDescriptorNeverBusy(t *testing.T) {
	d := TSSDescriptor(0x1000)
	require.NotEqual(t, byte(TypeTSSBusy32), d[5])
	require.Equal(t, byte(TypeTSSAvailable32), d[5])
}

func TestFlatDescriptorsCoverFullAddressSpace(t *testing.T) {
	for _, d := range [][8]byte{FlatCodeDescriptor(), FlatDataDescriptor()} {
		_, gran, base, limit := Decode(d)
		require.Equal(t, GranularityPage, gran)
		require.Equal(t, uint32(0), base)
		require.Equal(t, uint32(0xFFFFF), limit)
	}
}

func TestNullDescriptorIsAllZero(t *testing.T) {
	require.Equal(t, [8]byte{}, NullDescriptor())
}

func TestTaskGateEncodesSelectorAndPresentBit(t *testing.T) {
	g := TaskGate(0x1FF8)
	require.Equal(t, byte(0x85), g[5])
	require.Equal(t, byte(0xF8), g[2])
	require.Equal(t, byte(0x1F), g[3])
}

func TestIDTPagePopulatesOnlyVectors8And14(t *testing.T) {
	page := IDTPage(0x1FF8, 0x2FF8)
	for v := 0; v < 256; v++ {
		entry := page[v*IDTEntrySize : v*IDTEntrySize+8]
		switch v {
		case VectorPageFault:
			require.Equal(t, byte(0x85), entry[5])
		case VectorDoubleFault:
			require.Equal(t, byte(0x85), entry[5])
		default:
			require.Zero(t, entry[5], "vector %d must be not-present", v)
		}
	}
}

func TestRegisterTailRoundTrip(t *testing.T) {
	// For all v < 2^30, read(write(r, v)) == v.
	for _, v := range []uint32{0, 1, 2, 1023, 1 << 20, (1 << 30) - 1} {
		var page [4096]byte
		RegisterTail(&page, v)
		require.Equal(t, v, RegisterValue(&page))
		require.Equal(t, v<<2, getu32(&page, offESP))
	}
}

func TestRegisterTailSegmentsAreFlat(t *testing.T) {
	var page [4096]byte
	RegisterTail(&page, 42)
	for _, off := range []int{offES, offCS, offSS, offDS, offFS, offGS} {
		want := SelData
		if off == offCS {
			want = SelCode
		}
		require.Equal(t, want, uint16(page[off])|uint16(page[off+1])<<8)
	}
}

func TestPTEAndPDE4M(t *testing.T) {
	e := PTE(5)
	require.Equal(t, uint32(5*4096)|PTEPresent|PTEWritable, e)

	d := PDE4M(0x00C00000)
	require.Equal(t, uint32(0x00C00000)|PTEPresent|PTEWritable|PTEPageSize, d)
}

func TestPutGetEntryRoundTrip(t *testing.T) {
	var page [4096]byte
	PutEntry(&page, 17, 0xDEADB000)
	require.Equal(t, uint32(0xDEADB000), GetEntry(&page, 17))
}

func TestPDEPTEIndexSplit(t *testing.T) {
	require.Equal(t, 1, PDEIndex(0x00400000))
	require.Equal(t, 0, PTEIndex(0x00400000))
	require.Equal(t, 0, PDEIndex(0x003FFFFF))
}
