package wire

import (
	"github.com/RoaringBitmap/roaring"
)

// DecodeBitfield expands an MSB first bitfield payload into a piece bitmap.
// Spare bits past numPieces are ignored, real clients pad the last byte.
func DecodeBitfield(b []byte, numPieces int) *roaring.Bitmap {
	bm := roaring.New()
	for i := 0; i < numPieces && i/8 < len(b); i++ {
		if b[i/8]&(0x80>>(i%8)) != 0 {
			bm.Add(uint32(i))
		}
	}
	return bm
}

// EncodeBitfield packs a piece bitmap into MSB first bytes.
func EncodeBitfield(bm *roaring.Bitmap, numPieces int) []byte {
	b := make([]byte, (numPieces+7)/8)
	it := bm.Iterator()
	for it.HasNext() {
		i := it.Next()
		if int(i) >= numPieces {
			break
		}
		b[i/8] |= 0x80 >> (i % 8)
	}
	return b
}
