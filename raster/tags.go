package raster

// TIFF structural constants. Only the tags the reader actually consumes are
// named here; anything else is carried by its numeric value.

type fieldType uint16

const (
	littleEndian uint16 = 0x4949 // "II"
	bigEndian    uint16 = 0x4D4D // "MM"

	tiffIdentifier    uint16 = 42
	bigTiffIdentifier uint16 = 43
	bigTiffBytesize   uint16 = 8
)

const (
	zeroByte uint32 = iota
	oneByte
	twoByte
	_
	fourByte
	_
	_
	_
	eightByte
)

const (
	BYTE      fieldType = 1
	ASCII     fieldType = 2
	SHORT     fieldType = 3
	LONG      fieldType = 4
	RATIONAL  fieldType = 5
	SBYTE     fieldType = 6
	UNDEFINED fieldType = 7
	SSHORT    fieldType = 8
	SLONG     fieldType = 9
	SRATIONAL fieldType = 10
	FLOAT     fieldType = 11
	DOUBLE    fieldType = 12
	LONG8     fieldType = 16
	SLONG8    fieldType = 17
	IFD8      fieldType = 18
)

// Tag identifies a TIFF directory entry.
type Tag uint16

const (
	ImageWidth      Tag = 256
	ImageLength     Tag = 257
	BitsPerSample   Tag = 258
	Compression     Tag = 259
	Photometric     Tag = 262
	SamplesPerPixel Tag = 277
	PlanarConfig    Tag = 284
	Predictor       Tag = 317
	TileWidth       Tag = 322
	TileLength      Tag = 323
	TileOffsets     Tag = 324
	TileByteCounts  Tag = 325
	SampleFormat    Tag = 339

	ModelPixelScale Tag = 33550
	ModelTiepoint   Tag = 33922
	GeoKeyDirectory Tag = 34735
	GeoDoubleParams Tag = 34736
	GeoASCIIParams  Tag = 34737
	GDALNoData      Tag = 42113
)

var tagToLabel = map[Tag]string{
	ImageWidth:      "ImageWidth",
	ImageLength:     "ImageLength",
	BitsPerSample:   "BitsPerSample",
	Compression:     "Compression",
	Photometric:     "Photometric",
	SamplesPerPixel: "SamplesPerPixel",
	PlanarConfig:    "PlanarConfig",
	Predictor:       "Predictor",
	TileWidth:       "TileWidth",
	TileLength:      "TileLength",
	TileOffsets:     "TileOffsets",
	TileByteCounts:  "TileByteCounts",
	SampleFormat:    "SampleFormat",
	ModelPixelScale: "ModelPixelScale",
	ModelTiepoint:   "ModelTiepoint",
	GeoKeyDirectory: "GeoKeyDirectory",
	GeoDoubleParams: "GeoDoubleParams",
	GeoASCIIParams:  "GeoASCIIParams",
	GDALNoData:      "GDALNoData",
}

// Compression schemes.
const (
	Uncompressed uint16 = 1
	LZW          uint16 = 5
	DEFLATE      uint16 = 8
	DEFLATEOld   uint16 = 32946
)

// Sample formats.
const (
	SampleFormatUint  uint16 = 1
	SampleFormatInt   uint16 = 2
	SampleFormatFloat uint16 = 3
)

// Predictors.
const (
	PredictorNone       uint16 = 1
	PredictorHorizontal uint16 = 2
)

// GeoKey identifiers (GeoTIFF key directory, tag 34735).
const (
	geoKeyModelType    uint16 = 1024
	geoKeyRasterType   uint16 = 1025
	geoKeyGeodeticCRS  uint16 = 2048
	geoKeyProjectedCRS uint16 = 3072
)
