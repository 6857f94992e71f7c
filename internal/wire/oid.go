package wire

// OID is a 32-bit PostgreSQL type identifier, per spec.md's GLOSSARY.
type OID uint32

// The curated set of built-in type OIDs the codec knows how to encode and
// decode in binary. Values match PostgreSQL's pg_type.oid for the
// corresponding built-in type.
const (
	OIDBool        OID = 16
	OIDBytea       OID = 17
	OIDName        OID = 19
	OIDInt8        OID = 20
	OIDInt2        OID = 21
	OIDInt4        OID = 23
	OIDText        OID = 25
	OIDJSON        OID = 114
	OIDJSONArray   OID = 199
	OIDFloat4      OID = 700
	OIDFloat8      OID = 701
	OIDBPChar      OID = 1042
	OIDVarchar     OID = 1043
	OIDDate        OID = 1082
	OIDTimestamp   OID = 1114
	OIDTimestampTZ OID = 1184
	OIDNumeric     OID = 1700
	OIDUUID        OID = 2950
	OIDJSONB       OID = 3802

	// Array OIDs for the element types above (one-dimensional only, per
	// spec.md §4.1).
	OIDBoolArray        OID = 1000
	OIDInt2Array        OID = 1005
	OIDInt4Array        OID = 1007
	OIDTextArray        OID = 1009
	OIDInt8Array        OID = 1016
	OIDFloat4Array      OID = 1021
	OIDFloat8Array      OID = 1022
	OIDVarcharArray     OID = 1015
	OIDUUIDArray        OID = 2951
	OIDNumericArray     OID = 1231
	OIDTimestampArray   OID = 1115
	OIDTimestampTZArray OID = 1185
)

// Format is the wire representation of a column or bound parameter value.
type Format int16

const (
	FormatText   Format = 0
	FormatBinary Format = 1
)
