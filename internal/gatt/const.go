package gatt

// ATT error codes used as read/write statuses.
const (
	attEcodeSuccess        = 0x00
	attEcodeReadNotPerm    = 0x02
	attEcodeWriteNotPerm   = 0x03
	attEcodeInvalidOffset  = 0x07
	attEcodePrepQueueFull  = 0x09
	attEcodeAttrNotLong    = 0x0b
	attEcodeInvalAttrValue = 0x0d
	attEcodeUnlikely       = 0x0e
)

// Supported statuses for GATT characteristic read/write operations.
const (
	StatusSuccess            = attEcodeSuccess
	StatusReadNotPermitted   = attEcodeReadNotPerm
	StatusWriteNotPermitted  = attEcodeWriteNotPerm
	StatusInvalidOffset      = attEcodeInvalidOffset
	StatusPrepareQueueFull   = attEcodePrepQueueFull
	StatusAttributeNotLong   = attEcodeAttrNotLong
	StatusInvalidValueLength = attEcodeInvalAttrValue
	StatusUnexpectedError    = attEcodeUnlikely
)

// MaxAttributeLength is the largest attribute value ATT allows.
const MaxAttributeLength = 512

// DefaultMTU is the ATT MTU before any exchange.
const DefaultMTU = 23
