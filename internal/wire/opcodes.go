package wire

// Admin command opcodes.
const (
	AdminDeleteIOSQ  uint8 = 0x00
	AdminCreateIOSQ  uint8 = 0x01
	AdminGetLogPage  uint8 = 0x02
	AdminDeleteIOCQ  uint8 = 0x04
	AdminCreateIOCQ  uint8 = 0x05
	AdminIdentify    uint8 = 0x06
	AdminAbort       uint8 = 0x08
	AdminSetFeatures uint8 = 0x09
	AdminGetFeatures uint8 = 0x0a
)

// NVM command set opcodes.
const (
	NvmFlush uint8 = 0x00
	NvmWrite uint8 = 0x01
	NvmRead  uint8 = 0x02
)

// Identify CNS values (CDW10 bits 7:0).
const (
	CNSNamespace        uint32 = 0x00
	CNSController       uint32 = 0x01
	CNSActiveNamespaces uint32 = 0x02
)

// Feature identifiers (CDW10 bits 7:0 of Get/Set Features).
const (
	FeatureArbitration        uint32 = 0x01
	FeatureVolatileWriteCache uint32 = 0x06
	FeatureNumberOfQueues     uint32 = 0x07
)

// Status code types.
const (
	SCTGeneric         uint8 = 0x0
	SCTCommandSpecific uint8 = 0x1
	SCTMediaError      uint8 = 0x2
	SCTPathRelated     uint8 = 0x3
)

// Generic status codes (SCT 0).
const (
	SCSuccess           uint8 = 0x00
	SCInvalidOpcode     uint8 = 0x01
	SCInvalidField      uint8 = 0x02
	SCCommandIDConflict uint8 = 0x03
	SCDataTransferError uint8 = 0x04
	SCInternalError     uint8 = 0x06
	SCAbortedSQDeletion uint8 = 0x08
	SCInvalidNamespace  uint8 = 0x0b
	SCLBAOutOfRange     uint8 = 0x80
	SCCapacityExceeded  uint8 = 0x81
	SCNamespaceNotReady uint8 = 0x82
)

// Command-specific status codes (SCT 1).
const (
	SCCompletionQueueInvalid uint8 = 0x00
	SCInvalidQueueID         uint8 = 0x01
	SCInvalidQueueSize       uint8 = 0x02
	SCAbortLimitExceeded     uint8 = 0x03
	SCInvalidInterruptVector uint8 = 0x08
	SCInvalidQueueDeletion   uint8 = 0x0c
)

// I/O submission queue priority classes (Create I/O SQ, CDW11 bits 2:1).
const (
	PriorityUrgent uint8 = 0
	PriorityHigh   uint8 = 1
	PriorityMedium uint8 = 2
	PriorityLow    uint8 = 3
)
