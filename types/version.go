package types

// Version is the canonical project version.
// The frame contract and the CLI share this version.
const Version = "0.3.0"

// FrameContractVersion is the host frame contract version.
const FrameContractVersion = Version
