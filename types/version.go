package types

// Version is the canonical project version.
// The CLI, HTTP API and capture format share this version.
const Version = "0.3.0"

// CaptureFormatVersion is written into capture file headers. Bumped only
// when the ChunkEvent frame layout changes.
const CaptureFormatVersion = 1
