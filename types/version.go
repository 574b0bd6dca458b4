package types

// Version is the canonical client version.
// The CLI, the completion event contract, and the User-Agent header all
// report this value.
const Version = "0.3.0"

// ContractVersion is the version stamped on completion events.
// Lockstep with Version.
const ContractVersion = Version

// ProtocolVersion is the wire protocol version sent as the `v` field of
// every request. The server rejects clients it no longer speaks to.
const ProtocolVersion = 1
