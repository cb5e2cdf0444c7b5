package version

// Version is overridden at build time with
// -ldflags "-X conduit/core/version.Version=...".
var Version = "v0.1.0-dev"

const (
	// ReceiptVersion is the schema version of audit receipts.
	ReceiptVersion = "v1"
)
