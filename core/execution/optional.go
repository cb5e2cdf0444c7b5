package execution

// BackendInfo describes a backend for receipts and logs.
type BackendInfo struct {
	Backend   string `json:"backend"`
	Isolation string `json:"isolation"`
}

// MetadataProvider allows backends to override backend/isolation metadata.
type MetadataProvider interface {
	Metadata(spec ExecutionSpec) BackendInfo
}

// Describe returns the metadata of b for spec.
func Describe(b ExecutionBackend, spec ExecutionSpec) BackendInfo {
	if provider, ok := b.(MetadataProvider); ok {
		return provider.Metadata(spec)
	}
	return BackendInfo{Backend: b.Name(), Isolation: "none"}
}
