package llm

// NewMemBucket exposes the in-memory bucket to external tests.
func NewMemBucket() Bucket { return newMemBucket() }
