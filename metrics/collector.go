// Package metrics provides per-session counters for the command loop.
//
// The Collector accumulates counters during a single invocation. It is a
// leaf package with no internal dependencies. Upload counters are written
// from upload workers, so every method is goroutine-safe.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all session counters.
type Snapshot struct {
	// Server round-trips
	CallsSent   int64
	CallsFailed int64

	// Directives observed in responses
	LoadPackageDirectives int64
	UploadDirectives      int64
	Logins                int64
	Logouts               int64

	// Indexing
	PackagesLoaded int64
	FilesHashed    int64
	BytesHashed    int64

	// Uploads (bytes are compressed bytes on the wire)
	UploadsSucceeded int64
	UploadsFailed    int64
	BytesUploaded    int64

	// Dimensions (informational, set at construction)
	SessionID string
	Server    string
}

// Collector accumulates counters for one session.
// All methods are nil-receiver safe so components can run without one.
type Collector struct {
	mu sync.Mutex

	callsSent   int64
	callsFailed int64

	loadPackageDirectives int64
	uploadDirectives      int64
	logins                int64
	logouts               int64

	packagesLoaded int64
	filesHashed    int64
	bytesHashed    int64

	uploadsSucceeded int64
	uploadsFailed    int64
	bytesUploaded    int64

	sessionID string
	server    string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(sessionID, server string) *Collector {
	return &Collector{
		sessionID: sessionID,
		server:    server,
	}
}

// --- Round-trips ---

// IncCallSent records a request handed to the transport.
func (c *Collector) IncCallSent() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.callsSent++
	c.mu.Unlock()
}

// IncCallFailed records a request that ended in a transport, protocol,
// or server-declared error.
func (c *Collector) IncCallFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.callsFailed++
	c.mu.Unlock()
}

// --- Directives ---

// IncLoadPackageDirective records a loadpackage directive.
func (c *Collector) IncLoadPackageDirective() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.loadPackageDirectives++
	c.mu.Unlock()
}

// IncUploadDirective records an upload directive.
func (c *Collector) IncUploadDirective() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.uploadDirectives++
	c.mu.Unlock()
}

// IncLogin records a login token received.
func (c *Collector) IncLogin() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.logins++
	c.mu.Unlock()
}

// IncLogout records a logout instruction received.
func (c *Collector) IncLogout() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.logouts++
	c.mu.Unlock()
}

// --- Indexing ---

// AddPackageLoaded records a fully indexed package.
func (c *Collector) AddPackageLoaded(files int, bytes int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.packagesLoaded++
	c.filesHashed += int64(files)
	c.bytesHashed += bytes
	c.mu.Unlock()
}

// --- Uploads ---

// AddUploadSuccess records one completed upload of n compressed bytes.
func (c *Collector) AddUploadSuccess(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.uploadsSucceeded++
	c.bytesUploaded += n
	c.mu.Unlock()
}

// IncUploadFailure records one failed upload.
func (c *Collector) IncUploadFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.uploadsFailed++
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		CallsSent:   c.callsSent,
		CallsFailed: c.callsFailed,

		LoadPackageDirectives: c.loadPackageDirectives,
		UploadDirectives:      c.uploadDirectives,
		Logins:                c.logins,
		Logouts:               c.logouts,

		PackagesLoaded: c.packagesLoaded,
		FilesHashed:    c.filesHashed,
		BytesHashed:    c.bytesHashed,

		UploadsSucceeded: c.uploadsSucceeded,
		UploadsFailed:    c.uploadsFailed,
		BytesUploaded:    c.bytesUploaded,

		SessionID: c.sessionID,
		Server:    c.server,
	}
}

// Fields flattens a snapshot into log fields.
func (s Snapshot) Fields() map[string]any {
	return map[string]any{
		"calls_sent":        s.CallsSent,
		"calls_failed":      s.CallsFailed,
		"loadpackage":       s.LoadPackageDirectives,
		"upload":            s.UploadDirectives,
		"logins":            s.Logins,
		"logouts":           s.Logouts,
		"packages_loaded":   s.PackagesLoaded,
		"files_hashed":      s.FilesHashed,
		"bytes_hashed":      s.BytesHashed,
		"uploads_succeeded": s.UploadsSucceeded,
		"uploads_failed":    s.UploadsFailed,
		"bytes_uploaded":    s.BytesUploaded,
	}
}
