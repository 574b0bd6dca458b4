// Package types defines the wire-level data model shared by the pkgsync
// transport, upload engine, and command loop.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Response field names recognized by DecodeResponse.
// Any other top-level key in a server reply is dropped.
const (
	FieldMessage     = "message"
	FieldError       = "error"
	FieldLoadPackage = "loadpackage"
	FieldUpload      = "upload"
	FieldLogin       = "login"
	FieldLogout      = "logout"
)

// ServerResponse is a decoded server reply.
// Every field is optional; a nil pointer means the server did not send it.
type ServerResponse struct {
	// Message is printed to the user as soon as the reply arrives.
	Message *string
	// Error is a server-declared failure. The transport converts it into
	// an error, so a ServerResponse handed to the command loop never has
	// Error set.
	Error *string
	// LoadPackage instructs the client to index a directory and send its
	// manifest with the next call.
	LoadPackage *LoadPackageDirective
	// Upload instructs the client to upload a set of package files and
	// then send a completion call.
	Upload *UploadDirective
	// Login replaces the stored login token.
	Login *string
	// Logout clears the stored login token.
	Logout bool
}

// HasDirective reports whether the response asks for a follow-up call.
func (r *ServerResponse) HasDirective() bool {
	return r.LoadPackage != nil || r.Upload != nil
}

// LoadPackageDirective is the `loadpackage` 4-tuple:
// [path, callname, callargs, index filename].
type LoadPackageDirective struct {
	// Path is the package directory, relative to the project root unless absolute.
	Path string
	// CallName is the command to send once the package is indexed.
	CallName string
	// CallArgs are the arguments for CallName. The manifest is injected
	// into a copy of these before sending.
	CallArgs map[string]any
	// IndexFile names the package index file whose contents accompany the manifest.
	IndexFile string
}

// UnmarshalJSON decodes the positional tuple form.
func (d *LoadPackageDirective) UnmarshalJSON(data []byte) error {
	parts, err := splitTuple(data, 4)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(parts[0], &d.Path); err != nil {
		return fmt.Errorf("path: %w", err)
	}
	if err := json.Unmarshal(parts[1], &d.CallName); err != nil {
		return fmt.Errorf("callname: %w", err)
	}
	if d.CallArgs, err = decodeArgs(parts[2]); err != nil {
		return fmt.Errorf("callargs: %w", err)
	}
	if err := json.Unmarshal(parts[3], &d.IndexFile); err != nil {
		return fmt.Errorf("index filename: %w", err)
	}
	return nil
}

// Next returns the call to send after the package has been indexed.
func (d *LoadPackageDirective) Next() PendingCall {
	return PendingCall{Command: d.CallName, Args: CloneArgs(d.CallArgs)}
}

// UploadDirective is the `upload` 5-tuple:
// [filenames, upload callname, upload args, completion callname, completion args].
type UploadDirective struct {
	// Files are package-relative names of the files to upload.
	Files []string
	// UploadCall is the command sent once per file, with the file attached.
	UploadCall string
	// UploadArgs are the arguments shared by every upload call.
	UploadArgs map[string]any
	// CompleteCall is the command sent after every upload has succeeded.
	CompleteCall string
	// CompleteArgs are the arguments for CompleteCall.
	CompleteArgs map[string]any
}

// UnmarshalJSON decodes the positional tuple form.
func (d *UploadDirective) UnmarshalJSON(data []byte) error {
	parts, err := splitTuple(data, 5)
	if err != nil {
		return err
	}
	if !isNull(parts[0]) {
		if err := json.Unmarshal(parts[0], &d.Files); err != nil {
			return fmt.Errorf("filenames: %w", err)
		}
	}
	if err := json.Unmarshal(parts[1], &d.UploadCall); err != nil {
		return fmt.Errorf("upload callname: %w", err)
	}
	if d.UploadArgs, err = decodeArgs(parts[2]); err != nil {
		return fmt.Errorf("upload args: %w", err)
	}
	if err := json.Unmarshal(parts[3], &d.CompleteCall); err != nil {
		return fmt.Errorf("completion callname: %w", err)
	}
	if d.CompleteArgs, err = decodeArgs(parts[4]); err != nil {
		return fmt.Errorf("completion args: %w", err)
	}
	return nil
}

// Next returns the completion call.
func (d *UploadDirective) Next() PendingCall {
	return PendingCall{Command: d.CompleteCall, Args: CloneArgs(d.CompleteArgs)}
}

// ProtocolError reports a reply that is not a JSON object, or a recognized
// field whose value has the wrong shape.
type ProtocolError struct {
	// Field is the offending key, empty when the body itself is malformed.
	Field string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed server response: %v", e.Err)
	}
	return fmt.Sprintf("malformed server response field %q: %v", e.Field, e.Err)
}

// Unwrap returns the underlying decode error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// DecodeResponse parses a reply body, copying only recognized fields.
// Unknown keys are ignored and absent or null keys stay unset, so the
// server can add fields without breaking older clients.
func DecodeResponse(body []byte) (*ServerResponse, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ProtocolError{Err: err}
	}
	if raw == nil {
		return nil, &ProtocolError{Err: fmt.Errorf("expected JSON object, got null")}
	}

	resp := &ServerResponse{}
	fields := []struct {
		name string
		dst  any
	}{
		{FieldMessage, &resp.Message},
		{FieldError, &resp.Error},
		{FieldLoadPackage, &resp.LoadPackage},
		{FieldUpload, &resp.Upload},
		{FieldLogin, &resp.Login},
		{FieldLogout, &resp.Logout},
	}
	for _, f := range fields {
		value, ok := raw[f.name]
		if !ok || isNull(value) {
			continue
		}
		if err := json.Unmarshal(value, f.dst); err != nil {
			return nil, &ProtocolError{Field: f.name, Err: err}
		}
	}
	return resp, nil
}

// splitTuple decodes a JSON array of exactly n elements.
func splitTuple(data []byte, n int) ([]json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("expected %d-element array: %w", n, err)
	}
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d-element array, got %d elements", n, len(parts))
	}
	return parts, nil
}

// decodeArgs decodes an argument object. null decodes to an empty map.
func decodeArgs(data json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if isNull(data) {
		return args, nil
	}
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func isNull(data json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}
