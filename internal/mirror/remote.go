package mirror

import (
	"context"
	"io"
)

// FolderMimeType is the type tag carried by remote folders.
const FolderMimeType = "application/vnd.google-apps.folder"

// RemoteNode is a read-only view of a file or folder in the remote store.
type RemoteNode struct {
	ID          string
	Title       string
	MimeType    string
	Fingerprint string // hex MD5 as reported by the remote
	Size        int64
	ParentIDs   []string
}

// IsFolder reports whether the node is a folder.
func (n *RemoteNode) IsFolder() bool {
	return n.MimeType == FolderMimeType
}

// NodeKind selects folders or files in a listing.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindFolder
)

func (k NodeKind) String() string {
	if k == KindFolder {
		return "folder"
	}
	return "file"
}

// Content is the payload of a single-request upload.
type Content struct {
	Title    string
	MimeType string
	Size     int64
	Body     io.Reader
}

// RemoteStore is the narrow remote API the sync core depends on.
// Implementations must not retry internally; retries are the caller's job.
type RemoteStore interface {
	// Root returns the node that untitled destinations are created under.
	Root(ctx context.Context) (*RemoteNode, error)

	// Get fetches a node by id. Missing nodes yield an error matching ErrNotFound.
	Get(ctx context.Context, id string) (*RemoteNode, error)

	// List returns the non-trashed children of parentID with the given title
	// and kind, in the remote's listing order.
	List(ctx context.Context, parentID, title string, kind NodeKind) ([]*RemoteNode, error)

	// CreateFolder creates a folder under parentID.
	CreateFolder(ctx context.Context, parentID, title string) (*RemoteNode, error)

	// InsertFile uploads a new file under parentID in a single request.
	InsertFile(ctx context.Context, parentID string, content Content) (*RemoteNode, error)

	// UpdateFile replaces the content of an existing file in a single request.
	UpdateFile(ctx context.Context, id string, content Content) (*RemoteNode, error)

	// Trash moves a node to the trash.
	Trash(ctx context.Context, id string) error
}

// SessionTarget describes the object a resumable session will write.
type SessionTarget struct {
	Title    string
	MimeType string
	ParentID string
	FileID   string // set when replacing the content of an existing file
	Size     int64
}

// SessionStatus is the answer to an offset query.
type SessionStatus struct {
	StatusCode int
	// Offset is the next byte the remote expects. It equals the total size
	// once the upload is complete and is -1 when the answer was unusable.
	Offset int64
}

// SessionProtocol is the resumable upload wire protocol. Each method maps to
// one request; a returned error means the request did not produce a response.
type SessionProtocol interface {
	// CreateSession allocates a resumable session and returns its handle.
	CreateSession(ctx context.Context, target SessionTarget) (string, error)

	// QueryOffset asks the remote how many bytes it has committed.
	QueryOffset(ctx context.Context, handle string, size int64) (SessionStatus, error)

	// PutChunk sends chunk as the byte range starting at start and returns
	// the response status code.
	PutChunk(ctx context.Context, handle string, start int64, chunk []byte, size int64) (int, error)

	// Complete fetches the metadata of the object a finished session created.
	Complete(ctx context.Context, handle string, size int64) (*RemoteNode, error)
}

// Authenticator renews the credentials used by a remote backend.
type Authenticator interface {
	Refresh(ctx context.Context) error
}

// NopAuthenticator is used by backends that do not need token renewal.
type NopAuthenticator struct{}

func (NopAuthenticator) Refresh(context.Context) error { return nil }
