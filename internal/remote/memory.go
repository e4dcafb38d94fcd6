package remote

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"driveup/internal/mirror"
)

// MemoryRootID is the id of the root folder of a MemoryRemote.
const MemoryRootID = "root"

const memorySessionPrefix = "mem://session/"

// Op names a MemoryRemote call for fault injection and call counting.
type Op string

const (
	OpRoot          Op = "root"
	OpGet           Op = "get"
	OpList          Op = "list"
	OpCreateFolder  Op = "create_folder"
	OpInsertFile    Op = "insert_file"
	OpUpdateFile    Op = "update_file"
	OpTrash         Op = "trash"
	OpCreateSession Op = "create_session"
	OpQueryOffset   Op = "query_offset"
	OpPutChunk      Op = "put_chunk"
	OpComplete      Op = "complete"
)

// ChunkHook intercepts PutChunk. A non-zero status is returned to the caller
// and the chunk is dropped. The hook runs with the remote locked and must not
// call back into it.
type ChunkHook func(handle string, start int64, chunk []byte) int

// MemoryRemote is an in-memory remote store. Unlike most real stores it keeps
// duplicate titles under one parent, which makes it useful for exercising
// conflict handling. It is safe for concurrent use.
type MemoryRemote struct {
	mu       sync.RWMutex
	ids      mirror.IDGenerator
	seq      int
	nodes    map[string]*memoryNode
	sessions map[string]*memorySession
	faults   map[Op][]error
	calls    map[Op]int
	hook     ChunkHook
}

type memoryNode struct {
	node    mirror.RemoteNode
	data    []byte
	trashed bool
	seq     int
}

type memorySession struct {
	target mirror.SessionTarget
	data   []byte
	nodeID string
}

// NewMemoryRemote creates an empty remote with a root folder.
func NewMemoryRemote(ids mirror.IDGenerator) *MemoryRemote {
	m := &MemoryRemote{
		ids:      ids,
		nodes:    make(map[string]*memoryNode),
		sessions: make(map[string]*memorySession),
		faults:   make(map[Op][]error),
		calls:    make(map[Op]int),
	}
	m.nodes[MemoryRootID] = &memoryNode{node: mirror.RemoteNode{
		ID:       MemoryRootID,
		Title:    "My Drive",
		MimeType: mirror.FolderMimeType,
	}}
	return m
}

// FailNext makes the next n calls of op fail with err.
func (m *MemoryRemote) FailNext(op Op, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.faults[op] = append(m.faults[op], err)
	}
}

// SetChunkHook installs h for subsequent PutChunk calls. A nil h removes it.
func (m *MemoryRemote) SetChunkHook(h ChunkHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = h
}

// Calls returns how many times op was invoked.
func (m *MemoryRemote) Calls(op Op) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// begin counts a call and pops a pending fault. Callers hold m.mu.
func (m *MemoryRemote) begin(op Op) error {
	m.calls[op]++
	pending := m.faults[op]
	if len(pending) == 0 {
		return nil
	}
	m.faults[op] = pending[1:]
	return pending[0]
}

// AddFolder creates a folder without duplicate checks. It is a test helper.
func (m *MemoryRemote) AddFolder(parentID, title string) *mirror.RemoteNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(parentID, title, mirror.FolderMimeType, nil)
}

// AddFile creates a file without duplicate checks. It is a test helper.
func (m *MemoryRemote) AddFile(parentID, title string, data []byte) *mirror.RemoteNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(parentID, title, "application/octet-stream", data)
}

func (m *MemoryRemote) addLocked(parentID, title, mimeType string, data []byte) *mirror.RemoteNode {
	m.seq++
	n := &memoryNode{
		node: mirror.RemoteNode{
			ID:        m.ids.New(),
			Title:     title,
			MimeType:  mimeType,
			ParentIDs: []string{parentID},
		},
		seq: m.seq,
	}
	if mimeType != mirror.FolderMimeType {
		n.setData(data)
	}
	m.nodes[n.node.ID] = n
	node := n.node
	return &node
}

func (n *memoryNode) setData(data []byte) {
	sum := md5.Sum(data)
	n.data = data
	n.node.Fingerprint = hex.EncodeToString(sum[:])
	n.node.Size = int64(len(data))
}

// Content returns the stored bytes of a file.
func (m *MemoryRemote) Content(id string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// Children returns the non-trashed children of parentID in creation order.
func (m *MemoryRemote) Children(parentID string) []*mirror.RemoteNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.childrenLocked(parentID, func(*memoryNode) bool { return true })
}

// Lookup walks titles from the root and returns the first match at each level.
func (m *MemoryRemote) Lookup(titles ...string) (*mirror.RemoteNode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur := m.nodes[MemoryRootID].node
	for _, title := range titles {
		kids := m.childrenLocked(cur.ID, func(n *memoryNode) bool { return n.node.Title == title })
		if len(kids) == 0 {
			return nil, false
		}
		cur = *kids[0]
	}
	return &cur, true
}

// IsTrashed reports whether id has been trashed.
func (m *MemoryRemote) IsTrashed(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return ok && n.trashed
}

func (m *MemoryRemote) childrenLocked(parentID string, keep func(*memoryNode) bool) []*mirror.RemoteNode {
	var matched []*memoryNode
	for _, n := range m.nodes {
		if n.trashed || len(n.node.ParentIDs) == 0 || n.node.ParentIDs[0] != parentID {
			continue
		}
		if keep(n) {
			matched = append(matched, n)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	out := make([]*mirror.RemoteNode, len(matched))
	for i, n := range matched {
		node := n.node
		out[i] = &node
	}
	return out
}

func (m *MemoryRemote) Root(context.Context) (*mirror.RemoteNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpRoot); err != nil {
		return nil, err
	}
	node := m.nodes[MemoryRootID].node
	return &node, nil
}

func (m *MemoryRemote) Get(_ context.Context, id string) (*mirror.RemoteNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpGet); err != nil {
		return nil, err
	}
	n, ok := m.nodes[id]
	if !ok {
		return nil, &mirror.RemoteError{Op: "get " + id, StatusCode: 404, Message: "file not found"}
	}
	node := n.node
	return &node, nil
}

func (m *MemoryRemote) List(_ context.Context, parentID, title string, kind mirror.NodeKind) ([]*mirror.RemoteNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpList); err != nil {
		return nil, err
	}
	return m.childrenLocked(parentID, func(n *memoryNode) bool {
		return n.node.Title == title && n.node.IsFolder() == (kind == mirror.KindFolder)
	}), nil
}

func (m *MemoryRemote) CreateFolder(_ context.Context, parentID, title string) (*mirror.RemoteNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpCreateFolder); err != nil {
		return nil, err
	}
	if _, ok := m.nodes[parentID]; !ok {
		return nil, &mirror.RemoteError{Op: "create folder", StatusCode: 404, Message: "parent not found"}
	}
	return m.addLocked(parentID, title, mirror.FolderMimeType, nil), nil
}

func (m *MemoryRemote) InsertFile(_ context.Context, parentID string, content mirror.Content) (*mirror.RemoteNode, error) {
	data, err := readContent(content)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpInsertFile); err != nil {
		return nil, err
	}
	if _, ok := m.nodes[parentID]; !ok {
		return nil, &mirror.RemoteError{Op: "insert file", StatusCode: 404, Message: "parent not found"}
	}
	return m.addLocked(parentID, content.Title, content.MimeType, data), nil
}

func (m *MemoryRemote) UpdateFile(_ context.Context, id string, content mirror.Content) (*mirror.RemoteNode, error) {
	data, err := readContent(content)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpUpdateFile); err != nil {
		return nil, err
	}
	n, ok := m.nodes[id]
	if !ok {
		return nil, &mirror.RemoteError{Op: "update file " + id, StatusCode: 404, Message: "file not found"}
	}
	n.setData(data)
	if content.MimeType != "" {
		n.node.MimeType = content.MimeType
	}
	node := n.node
	return &node, nil
}

func (m *MemoryRemote) Trash(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpTrash); err != nil {
		return err
	}
	n, ok := m.nodes[id]
	if !ok {
		return &mirror.RemoteError{Op: "trash " + id, StatusCode: 404, Message: "file not found"}
	}
	n.trashed = true
	return nil
}

func readContent(content mirror.Content) ([]byte, error) {
	data, err := io.ReadAll(content.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != content.Size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", content.Size, len(data))
	}
	return data, nil
}

// Resumable sessions

func (m *MemoryRemote) CreateSession(_ context.Context, target mirror.SessionTarget) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpCreateSession); err != nil {
		return "", err
	}
	if target.FileID != "" {
		if _, ok := m.nodes[target.FileID]; !ok {
			return "", &mirror.RemoteError{Op: "create session", StatusCode: 404, Message: "file not found"}
		}
	} else if _, ok := m.nodes[target.ParentID]; !ok {
		return "", &mirror.RemoteError{Op: "create session", StatusCode: 404, Message: "parent not found"}
	}

	handle := memorySessionPrefix + m.ids.New()
	m.sessions[handle] = &memorySession{target: target}
	return handle, nil
}

// ExpireSession forgets a session, as a remote does once it times out.
func (m *MemoryRemote) ExpireSession(handle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, handle)
}

// SessionOffset returns the bytes committed to handle so far.
func (m *MemoryRemote) SessionOffset(handle string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[handle]; ok {
		return int64(len(s.data))
	}
	return -1
}

func (m *MemoryRemote) QueryOffset(_ context.Context, handle string, size int64) (mirror.SessionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpQueryOffset); err != nil {
		return mirror.SessionStatus{}, err
	}
	s, ok := m.sessions[handle]
	if !ok {
		return mirror.SessionStatus{StatusCode: 404, Offset: -1}, nil
	}
	if s.nodeID != "" {
		return mirror.SessionStatus{StatusCode: 200, Offset: size}, nil
	}
	return mirror.SessionStatus{StatusCode: 308, Offset: int64(len(s.data))}, nil
}

func (m *MemoryRemote) PutChunk(_ context.Context, handle string, start int64, chunk []byte, size int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpPutChunk); err != nil {
		return 0, err
	}
	if m.hook != nil {
		if status := m.hook(handle, start, chunk); status != 0 {
			return status, nil
		}
	}

	s, ok := m.sessions[handle]
	if !ok {
		return 404, nil
	}
	if s.nodeID != "" {
		return 200, nil
	}
	if start != int64(len(s.data)) || start+int64(len(chunk)) > size {
		// Out-of-range chunks are ignored; the client re-queries the offset.
		return 308, nil
	}

	s.data = append(s.data, chunk...)
	if int64(len(s.data)) < size {
		return 308, nil
	}

	if s.target.FileID != "" {
		n := m.nodes[s.target.FileID]
		n.setData(s.data)
		s.nodeID = n.node.ID
		return 200, nil
	}
	node := m.addLocked(s.target.ParentID, s.target.Title, s.target.MimeType, s.data)
	s.nodeID = node.ID
	return 201, nil
}

func (m *MemoryRemote) Complete(_ context.Context, handle string, _ int64) (*mirror.RemoteNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpComplete); err != nil {
		return nil, err
	}
	s, ok := m.sessions[handle]
	if !ok {
		return nil, &mirror.RemoteError{Op: "complete", StatusCode: 404, Message: "session not found"}
	}
	if s.nodeID == "" {
		return nil, fmt.Errorf("session %s is not complete (%d bytes committed)", strings.TrimPrefix(handle, memorySessionPrefix), len(s.data))
	}
	node := m.nodes[s.nodeID].node
	return &node, nil
}

// Compile-time checks that MemoryRemote implements the remote interfaces.
var (
	_ mirror.RemoteStore     = (*MemoryRemote)(nil)
	_ mirror.SessionProtocol = (*MemoryRemote)(nil)
)
