package remote

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/imroc/req/v3"
	"golang.org/x/time/rate"

	"driveup/internal/mirror"
)

// HeaderSource supplies the Authorization header for each request.
type HeaderSource interface {
	AuthHeader() string
}

// DriveOptions configures a DriveRemote.
type DriveOptions struct {
	APIURL            string
	UploadURL         string
	ProxyURL          string
	RequestsPerSecond float64
	UserAgent         string
}

// DriveRemote talks to the Drive v2 REST API.
type DriveRemote struct {
	client    *req.Client
	apiURL    string
	uploadURL string
	auth      HeaderSource
	limiter   *rate.Limiter
}

// NewDriveRemote creates a Drive client. Requests are never retried here;
// retries belong to the sync core and the upload engine.
func NewDriveRemote(auth HeaderSource, opts DriveOptions) *DriveRemote {
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = max(1, int(opts.RequestsPerSecond))
	}

	d := &DriveRemote{
		apiURL:    strings.TrimSuffix(opts.APIURL, "/"),
		uploadURL: strings.TrimSuffix(opts.UploadURL, "/"),
		auth:      auth,
		limiter:   rate.NewLimiter(limit, burst),
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "driveup"
	}
	d.client = req.C().
		SetUserAgent(userAgent).
		SetJsonMarshal(json.Marshal).
		SetJsonUnmarshal(json.Unmarshal).
		SetRedirectPolicy(req.NoRedirectPolicy()).
		OnBeforeRequest(d.beforeRequest)
	if opts.ProxyURL != "" {
		d.client.SetProxyURL(opts.ProxyURL)
	}
	return d
}

func (d *DriveRemote) beforeRequest(_ *req.Client, r *req.Request) error {
	if err := d.limiter.Wait(r.Context()); err != nil {
		return err
	}
	if d.auth != nil {
		if h := d.auth.AuthHeader(); h != "" {
			r.SetHeader("Authorization", h)
		}
	}
	return nil
}

type driveParent struct {
	ID string `json:"id"`
}

type driveFile struct {
	ID          string        `json:"id,omitempty"`
	Title       string        `json:"title,omitempty"`
	MimeType    string        `json:"mimeType,omitempty"`
	MD5Checksum string        `json:"md5Checksum,omitempty"`
	FileSize    string        `json:"fileSize,omitempty"`
	Parents     []driveParent `json:"parents,omitempty"`
}

type driveFileList struct {
	Items         []driveFile `json:"items"`
	NextPageToken string      `json:"nextPageToken"`
}

type driveError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (f *driveFile) node() *mirror.RemoteNode {
	n := &mirror.RemoteNode{
		ID:          f.ID,
		Title:       f.Title,
		MimeType:    f.MimeType,
		Fingerprint: f.MD5Checksum,
	}
	if f.FileSize != "" {
		n.Size, _ = strconv.ParseInt(f.FileSize, 10, 64)
	}
	for _, p := range f.Parents {
		n.ParentIDs = append(n.ParentIDs, p.ID)
	}
	return n
}

// handleAPIError turns a failed request or an error response into an error.
func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("http request error: %s %w", operation, requestErr)
	}

	if resp.IsErrorState() {
		re := &mirror.RemoteError{Op: operation, StatusCode: resp.StatusCode, Message: resp.Status}
		if apiErr, ok := resp.ErrorResult().(*driveError); ok && apiErr.Error.Message != "" {
			re.Message = apiErr.Error.Message
		}
		return re
	}

	return nil
}

func (d *DriveRemote) getFile(ctx context.Context, id, op string) (*mirror.RemoteNode, error) {
	var file driveFile
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetSuccessResult(&file).
		SetErrorResult(&driveError{}).
		Get(d.apiURL + "/files/{id}")
	if err := handleAPIError(resp, err, op); err != nil {
		return nil, err
	}
	return file.node(), nil
}

func (d *DriveRemote) Root(ctx context.Context) (*mirror.RemoteNode, error) {
	return d.getFile(ctx, "root", "get root")
}

func (d *DriveRemote) Get(ctx context.Context, id string) (*mirror.RemoteNode, error) {
	return d.getFile(ctx, id, "get "+id)
}

// escapeQuery escapes a value for use inside a single-quoted query literal.
func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func listQuery(parentID, title string, kind mirror.NodeKind) string {
	op := "!="
	if kind == mirror.KindFolder {
		op = "="
	}
	return fmt.Sprintf("title = '%s' and '%s' in parents and mimeType %s '%s' and trashed = false",
		escapeQuery(title), escapeQuery(parentID), op, mirror.FolderMimeType)
}

func (d *DriveRemote) List(ctx context.Context, parentID, title string, kind mirror.NodeKind) ([]*mirror.RemoteNode, error) {
	q := listQuery(parentID, title, kind)

	var nodes []*mirror.RemoteNode
	pageToken := ""
	for {
		var page driveFileList
		r := d.client.R().
			SetContext(ctx).
			SetQueryParam("q", q).
			SetSuccessResult(&page).
			SetErrorResult(&driveError{})
		if pageToken != "" {
			r.SetQueryParam("pageToken", pageToken)
		}
		resp, err := r.Get(d.apiURL + "/files")
		if err := handleAPIError(resp, err, "list "+title); err != nil {
			return nil, err
		}

		for i := range page.Items {
			nodes = append(nodes, page.Items[i].node())
		}
		if page.NextPageToken == "" {
			return nodes, nil
		}
		pageToken = page.NextPageToken
	}
}

func (d *DriveRemote) CreateFolder(ctx context.Context, parentID, title string) (*mirror.RemoteNode, error) {
	var file driveFile
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(&driveFile{Title: title, MimeType: mirror.FolderMimeType, Parents: []driveParent{{ID: parentID}}}).
		SetSuccessResult(&file).
		SetErrorResult(&driveError{}).
		Post(d.apiURL + "/files")
	if err := handleAPIError(resp, err, "create folder "+title); err != nil {
		return nil, err
	}
	return file.node(), nil
}

func (d *DriveRemote) Trash(ctx context.Context, id string) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetErrorResult(&driveError{}).
		Post(d.apiURL + "/files/{id}/trash")
	return handleAPIError(resp, err, "trash "+id)
}

// InsertFile uploads metadata and content in one multipart/related request.
func (d *DriveRemote) InsertFile(ctx context.Context, parentID string, content mirror.Content) (*mirror.RemoteNode, error) {
	meta, err := json.Marshal(&driveFile{Title: content.Title, MimeType: content.MimeType, Parents: []driveParent{{ID: parentID}}})
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	data, err := readContent(content)
	if err != nil {
		return nil, err
	}
	body, contentType, err := multipartRelated(meta, content.MimeType, data)
	if err != nil {
		return nil, err
	}

	var file driveFile
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParam("uploadType", "multipart").
		SetHeader("Content-Type", contentType).
		SetBodyBytes(body).
		SetSuccessResult(&file).
		SetErrorResult(&driveError{}).
		Post(d.uploadURL + "/files")
	if err := handleAPIError(resp, err, "insert file "+content.Title); err != nil {
		return nil, err
	}
	return file.node(), nil
}

// UpdateFile replaces the content of an existing file with a media upload.
func (d *DriveRemote) UpdateFile(ctx context.Context, id string, content mirror.Content) (*mirror.RemoteNode, error) {
	data, err := readContent(content)
	if err != nil {
		return nil, err
	}

	var file driveFile
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetQueryParam("uploadType", "media").
		SetHeader("Content-Type", content.MimeType).
		SetBodyBytes(data).
		SetSuccessResult(&file).
		SetErrorResult(&driveError{}).
		Put(d.uploadURL + "/files/{id}")
	if err := handleAPIError(resp, err, "update file "+id); err != nil {
		return nil, err
	}
	return file.node(), nil
}

// multipartRelated builds a two-part metadata+content body.
func multipartRelated(meta []byte, mimeType string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	part, err := w.CreatePart(metaHeader)
	if err != nil {
		return nil, "", fmt.Errorf("creating metadata part: %w", err)
	}
	if _, err := part.Write(meta); err != nil {
		return nil, "", fmt.Errorf("writing metadata part: %w", err)
	}

	mediaHeader := textproto.MIMEHeader{}
	mediaHeader.Set("Content-Type", mimeType)
	part, err = w.CreatePart(mediaHeader)
	if err != nil {
		return nil, "", fmt.Errorf("creating media part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("writing media part: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}
	return buf.Bytes(), "multipart/related; boundary=" + w.Boundary(), nil
}

// Resumable sessions

func (d *DriveRemote) CreateSession(ctx context.Context, target mirror.SessionTarget) (string, error) {
	r := d.client.R().
		SetContext(ctx).
		SetQueryParam("uploadType", "resumable").
		SetHeader("X-Upload-Content-Type", target.MimeType).
		SetHeader("X-Upload-Content-Length", strconv.FormatInt(target.Size, 10)).
		SetErrorResult(&driveError{})

	var (
		resp *req.Response
		err  error
	)
	if target.FileID != "" {
		resp, err = r.
			SetPathParam("id", target.FileID).
			SetHeader("If-Match", "*").
			SetBody(&driveFile{MimeType: target.MimeType}).
			Put(d.uploadURL + "/files/{id}")
	} else {
		resp, err = r.
			SetBody(&driveFile{Title: target.Title, MimeType: target.MimeType, Parents: []driveParent{{ID: target.ParentID}}}).
			Post(d.uploadURL + "/files")
	}
	if err := handleAPIError(resp, err, "create upload session"); err != nil {
		return "", err
	}

	location := resp.Header.Get("Location")
	if resp.StatusCode != http.StatusOK || location == "" {
		return "", &mirror.RemoteError{Op: "create upload session", StatusCode: resp.StatusCode, Message: "no session location in response"}
	}
	return location, nil
}

// QueryOffset sends an empty PUT with "Content-Range: bytes */N".
func (d *DriveRemote) QueryOffset(ctx context.Context, handle string, size int64) (mirror.SessionStatus, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Range", fmt.Sprintf("bytes */%d", size)).
		SetBodyBytes(nil).
		Put(handle)
	if err != nil {
		return mirror.SessionStatus{}, fmt.Errorf("http request error: query upload offset %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return mirror.SessionStatus{StatusCode: resp.StatusCode, Offset: size}, nil
	case http.StatusPermanentRedirect:
		return mirror.SessionStatus{StatusCode: resp.StatusCode, Offset: parseRangeOffset(resp.Header.Get("Range"))}, nil
	default:
		return mirror.SessionStatus{StatusCode: resp.StatusCode, Offset: -1}, nil
	}
}

// parseRangeOffset turns "bytes=0-K" into K+1. A missing header means no
// bytes were committed; a garbled one yields -1.
func parseRangeOffset(header string) int64 {
	if header == "" {
		return 0
	}
	rest, ok := strings.CutPrefix(header, "bytes=0-")
	if !ok {
		return -1
	}
	last, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || last < 0 {
		return -1
	}
	return last + 1
}

func (d *DriveRemote) PutChunk(ctx context.Context, handle string, start int64, chunk []byte, size int64) (int, error) {
	end := start + int64(len(chunk)) - 1
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size)).
		SetBodyBytes(chunk).
		Put(handle)
	if err != nil {
		return 0, fmt.Errorf("http request error: upload chunk %w", err)
	}
	return resp.StatusCode, nil
}

// Complete re-queries a finished session, which answers with the file resource.
func (d *DriveRemote) Complete(ctx context.Context, handle string, size int64) (*mirror.RemoteNode, error) {
	var file driveFile
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Range", fmt.Sprintf("bytes */%d", size)).
		SetBodyBytes(nil).
		SetSuccessResult(&file).
		SetErrorResult(&driveError{}).
		Put(handle)
	if err := handleAPIError(resp, err, "complete upload"); err != nil {
		return nil, err
	}
	if !resp.IsSuccessState() || file.ID == "" {
		return nil, &mirror.RemoteError{Op: "complete upload", StatusCode: resp.StatusCode, Message: "upload is not complete"}
	}
	return file.node(), nil
}

// Compile-time checks that DriveRemote implements the remote interfaces.
var (
	_ mirror.RemoteStore     = (*DriveRemote)(nil)
	_ mirror.SessionProtocol = (*DriveRemote)(nil)
)
