package remote

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"driveup/internal/mirror"
)

const (
	// S3RootID is the node id of the configured bucket prefix.
	S3RootID = "/"

	s3TitleKey = "driveup-title"
	s3MD5Key   = "md5"
	s3TrashDir = ".driveup-trash/"
)

// S3API is the subset of the S3 client the backend uses.
type S3API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
}

// S3Options configures an S3Remote built from the AWS default config chain.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	ProxyURL  string
}

// S3Remote stores the mirror in a bucket. Folders are zero-byte marker
// objects ending in "/", files are plain objects, and resumable sessions are
// multipart uploads.
type S3Remote struct {
	client   S3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Remote loads AWS configuration and creates an S3-backed remote.
func NewS3Remote(ctx context.Context, opts S3Options) (*S3Remote, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	httpClient, err := newS3HTTPClient(opts.ProxyURL)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(httpClient),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
		o.RetryMaxAttempts = 1
	})

	return NewS3RemoteWithClient(client, opts.Bucket, opts.Prefix), nil
}

// newS3HTTPClient builds the SDK's own buildable client so that settings the
// config loader applies later, such as AWS_CA_BUNDLE, still reach its
// transport.
func newS3HTTPClient(proxyURL string) (*awshttp.BuildableClient, error) {
	var proxy *url.URL
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		proxy = u
	}

	return awshttp.NewBuildableClient().WithTransportOptions(func(t *http.Transport) {
		t.MaxIdleConnsPerHost = 16
		t.IdleConnTimeout = 90 * time.Second
		if proxy != nil {
			t.Proxy = http.ProxyURL(proxy)
		}
	}), nil
}

// NewS3RemoteWithClient creates an S3Remote over an existing client.
func NewS3RemoteWithClient(client S3API, bucket, prefix string) *S3Remote {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Remote{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

// dirKey maps a folder id to its key prefix.
func (s *S3Remote) dirKey(id string) (string, error) {
	if id == S3RootID {
		return s.prefix, nil
	}
	if !strings.HasSuffix(id, "/") {
		return "", &mirror.RemoteError{Op: "resolve folder", StatusCode: http.StatusBadRequest, Message: id + " is not a folder"}
	}
	return id, nil
}

func (s *S3Remote) parentID(key string) string {
	dir := path.Dir(strings.TrimSuffix(key, "/")) + "/"
	if dir == "./" || dir == s.prefix {
		return S3RootID
	}
	return dir
}

func (s *S3Remote) headNode(ctx context.Context, key, op string) (*mirror.RemoteNode, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return nil, s3Error(op, err)
	}
	return s.node(key, out), nil
}

func (s *S3Remote) node(key string, out *s3.HeadObjectOutput) *mirror.RemoteNode {
	n := &mirror.RemoteNode{
		ID:        key,
		Title:     out.Metadata[s3TitleKey],
		MimeType:  aws.ToString(out.ContentType),
		Size:      aws.ToInt64(out.ContentLength),
		ParentIDs: []string{s.parentID(key)},
	}
	if n.Title == "" {
		n.Title = path.Base(strings.TrimSuffix(key, "/"))
	}
	if strings.HasSuffix(key, "/") {
		n.MimeType = mirror.FolderMimeType
		n.Size = 0
		return n
	}

	n.Fingerprint = out.Metadata[s3MD5Key]
	if etag := strings.Trim(aws.ToString(out.ETag), `"`); n.Fingerprint == "" && !strings.Contains(etag, "-") {
		n.Fingerprint = etag
	}
	return n
}

func (s *S3Remote) Root(context.Context) (*mirror.RemoteNode, error) {
	title := strings.TrimSuffix(s.prefix, "/")
	if title == "" {
		title = s.bucket
	}
	return &mirror.RemoteNode{ID: S3RootID, Title: title, MimeType: mirror.FolderMimeType}, nil
}

func (s *S3Remote) Get(ctx context.Context, id string) (*mirror.RemoteNode, error) {
	if id == S3RootID {
		return s.Root(ctx)
	}
	return s.headNode(ctx, id, "get "+id)
}

// List looks up the single object a title maps to. Keys are unique, so a
// listing never holds duplicates.
func (s *S3Remote) List(ctx context.Context, parentID, title string, kind mirror.NodeKind) ([]*mirror.RemoteNode, error) {
	dir, err := s.dirKey(parentID)
	if err != nil {
		return nil, err
	}
	key := dir + title
	if kind == mirror.KindFolder {
		key += "/"
	}

	node, err := s.headNode(ctx, key, "list "+title)
	if errors.Is(err, mirror.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []*mirror.RemoteNode{node}, nil
}

func (s *S3Remote) CreateFolder(ctx context.Context, parentID, title string) (*mirror.RemoteNode, error) {
	dir, err := s.dirKey(parentID)
	if err != nil {
		return nil, err
	}
	key := dir + title + "/"

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String(mirror.FolderMimeType),
		Metadata:      map[string]string{s3TitleKey: title},
	})
	if err != nil {
		return nil, s3Error("create folder "+title, err)
	}
	return &mirror.RemoteNode{ID: key, Title: title, MimeType: mirror.FolderMimeType, ParentIDs: []string{parentID}}, nil
}

func (s *S3Remote) InsertFile(ctx context.Context, parentID string, content mirror.Content) (*mirror.RemoteNode, error) {
	dir, err := s.dirKey(parentID)
	if err != nil {
		return nil, err
	}
	return s.putFile(ctx, dir+content.Title, content, "insert file "+content.Title)
}

func (s *S3Remote) UpdateFile(ctx context.Context, id string, content mirror.Content) (*mirror.RemoteNode, error) {
	if _, err := s.headNode(ctx, id, "update file "+id); err != nil {
		return nil, err
	}
	return s.putFile(ctx, id, content, "update file "+id)
}

func (s *S3Remote) putFile(ctx context.Context, key string, content mirror.Content, op string) (*mirror.RemoteNode, error) {
	data, err := readContent(content)
	if err != nil {
		return nil, err
	}
	sum := md5.Sum(data)
	fingerprint := hex.EncodeToString(sum[:])
	title := path.Base(key)

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: aws.String(content.MimeType),
		Metadata:    map[string]string{s3TitleKey: title, s3MD5Key: fingerprint},
	})
	if err != nil {
		return nil, s3Error(op, err)
	}

	return &mirror.RemoteNode{
		ID:          key,
		Title:       title,
		MimeType:    content.MimeType,
		Fingerprint: fingerprint,
		Size:        int64(len(data)),
		ParentIDs:   []string{s.parentID(key)},
	}, nil
}

// Trash moves an object under the trash prefix.
func (s *S3Remote) Trash(ctx context.Context, id string) error {
	if id == S3RootID {
		return &mirror.RemoteError{Op: "trash", StatusCode: http.StatusBadRequest, Message: "cannot trash the root"}
	}

	dest := s.prefix + s3TrashDir + uuid.NewString() + "-" + path.Base(strings.TrimSuffix(id, "/"))
	if strings.HasSuffix(id, "/") {
		dest += "/"
	}
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     &s.bucket,
		Key:        &dest,
		CopySource: s.copySource(id),
	})
	if err != nil {
		return s3Error("trash "+id, err)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &id}); err != nil {
		return s3Error("trash "+id, err)
	}
	return nil
}

// Resumable sessions

type s3Session struct {
	key      string
	uploadID string
}

func (s *S3Remote) sessionHandle(key, uploadID string) string {
	u := url.URL{Scheme: "s3", Host: s.bucket, Path: "/" + key, RawQuery: url.Values{"uploadId": {uploadID}}.Encode()}
	return u.String()
}

func (s *S3Remote) parseHandle(handle string) (s3Session, error) {
	u, err := url.Parse(handle)
	if err != nil || u.Scheme != "s3" || u.Host != s.bucket {
		return s3Session{}, &mirror.RemoteError{Op: "parse session", StatusCode: http.StatusNotFound, Message: "unknown session " + handle}
	}
	sess := s3Session{key: strings.TrimPrefix(u.Path, "/"), uploadID: u.Query().Get("uploadId")}
	if sess.key == "" || sess.uploadID == "" {
		return s3Session{}, &mirror.RemoteError{Op: "parse session", StatusCode: http.StatusNotFound, Message: "malformed session " + handle}
	}
	return sess, nil
}

func (s *S3Remote) CreateSession(ctx context.Context, target mirror.SessionTarget) (string, error) {
	key := target.FileID
	if key == "" {
		dir, err := s.dirKey(target.ParentID)
		if err != nil {
			return "", err
		}
		key = dir + target.Title
	}

	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      &s.bucket,
		Key:         &key,
		ContentType: aws.String(target.MimeType),
		Metadata:    map[string]string{s3TitleKey: path.Base(key)},
	})
	if err != nil {
		return "", s3Error("create upload session", err)
	}
	return s.sessionHandle(key, aws.ToString(out.UploadId)), nil
}

// committedParts returns the parts of an upload in order, cut at the first gap.
func (s *S3Remote) committedParts(ctx context.Context, sess s3Session) ([]types.Part, int64, error) {
	var parts []types.Part
	paginator := s3.NewListPartsPaginator(s.client, &s3.ListPartsInput{
		Bucket:   &s.bucket,
		Key:      &sess.key,
		UploadId: &sess.uploadID,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, 0, err
		}
		parts = append(parts, page.Parts...)
	}

	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})

	var offset int64
	for i, p := range parts {
		if aws.ToInt32(p.PartNumber) != int32(i+1) {
			return parts[:i], offset, nil
		}
		offset += aws.ToInt64(p.Size)
	}
	return parts, offset, nil
}

func (s *S3Remote) QueryOffset(ctx context.Context, handle string, size int64) (mirror.SessionStatus, error) {
	sess, err := s.parseHandle(handle)
	if err != nil {
		return mirror.SessionStatus{StatusCode: http.StatusNotFound, Offset: -1}, nil
	}

	_, offset, err := s.committedParts(ctx, sess)
	if err != nil {
		var re *mirror.RemoteError
		if errors.As(s3Error("query upload offset", err), &re) {
			return mirror.SessionStatus{StatusCode: re.StatusCode, Offset: -1}, nil
		}
		return mirror.SessionStatus{}, fmt.Errorf("query upload offset: %w", err)
	}

	if offset >= size {
		return mirror.SessionStatus{StatusCode: http.StatusOK, Offset: size}, nil
	}
	return mirror.SessionStatus{StatusCode: http.StatusPermanentRedirect, Offset: offset}, nil
}

// PutChunk uploads the next part and completes the multipart upload once
// the last byte is in.
func (s *S3Remote) PutChunk(ctx context.Context, handle string, start int64, chunk []byte, size int64) (int, error) {
	sess, err := s.parseHandle(handle)
	if err != nil {
		return http.StatusNotFound, nil
	}

	parts, offset, err := s.committedParts(ctx, sess)
	if err != nil {
		return s3Status(s3Error("upload chunk", err))
	}
	if start != offset {
		return http.StatusBadRequest, nil
	}

	partNumber := aws.Int32(int32(len(parts) + 1))
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        &s.bucket,
		Key:           &sess.key,
		UploadId:      &sess.uploadID,
		PartNumber:    partNumber,
		Body:          bytes.NewReader(chunk),
		ContentLength: aws.Int64(int64(len(chunk))),
	})
	if err != nil {
		return s3Status(s3Error("upload chunk", err))
	}

	if start+int64(len(chunk)) < size {
		return http.StatusPermanentRedirect, nil
	}

	completed := make([]types.CompletedPart, 0, len(parts)+1)
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{ETag: p.ETag, PartNumber: p.PartNumber})
	}
	completed = append(completed, types.CompletedPart{ETag: out.ETag, PartNumber: partNumber})

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          &s.bucket,
		Key:             &sess.key,
		UploadId:        &sess.uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return s3Status(s3Error("complete upload", err))
	}
	return http.StatusOK, nil
}

// Complete reads the assembled object back to fingerprint it, then records
// the digest in the object metadata.
func (s *S3Remote) Complete(ctx context.Context, handle string, size int64) (*mirror.RemoteNode, error) {
	sess, err := s.parseHandle(handle)
	if err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &sess.key})
	if err != nil {
		return nil, s3Error("complete upload", err)
	}
	defer obj.Body.Close()

	h := md5.New()
	n, err := io.Copy(h, obj.Body)
	if err != nil {
		return nil, fmt.Errorf("reading uploaded object: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("%w: uploaded %d bytes, object holds %d", mirror.ErrIntegrity, size, n)
	}
	fingerprint := hex.EncodeToString(h.Sum(nil))

	title := path.Base(sess.key)
	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            &s.bucket,
		Key:               &sess.key,
		CopySource:        s.copySource(sess.key),
		ContentType:       obj.ContentType,
		Metadata:          map[string]string{s3TitleKey: title, s3MD5Key: fingerprint},
		MetadataDirective: types.MetadataDirectiveReplace,
	})
	if err != nil {
		return nil, s3Error("record fingerprint", err)
	}

	return &mirror.RemoteNode{
		ID:          sess.key,
		Title:       title,
		MimeType:    aws.ToString(obj.ContentType),
		Fingerprint: fingerprint,
		Size:        n,
		ParentIDs:   []string{s.parentID(sess.key)},
	}, nil
}

// s3Error maps an SDK failure onto a RemoteError when the service answered.
func s3Error(op string, err error) error {
	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchUpload":
			status = http.StatusNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			status = http.StatusForbidden
		}
		if status == 0 {
			status = http.StatusBadRequest
			if apiErr.ErrorFault() == smithy.FaultServer {
				status = http.StatusInternalServerError
			}
		}
		return &mirror.RemoteError{Op: op, StatusCode: status, Message: apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()}
	}

	if status != 0 {
		return &mirror.RemoteError{Op: op, StatusCode: status, Message: err.Error()}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// s3Status reduces a mapped error to the status code PutChunk reports.
func s3Status(err error) (int, error) {
	var re *mirror.RemoteError
	if errors.As(err, &re) {
		return re.StatusCode, nil
	}
	return 0, err
}

func (s *S3Remote) String() string {
	return "s3://" + s.bucket + "/" + s.prefix
}

// copySource builds the bucket/key reference CopyObject expects.
func (s *S3Remote) copySource(key string) *string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return aws.String(s.bucket + "/" + strings.Join(segments, "/"))
}

// Compile-time checks that S3Remote implements the remote interfaces.
var (
	_ mirror.RemoteStore     = (*S3Remote)(nil)
	_ mirror.SessionProtocol = (*S3Remote)(nil)
)
