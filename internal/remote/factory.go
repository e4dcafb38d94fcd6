package remote

import (
	"context"
	"errors"
	"fmt"

	"driveup/internal/config"
	"driveup/internal/mirror"
)

// Backend is a remote store that also speaks the resumable session protocol.
type Backend interface {
	mirror.RemoteStore
	mirror.SessionProtocol
}

// NewRemoteFromConfig creates a Backend based on the remote config type.
// auth is only consulted by the drive backend.
func NewRemoteFromConfig(ctx context.Context, cfg *config.Config, auth HeaderSource) (Backend, error) {
	rc := cfg.Remote
	switch rc.Type {
	case "memory":
		return NewMemoryRemote(mirror.UUIDGenerator{}), nil
	case "drive":
		if auth == nil {
			return nil, errors.New("drive remote requires an authenticated token source")
		}
		return NewDriveRemote(auth, DriveOptions{
			APIURL:            rc.APIURL,
			UploadURL:         rc.UploadURL,
			ProxyURL:          cfg.Proxy.URL(),
			RequestsPerSecond: rc.RequestsPerSecond,
			UserAgent:         "driveup/" + cfg.HostID,
		}), nil
	case "s3":
		if rc.S3Bucket == "" {
			return nil, fmt.Errorf("s3 remote requires s3_bucket to be set")
		}
		return NewS3Remote(ctx, S3Options{
			Bucket:    rc.S3Bucket,
			Prefix:    rc.S3Prefix,
			Region:    rc.S3Region,
			Endpoint:  rc.S3Endpoint,
			AccessKey: rc.S3AccessKey,
			SecretKey: rc.S3SecretKey,
			ProxyURL:  cfg.Proxy.URL(),
		})
	case "filesystem":
		if rc.FSRoot == "" {
			return nil, fmt.Errorf("filesystem remote requires fs_root to be set")
		}
		return NewFilesystemRemote(rc.FSRoot)
	default:
		return nil, fmt.Errorf("unknown remote type: %s", rc.Type)
	}
}
