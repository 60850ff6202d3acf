package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/stevedore-app/stevedore/internal/archive"
	"github.com/stevedore-app/stevedore/internal/models"
)

// S3Remote stores archive bodies and sidecars in an S3-compatible bucket.
type S3Remote struct {
	client *s3.Client
	bucket string
	prefix string
	logger zerolog.Logger
}

// NewS3Remote builds a remote from storage settings. Custom endpoints
// (MinIO, Wasabi, self-hosted) use path-style addressing.
func NewS3Remote(ctx context.Context, settings *models.StorageSettings, logger zerolog.Logger) (*S3Remote, error) {
	if settings == nil || !settings.Enabled {
		return nil, errors.New("remote storage is not enabled")
	}
	if settings.Bucket == "" {
		return nil, errors.New("remote storage bucket is required")
	}

	region := settings.Region
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(settings.AccessKeyID, settings.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load S3 config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if settings.Endpoint != "" {
		endpoint := settings.Endpoint
		if !strings.Contains(endpoint, "://") {
			scheme := "https"
			if !settings.UseSSL {
				scheme = "http"
			}
			endpoint = scheme + "://" + endpoint
		}
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Remote{
		client: s3.NewFromConfig(cfg, clientOpts...),
		bucket: settings.Bucket,
		prefix: strings.Trim(settings.Prefix, "/"),
		logger: logger.With().Str("component", "s3").Logger(),
	}, nil
}

// key maps an archive filename to its object key under the configured prefix.
func (r *S3Remote) key(filename string) string {
	if r.prefix == "" {
		return filename
	}
	return path.Join(r.prefix, filename)
}

// Put uploads a local file to the bucket.
func (r *S3Remote) Put(ctx context.Context, localPath, filename string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open upload source: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat upload source: %w", err)
	}

	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(r.key(filename)),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}

	r.logger.Info().Str("file", filename).Int64("bytes", info.Size()).Msg("uploaded archive to remote")
	return nil
}

// Get downloads an object to localPath via a partial file so a torn download
// never looks like a complete archive.
func (r *S3Remote) Get(ctx context.Context, filename, localPath string) error {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key(filename)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return ErrArchiveNotFound
		}
		return fmt.Errorf("download %s: %w", filename, err)
	}
	defer out.Body.Close()

	partial := localPath + ".partial"
	f, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("create download target: %w", err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		os.Remove(partial)
		return fmt.Errorf("download %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(partial)
		return fmt.Errorf("close download target: %w", err)
	}
	if err := os.Rename(partial, localPath); err != nil {
		os.Remove(partial)
		return fmt.Errorf("finalize download: %w", err)
	}
	return nil
}

// Exists reports whether the object is present in the bucket.
func (r *S3Remote) Exists(ctx context.Context, filename string) (bool, error) {
	_, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key(filename)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("head %s: %w", filename, err)
	}
	return true, nil
}

// List returns remote archive listings, newest first. Sidecar objects are
// fetched alongside to fill in server names without downloading bodies.
func (r *S3Remote) List(ctx context.Context) ([]models.BackupListing, error) {
	var listings []models.BackupListing

	input := &s3.ListObjectsV2Input{Bucket: aws.String(r.bucket)}
	if r.prefix != "" {
		input.Prefix = aws.String(r.prefix + "/")
	}

	paginator := s3.NewListObjectsV2Paginator(r.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list remote archives: %w", err)
		}
		for _, obj := range page.Contents {
			name := path.Base(aws.ToString(obj.Key))
			if !strings.HasSuffix(name, ".tar.gz") {
				continue
			}

			listing := models.BackupListing{
				Filename:  name,
				SizeBytes: aws.ToInt64(obj.Size),
				Scheduled: archive.IsScheduled(name),
				Location:  "remote",
			}
			if obj.LastModified != nil {
				listing.ModTime = obj.LastModified.UTC().Format(time.RFC3339)
			}
			if sidecar, err := r.readSidecar(ctx, name); err == nil {
				listing.ServerName = sidecar.ServerName
			}
			listings = append(listings, listing)
		}
	}

	sort.Slice(listings, func(i, j int) bool {
		return listings[i].ModTime > listings[j].ModTime
	})
	return listings, nil
}

// Delete removes an object and its sidecar. S3 deletes are idempotent, so a
// missing object is not an error.
func (r *S3Remote) Delete(ctx context.Context, filename string) error {
	for _, key := range []string{r.key(filename), r.key(filename) + ".json"} {
		_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// PutSidecar uploads the companion sidecar object for an archive.
func (r *S3Remote) PutSidecar(ctx context.Context, localArchivePath, filename string) error {
	sidecarPath := archive.SidecarPath(localArchivePath)
	if _, err := os.Stat(sidecarPath); err != nil {
		return nil
	}
	return r.Put(ctx, sidecarPath, filename+".json")
}

func (r *S3Remote) readSidecar(ctx context.Context, filename string) (*models.Sidecar, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key(filename) + ".json"),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var sidecar models.Sidecar
	if err := json.Unmarshal(data, &sidecar); err != nil {
		return nil, err
	}
	return &sidecar, nil
}

// isNoSuchKey matches the smithy error codes S3 uses for absent objects.
func isNoSuchKey(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
