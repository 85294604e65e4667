// Package media stores clip media and ad creative thumbnails. Publishing
// resolves media keys to fetchable URLs here; the ads orchestrator uploads
// platform-sized thumbnails through it. Backed by S3 in live deployments,
// by a deterministic stub everywhere else.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/image/draw"

	"github.com/clipcast/autopilot/internal/config"
	"github.com/clipcast/autopilot/internal/domain"
)

const thumbnailJPEGQuality = 85

// CreativeSize is the thumbnail box a platform expects for ad creatives.
type CreativeSize struct {
	Width  int
	Height int
}

// creativeSizes holds the per-platform creative dimensions. Instagram feed
// creatives are square, TikTok is vertical 9:16, YouTube wants a 16:9
// thumbnail.
var creativeSizes = map[domain.Platform]CreativeSize{
	domain.PlatformInstagram: {Width: 1080, Height: 1080},
	domain.PlatformTikTok:    {Width: 1080, Height: 1920},
	domain.PlatformYouTube:   {Width: 1280, Height: 720},
}

// CreativeSizeFor returns the thumbnail dimensions for a platform.
func CreativeSizeFor(platform domain.Platform) CreativeSize {
	if s, ok := creativeSizes[platform]; ok {
		return s
	}
	return CreativeSize{Width: 1080, Height: 1080}
}

// Store resolves media keys and uploads derived thumbnails.
type Store interface {
	// ResolveMediaURL turns a clip media key into a URL a provider can fetch.
	// Absolute http(s) keys pass through untouched.
	ResolveMediaURL(ctx context.Context, mediaKey string) (string, error)
	// PutThumbnail scales img to the platform's creative box, uploads it
	// under key and returns the public URL.
	PutThumbnail(ctx context.Context, key string, img image.Image, platform domain.Platform) (string, error)
}

// NewStore returns the S3 store when media storage is enabled, otherwise the
// stub that fabricates stable URLs without any network dependency.
func NewStore(ctx context.Context, cfg config.S3Config) (Store, error) {
	if !cfg.Enabled {
		return NewStubStore(), nil
	}
	return NewS3Store(ctx, cfg)
}

// S3Store is the live media store.
type S3Store struct {
	client *s3.Client
	bucket string
	region string
}

// NewS3Store builds an S3-backed store from the loaded configuration.
func NewS3Store(ctx context.Context, cfg config.S3Config) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if profile := cfg.GetAWSProfile(); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		// Static keys are the MinIO/custom-endpoint path; on AWS the default
		// chain (IAM role) is used instead.
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// ResolveMediaURL maps a media key onto the bucket. Keys that are already
// absolute URLs pass through so externally hosted clips keep working.
func (s *S3Store) ResolveMediaURL(_ context.Context, mediaKey string) (string, error) {
	if mediaKey == "" {
		return "", fmt.Errorf("media key is empty")
	}
	if isAbsoluteURL(mediaKey) {
		return mediaKey, nil
	}
	return s.objectURL(mediaKey), nil
}

// PutThumbnail scales, encodes and uploads one creative thumbnail.
func (s *S3Store) PutThumbnail(ctx context.Context, key string, img image.Image, platform domain.Platform) (string, error) {
	data, err := EncodeThumbnail(img, platform)
	if err != nil {
		return "", err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String("image/jpeg"),
		CacheControl: aws.String("public, max-age=31536000"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading thumbnail %s: %w", key, err)
	}
	return s.objectURL(key), nil
}

func (s *S3Store) objectURL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, strings.TrimPrefix(key, "/"))
}

// Client exposes the underlying S3 client for health checks.
func (s *S3Store) Client() *s3.Client { return s.client }

// EncodeThumbnail scales img to the platform creative box and JPEG-encodes
// it. The source is center-cropped to the target aspect ratio and resampled
// with CatmullRom, so creatives come out sharp at exactly the platform size.
func EncodeThumbnail(img image.Image, platform domain.Platform) ([]byte, error) {
	size := CreativeSizeFor(platform)
	dst := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, coverRect(img.Bounds(), size), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: thumbnailJPEGQuality}); err != nil {
		return nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// coverRect picks the centered source rectangle matching the target aspect
// ratio, cropping the longer dimension.
func coverRect(src image.Rectangle, target CreativeSize) image.Rectangle {
	srcW, srcH := src.Dx(), src.Dy()
	if srcW == 0 || srcH == 0 {
		return src
	}

	targetRatio := float64(target.Width) / float64(target.Height)
	srcRatio := float64(srcW) / float64(srcH)

	w, h := srcW, srcH
	if srcRatio > targetRatio {
		w = int(float64(srcH) * targetRatio)
	} else if srcRatio < targetRatio {
		h = int(float64(srcW) / targetRatio)
	}

	x0 := src.Min.X + (srcW-w)/2
	y0 := src.Min.Y + (srcH-h)/2
	return image.Rect(x0, y0, x0+w, y0+h)
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// StubStore fabricates stable media URLs for stub mode and tests. Thumbnails
// are scaled and encoded for real so the image path stays exercised, but the
// bytes are kept in memory instead of hitting S3.
type StubStore struct {
	objects map[string][]byte
}

// NewStubStore creates an empty stub store.
func NewStubStore() *StubStore {
	return &StubStore{objects: map[string][]byte{}}
}

// ResolveMediaURL fabricates a stable URL for any media key.
func (s *StubStore) ResolveMediaURL(_ context.Context, mediaKey string) (string, error) {
	if mediaKey == "" {
		return "", fmt.Errorf("media key is empty")
	}
	if isAbsoluteURL(mediaKey) {
		return mediaKey, nil
	}
	return "https://media.stub.local/" + strings.TrimPrefix(mediaKey, "/"), nil
}

// PutThumbnail encodes the thumbnail in memory and returns its stub URL.
func (s *StubStore) PutThumbnail(_ context.Context, key string, img image.Image, platform domain.Platform) (string, error) {
	data, err := EncodeThumbnail(img, platform)
	if err != nil {
		return "", err
	}
	s.objects[key] = data
	return "https://media.stub.local/" + strings.TrimPrefix(key, "/"), nil
}

// Object returns the stored bytes for a key, for tests.
func (s *StubStore) Object(key string) []byte {
	return s.objects[key]
}
