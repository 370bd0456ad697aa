package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jaliph/wa-relay/utils"
)

// ErrMediaUnrecoverable matches every failure to obtain media bytes.
var ErrMediaUnrecoverable = errors.New("media unrecoverable")

// Media resolution stages reported in MediaError
const (
	StageExpired  = "expired"
	StageRefresh  = "refresh"
	StageDownload = "download"
)

// MediaError is returned by MediaResolver.Resolve. It matches
// ErrMediaUnrecoverable and the underlying cause.
type MediaError struct {
	Stage string
	Err   error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media %s failed: %v", e.Stage, e.Err)
}

func (e *MediaError) Unwrap() []error {
	return []error{ErrMediaUnrecoverable, e.Err}
}

// MediaDownloader fetches the bytes behind a media reference.
type MediaDownloader interface {
	Download(ctx context.Context, media *MediaPayload) ([]byte, error)
}

// MediaConfig holds resolver limits
type MediaConfig struct {
	RefreshTimeout  time.Duration
	RefreshRetries  int
	DownloadTimeout time.Duration
}

// DefaultMediaConfig returns 30s per refresh attempt, one retry and a 60s download limit.
func DefaultMediaConfig() MediaConfig {
	return MediaConfig{
		RefreshTimeout:  30 * time.Second,
		RefreshRetries:  1,
		DownloadTimeout: 60 * time.Second,
	}
}

// MediaResolver turns a media reference into bytes, refreshing expired
// references when a refresher is available.
type MediaResolver struct {
	downloader MediaDownloader
	refresher  MediaRefresher
	cfg        MediaConfig
	now        func() time.Time
}

// NewMediaResolver creates a resolver. refresher may be nil.
func NewMediaResolver(downloader MediaDownloader, refresher MediaRefresher, cfg MediaConfig) *MediaResolver {
	return &MediaResolver{
		downloader: downloader,
		refresher:  refresher,
		cfg:        cfg,
		now:        time.Now,
	}
}

// CanRefresh reports whether expired references can be renewed
func (r *MediaResolver) CanRefresh() bool {
	return r.refresher != nil
}

// MediaExpiry decodes the oe query field (hex unix seconds). ok is false when
// the URL carries no decodable expiry.
func MediaExpiry(rawURL string) (expiry time.Time, ok bool) {
	if rawURL == "" {
		return time.Time{}, false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return time.Time{}, false
	}
	oe := u.Query().Get("oe")
	if oe == "" {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(oe, 16, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// MediaExpired reports whether the reference expired strictly before now.
func MediaExpired(rawURL string, now time.Time) bool {
	expiry, ok := MediaExpiry(rawURL)
	return ok && expiry.Before(now)
}

// Resolve downloads the media, refreshing the reference first when it is
// missing or expired.
func (r *MediaResolver) Resolve(ctx context.Context, media *MediaPayload) ([]byte, error) {
	expired := MediaExpired(media.URL, r.now())
	if expired {
		expiry, _ := MediaExpiry(media.URL)
		utils.Logger.Info("Media reference expired", "component", "media", "expiry", expiry)
	}

	switch {
	case (expired || media.URL == "") && r.refresher != nil:
		refreshed, err := r.refresh(ctx, media)
		if err != nil {
			return nil, &MediaError{Stage: StageRefresh, Err: err}
		}
		media = refreshed
	case expired:
		return nil, &MediaError{Stage: StageExpired, Err: ErrRefreshUnavailable}
	}

	dctx, cancel := context.WithTimeout(ctx, r.cfg.DownloadTimeout)
	defer cancel()

	data, err := r.downloader.Download(dctx, media)
	if err != nil {
		return nil, &MediaError{Stage: StageDownload, Err: err}
	}
	utils.Logger.Debug("Media downloaded", "component", "media", "bytes", len(data))
	return data, nil
}

func (r *MediaResolver) refresh(ctx context.Context, media *MediaPayload) (*MediaPayload, error) {
	retries := r.cfg.RefreshRetries
	if retries < 0 {
		retries = 0
	}

	var refreshed *MediaPayload
	attempt := 0
	op := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, r.cfg.RefreshTimeout)
		defer cancel()

		out, err := r.refresher.RefreshMedia(actx, media)
		if err != nil {
			utils.Logger.Warn("Media refresh attempt failed", "component", "media",
				"attempt", attempt, "of", retries+1, "error", err)
			if errors.Is(err, ErrRefreshUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}
		refreshed = out
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(retries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return refreshed, nil
}
