// Package httpfetch drives HTTP range connections against a transfer session.
package httpfetch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/NamanBalaji/piecework/internal/logger"
	httpPkg "github.com/NamanBalaji/piecework/pkg/http"
)

var ErrUnknownSize = errors.New("server did not report the resource size")

// Info describes a remote resource.
type Info struct {
	URL            string
	Filename       string
	TotalSize      int64
	SupportsRanges bool
	LastModified   time.Time
}

// Probe discovers the size of a resource and whether it can be fetched in
// ranges. HEAD is tried first, then a one byte Range GET, then a plain GET.
func Probe(ctx context.Context, client *httpPkg.Client, url string) (*Info, error) {
	info := &Info{URL: url}

	err := info.probeWithHEAD(ctx, client)
	//nolint:nestif
	if err != nil {
		logger.Warnf("HEAD request failed, falling back. Error: %v", err)

		if !httpPkg.IsFallbackError(err) {
			return nil, err
		}

		err = info.probeWithRangeGET(ctx, client)
		if err != nil {
			logger.Warnf("Range GET request failed, falling back. Error: %v", err)

			if !httpPkg.IsFallbackError(err) {
				return nil, err
			}

			if err := info.probeWithRegularGET(ctx, client); err != nil {
				return nil, err
			}
		}
	}

	if info.TotalSize <= 0 {
		return nil, ErrUnknownSize
	}

	logger.Infof("Probed %s: %s, %d bytes, ranges=%v", url, info.Filename, info.TotalSize, info.SupportsRanges)

	return info, nil
}

func (i *Info) probeWithHEAD(ctx context.Context, client *httpPkg.Client) error {
	resp, err := client.Head(ctx, i.URL, nil)
	if err != nil {
		return err
	}
	defer closeBody(resp, i.URL)

	if resp.ContentLength <= 0 {
		return httpPkg.ErrHeadNotSupported
	}

	i.populate(resp, resp.Header.Get("Accept-Ranges") == "bytes", resp.ContentLength)

	return nil
}

func (i *Info) probeWithRangeGET(ctx context.Context, client *httpPkg.Client) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := client.Range(ctx, i.URL, 0, 0, nil)
	if err != nil {
		return err
	}
	defer closeBody(resp, i.URL)

	_, _, total, err := httpPkg.ParseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		logger.Warnf("Failed to parse size from Content-Range header: %v", err)
		return err
	}

	i.populate(resp, true, total)

	return nil
}

func (i *Info) probeWithRegularGET(ctx context.Context, client *httpPkg.Client) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, err := client.Get(ctx, i.URL, nil)
	if err != nil {
		return err
	}
	defer closeBody(resp, i.URL)

	i.populate(resp, false, resp.ContentLength)

	return nil
}

func (i *Info) populate(resp *http.Response, canRange bool, totalSize int64) {
	if !httpPkg.IsDownloadable(resp) {
		logger.Warnf("%s looks like a web page, not a file", i.URL)
	}

	i.TotalSize = totalSize
	i.Filename = httpPkg.GetFilename(resp)
	i.SupportsRanges = canRange
	i.LastModified = httpPkg.ParseLastModified(resp.Header.Get("Last-Modified"))
}

func closeBody(resp *http.Response, url string) {
	if err := resp.Body.Close(); err != nil {
		logger.Errorf("Failed to close response body for %s: %v", url, err)
	}
}
