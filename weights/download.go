package weights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/contourml/contour/format"
)

const maxRetries = 6

var errMaxRetriesExceeded = errors.New("max retries exceeded")

const (
	numDownloadParts          = 16
	minDownloadPartSize int64 = 100 * format.MegaByte
	maxDownloadPartSize int64 = 1000 * format.MegaByte
)

func newBackoff(maxBackoff time.Duration) func(ctx context.Context) error {
	var n int
	return func(ctx context.Context) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n++

		// n^2 backoff timer is a little smoother than the
		// common choice of 2^n.
		d := min(time.Duration(n*n)*10*time.Millisecond, maxBackoff)
		// Randomize the delay between 0.5-1.5 x msec, in order
		// to prevent accidental "thundering herd" problems.
		d = time.Duration(float64(d) * (rand.Float64() + 0.5))
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}

type downloadPart struct {
	n      int
	offset int64
	size   int64
}

// downloadArchive retrieves src into dest. Servers that report a length
// and accept range requests are read in parallel parts; everything else
// falls back to a single stream.
func downloadArchive(ctx context.Context, src, dest string) error {
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	total, ranged := probe(ctx, src)
	if !ranged || total < minDownloadPartSize {
		return downloadStream(ctx, src, file)
	}

	_ = file.Truncate(total)

	size := total / numDownloadParts
	switch {
	case size < minDownloadPartSize:
		size = minDownloadPartSize
	case size > maxDownloadPartSize:
		size = maxDownloadPartSize
	}

	var parts []downloadPart
	var offset int64
	for offset < total {
		if offset+size > total {
			size = total - offset
		}
		parts = append(parts, downloadPart{n: len(parts), offset: offset, size: size})
		offset += size
	}

	slog.Info(fmt.Sprintf("downloading %s in %d %s part(s)", src, len(parts), format.HumanBytes(parts[0].size)))

	g, inner := errgroup.WithContext(ctx)
	g.SetLimit(numDownloadParts)
	for i := range parts {
		part := parts[i]
		g.Go(func() error {
			var err error
			backoff := newBackoff(10 * time.Second)
			for try := 0; try < maxRetries; try++ {
				w := io.NewOffsetWriter(file, part.offset)
				err = downloadChunk(inner, src, w, part)
				switch {
				case errors.Is(err, context.Canceled), errors.Is(err, syscall.ENOSPC):
					// return immediately if the context is canceled or the device is out of space
					return err
				case err != nil:
					slog.Info(fmt.Sprintf("%s part %d attempt %d failed: %v, retrying", src, part.n, try, err))
					if err := backoff(inner); err != nil {
						return err
					}
					continue
				default:
					return nil
				}
			}

			return fmt.Errorf("%w: %w", errMaxRetriesExceeded, err)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return file.Close()
}

// probe issues a HEAD request to learn the content length and whether the
// server accepts range requests.
func probe(ctx context.Context, src string) (total int64, ranged bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, src, nil)
	if err != nil {
		return 0, false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, false
	}

	total, _ = strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return total, resp.Header.Get("Accept-Ranges") == "bytes"
}

func downloadChunk(ctx context.Context, src string, w io.Writer, part downloadPart) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", part.offset, part.offset+part.size-1))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return err
	}
	if n != part.size {
		return fmt.Errorf("part %d: short read %d of %d", part.n, n, part.size)
	}

	return nil
}

func downloadStream(ctx context.Context, src string, file *os.File) error {
	backoff := newBackoff(10 * time.Second)

	for try := 0; try < maxRetries; try++ {
		err := func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
			if err != nil {
				return err
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status code %d", resp.StatusCode)
			}

			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return err
			}
			if err := file.Truncate(0); err != nil {
				return err
			}

			_, err = io.Copy(file, resp.Body)
			return err
		}()

		switch {
		case errors.Is(err, context.Canceled):
			return err
		case err != nil:
			slog.Info(fmt.Sprintf("%s attempt %d failed: %v, retrying", src, try, err))
			if err := backoff(ctx); err != nil {
				return err
			}
		default:
			return nil
		}
	}

	return errMaxRetriesExceeded
}
