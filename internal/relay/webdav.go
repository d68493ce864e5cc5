package relay

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/studio-b12/gowebdav"

	"github.com/okatkov/relaysync/internal/common"
)

// WebDAV stores blobs in a WebDAV collection (Nextcloud and plain DAV
// servers are the typical deployments).
type WebDAV struct {
	client *gowebdav.Client
}

// NewWebDAV connects to the collection at url with basic auth.
func NewWebDAV(url, user, password string) *WebDAV {
	return &WebDAV{client: gowebdav.NewClient(url, user, password)}
}

func (w *WebDAV) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dir := path.Dir(name); dir != "." {
		if err := w.client.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
		}
	}
	if err := w.client.Write(name, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
	}
	return nil
}

func (w *WebDAV) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := w.client.Read(name)
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
	}
	return data, nil
}

// List walks the collection under the prefix's directory part. WebDAV has no
// flat prefix listing, so directories are traversed recursively.
func (w *WebDAV) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Walk the whole collection; it only ever holds this user's sync data,
	// so the tree is small.
	names := []string{}
	if err := w.walk(ctx, "/", &names); err != nil {
		return nil, err
	}

	filtered := names[:0]
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			filtered = append(filtered, name)
		}
	}
	return filtered, nil
}

func (w *WebDAV) walk(ctx context.Context, dir string, names *[]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	infos, err := w.client.ReadDir(dir)
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
	}
	for _, info := range infos {
		full := path.Join(dir, info.Name())
		if info.IsDir() {
			if err := w.walk(ctx, full, names); err != nil {
				return err
			}
			continue
		}
		*names = append(*names, strings.TrimPrefix(full, "/"))
	}
	return nil
}

func (w *WebDAV) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.client.Remove(name); err != nil {
		if gowebdav.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", common.ErrRelayUnavailable, err)
	}
	return nil
}
