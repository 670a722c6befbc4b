package registry

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dshills/rtledit/internal/extension"
)

// maxDownloadDepth bounds folder nesting inside one extension.
const maxDownloadDepth = 8

var _ extension.Fetcher = (*Client)(nil)

// Download writes every file of the registry folder for id into dest,
// keeping the folder structure.
func (c *Client) Download(ctx context.Context, id, dest string) error {
	if !extension.ValidID(id) {
		return fmt.Errorf("%w: %q", extension.ErrInvalidID, id)
	}
	root := path.Join(c.cfg.Path, id)
	if err := c.download(ctx, root, dest, 0); err != nil {
		return err
	}
	c.logger.Debug().Str("extension", id).Str("dest", dest).Msg("extension downloaded")
	return nil
}

func (c *Client) download(ctx context.Context, remote, dest string, depth int) error {
	if depth > maxDownloadDepth {
		return fmt.Errorf("%s: folder nesting too deep", remote)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	items, err := c.listDir(ctx, remote)
	if err != nil {
		return err
	}

	for _, it := range items {
		if !safeName(it.Name) {
			return fmt.Errorf("%s: unsafe file name %q", remote, it.Name)
		}
		local := filepath.Join(dest, it.Name)

		switch it.Type {
		case "dir":
			if err := os.MkdirAll(local, 0o755); err != nil {
				return err
			}
			if err := c.download(ctx, path.Join(remote, it.Name), local, depth+1); err != nil {
				return err
			}
		case "file":
			u := it.DownloadURL
			if u == "" {
				u = joinURL(c.cfg.RawURL, c.cfg.Owner, c.cfg.Repo, c.cfg.Branch, remote, it.Name)
			}
			data, err := c.get(ctx, u)
			if err != nil {
				return fmt.Errorf("%s/%s: %w", remote, it.Name, err)
			}
			if err := os.WriteFile(local, data, 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

// safeName rejects names that could escape the destination folder.
func safeName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}
