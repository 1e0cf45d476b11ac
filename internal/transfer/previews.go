// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transfer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/ManuGH/hlsfetch/internal/ftp"
)

// PreviewNames are the well-known preview image filenames.
type PreviewNames struct {
	Cover      string // in the parent of the HLS directory
	FirstFrame string // in the HLS directory
	Thumbnail  string // in the HLS directory, used when FirstFrame is absent
}

// Previews holds local paths of the fetched images; empty when absent.
type Previews struct {
	Cover string `json:"cover,omitempty"`
	Frame string `json:"frame,omitempty"`
}

// FetchPreviews downloads the cover image from the parent of remoteDir and
// the first-frame image (falling back to the thumbnail) from remoteDir into
// localDir. Absent images are not errors.
func FetchPreviews(ctx context.Context, sess Session, remoteDir, localDir string, names PreviewNames) (Previews, error) {
	var (
		p    Previews
		errs []error
	)
	if names.Cover != "" {
		parent := path.Dir(strings.TrimRight(remoteDir, "/"))
		local, err := fetchIfExists(ctx, sess, path.Join(parent, names.Cover), filepath.Join(localDir, names.Cover))
		if err != nil {
			errs = append(errs, err)
		}
		p.Cover = local
	}
	for _, name := range []string{names.FirstFrame, names.Thumbnail} {
		if name == "" {
			continue
		}
		local, err := fetchIfExists(ctx, sess, path.Join(remoteDir, name), filepath.Join(localDir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if local != "" {
			p.Frame = local
			break
		}
	}
	return p, errors.Join(errs...)
}

func fetchIfExists(ctx context.Context, sess Session, remote, local string) (string, error) {
	ok, err := sess.Exists(ctx, remote)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	if err := sess.Fetch(ctx, remote, local); err != nil {
		var te *ftp.TransferError
		if errors.As(err, &te) && te.Missing() {
			return "", nil
		}
		return "", err
	}
	return local, nil
}

// Publish uploads localPath into remoteDir, creating remote directories as
// needed. An empty name keeps the local base name. It returns the remote path.
func Publish(ctx context.Context, sess Session, localPath, remoteDir, name string) (string, error) {
	if name == "" {
		name = filepath.Base(localPath)
	}
	if strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("publish: invalid remote name %q", name)
	}
	remote := path.Join(remoteDir, name)
	if err := sess.Store(ctx, localPath, remote); err != nil {
		return "", fmt.Errorf("publish %s: %w", name, err)
	}
	return remote, nil
}
