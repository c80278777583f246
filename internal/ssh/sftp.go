package ssh

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
)

// PushFile uploads a local file to a remote path, creating parent folders.
func PushFile(ctx context.Context, sf *sftp.Client, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	return copyAndClose(dst, src, remotePath)
}

// copyAndClose fills dst from src and closes it. The close error counts: the
// remote side may report a failed write only then.
func copyAndClose(dst io.WriteCloser, src io.Reader, name string) error {
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy %s: %w", name, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}

// PushDir mirrors the regular files under localDir to remoteDir and returns
// how many files were sent.
func PushDir(ctx context.Context, sf *sftp.Client, localDir, remoteDir string) (int, error) {
	if err := sf.MkdirAll(remoteDir); err != nil {
		return 0, fmt.Errorf("mkdir remote: %w", err)
	}
	sent := 0
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		remote := path.Join(remoteDir, filepath.ToSlash(rel))
		switch {
		case d.IsDir():
			return sf.MkdirAll(remote)
		case d.Type().IsRegular():
			if err := PushFile(ctx, sf, p, remote); err != nil {
				return err
			}
			sent++
		}
		return nil
	})
	return sent, err
}
