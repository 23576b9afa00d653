// internal/transfer/transfer.go

// Package transfer uploads files to the remote host over SFTP on a pooled
// transport. It backs the deploy step of the client; interactive file
// management is out of scope.
package transfer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"

	"sshdeck/internal/transport"
)

// Progress reports upload progress for one file.
type Progress struct {
	Path       string
	TotalBytes int64
	SentBytes  int64
}

// ProgressFunc receives progress updates; may be nil.
type ProgressFunc func(Progress)

const copyChunk = 32 * 1024

// Upload copies a local file or directory tree to remotePath over a fresh
// SFTP session on the transport. Directories are created as needed.
// Cancelling ctx aborts between chunks.
func Upload(ctx context.Context, t *transport.Transport, localPath, remotePath string, onProgress ProgressFunc) error {
	client, err := sftp.NewClient(t.Client())
	if err != nil {
		return fmt.Errorf("open sftp session: %w", err)
	}
	defer client.Close()

	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	if !info.IsDir() {
		return uploadFile(ctx, client, localPath, remotePath, info.Size(), onProgress)
	}

	return filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		target := path.Join(remotePath, filepath.ToSlash(rel))
		if d.IsDir() {
			return client.MkdirAll(target)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return uploadFile(ctx, client, p, target, fi.Size(), onProgress)
	})
}

func uploadFile(ctx context.Context, client *sftp.Client, localPath, remotePath string, size int64, onProgress ProgressFunc) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return fmt.Errorf("create remote directory %s: %w", dir, err)
		}
	}

	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", remotePath, err)
	}
	defer dst.Close()

	var sent int64
	buf := make([]byte, copyChunk)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write %s: %w", remotePath, werr)
			}
			sent += int64(n)
			if onProgress != nil {
				onProgress(Progress{Path: localPath, TotalBytes: size, SentBytes: sent})
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read %s: %w", localPath, rerr)
		}
	}
}
