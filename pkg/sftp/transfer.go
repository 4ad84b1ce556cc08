package sftp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// Upload 上传入口：支持文件或目录
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, progress ProgressCallback) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat local path failed: %w", err)
	}

	if info.IsDir() {
		return c.uploadDirectory(ctx, localPath, remotePath, progress)
	}
	// 远程路径是目录时拼接文件名
	if remoteStat, err := c.sftpClient.Stat(remotePath); err == nil && remoteStat.IsDir() {
		remotePath = c.JoinPath(remotePath, filepath.Base(localPath))
	}
	return c.uploadFile(ctx, localPath, remotePath, info.Size(), info.Mode(), progress)
}

// Download 下载入口：支持文件或目录
func (c *Client) Download(ctx context.Context, remotePath, localPath string, progress ProgressCallback) error {
	info, err := c.sftpClient.Stat(remotePath)
	if err != nil {
		return fmt.Errorf("stat remote path failed: %w", err)
	}

	if info.IsDir() {
		return c.downloadDirectory(ctx, remotePath, localPath, progress)
	}
	if stat, err := os.Stat(localPath); err == nil && stat.IsDir() {
		localPath = filepath.Join(localPath, info.Name())
	}
	return c.downloadFile(ctx, remotePath, localPath, info.Size(), info.Mode(), progress)
}

// ================== 单文件多线程分块逻辑 ==================

// chunked 把 [0, size) 按块切分，每块交给 fn 并发处理
// ReadAt/WriteAt 在 os.File 和 sftp.File 上都是并发安全的
func (c *Client) chunked(ctx context.Context, size int64, fn func(offset, length int64) (int, error), progress ProgressCallback) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.ThreadsPerFile)

	for offset := int64(0); offset < size; offset += c.config.ChunkSize {
		offset := offset
		length := min(c.config.ChunkSize, size-offset)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := fn(offset, length)
			if err != nil {
				return err
			}
			if progress != nil && n > 0 {
				progress(n)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Client) uploadFile(ctx context.Context, localPath, remotePath string, size int64, mode os.FileMode, progress ProgressCallback) error {
	srcFile, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := c.sftpClient.Create(remotePath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	// 小文件直接流式传输，减少 overhead
	if c.config.ThreadsPerFile <= 1 || size < c.config.ChunkSize {
		return c.streamTransfer(srcFile, dstFile, progress)
	}

	c.sftpClient.Chmod(remotePath, mode)

	return c.chunked(ctx, size, func(offset, length int64) (int, error) {
		buf := make([]byte, length)
		n, err := srcFile.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return 0, fmt.Errorf("read local at %d failed: %w", offset, err)
		}
		if n == 0 {
			return 0, nil
		}
		if _, err := dstFile.WriteAt(buf[:n], offset); err != nil {
			return 0, fmt.Errorf("write remote at %d failed: %w", offset, err)
		}
		return n, nil
	}, progress)
}

func (c *Client) downloadFile(ctx context.Context, remotePath, localPath string, size int64, mode os.FileMode, progress ProgressCallback) error {
	srcFile, err := c.sftpClient.Open(remotePath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if c.config.ThreadsPerFile <= 1 || size < c.config.ChunkSize {
		return c.streamTransfer(srcFile, dstFile, progress)
	}

	os.Chmod(localPath, mode)

	return c.chunked(ctx, size, func(offset, length int64) (int, error) {
		buf := make([]byte, length)
		n, err := srcFile.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return 0, fmt.Errorf("read remote at %d failed: %w", offset, err)
		}
		if n == 0 {
			return 0, nil
		}
		if _, err := dstFile.WriteAt(buf[:n], offset); err != nil {
			return 0, fmt.Errorf("write local at %d failed: %w", offset, err)
		}
		return n, nil
	}, progress)
}

// 简单的流式传输兜底
func (c *Client) streamTransfer(r io.Reader, w io.Writer, progress ProgressCallback) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, wErr := w.Write(buf[:n]); wErr != nil {
				return wErr
			}
			if progress != nil {
				progress(n)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ================== 目录并发逻辑 ==================

func (c *Client) uploadDirectory(ctx context.Context, localDir, remoteDir string, progress ProgressCallback) error {
	// MkdirAll 目录已存在时报错可忽略
	c.sftpClient.MkdirAll(remoteDir)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.ConcurrentFiles)

	err := filepath.Walk(localDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		relPath, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		// SFTP 必须用 forward slash，ToSlash 处理 Windows 分隔符
		remoteDest := c.JoinPath(remoteDir, filepath.ToSlash(relPath))

		if info.IsDir() {
			// 目录顺序创建，不走并发
			return c.sftpClient.MkdirAll(remoteDest)
		}

		g.Go(func() error {
			return c.uploadFile(ctx, path, remoteDest, info.Size(), info.Mode(), progress)
		})
		return nil
	})
	if err != nil {
		g.Wait()
		return err
	}
	return g.Wait()
}

func (c *Client) downloadDirectory(ctx context.Context, remoteDir, localDir string, progress ProgressCallback) error {
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.ConcurrentFiles)

	walker := c.sftpClient.Walk(remoteDir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			g.Wait()
			return err
		}
		if ctx.Err() != nil {
			break
		}

		path := walker.Path()
		info := walker.Stat()

		relPath, err := filepath.Rel(remoteDir, path)
		if err != nil {
			continue
		}
		localDest := filepath.Join(localDir, relPath)

		if info.IsDir() {
			os.MkdirAll(localDest, info.Mode())
			continue
		}

		g.Go(func() error {
			return c.downloadFile(ctx, path, localDest, info.Size(), info.Mode(), progress)
		})
	}
	return g.Wait()
}
