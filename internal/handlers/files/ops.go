package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/SpaceDev/SpaceRTK/internal/task/engine"
	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

func (g *Group) copyDirectory(_ context.Context, args []any) (any, error) {
	src, dst, err := g.resolve2(str(args, 0), str(args, 1))
	if err != nil {
		return false, err
	}
	info, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%s is not a directory", src)
	}
	if isWithin(dst, src) {
		return false, fmt.Errorf("cannot copy %s into itself", src)
	}
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, fi.Mode().Perm()|0o700)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyRegular(p, target)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (g *Group) copyFile(_ context.Context, args []any) (any, error) {
	src, dst, err := g.resolve2(str(args, 0), str(args, 1))
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, err
	}
	if err := copyRegular(src, dst); err != nil {
		return false, err
	}
	return true, nil
}

func copyRegular(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

func (g *Group) createDirectory(_ context.Context, args []any) (any, error) {
	p, err := g.resolve(str(args, 0))
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return false, err
	}
	return true, nil
}

// createFile succeeds when the file already exists.
func (g *Group) createFile(_ context.Context, args []any) (any, error) {
	p, err := g.resolve(str(args, 0))
	if err != nil {
		return false, err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return true, f.Close()
}

func (g *Group) deleteDirectory(_ context.Context, args []any) (any, error) {
	p, err := g.resolve(str(args, 0))
	if err != nil {
		return false, err
	}
	if p == g.root && g.root != "" {
		return false, fmt.Errorf("refusing to delete files root %s", p)
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%s is not a directory", p)
	}
	if err := os.RemoveAll(p); err != nil {
		return false, err
	}
	return true, nil
}

// deleteFile never fails on I/O; only an invalid path is an error.
func (g *Group) deleteFile(_ context.Context, args []any) (any, error) {
	p, err := g.resolve(str(args, 0))
	if err != nil {
		return false, err
	}
	if p == g.root && g.root != "" {
		return false, fmt.Errorf("refusing to delete files root %s", p)
	}
	if err := os.RemoveAll(p); err != nil {
		g.log.Debug("deleteFile: ignored error", logx.String("path", p), logx.Err(err))
	}
	return true, nil
}

func (g *Group) getFileContent(_ context.Context, args []any) (any, error) {
	p, err := g.resolve(str(args, 0))
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// getFileInformations returns an empty map for a missing file.
func (g *Group) getFileInformations(_ context.Context, args []any) (any, error) {
	p, err := g.resolve(str(args, 0))
	if err != nil {
		return map[string]any{}, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return map[string]any{}, err
	}
	mode := info.Mode()
	return map[string]any{
		"Name":        info.Name(),
		"Path":        str(args, 0),
		"Size":        info.Size(),
		"Execute":     mode.Perm()&0o111 != 0,
		"Read":        canOpen(p, info),
		"Write":       mode.Perm()&0o222 != 0,
		"IsDirectory": info.IsDir(),
		"IsFile":      mode.IsRegular(),
		"IsHidden":    strings.HasPrefix(info.Name(), "."),
		"Mime":        mime.TypeByExtension(filepath.Ext(p)),
	}, nil
}

func canOpen(p string, info fs.FileInfo) bool {
	if info.IsDir() {
		_, err := os.ReadDir(p)
		return err == nil
	}
	f, err := os.Open(p)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

func (g *Group) listDirectories(_ context.Context, args []any) (any, error) {
	return g.list(str(args, 0), func(e fs.DirEntry) bool { return e.IsDir() })
}

func (g *Group) listFiles(_ context.Context, args []any) (any, error) {
	return g.list(str(args, 0), func(e fs.DirEntry) bool { return e.Type().IsRegular() })
}

func (g *Group) listFilesAndDirectories(_ context.Context, args []any) (any, error) {
	return g.list(str(args, 0), func(fs.DirEntry) bool { return true })
}

func (g *Group) list(dir string, keep func(fs.DirEntry) bool) ([]string, error) {
	p, err := g.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if keep(e) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// sendFile downloads url into file, replacing it.
func (g *Group) sendFile(ctx context.Context, args []any) (any, error) {
	url := strings.TrimSpace(str(args, 0))
	dst, err := g.resolve(str(args, 1))
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, engine.Throttled(fmt.Errorf("GET %s: %s", url, resp.Status), resp, time.Now())
	}
	if resp.ContentLength > g.maxDL {
		return false, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, resp.ContentLength, g.maxDL)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return false, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, g.maxDL+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return false, err
	}
	if n > g.maxDL {
		return false, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, g.maxDL)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return false, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return false, err
	}
	g.log.Info("file downloaded", logx.String("url", url), logx.String("path", dst), logx.Int64("bytes", n))
	return true, nil
}

func (g *Group) setFileContent(_ context.Context, args []any) (any, error) {
	p, err := g.resolve(str(args, 0))
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(p, []byte(str(args, 1)), 0o644); err != nil {
		return false, err
	}
	return true, nil
}
