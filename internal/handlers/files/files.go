// Package files is the file-system action group.
//
// Every path argument is resolved under Config.Root when it is set. Paths
// that would escape the root are rejected, including through symlinks that
// exist at call time. A link swapped in between the check and the file
// operation is not caught.
package files

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/SpaceDev/SpaceRTK/internal/action"
	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

const (
	defaultDownloadTimeout = 5 * time.Minute
	defaultMaxDownload     = 1 << 24 // 16 MiB
)

var (
	ErrOutsideRoot = errors.New("path escapes files root")
	ErrEmptyPath   = errors.New("empty path")
	ErrTooLarge    = errors.New("download exceeds size limit")
)

type Config struct {
	Root             string
	DownloadTimeout  time.Duration
	MaxDownloadBytes int64
}

type Group struct {
	root   string
	maxDL  int64
	client *http.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Group, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	root := strings.TrimSpace(cfg.Root)
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("files root: %w", err)
		}
		root = abs
	}
	timeout := cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = defaultDownloadTimeout
	}
	maxDL := cfg.MaxDownloadBytes
	if maxDL <= 0 {
		maxDL = defaultMaxDownload
	}
	return &Group{
		root:   root,
		maxDL:  maxDL,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}, nil
}

// Actions returns the group's registration table.
func (g *Group) Actions() []action.Descriptor {
	s1 := []action.ParamType{action.String}
	s2 := []action.ParamType{action.String, action.String}
	return []action.Descriptor{
		{Name: "copyDirectory", Aliases: []string{"copyDir"}, Params: s2, Group: "files", Description: "copy a directory tree", Invoke: g.copyDirectory},
		{Name: "copyFile", Params: s2, Group: "files", Description: "copy one file", Invoke: g.copyFile},
		{Name: "createDirectory", Aliases: []string{"createDir"}, Params: s1, Group: "files", Description: "create a directory and its parents", Invoke: g.createDirectory},
		{Name: "createFile", Params: s1, Group: "files", Description: "create an empty file if missing", Invoke: g.createFile},
		{Name: "deleteDirectory", Aliases: []string{"deleteDir"}, Params: s1, Group: "files", Description: "delete a directory tree", Invoke: g.deleteDirectory},
		{Name: "deleteFile", Params: s1, Group: "files", Description: "delete a file or tree, ignoring errors", Invoke: g.deleteFile},
		{Name: "getFileContent", Aliases: []string{"getContent"}, Params: s1, Group: "files", Description: "read a file as UTF-8 text", Invoke: g.getFileContent},
		{Name: "getFileInformations", Aliases: []string{"fileInformations", "informations"}, Params: s1, Group: "files", Description: "describe a file", Invoke: g.getFileInformations},
		{Name: "listDirectories", Aliases: []string{"listDirs"}, Params: s1, Group: "files", Description: "list sub-directory names", Invoke: g.listDirectories},
		{Name: "listFiles", Params: s1, Group: "files", Description: "list regular file names", Invoke: g.listFiles},
		{Name: "listFilesAndDirectories", Aliases: []string{"listFilesDirs"}, Params: s1, Group: "files", Description: "list all entry names", Invoke: g.listFilesAndDirectories},
		{Name: "sendFile", Aliases: []string{"fileSend"}, Params: s2, Group: "files", Description: "download a URL into a file", Invoke: g.sendFile},
		{Name: "setFileContent", Aliases: []string{"setContent"}, Params: s2, Group: "files", Description: "write UTF-8 text to a file", Invoke: g.setFileContent},
	}
}

// resolve maps a user path to a local path under the root.
func (g *Group) resolve(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", ErrEmptyPath
	}
	if g.root == "" {
		return filepath.Clean(p), nil
	}
	var full string
	if filepath.IsAbs(p) {
		full = filepath.Clean(p)
	} else {
		full = filepath.Clean(filepath.Join(g.root, p))
	}
	if !isWithin(full, g.root) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	realFull, err := realPath(full, 0)
	if err != nil {
		return "", err
	}
	realRoot, err := realPath(g.root, 0)
	if err != nil {
		return "", err
	}
	if !isWithin(realFull, realRoot) {
		return "", fmt.Errorf("%w: %s (via symlink)", ErrOutsideRoot, p)
	}
	return full, nil
}

func (g *Group) resolve2(a, b string) (string, string, error) {
	pa, err := g.resolve(a)
	if err != nil {
		return "", "", err
	}
	pb, err := g.resolve(b)
	if err != nil {
		return "", "", err
	}
	return pa, pb, nil
}

func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

const maxLinkHops = 40

// realPath resolves symlinks in the longest existing prefix of p and keeps
// the missing tail as is. Dangling links are followed too, since a write
// through one lands on its target.
func realPath(p string, hops int) (string, error) {
	var tail []string
	cur := p
	for {
		if r, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(append([]string{r}, tail...)...), nil
		}
		if fi, err := os.Lstat(cur); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
			if hops >= maxLinkHops {
				return "", fmt.Errorf("%s: too many levels of symbolic links", p)
			}
			target, err := os.Readlink(cur)
			if err != nil {
				return "", err
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(cur), target)
			}
			return realPath(filepath.Join(append([]string{target}, tail...)...), hops+1)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}

func str(args []any, i int) string {
	s, _ := args[i].(string)
	return s
}
