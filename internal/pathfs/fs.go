// Package pathfs implements the sandboxed filesystem service: path
// containment and the fs/* operation set.
package pathfs

import (
	"archive/zip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/renode-ws-proxy/ws-proxy/internal/logger"
	"github.com/renode-ws-proxy/ws-proxy/internal/wsproto"
)

// Entry is one row of an fs/list response.
type Entry struct {
	Name   string `json:"name"`
	IsFile bool   `json:"isfile"`
	IsLink bool   `json:"islink"`
}

// Stat is the fs/stat response shape; times are POSIX seconds.
type Stat struct {
	Size   int64 `json:"size"`
	IsFile bool  `json:"isfile"`
	Ctime  int64 `json:"ctime"`
	Mtime  int64 `json:"mtime"`
}

// Service implements fs/* actions against one sandbox root.
type Service struct {
	sb      *Sandbox
	tempDir string
	limiter *rate.Limiter // throttles fs/zip and fs/fetch downloads
	watcher *Watcher
}

// NewService builds a filesystem service rooted at dir. tempDir is the
// process-wide staging area that downloads land in before they reach
// the sandbox root, so a failed download leaves nothing visible to
// fs/list. Archive extraction writes entries directly under root; when
// an entry fails, the entries extracted before it stay in place.
func NewService(dir, tempDir string, fetchBytesPerSec int) (*Service, error) {
	sb, err := NewSandbox(dir)
	if err != nil {
		return nil, err
	}
	limit := rate.Limit(fetchBytesPerSec)
	if fetchBytesPerSec <= 0 {
		limit = rate.Inf
	}
	return &Service{
		sb:      sb,
		tempDir: tempDir,
		limiter: rate.NewLimiter(limit, 1<<20),
	}, nil
}

func (s *Service) Sandbox() *Sandbox { return s.sb }

// StartWatch begins watching the sandbox root for changes not made through
// this Service, invoking onChange with batches of root-relative paths.
// The returned Watcher must be closed by the caller on session teardown.
func (s *Service) StartWatch(onChange func(paths []string)) (*Watcher, error) {
	w, err := NewWatcher(s.sb, onChange)
	if err != nil {
		return nil, err
	}
	s.watcher = w
	return w, nil
}

func (s *Service) suppressWatch(absPath string) {
	if s.watcher != nil {
		s.watcher.SuppressNext(absPath)
	}
}

// List implements fs/list.
func (s *Service) List(rel string) ([]Entry, error) {
	dir, err := s.sb.Resolve(rel)
	if err != nil {
		return nil, err
	}
	infos, err := os.ReadDir(dir)
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]Entry, 0, len(infos))
	for _, de := range infos {
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:   de.Name(),
			IsFile: info.Mode().IsRegular(),
			IsLink: info.Mode()&os.ModeSymlink != 0,
		})
	}
	return out, nil
}

// Stat implements fs/stat.
func (s *Service) Stat(rel string) (Stat, error) {
	p, err := s.sb.Resolve(rel)
	if err != nil {
		return Stat{}, err
	}
	info, err := os.Lstat(p)
	if err != nil {
		return Stat{}, translateErr(err)
	}
	return Stat{
		Size:   info.Size(),
		IsFile: info.Mode().IsRegular(),
		Ctime:  statCtime(info),
		Mtime:  info.ModTime().Unix(),
	}, nil
}

// Download implements fs/dwnl: whole-file read, base64-encoded.
func (s *Service) Download(rel string) (string, error) {
	p, err := s.sb.Resolve(rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(p)
	if err != nil {
		return "", translateErr(err)
	}
	if info.IsDir() {
		return "", wsproto.NewError(wsproto.ErrEISDIR, fmt.Errorf("%s is a directory", rel))
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", translateErr(err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Upload implements fs/upld: write-temp-then-rename in the same
// directory so a concurrent reader never observes a torn file, and the
// parent directory must already exist (no implicit mkdir -p).
func (s *Service) Upload(rel, dataB64 string) (string, error) {
	p, err := s.sb.Resolve(rel)
	if err != nil {
		return "", err
	}
	parent := filepath.Dir(p)
	if _, err := os.Stat(parent); err != nil {
		if os.IsNotExist(err) {
			return "", wsproto.NewError(wsproto.ErrENOENT, fmt.Errorf("parent of %s missing", rel))
		}
		return "", translateErr(err)
	}
	data, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return "", wsproto.NewError(wsproto.ErrBadRequest, err)
	}

	tmp, err := os.CreateTemp(parent, ".upld-*")
	if err != nil {
		return "", translateErr(err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", translateErr(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", translateErr(err)
	}
	s.suppressWatch(p)
	if err := os.Rename(tmpPath, p); err != nil {
		os.Remove(tmpPath)
		return "", translateErr(err)
	}
	rel, _ = s.sb.Rel(p)
	return rel, nil
}

// Mkdir implements fs/mkdir: creates missing parents, idempotent on an
// existing directory, eexist on an existing file.
func (s *Service) Mkdir(rel string) error {
	p, err := s.sb.Resolve(rel)
	if err != nil {
		return err
	}
	if info, statErr := os.Stat(p); statErr == nil {
		if info.IsDir() {
			return nil
		}
		return wsproto.NewError(wsproto.ErrEEXIST, fmt.Errorf("%s exists and is not a directory", rel))
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return translateErr(err)
	}
	return nil
}

// Remove implements fs/remove: recursive for directories.
func (s *Service) Remove(rel string) (string, error) {
	p, err := s.sb.Resolve(rel)
	if err != nil {
		return "", err
	}
	if _, err := os.Lstat(p); err != nil {
		return "", translateErr(err)
	}
	if err := os.RemoveAll(p); err != nil {
		return "", translateErr(err)
	}
	return rel, nil
}

// Move implements fs/move.
func (s *Service) Move(fromRel, toRel string) (string, string, error) {
	from, err := s.sb.Resolve(fromRel)
	if err != nil {
		return "", "", err
	}
	to, err := s.sb.Resolve(toRel)
	if err != nil {
		return "", "", err
	}
	if _, err := os.Lstat(from); err != nil {
		return "", "", translateErr(err)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return "", "", translateErr(err)
	}
	if err := os.Rename(from, to); err != nil {
		return "", "", translateErr(err)
	}
	return fromRel, toRel, nil
}

// Copy implements fs/copy: recursive for directories, preserves mode.
func (s *Service) Copy(fromRel, toRel string) (string, string, error) {
	from, err := s.sb.Resolve(fromRel)
	if err != nil {
		return "", "", err
	}
	to, err := s.sb.Resolve(toRel)
	if err != nil {
		return "", "", err
	}
	info, err := os.Lstat(from)
	if err != nil {
		return "", "", translateErr(err)
	}
	if err := copyTree(from, to, info); err != nil {
		return "", "", translateErr(err)
	}
	return fromRel, toRel, nil
}

func copyTree(from, to string, info os.FileInfo) error {
	if info.IsDir() {
		if err := os.MkdirAll(to, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(from)
		if err != nil {
			return err
		}
		for _, e := range entries {
			childInfo, err := e.Info()
			if err != nil {
				return err
			}
			if err := copyTree(filepath.Join(from, e.Name()), filepath.Join(to, e.Name()), childInfo); err != nil {
				return err
			}
		}
		return nil
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(from)
		if err != nil {
			return err
		}
		return os.Symlink(target, to)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

// Zip implements fs/zip: download a remote archive to a tempfile, extract
// under root with a per-entry sandbox check, return the extraction dir.
func (s *Service) Zip(ctx context.Context, rawURL string) (string, error) {
	tmpFile, size, err := s.download(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmpFile)

	r, err := zip.OpenReader(tmpFile)
	if err != nil {
		return "", wsproto.NewError(wsproto.ErrArchiveMalformed, err)
	}
	defer r.Close()

	destName := archiveDestName(rawURL)
	destAbs, err := s.sb.Resolve(destName)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(destAbs, 0o755); err != nil {
		return "", translateErr(err)
	}

	for _, f := range r.File {
		// Every entry must resolve under root — reject zip-slip style
		// escapes (entries named "../../etc/passwd") before writing
		// anything from that entry.
		entryRel := filepath.Join(destName, f.Name)
		entryAbs, err := s.sb.Resolve(entryRel)
		if err != nil {
			return "", wsproto.NewError(wsproto.ErrEntryEscape, fmt.Errorf("entry %q escapes root", f.Name))
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(entryAbs, 0o755); err != nil {
				return "", translateErr(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(entryAbs), 0o755); err != nil {
			return "", translateErr(err)
		}
		s.suppressWatch(entryAbs)
		if err := extractZipEntry(f, entryAbs); err != nil {
			return "", wsproto.NewError(wsproto.ErrArchiveMalformed, err)
		}
	}

	logger.Info("pathfs: extracted archive", "url", rawURL, "size", humanize.Bytes(uint64(size)), "dest", destName)
	rel, _ := s.sb.Rel(destAbs)
	return rel, nil
}

func extractZipEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}

// Fetch implements fs/fetch: download a single file into root, suffixing
// collisions -1, -2, ...
func (s *Service) Fetch(ctx context.Context, rawURL string) (string, error) {
	tmpFile, size, err := s.download(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmpFile)

	name := filepath.Base(strings.TrimSuffix(urlPath(rawURL), "/"))
	if name == "" || name == "." || name == "/" {
		name = "download"
	}
	dest, destRel, err := s.uniqueDest(name)
	if err != nil {
		return "", err
	}

	s.suppressWatch(dest)
	if err := os.Rename(tmpFile, dest); err != nil {
		// Cross-device rename: fall back to copy.
		if err := copyFile(tmpFile, dest); err != nil {
			return "", translateErr(err)
		}
	}
	logger.Info("pathfs: fetched file", "url", rawURL, "size", humanize.Bytes(uint64(size)), "dest", destRel)
	return destRel, nil
}

func (s *Service) uniqueDest(name string) (abs, rel string, err error) {
	base := name
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; ; i++ {
		candidate := base
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		abs, err = s.sb.Resolve(candidate)
		if err != nil {
			return "", "", err
		}
		if _, statErr := os.Lstat(abs); os.IsNotExist(statErr) {
			return abs, candidate, nil
		}
	}
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(to)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

// download streams a URL through the session's rate limiter into a
// process-wide tempfile, returning its path and final size.
func (s *Service) download(ctx context.Context, rawURL string) (path string, size int64, err error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return "", 0, wsproto.NewError(wsproto.ErrFetchFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, wsproto.NewError(wsproto.ErrFetchFailed, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", 0, wsproto.NewError(wsproto.ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, wsproto.NewError(wsproto.ErrFetchFailed, fmt.Errorf("status %s", resp.Status))
	}

	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		return "", 0, wsproto.NewError(wsproto.ErrIO, err)
	}
	tmp, err := os.CreateTemp(s.tempDir, "fetch-*")
	if err != nil {
		return "", 0, wsproto.NewError(wsproto.ErrIO, err)
	}
	defer tmp.Close()

	n, err := io.Copy(tmp, &rateLimitedReader{ctx: ctx, r: resp.Body, lim: s.limiter})
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, wsproto.NewError(wsproto.ErrFetchFailed, err)
	}
	return tmp.Name(), n, nil
}

// rateLimitedReader throttles Read to the service's configured rate so a
// large archive fetch can't starve concurrent bridge traffic.
type rateLimitedReader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	const chunk = 64 * 1024
	if len(p) > chunk {
		p = p[:chunk]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.lim.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func archiveDestName(rawURL string) string {
	base := filepath.Base(strings.TrimSuffix(urlPath(rawURL), "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." {
		base = "archive"
	}
	return base
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}

func translateErr(err error) error {
	switch {
	case os.IsNotExist(err):
		return wsproto.NewError(wsproto.ErrENOENT, err)
	case os.IsExist(err):
		return wsproto.NewError(wsproto.ErrEEXIST, err)
	case strings.Contains(err.Error(), "not a directory"):
		return wsproto.NewError(wsproto.ErrENOTDIR, err)
	default:
		return wsproto.NewError(wsproto.ErrIO, err)
	}
}
