package hub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/gjson"

	"github.com/23skdu/longbow-interp/internal/logger"
)

const (
	DefaultEndpoint = "https://huggingface.co"
	DefaultRevision = "main"
)

// Downloader fills the hub cache layout that ResolveSnapshot reads:
// models--{org}--{name}/refs/{revision} and snapshots/{sha}/{file}.
// Files are stored directly in the snapshot rather than as blob links.
type Downloader struct {
	hubDir   string
	endpoint string
	token    string
	client   *http.Client
	log      *logger.Logger
}

type DownloadOption func(*Downloader)

func WithEndpoint(endpoint string) DownloadOption {
	return func(d *Downloader) { d.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithToken sets the bearer token for gated repos.
func WithToken(token string) DownloadOption {
	return func(d *Downloader) { d.token = token }
}

func WithHTTPClient(c *http.Client) DownloadOption {
	return func(d *Downloader) { d.client = c }
}

// NewDownloader writes into hubDir, or DefaultHubDir when empty. The
// endpoint and token default to $HF_ENDPOINT and $HF_TOKEN.
func NewDownloader(hubDir string, opts ...DownloadOption) *Downloader {
	if hubDir == "" {
		hubDir = DefaultHubDir()
	}
	d := &Downloader{
		hubDir:   hubDir,
		endpoint: DefaultEndpoint,
		token:    os.Getenv("HF_TOKEN"),
		client:   &http.Client{},
		log:      logger.Log.With("hub"),
	}
	if v := os.Getenv("HF_ENDPOINT"); v != "" {
		d.endpoint = strings.TrimRight(v, "/")
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RepoInfo is the resolved commit and file list of a repo revision.
type RepoInfo struct {
	SHA   string
	Files []string
}

// Info asks the hub API which commit revision points at and what it holds.
func (d *Downloader) Info(ctx context.Context, repoID, revision string) (*RepoInfo, error) {
	u, err := url.JoinPath(d.endpoint, "api", "models", repoID, "revision", revision)
	if err != nil {
		return nil, err
	}
	resp, err := d.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, repoID); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading repo info for %s: %w", repoID, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("repo info for %s is not valid JSON", repoID)
	}

	res := gjson.ParseBytes(body)
	info := &RepoInfo{SHA: res.Get("sha").String()}
	if info.SHA == "" {
		return nil, fmt.Errorf("repo info for %s has no commit sha", repoID)
	}
	for _, f := range res.Get("siblings.#.rfilename").Array() {
		info.Files = append(info.Files, f.String())
	}
	return info, nil
}

// Download fetches repoID at revision into the hub cache and returns the
// snapshot directory. include holds path.Match patterns; empty means every
// file. Files already in the snapshot are kept, so a rerun resumes.
func (d *Downloader) Download(ctx context.Context, repoID, revision string, include ...string) (string, error) {
	if repoID == "" {
		repoID = DefaultModel
	}
	if revision == "" {
		revision = DefaultRevision
	}
	info, err := d.Info(ctx, repoID, revision)
	if err != nil {
		return "", err
	}

	repo := RepoDir(d.hubDir, repoID)
	snapshot := filepath.Join(repo, "snapshots", info.SHA)
	d.log.Info("downloading snapshot", "repo", repoID, "revision", revision, "sha", info.SHA, "files", len(info.Files))

	if err := os.MkdirAll(snapshot, 0o755); err != nil {
		return "", err
	}
	start := time.Now()
	var fetched int
	var total int64
	for _, name := range info.Files {
		if !matchAny(include, name) {
			continue
		}
		dst := filepath.Join(snapshot, filepath.FromSlash(name))
		if !strings.HasPrefix(dst, snapshot+string(filepath.Separator)) {
			return "", fmt.Errorf("repo file %q escapes the snapshot", name)
		}
		if _, err := os.Stat(dst); err == nil {
			d.log.Debug("already downloaded", "file", name)
			continue
		}
		n, err := d.fetch(ctx, repoID, info.SHA, name, dst)
		if err != nil {
			return "", err
		}
		fetched++
		total += n
		d.log.Info("downloaded", "file", name, "size", humanize.Bytes(uint64(n)))
	}

	if revision != info.SHA {
		ref := filepath.Join(repo, "refs", filepath.FromSlash(revision))
		if err := os.MkdirAll(filepath.Dir(ref), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(ref, []byte(info.SHA), 0o644); err != nil {
			return "", fmt.Errorf("writing ref %s: %w", revision, err)
		}
	}
	d.log.Info("snapshot ready", "path", snapshot, "fetched", fetched, "size", humanize.Bytes(uint64(total)), "elapsed", time.Since(start))
	return snapshot, nil
}

func (d *Downloader) fetch(ctx context.Context, repoID, sha, name, dst string) (int64, error) {
	u, err := url.JoinPath(d.endpoint, repoID, "resolve", sha, name)
	if err != nil {
		return 0, err
	}
	resp, err := d.get(ctx, u)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, repoID+"/"+name); err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".incomplete-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("downloading %s: %w", name, err)
	}
	return n, nil
}

func (d *Downloader) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	return d.client.Do(req)
}

func checkStatus(resp *http.Response, what string) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s on the hub", ErrNotFound, what)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %s (gated repos need HF_TOKEN)", what, resp.Status)
	default:
		return fmt.Errorf("%s: unexpected status %s", what, resp.Status)
	}
}

func matchAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}
