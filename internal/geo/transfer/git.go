package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/tracing"
)

// httpTransport is more restrictive than http.DefaultTransport so hanging
// connections to the primary are closed quickly.
var httpTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 10 * time.Second,
	}).DialContext,
	MaxIdleConns:          10,
	IdleConnTimeout:       30 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 10 * time.Second,
	ResponseHeaderTimeout: 30 * time.Second,
}

// NewHTTPClient returns the client used for requests to the primary. It
// propagates correlation ids and tracing spans and does not follow redirects.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: correlation.NewInstrumentedRoundTripper(tracing.NewRoundTripper(httpTransport)),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

var (
	// git prints "fatal: repository '<url>' not found" when the remote
	// answers the ref advertisement with a 404.
	missingRepositoryPattern = regexp.MustCompile(`repository '[^']*' not found`)

	notFoundMarkers = []string{
		"repository not found",
		"does not appear to be a git repository",
		"the requested url returned error: 404",
		// The primary answers with this text and a 403 or 404 when the
		// project exists but its repository was never created.
		"a repository for this project does not exist yet",
	}
	corruptMarkers = []string{
		"not a git repository",
		"bad object",
		"corrupt",
		"fatal: packed object",
		"did not send all necessary objects",
		"unable to read tree",
		"missing blob object",
	}
	transientMarkers = []string{
		"could not resolve host",
		"timed out",
		"connection refused",
		"connection reset",
		"early eof",
		"the remote end hung up unexpectedly",
		"the requested url returned error: 5",
	}
)

// classify maps the stderr of a failed git invocation to an ErrorKind.
func classify(stderr string) ErrorKind {
	msg := strings.ToLower(stderr)
	if missingRepositoryPattern.MatchString(msg) {
		return NotFound
	}
	for _, marker := range notFoundMarkers {
		if strings.Contains(msg, marker) {
			return NotFound
		}
	}
	for _, marker := range corruptMarkers {
		if strings.Contains(msg, marker) {
			return Corrupt
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return Transient
		}
	}
	return Unknown
}

// GitTransport runs git to mirror repositories from the primary.
type GitTransport struct {
	binary string
	client *http.Client
	logger logrus.FieldLogger
}

// NewGitTransport returns a GitTransport executing binary.
func NewGitTransport(binary string, client *http.Client, logger logrus.FieldLogger) *GitTransport {
	if binary == "" {
		binary = "git"
	}
	if client == nil {
		client = NewHTTPClient()
	}
	return &GitTransport{
		binary: binary,
		client: client,
		logger: logger.WithField("component", "git_transport"),
	}
}

func (t *GitTransport) run(ctx context.Context, op, dir string, stdin io.Reader, authHeader string, args ...string) error {
	var fullArgs []string
	if authHeader != "" {
		fullArgs = append(fullArgs, "-c", "http.extraHeader=Authorization: "+authHeader)
	}
	fullArgs = append(fullArgs, args...)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.binary, fullArgs...)
	cmd.Dir = dir
	cmd.Stdin = stdin
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return newError(Transient, op, ctx.Err())
		}
		return newError(classify(stderr.String()), op, fmt.Errorf("%w, stderr: %q", err, strings.TrimSpace(stderr.String())))
	}

	return nil
}

// FetchMirror updates the bare repository at repoPath from remoteURL,
// mirroring every ref. The repository is initialized if it does not exist.
func (t *GitTransport) FetchMirror(ctx context.Context, repoPath, remoteURL, authHeader string) error {
	if err := t.ensureRepository(ctx, repoPath); err != nil {
		return err
	}

	return t.run(ctx, "fetch mirror", repoPath, nil, authHeader,
		"fetch", "--quiet", "--prune", "--force", "--no-tags", remoteURL, "+refs/*:refs/*")
}

// Clone creates a mirror clone of remoteURL at targetPath. targetPath must not exist.
func (t *GitTransport) Clone(ctx context.Context, targetPath, remoteURL, authHeader string) error {
	return t.run(ctx, "clone", "", nil, authHeader, "clone", "--mirror", "--quiet", remoteURL, targetPath)
}

// FetchSnapshot creates a repository at targetPath from the tar archive served
// at snapshotURL. The archive only holds objects and refs, so a bare
// repository is initialized first to provide the rest.
func (t *GitTransport) FetchSnapshot(ctx context.Context, targetPath, snapshotURL, authHeader string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, snapshotURL, nil)
	if err != nil {
		return newError(Unknown, "snapshot request", err)
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	rsp, err := t.client.Do(req)
	if err != nil {
		return newError(Transient, "snapshot request", err)
	}
	defer rsp.Body.Close()

	if kind, failed := statusKind(rsp.StatusCode); failed {
		return newError(kind, "snapshot request", fmt.Errorf("HTTP server: %v", rsp.Status))
	}

	if err := t.initBare(ctx, targetPath); err != nil {
		return err
	}

	if err := t.untar(ctx, targetPath, rsp.Body); err != nil {
		return err
	}

	return nil
}

func (t *GitTransport) untar(ctx context.Context, path string, in io.Reader) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "tar", "-C", path, "-xf", "-")
	cmd.Stdin = in
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return newError(Transient, "extract snapshot", fmt.Errorf("%w, stderr: %q", err, strings.TrimSpace(stderr.String())))
	}

	return nil
}

func (t *GitTransport) ensureRepository(ctx context.Context, repoPath string) error {
	if _, err := os.Stat(repoPath); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return newError(Corrupt, "stat repository", err)
	}

	return t.initBare(ctx, repoPath)
}

func (t *GitTransport) initBare(ctx context.Context, repoPath string) error {
	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		return newError(Unknown, "create repository directory", err)
	}

	return t.run(ctx, "init", "", nil, "", "init", "--bare", "--quiet", repoPath)
}

// ListRefs returns "<oid> <refname>" lines of every ref of the repository.
func (t *GitTransport) ListRefs(ctx context.Context, repoPath string) ([]string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.binary, "--git-dir", repoPath, "for-each-ref", "--format=%(objectname) %(refname)")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, newError(classify(stderr.String()), "list refs", fmt.Errorf("%w, stderr: %q", err, strings.TrimSpace(stderr.String())))
	}

	var refs []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			refs = append(refs, line)
		}
	}

	return refs, nil
}

// IsValidRepository reports whether repoPath is a readable bare repository.
func (t *GitTransport) IsValidRepository(ctx context.Context, repoPath string) bool {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, t.binary, "--git-dir", repoPath, "rev-parse", "--is-bare-repository")
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return false
	}

	return strings.EqualFold(strings.TrimSpace(stdout.String()), "true")
}

// Maintenance runs git maintenance commands inside the repository.
func (t *GitTransport) Maintenance(ctx context.Context, repoPath string, args ...string) error {
	return t.run(ctx, args[0], "", nil, "", append([]string{"--git-dir", repoPath}, args...)...)
}

func statusKind(code int) (ErrorKind, bool) {
	switch {
	case code >= 200 && code < 300:
		return Unknown, false
	case code == http.StatusNotFound:
		return NotFound, true
	case code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout:
		return Transient, true
	default:
		return Unknown, true
	}
}
