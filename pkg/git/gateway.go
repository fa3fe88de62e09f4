package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
	"unicode/utf8"

	"orchestrator/pkg/logx"
	"orchestrator/pkg/orcherrors"
	"orchestrator/pkg/proto"
)

// Gateway is the Repository Gateway: the only component with write access to
// the target repository's working tree. Only the Structurer Agent talks to
// it, per spec §4.5 — every other agent's output reaches disk exclusively
// through a Structurer-submitted write.
type Gateway struct {
	repoDir string
	logger  *logx.Logger
	audit   CommitRecorder
}

// CommitRecorder records a landed commit for the WebUI's git-activity chart.
// Satisfied by *persistence.Recorder; left unset, Gateway.Commit simply
// skips the audit write.
type CommitRecorder interface {
	RecordCommit(hash, subject string, ts time.Time)
}

// NewGateway opens a gateway rooted at repoDir, which must already be a git
// working tree (cloned and initialized ahead of time by the Orchestrator,
// mirroring the teacher's WithTempClone/architect-workspace setup idiom).
func NewGateway(repoDir string) *Gateway {
	return &Gateway{
		repoDir: repoDir,
		logger:  logx.NewLogger("repo-gateway"),
	}
}

// SetAuditRecorder attaches the sink Commit reports landed commits to.
func (g *Gateway) SetAuditRecorder(a CommitRecorder) {
	g.audit = a
}

// Write creates or overwrites path (relative to repoDir) with content.
// Binary content (content that fails UTF-8 validation) is still written
// verbatim; Read reports it back via BinaryMarker rather than attempting to
// decode it.
func (g *Gateway) Write(path, content string) error {
	full := filepath.Join(g.repoDir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return orcherrors.Wrap(orcherrors.KindFatalLocal, "repo-gateway", fmt.Errorf("failed to create directory for %s: %w", path, err))
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return orcherrors.Wrap(orcherrors.KindFatalLocal, "repo-gateway", fmt.Errorf("failed to write %s: %w", path, err))
	}
	return nil
}

// Read returns the contents of path, or proto.BinaryMarker if the file is
// not valid UTF-8.
func (g *Gateway) Read(path string) (string, error) {
	full := filepath.Join(g.repoDir, path)
	data, err := os.ReadFile(full)
	if err != nil {
		return "", orcherrors.Wrap(orcherrors.KindFatalLocal, "repo-gateway", fmt.Errorf("failed to read %s: %w", path, err))
	}
	if !utf8.Valid(data) {
		return proto.BinaryMarker, nil
	}
	return string(data), nil
}

// Commit stages every pending change and commits with message. Returns the
// new commit SHA. A clean tree (nothing to commit) is not an error; it
// returns the current HEAD SHA unchanged.
func (g *Gateway) Commit(ctx context.Context, message string) (string, error) {
	addCmd := exec.CommandContext(ctx, "git", "-C", g.repoDir, "add", "-A")
	if output, err := addCmd.CombinedOutput(); err != nil {
		return "", orcherrors.Wrap(orcherrors.KindFatalLocal, "repo-gateway", fmt.Errorf("git add failed: %w\noutput: %s", err, output))
	}

	commitCmd := exec.CommandContext(ctx, "git", "-C", g.repoDir, "commit", "--allow-empty", "-m", message)
	if output, err := commitCmd.CombinedOutput(); err != nil {
		return "", orcherrors.Wrap(orcherrors.KindFatalLocal, "repo-gateway", fmt.Errorf("git commit failed: %w\noutput: %s", err, output))
	}

	shaCmd := exec.CommandContext(ctx, "git", "-C", g.repoDir, "rev-parse", "HEAD")
	out, err := shaCmd.Output()
	if err != nil {
		return "", orcherrors.Wrap(orcherrors.KindFatalLocal, "repo-gateway", fmt.Errorf("git rev-parse HEAD failed: %w", err))
	}
	sha := trimNewline(out)
	g.logger.Info("📦 committed %s", sha)
	if g.audit != nil {
		g.audit.RecordCommit(sha, message, time.Now())
	}
	return sha, nil
}

// Reset discards all uncommitted changes and untracked files, returning the
// working tree to HEAD. Used when a Structurer persistence attempt fails
// partway through and must not leave a half-written tree.
func (g *Gateway) Reset(ctx context.Context) error {
	resetCmd := exec.CommandContext(ctx, "git", "-C", g.repoDir, "reset", "--hard", "HEAD")
	if output, err := resetCmd.CombinedOutput(); err != nil {
		return orcherrors.Wrap(orcherrors.KindFatalLocal, "repo-gateway", fmt.Errorf("git reset failed: %w\noutput: %s", err, output))
	}
	cleanCmd := exec.CommandContext(ctx, "git", "-C", g.repoDir, "clean", "-fd")
	if output, err := cleanCmd.CombinedOutput(); err != nil {
		return orcherrors.Wrap(orcherrors.KindFatalLocal, "repo-gateway", fmt.Errorf("git clean failed: %w\noutput: %s", err, output))
	}
	return nil
}

// Tree walks the working tree (excluding .git) and returns it as a
// *proto.StructureNode, the read-back counterpart to Structurer's
// write-then-enumerate persistence loop.
func (g *Gateway) Tree() (*proto.StructureNode, error) {
	var paths []string
	err := filepath.WalkDir(g.repoDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(g.repoDir, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, orcherrors.Wrap(orcherrors.KindFatalLocal, "repo-gateway", fmt.Errorf("failed to walk repository tree: %w", err))
	}
	return proto.BuildStructure(paths), nil
}

func trimNewline(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return string(b)
}
