package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jkaninda/ngome/internal/catalog"
	"github.com/jkaninda/ngome/internal/session"
	"github.com/jkaninda/ngome/internal/storage"
)

// ErrDisabled reports a capability switched off in configuration.
var ErrDisabled = errors.New("capability disabled")

// BrowseRequest asks for a directory listing inside a session's virtual
// filesystem.
type BrowseRequest struct {
	DeploymentID  string
	Identity      catalog.Identity
	Language      string // optional; defaults to the deployment runtime
	Path          string // virtual path, default "/scratch"
	IncludeHidden bool
	MaxEntries    int // 0 = configured default; capped at the operator ceiling
}

// Browse lists a directory in the caller's session, creating the session
// if none is live.
func (e *Executor) Browse(ctx context.Context, req BrowseRequest) ([]session.Entry, bool, error) {
	if !e.cfg.Sandbox.FSBrowse() {
		return nil, false, fmt.Errorf("%w: fs_browse", ErrDisabled)
	}

	dep, err := e.deployments.GetDeployment(ctx, req.DeploymentID)
	if err != nil {
		return nil, false, fmt.Errorf("resolving deployment %s: %w", req.DeploymentID, err)
	}
	pol := e.resolver.Resolve(dep.PolicyRaw)

	runtimeName := pol.Runtime
	if req.Language != "" {
		if r, ok := runtimeForLanguage(req.Language); ok {
			runtimeName = r
		}
	}

	tools, skills, err := e.visibleCatalog(ctx, dep, req.Identity)
	if err != nil {
		return nil, false, err
	}
	key := session.Key{DeploymentID: req.DeploymentID, Caller: req.Identity.Caller, Language: languageForRuntime(runtimeName)}
	sess, err := e.sessions.GetOrCreate(key, pol, tools, skills)
	if err != nil {
		return nil, false, fmt.Errorf("acquiring session: %w", err)
	}

	vpath := req.Path
	if vpath == "" {
		vpath = "/" + session.MountScratch
	}
	max := req.MaxEntries
	if max <= 0 {
		max = e.cfg.Sandbox.FSBrowseDefaultMaxEntries
	}
	if max > e.cfg.Sandbox.FSBrowseMaxEntries {
		max = e.cfg.Sandbox.FSBrowseMaxEntries
	}
	return sess.Browse(vpath, req.IncludeHidden, max)
}

// Replay re-executes the code body of a persisted run in a fresh
// execution. Only the original caller or an administrator may replay.
func (e *Executor) Replay(ctx context.Context, runID string, id catalog.Identity) (*Response, error) {
	if !e.cfg.Sandbox.Replay() {
		return nil, fmt.Errorf("%w: replay", ErrDisabled)
	}
	if e.store == nil {
		return nil, errors.New("replay requires persistence")
	}

	run, err := e.store.Runs().Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !id.Admin() && run.Caller != id.Caller {
		return nil, fmt.Errorf("run %s was not started by %s", runID, id.Caller)
	}

	return e.Execute(ctx, Request{
		DeploymentID: run.DeploymentID,
		Identity:     id,
		Code:         run.CodeBody,
		Language:     run.Language,
	})
}

// GetRun fetches one persisted run record.
func (e *Executor) GetRun(ctx context.Context, runID string) (*storage.RunModel, error) {
	if e.store == nil {
		return nil, storage.ErrNotFound
	}
	return e.store.Runs().Get(ctx, runID)
}

// ListRuns lists recent runs for a deployment, newest first.
func (e *Executor) ListRuns(ctx context.Context, deploymentID string, limit int) ([]storage.RunModel, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.Runs().ListByDeployment(ctx, deploymentID, limit)
}

// ActiveSessions lists live sessions, optionally filtered by deployment.
func (e *Executor) ActiveSessions(deploymentID string) []session.Info {
	return e.sessions.Active(deploymentID)
}

// DestroySession tears down the session for one (deployment, caller,
// language) tuple.
func (e *Executor) DestroySession(deploymentID, caller, language string) {
	e.sessions.Destroy(session.Key{DeploymentID: deploymentID, Caller: caller, Language: language})
}

// CreateSkillRequest registers a new skill version.
type CreateSkillRequest struct {
	DeploymentID string
	Identity     catalog.Identity
	Name         string
	Language     string // "python" or "typescript"
	SourceCode   string
	Visibility   string // "public" (default), "team", "private"
	TeamID       string
}

// CreateSkill stores the next version of a named skill. It mounts only
// once approved, unless the deployment auto-approves.
func (e *Executor) CreateSkill(ctx context.Context, req CreateSkillRequest) (*storage.SkillModel, error) {
	if e.store == nil {
		return nil, errors.New("skills require persistence")
	}
	if req.Name == "" || req.SourceCode == "" {
		return nil, errors.New("skill name and source are required")
	}
	language := strings.ToLower(req.Language)
	if language != "python" && language != "typescript" {
		return nil, fmt.Errorf("unsupported skill language %q", req.Language)
	}

	dep, err := e.deployments.GetDeployment(ctx, req.DeploymentID)
	if err != nil {
		return nil, fmt.Errorf("resolving deployment %s: %w", req.DeploymentID, err)
	}

	skill := &storage.SkillModel{
		DeploymentID: req.DeploymentID,
		Name:         req.Name,
		Language:     language,
		SourceCode:   req.SourceCode,
		Visibility:   req.Visibility,
		OwnerEmail:   req.Identity.Caller,
		TeamID:       req.TeamID,
	}
	if err := e.store.Skills().CreateVersion(ctx, skill); err != nil {
		return nil, err
	}
	if dep.SkillsAutoApprove {
		if err := e.store.Skills().Approve(ctx, skill.ID, "auto-approval"); err != nil {
			return nil, err
		}
		return e.store.Skills().Get(ctx, skill.ID)
	}
	return skill, nil
}

// ApproveSkill marks a skill version approved for the validity window.
func (e *Executor) ApproveSkill(ctx context.Context, skillID string, reviewer string) error {
	return e.store.Skills().Approve(ctx, skillID, reviewer)
}

// RejectSkill marks a skill version rejected.
func (e *Executor) RejectSkill(ctx context.Context, skillID, reviewer, reason string) error {
	return e.store.Skills().Reject(ctx, skillID, reviewer, reason)
}

// RevokeSkill deactivates every version of a named skill.
func (e *Executor) RevokeSkill(ctx context.Context, deploymentID, name string) error {
	return e.store.Skills().Revoke(ctx, deploymentID, name)
}

// ListSkills lists all skill versions for a deployment, filtered by the
// caller's visibility.
func (e *Executor) ListSkills(ctx context.Context, deploymentID string, id catalog.Identity) ([]storage.SkillModel, error) {
	all, err := e.store.Skills().List(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	out := make([]storage.SkillModel, 0, len(all))
	for _, s := range all {
		if catalog.Visible(id, s.Visibility, s.OwnerEmail, s.TeamID) {
			out = append(out, s)
		}
	}
	return out, nil
}
