package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/catalog"
	"github.com/jkaninda/ngome/internal/executor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sandbox as an MCP server on stdio",
	RunE:  runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	sc, err := initShared(flagConfig, flagCatalog)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics endpoint.
	if obs := sc.Config.Observability; obs != nil && obs.Metrics != nil && obs.Metrics.Enabled {
		listen := obs.Metrics.Listen
		if listen == "" {
			listen = ":9465"
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", sc.Metrics.Handler())
		srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			sc.Logger.Info("metrics listening", slog.String("addr", listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sc.Logger.Error("metrics server", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	mcpServer := buildMCPServer(sc)
	sc.Logger.Info("serving MCP on stdio")
	stdio := server.NewStdioServer(mcpServer)
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildMCPServer registers the sandbox meta-tools, honoring the
// capability toggles.
func buildMCPServer(sc *SharedComponents) *server.MCPServer {
	s := server.NewMCPServer("ngome", version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("code_execute",
		mcp.WithDescription("Execute code in a per-caller sandbox session. Single-line ls/cat/grep/rg/jq pipelines run in a restricted shell; everything else runs in the deployment's guest runtime with tool-call stubs mounted under /tools."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Source code or shell pipeline to run")),
		mcp.WithString("deployment", mcp.Description("Deployment id (default: \"default\")")),
		mcp.WithString("caller", mcp.Description("Caller identity, e.g. an email address")),
		mcp.WithString("teams", mcp.Description("Comma-separated team ids for visibility filtering")),
		mcp.WithString("language", mcp.Description("Override runtime: \"python\" or \"typescript\"")),
	), sc.handleExecute)

	if sc.Config.Sandbox.FSBrowse() {
		s.AddTool(mcp.NewTool("fs_browse",
			mcp.WithDescription("List files in the caller's sandbox session."),
			mcp.WithString("path", mcp.Description("Virtual path (default: /scratch)")),
			mcp.WithString("deployment", mcp.Description("Deployment id (default: \"default\")")),
			mcp.WithString("caller", mcp.Description("Caller identity")),
			mcp.WithString("teams", mcp.Description("Comma-separated team ids")),
			mcp.WithBoolean("include_hidden", mcp.Description("Include dotfiles")),
			mcp.WithNumber("max_entries", mcp.Description("Entry cap, clamped to the server ceiling")),
		), sc.handleBrowse)
	}

	if sc.Config.Sandbox.Replay() {
		s.AddTool(mcp.NewTool("replay_run",
			mcp.WithDescription("Re-execute the code of a persisted run."),
			mcp.WithString("run_id", mcp.Required()),
			mcp.WithString("caller", mcp.Description("Caller identity; must match the original run")),
			mcp.WithString("teams", mcp.Description("Comma-separated team ids")),
		), sc.handleReplay)
	}

	s.AddTool(mcp.NewTool("sessions_list",
		mcp.WithDescription("List live sandbox sessions."),
		mcp.WithString("deployment", mcp.Description("Filter by deployment id")),
	), sc.handleSessions)

	s.AddTool(mcp.NewTool("skill_create",
		mcp.WithDescription("Store the next version of a named skill. Skills mount into /skills once approved."),
		mcp.WithString("name", mcp.Required()),
		mcp.WithString("language", mcp.Required(), mcp.Description("\"python\" or \"typescript\"")),
		mcp.WithString("source_code", mcp.Required()),
		mcp.WithString("deployment", mcp.Description("Deployment id (default: \"default\")")),
		mcp.WithString("caller", mcp.Description("Owner identity")),
		mcp.WithString("visibility", mcp.Description("\"public\", \"team\", or \"private\"")),
	), sc.handleSkillCreate)

	s.AddTool(mcp.NewTool("skills_list",
		mcp.WithDescription("List skill versions for a deployment."),
		mcp.WithString("deployment", mcp.Description("Deployment id (default: \"default\")")),
		mcp.WithString("caller", mcp.Description("Caller identity")),
		mcp.WithString("teams", mcp.Description("Comma-separated team ids")),
	), sc.handleSkillsList)

	return s
}

func identityFromRequest(req mcp.CallToolRequest) catalog.Identity {
	caller := req.GetString("caller", "anonymous")
	teams := []string{}
	if raw := req.GetString("teams", ""); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				teams = append(teams, t)
			}
		}
	}
	return catalog.Identity{Caller: caller, Teams: teams}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (sc *SharedComponents) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resp, err := sc.Executor.Execute(ctx, executor.Request{
		DeploymentID: req.GetString("deployment", "default"),
		Identity:     identityFromRequest(req),
		Code:         code,
		Language:     req.GetString("language", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(resp)
}

func (sc *SharedComponents) handleBrowse(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, truncated, err := sc.Executor.Browse(ctx, executor.BrowseRequest{
		DeploymentID:  req.GetString("deployment", "default"),
		Identity:      identityFromRequest(req),
		Path:          req.GetString("path", ""),
		IncludeHidden: req.GetBool("include_hidden", false),
		MaxEntries:    req.GetInt("max_entries", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"entries": entries, "truncated": truncated})
}

func (sc *SharedComponents) handleReplay(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resp, err := sc.Executor.Replay(ctx, runID, identityFromRequest(req))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(resp)
}

func (sc *SharedComponents) handleSessions(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(sc.Executor.ActiveSessions(req.GetString("deployment", "")))
}

func (sc *SharedComponents) handleSkillCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	language, err := req.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	source, err := req.RequireString("source_code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	skill, err := sc.Executor.CreateSkill(ctx, executor.CreateSkillRequest{
		DeploymentID: req.GetString("deployment", "default"),
		Identity:     identityFromRequest(req),
		Name:         name,
		Language:     language,
		SourceCode:   source,
		Visibility:   req.GetString("visibility", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"id": skill.ID, "name": skill.Name, "version": skill.Version, "status": skill.Status,
	})
}

func (sc *SharedComponents) handleSkillsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	skills, err := sc.Executor.ListSkills(ctx, req.GetString("deployment", "default"), identityFromRequest(req))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := make([]map[string]any, 0, len(skills))
	for _, s := range skills {
		out = append(out, map[string]any{
			"id": s.ID, "name": s.Name, "version": s.Version,
			"language": s.Language, "status": s.Status, "active": s.Active,
		})
	}
	return jsonResult(out)
}
