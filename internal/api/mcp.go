package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/apollo-nexus/nexus/internal/domain"
	"github.com/apollo-nexus/nexus/internal/pipeline"
	"github.com/apollo-nexus/nexus/internal/retrieval"
	"github.com/apollo-nexus/nexus/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store        *storage.Store
	Orchestrator *pipeline.Orchestrator
	Patterns     retrieval.PatternIndex
	Embedder     *retrieval.Embedder
}

// NewMCPServer creates an MCP server with the diagnostic tools and
// resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"nexus",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("nexus: HVAC fault diagnosis over live sensor snapshots and a fault pattern corpus."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("diagnose_equipment",
			mcp.WithDescription("Run the full diagnostic workflow on a sensor snapshot and return the diagnosis, faults and planned actions."),
			mcp.WithString("equipment_id", mcp.Description("Equipment identifier"), mcp.Required()),
			mcp.WithString("readings", mcp.Description(`JSON object of sensor readings, e.g. {"compressor_current": 34.2}`), mcp.Required()),
		),
		mcpDiagnose(deps),
	)

	s.AddTool(
		mcp.NewTool("search_patterns",
			mcp.WithDescription("Find the historical fault patterns nearest to a sensor snapshot."),
			mcp.WithString("readings", mcp.Description("JSON object of sensor readings"), mcp.Required()),
			mcp.WithString("domain", mcp.Description("Optional domain filter (thermal, pressure, electrical, ...)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchPatterns(deps),
	)

	s.AddTool(
		mcp.NewTool("corpus_stats",
			mcp.WithDescription("Counts of fault patterns, solutions, embeddings, inferences and runs."),
		),
		mcpCorpusStats(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"runs://recent",
			"Recent Runs",
			mcp.WithResourceDescription("Last 10 workflow runs (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentRuns(deps),
	)

	return s
}

func parseReadings(raw string) (map[string]float64, error) {
	var readings map[string]float64
	if err := json.Unmarshal([]byte(raw), &readings); err != nil {
		return nil, fmt.Errorf("invalid readings JSON: %w", err)
	}
	return readings, nil
}

// diagnosis is the condensed tool view of a run.
type diagnosis struct {
	RunID      string          `json:"run_id"`
	Status     string          `json:"status"`
	State      string          `json:"state"`
	Error      string          `json:"error,omitempty"`
	Diagnosis  string          `json:"diagnosis,omitempty"`
	Confidence float64         `json:"aggregated_confidence"`
	Faults     []domain.Fault  `json:"faults,omitempty"`
	Actions    []domain.Action `json:"actions,omitempty"`
	Reduced    bool            `json:"reduced_confidence,omitempty"`
}

func mcpDiagnose(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		equipmentID, err := req.RequireString("equipment_id")
		if err != nil {
			return mcpError("equipment_id is required"), nil
		}
		raw, err := req.RequireString("readings")
		if err != nil {
			return mcpError("readings is required"), nil
		}
		readings, err := parseReadings(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		run, err := deps.Orchestrator.Run(ctx, domain.Snapshot{
			EquipmentID: equipmentID,
			Timestamp:   time.Now().UTC(),
			Readings:    readings,
		})
		if errors.Is(err, domain.ErrRunInFlight) {
			return mcpError(fmt.Sprintf("a diagnosis for %s is already running", equipmentID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("diagnosis failed: %v", err)), nil
		}

		out := diagnosis{
			RunID:   run.ID,
			Status:  string(run.Status),
			State:   string(run.State),
			Error:   run.Error,
			Actions: run.Actions,
			Reduced: run.Reduced,
		}
		if c := run.Consensus; c != nil {
			out.Diagnosis = c.Diagnosis
			out.Confidence = c.AggregatedConfidence
			out.Faults = c.Faults
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchPatterns(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("readings")
		if err != nil {
			return mcpError("readings is required"), nil
		}
		readings, err := parseReadings(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		snap, _ := domain.Sanitize(domain.Snapshot{Readings: readings})
		dom := domain.Category(req.GetString("domain", ""))
		matches, err := deps.Patterns.Query(ctx, deps.Embedder.Embed(snap), dom, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(matches) == 0 {
			return mcpText("[]"), nil
		}

		type patternResult struct {
			ID       int64           `json:"id"`
			Name     string          `json:"name"`
			Domain   domain.Category `json:"domain"`
			Severity int             `json:"severity"`
			Distance float64         `json:"distance"`
		}

		results := make([]patternResult, len(matches))
		for i, m := range matches {
			results[i] = patternResult{
				ID:       m.Pattern.ID,
				Name:     m.Pattern.Name,
				Domain:   m.Pattern.Domain,
				Severity: m.Pattern.Severity,
				Distance: m.Distance,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCorpusStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Store.Stats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load stats: %v", err)), nil
		}
		b, err := json.Marshal(st)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecentRuns(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		recs, err := deps.Store.ListRuns(ctx, "", 10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent runs: %w", err)
		}

		summaries := make([]runSummary, len(recs))
		for i, rec := range recs {
			summaries[i] = summarize(rec)
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
