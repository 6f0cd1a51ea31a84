package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// apiError mirrors the Harvester error body.
type apiError struct {
	Error *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// createJobResponse mirrors POST /v1/jobs.
type createJobResponse struct {
	JobID            string `json:"job_id"`
	Status           string `json:"status"`
	CreditsEstimated int64  `json:"credits_estimated"`
	Engine           string `json:"engine"`
}

// batchResponse mirrors POST /v1/batch.
type batchResponse struct {
	BatchID string              `json:"batch_id"`
	Jobs    []createJobResponse `json:"jobs"`
}

// jobView mirrors GET /v1/jobs/:id.
type jobView struct {
	ID               string `json:"id"`
	URL              string `json:"url"`
	Status           string `json:"status"`
	Engine           string `json:"engine"`
	Attempt          int    `json:"attempt"`
	MaxAttempts      int    `json:"max_attempts"`
	CreditsEstimated int64  `json:"credits_estimated"`
	CreditsCharged   int64  `json:"credits_charged"`
	Error            *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// resultResponse mirrors GET /v1/jobs/:id/result.
type resultResponse struct {
	JobID          string              `json:"job_id"`
	StatusCode     int                 `json:"status_code"`
	FinalURL       string              `json:"final_url"`
	Content        string              `json:"content"`
	Format         string              `json:"format"`
	Title          string              `json:"title"`
	Extracted      map[string][]string `json:"extracted"`
	Engine         string              `json:"engine"`
	Attempts       int                 `json:"attempts"`
	CreditsCharged int64               `json:"credits_charged"`
}

type client struct {
	http   *http.Client
	apiURL string
	apiKey string
}

func main() {
	apiURL := os.Getenv("HARVESTER_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	apiKey := os.Getenv("HARVESTER_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "HARVESTER_API_KEY is required")
		os.Exit(1)
	}
	c := &client{http: &http.Client{Timeout: 90 * time.Second}, apiURL: strings.TrimRight(apiURL, "/"), apiKey: apiKey}

	s := server.NewMCPServer(
		"harvester",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	createJobTool := mcp.NewTool("create_job",
		mcp.WithDescription("Submit a page fetch as an asynchronous job. Returns the job id and the credits reserved for it. Use get_result to collect the content."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the page to fetch"),
		),
		mcp.WithString("engine",
			mcp.Description("Fetch strategy: 'auto' (default), 'http', 'browser' or 'stealth'"),
			mcp.Enum("auto", "http", "browser", "stealth"),
		),
		mcp.WithString("format",
			mcp.Description("Stored content format: 'html' (default), 'markdown' or 'text'"),
			mcp.Enum("html", "markdown", "text"),
		),
		mcp.WithBoolean("render_js",
			mcp.Description("Render the page in a real browser before capturing it"),
		),
		mcp.WithString("wait_for",
			mcp.Description("CSS selector to wait for before capturing (browser engines only)"),
		),
		mcp.WithBoolean("premium_proxy",
			mcp.Description("Route through residential proxies"),
		),
		mcp.WithString("country",
			mcp.Description("Two-letter country code for proxy egress and browser locale"),
		),
	)
	s.AddTool(createJobTool, c.handleCreateJob)

	createBatchTool := mcp.NewTool("create_batch",
		mcp.WithDescription("Submit many URLs as one batch. The batch is admitted whole or not at all."),
		mcp.WithArray("urls",
			mcp.Required(),
			mcp.Description("List of URLs to fetch"),
		),
		mcp.WithString("format",
			mcp.Description("Stored content format for every job: 'html' (default), 'markdown' or 'text'"),
			mcp.Enum("html", "markdown", "text"),
		),
	)
	s.AddTool(createBatchTool, c.handleCreateBatch)

	getJobTool := mcp.NewTool("get_job",
		mcp.WithDescription("Return the status, engine, attempt count and credits of a job."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job id returned by create_job")),
	)
	s.AddTool(getJobTool, c.handleGetJob)

	getResultTool := mcp.NewTool("get_result",
		mcp.WithDescription("Return the content of a completed job, optionally waiting for it to finish."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job id returned by create_job")),
		mcp.WithNumber("wait_seconds",
			mcp.Description("Seconds to wait for the job to finish (default: 30, capped by the server)"),
		),
	)
	s.AddTool(getResultTool, c.handleGetResult)

	cancelJobTool := mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a job that has not finished. Unspent credits are returned."),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job id returned by create_job")),
	)
	s.AddTool(cancelJobTool, c.handleCancelJob)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// do sends a request to the Harvester API and returns the status and body.
func (c *client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, b, nil
}

// call performs a request and decodes a 2xx body into out. Error bodies
// become a tool error carrying the API code.
func (c *client) call(ctx context.Context, method, path string, payload, out any) *mcp.CallToolResult {
	status, body, err := c.do(ctx, method, path, payload)
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	if status >= 300 || status == http.StatusAccepted && isError(body) {
		return mcp.NewToolResultError(describeError(status, body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err))
	}
	return nil
}

func isError(body []byte) bool {
	var e apiError
	return json.Unmarshal(body, &e) == nil && e.Error != nil
}

func describeError(status int, body []byte) string {
	var e apiError
	if json.Unmarshal(body, &e) != nil || e.Error == nil {
		return fmt.Sprintf("API returned HTTP %d", status)
	}
	msg := fmt.Sprintf("[%s] %s", e.Error.Code, e.Error.Message)
	if st, ok := e.Error.Details["status"]; ok {
		msg += fmt.Sprintf(" (job status: %v)", st)
	}
	return msg
}

func (c *client) handleCreateJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := request.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError("url is required"), nil
	}

	opts := map[string]any{}
	if f := request.GetString("format", ""); f != "" {
		opts["format"] = f
	}
	if w := request.GetString("wait_for", ""); w != "" {
		opts["wait_for"] = w
	}
	if cc := request.GetString("country", ""); cc != "" {
		opts["country"] = cc
	}
	args := request.GetArguments()
	for _, name := range []string{"render_js", "premium_proxy"} {
		if v, ok := args[name].(bool); ok {
			opts[name] = v
		}
	}
	payload := map[string]any{"url": target, "options": opts}
	if e := request.GetString("engine", ""); e != "" {
		payload["engine"] = e
	}

	var resp createJobResponse
	if res := c.call(ctx, http.MethodPost, "/v1/jobs", payload, &resp); res != nil {
		return res, nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Job %s %s on %s engine, %d credits reserved.",
		resp.JobID, resp.Status, resp.Engine, resp.CreditsEstimated)), nil
}

func (c *client) handleCreateBatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	urls, err := request.RequireStringSlice("urls")
	if err != nil {
		return mcp.NewToolResultError("urls is required and must be an array of strings"), nil
	}
	format := request.GetString("format", "")

	reqs := make([]map[string]any, len(urls))
	for i, u := range urls {
		reqs[i] = map[string]any{"url": u}
		if format != "" {
			reqs[i]["options"] = map[string]any{"format": format}
		}
	}

	var resp batchResponse
	if res := c.call(ctx, http.MethodPost, "/v1/batch", map[string]any{"requests": reqs}, &resp); res != nil {
		return res, nil
	}

	var sb strings.Builder
	var total int64
	for _, j := range resp.Jobs {
		total += j.CreditsEstimated
	}
	sb.WriteString(fmt.Sprintf("Batch %s: %d jobs, %d credits reserved\n\n", resp.BatchID, len(resp.Jobs), total))
	for i, j := range resp.Jobs {
		sb.WriteString(fmt.Sprintf("[%d] %s %s (%s)\n", i+1, j.JobID, j.Status, j.Engine))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (c *client) handleGetJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("job_id is required"), nil
	}

	var job jobView
	if res := c.call(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &job); res != nil {
		return res, nil
	}

	result := fmt.Sprintf("Job %s: %s\nURL: %s\nEngine: %s (attempt %d of %d)\nCredits: %d estimated, %d charged",
		job.ID, job.Status, job.URL, job.Engine, job.Attempt, job.MaxAttempts, job.CreditsEstimated, job.CreditsCharged)
	if job.Error != nil {
		result += fmt.Sprintf("\nError: [%s] %s", job.Error.Code, job.Error.Message)
	}
	return mcp.NewToolResultText(result), nil
}

func (c *client) handleGetResult(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("job_id is required"), nil
	}
	wait := int(request.GetFloat("wait_seconds", 30))

	var r resultResponse
	path := fmt.Sprintf("/v1/jobs/%s/result?wait=%d", url.PathEscape(id), wait)
	if res := c.call(ctx, http.MethodGet, path, nil, &r); res != nil {
		return res, nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Title: %s\nSource: %s\nStatus: %d via %s after %d attempt(s), %d credits\n\n",
		r.Title, r.FinalURL, r.StatusCode, r.Engine, r.Attempts, r.CreditsCharged))
	sb.WriteString(r.Content)
	if len(r.Extracted) > 0 {
		pretty, _ := json.MarshalIndent(r.Extracted, "", "  ")
		sb.WriteString("\n\n---\nExtracted:\n")
		sb.Write(pretty)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (c *client) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("job_id is required"), nil
	}

	var resp struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if res := c.call(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, &resp); res != nil {
		return res, nil
	}
	if resp.Status == "running" {
		return mcp.NewToolResultText(fmt.Sprintf("Job %s is running; it will stop after its current attempt unless that attempt succeeds.", resp.JobID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Job %s %s.", resp.JobID, resp.Status)), nil
}
