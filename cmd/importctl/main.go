// importctl drives a subscription CSV import against a running server.
// Each command performs a single operation, making it composable for scripts.
//
// Commands:
//
//	importctl upload -server URL -file subscriptions.csv
//	importctl plan -server URL -id <file-id> [-rows N]
//	importctl run -server URL -file subscriptions.csv [-rows N] [-test] [-email]
//	importctl export -server URL [-columns a,b,c] -out subscriptions.csv
//
// Examples:
//
//	ID=$(importctl upload -server http://localhost:8080 -file subs.csv -q)
//	importctl run -server http://localhost:8080 -file subs.csv -test
//	importctl export -server http://localhost:8080 -columns subscription_id,order_total -out out.csv
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/subvault/subimport/internal/csvstream"
	"github.com/subvault/subimport/internal/importer"
)

// The server's chunk timeout is 360s; the client waits exactly as long so a
// server-side timeout and a client-side one report the same way.
var client = &http.Client{Timeout: 360 * time.Second}

// Global flags (apply to all commands)
var (
	serverURL string
	quiet     bool
	noColor   bool
)

// ANSI color codes
var (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		disableColors()
	}
}

func disableColors() {
	colorReset, colorRed, colorGreen = "", "", ""
	colorYellow, colorCyan, colorGray = "", "", ""
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "upload":
		runUpload(args)
	case "plan":
		runPlan(args)
	case "run":
		runImport(args)
	case "export":
		runExport(args)
	case "-h", "-help", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `importctl - subscription CSV import driver

Usage:
  importctl <command> [options]

Commands:
  upload    Upload a CSV file and print its file ID
  plan      Show the chunk schedule for an uploaded file
  run       Upload a CSV and process every chunk to completion
  export    Download subscriptions as CSV

Examples:
  # Dry run: validate every row without writing anything
  importctl run -server http://localhost:8080 -file subs.csv -test

  # Real import with customer notification emails
  importctl run -server http://localhost:8080 -file subs.csv -email

  # Export selected columns
  importctl export -server http://localhost:8080 -columns subscription_id,customer_email -out subs.csv

Run 'importctl <command> -h' for command-specific options.
`)
}

// =============================================================================
// UPLOAD COMMAND
// =============================================================================

type uploadedFile struct {
	FileID     string   `json:"file_id"`
	Name       string   `json:"name"`
	Size       int64    `json:"size"`
	Encoding   string   `json:"encoding"`
	Headers    []string `json:"headers"`
	DataOffset int64    `json:"data_offset"`
}

func runUpload(args []string) {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	fs.StringVar(&serverURL, "server", "http://localhost:8080", "import server base URL")
	var file string
	fs.StringVar(&file, "file", "", "CSV file to upload (required)")
	fs.BoolVar(&quiet, "q", false, "Quiet mode - only output the file ID")
	fs.BoolVar(&noColor, "no-color", false, "Disable colored output")
	fs.Parse(args)
	if noColor {
		disableColors()
	}
	if file == "" {
		fs.Usage()
		os.Exit(1)
	}

	up, err := uploadFile(file)
	if err != nil {
		fatal("Upload failed: %v", err)
	}

	if quiet {
		fmt.Println(up.FileID)
		return
	}
	printSuccess("File uploaded")
	fmt.Printf("  ID:       %s%s%s\n", colorCyan, up.FileID, colorReset)
	fmt.Printf("  Size:     %d bytes\n", up.Size)
	fmt.Printf("  Encoding: %s\n", up.Encoding)
	fmt.Printf("  Columns:  %s\n", strings.Join(up.Headers, ", "))
}

func uploadFile(path string) (*uploadedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+"/api/import/files", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	up := &uploadedFile{}
	if err := doRequest(req, up); err != nil {
		return nil, err
	}
	return up, nil
}

// =============================================================================
// PLAN COMMAND
// =============================================================================

func runPlan(args []string) {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	fs.StringVar(&serverURL, "server", "http://localhost:8080", "import server base URL")
	var fileID string
	var rows int
	fs.StringVar(&fileID, "id", "", "File ID from upload (required)")
	fs.IntVar(&rows, "rows", 0, "Rows per chunk (0 = server default)")
	fs.BoolVar(&noColor, "no-color", false, "Disable colored output")
	fs.Parse(args)
	if noColor {
		disableColors()
	}
	if fileID == "" {
		fs.Usage()
		os.Exit(1)
	}

	plan, err := fetchPlan(fileID, rows)
	if err != nil {
		fatal("Plan failed: %v", err)
	}

	printSuccess("Plan computed")
	fmt.Printf("  Rows:   %d\n", plan.TotalRows)
	fmt.Printf("  Chunks: %d (%d rows per request)\n", len(plan.Chunks), plan.RowsPerRequest)
	for i, c := range plan.Chunks {
		fmt.Printf("  %s#%d%s bytes [%d, %d) starting at row %d\n",
			colorGray, i+1, colorReset, c.Start, c.End, c.StartingRow)
	}
}

func fetchPlan(fileID string, rows int) (*importer.Plan, error) {
	plan := &importer.Plan{}
	err := postJSON("/api/import/plan", map[string]any{
		"file_id":          fileID,
		"rows_per_request": rows,
	}, plan)
	return plan, err
}

// =============================================================================
// RUN COMMAND
// =============================================================================

func runImport(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.StringVar(&serverURL, "server", "http://localhost:8080", "import server base URL")
	var file, profile string
	var rows int
	var testMode, email bool
	fs.StringVar(&file, "file", "", "CSV file to import (required)")
	fs.StringVar(&profile, "mapping", "", "Server-side mapping profile name")
	fs.IntVar(&rows, "rows", 0, "Rows per chunk (0 = server default)")
	fs.BoolVar(&testMode, "test", false, "Dry run: validate rows without persisting")
	fs.BoolVar(&email, "email", false, "Send new-account emails to created customers")
	fs.BoolVar(&quiet, "q", false, "Quiet mode - only output the final counts")
	fs.BoolVar(&noColor, "no-color", false, "Disable colored output")
	fs.Parse(args)
	if noColor {
		disableColors()
	}
	if file == "" {
		fs.Usage()
		os.Exit(1)
	}

	up, err := uploadFile(file)
	if err != nil {
		fatal("Upload failed: %v", err)
	}
	printInfo("Uploaded %s (%d bytes, %s)", up.Name, up.Size, up.Encoding)

	plan, err := fetchPlan(up.FileID, rows)
	if err != nil {
		fatal("Plan failed: %v", err)
	}
	printInfo("%d rows in %d chunks", plan.TotalRows, len(plan.Chunks))

	// Chunks run strictly one at a time; the server serializes runs over the
	// same file anyway, and sequential requests keep row order readable.
	var succeeded, failed, warnings int
	issues := make(map[string][]int)

	for i, c := range plan.Chunks {
		var results []importer.Result
		err := postJSON("/api/import/chunk", map[string]any{
			"file_id":         up.FileID,
			"start":           c.Start,
			"end":             c.End,
			"starting_row":    c.StartingRow,
			"test_mode":       testMode,
			"email_customer":  email,
			"mapping_profile": profile,
		}, &results)
		if err != nil {
			var uerr *url.Error
			if errors.As(err, &uerr) && uerr.Timeout() {
				// The chunk may still be running server-side; rerunning it
				// blindly would double-import its rows.
				printWarning("Chunk %d timed out after %s; import incomplete", i+1, client.Timeout)
				printWarning("Check the server before retrying: rows in this chunk may already be imported")
				reportCounts(succeeded, failed, warnings)
				os.Exit(2)
			}
			fatal("Chunk %d failed: %v", i+1, err)
		}

		for _, res := range results {
			if res.Status == importer.RowSuccess {
				succeeded++
			} else {
				failed++
			}
			warnings += len(res.Warnings)
			for _, msg := range res.Errors {
				issues[msg] = append(issues[msg], res.RowNumber)
			}
			for _, msg := range res.Warnings {
				issues[msg] = append(issues[msg], res.RowNumber)
			}
		}

		printInfo("Chunk %d/%d done: %d%% (%d ok, %d failed)",
			i+1, len(plan.Chunks), plan.Percent(i+1), succeeded, failed)
	}

	// Group repeated messages so a thousand-row test run reads as a short
	// list of distinct problems.
	if len(issues) > 0 && !quiet {
		fmt.Println()
		msgs := make([]string, 0, len(issues))
		for msg := range issues {
			msgs = append(msgs, msg)
		}
		sort.Strings(msgs)
		for _, msg := range msgs {
			rowsWith := issues[msg]
			fmt.Printf("  %s%s%s\n    rows: %s\n", colorYellow, msg, colorReset, formatRows(rowsWith))
		}
	}

	reportCounts(succeeded, failed, warnings)
	if failed > 0 {
		os.Exit(1)
	}
}

func reportCounts(succeeded, failed, warnings int) {
	if quiet {
		fmt.Printf("%d %d %d\n", succeeded, failed, warnings)
		return
	}
	fmt.Println()
	if failed == 0 {
		printSuccess("%d imported, %d warnings", succeeded, warnings)
	} else {
		printError("%d imported, %d failed, %d warnings", succeeded, failed, warnings)
	}
}

// formatRows renders a row number list, eliding long runs.
func formatRows(rows []int) string {
	sort.Ints(rows)
	if len(rows) > 10 {
		head := make([]string, 10)
		for i := 0; i < 10; i++ {
			head[i] = fmt.Sprint(rows[i])
		}
		return strings.Join(head, ", ") + fmt.Sprintf(" and %d more", len(rows)-10)
	}
	parts := make([]string, len(rows))
	for i, r := range rows {
		parts[i] = fmt.Sprint(r)
	}
	return strings.Join(parts, ", ")
}

// =============================================================================
// EXPORT COMMAND
// =============================================================================

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	fs.StringVar(&serverURL, "server", "http://localhost:8080", "import server base URL")
	var columns, out string
	fs.StringVar(&columns, "columns", "", "Comma-separated column subset (default: all)")
	fs.StringVar(&out, "out", "", "Output file (default: stdout)")
	fs.BoolVar(&noColor, "no-color", false, "Disable colored output")
	fs.Parse(args)
	if noColor {
		disableColors()
	}

	target := serverURL + "/api/export"
	if columns != "" {
		target += "?columns=" + url.QueryEscape(columns)
	}
	resp, err := client.Get(target)
	if err != nil {
		fatal("Export failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fatal("Export failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var w io.Writer = os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			fatal("Creating output file: %v", err)
		}
		defer f.Close()
		w = f
	}

	// Download in slices so large exports report progress as they stream.
	// Content-Length may be absent (chunked transfer), in which case only the
	// byte count is shown at the end.
	body := csvstream.NewCountingReader(resp.Body, resp.ContentLength)
	for {
		_, err := io.CopyN(w, body, 1<<20)
		if err == io.EOF {
			break
		}
		if err != nil {
			fatal("Writing export: %v", err)
		}
		if out != "" && body.Total > 0 {
			printInfo("Downloading: %d%%", body.Progress())
		}
	}
	if out != "" {
		printSuccess("Wrote %d bytes to %s", body.BytesRead, out)
	}
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

func postJSON(path string, body, into any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(req, into)
}

func doRequest(req *http.Request, into any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if into == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, into); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// =============================================================================
// OUTPUT HELPERS
// =============================================================================

func printSuccess(format string, args ...any) {
	if !quiet {
		fmt.Printf("%s✓ %s%s\n", colorGreen, fmt.Sprintf(format, args...), colorReset)
	}
}

func printError(format string, args ...any) {
	fmt.Printf("%s✗ %s%s\n", colorRed, fmt.Sprintf(format, args...), colorReset)
}

func printWarning(format string, args ...any) {
	fmt.Printf("%s⚠ %s%s\n", colorYellow, fmt.Sprintf(format, args...), colorReset)
}

func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Printf("%s→ %s%s\n", colorGray, fmt.Sprintf(format, args...), colorReset)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s✗ %s%s\n", colorRed, fmt.Sprintf(format, args...), colorReset)
	os.Exit(1)
}
