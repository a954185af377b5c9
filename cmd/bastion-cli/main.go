// bastion-cli is the operator front end for a running supervisor. It
// talks to the accessor API; the only command that works without a
// running supervisor is validate.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidewater-ai/bastion/internal/config"
)

const defaultAddr = "http://127.0.0.1:7077"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "status":
		os.Exit(runGet("status", "/v1/health", os.Args[2:]))
	case "report":
		os.Exit(runReport(os.Args[2:]))
	case "capabilities":
		os.Exit(runGet("capabilities", "/v1/capabilities", os.Args[2:]))
	case "restarts":
		os.Exit(runGet("restarts", "/v1/restarts", os.Args[2:]))
	case "watchdog":
		os.Exit(runGet("watchdog", "/v1/watchdog", os.Args[2:]))
	case "backups":
		os.Exit(runGet("backups", "/v1/backups", os.Args[2:]))
	case "checkpoints":
		os.Exit(runGet("checkpoints", "/v1/checkpoints", os.Args[2:]))
	case "audit":
		os.Exit(runAudit(os.Args[2:]))
	case "checkpoint-now":
		os.Exit(runPost("checkpoint-now", "/v1/checkpoints", os.Args[2:]))
	case "backup-now":
		os.Exit(runPost("backup-now", "/v1/backups", os.Args[2:]))
	case "restart":
		os.Exit(runPost("restart", "/v1/restarts", os.Args[2:]))
	case "diagnostics":
		os.Exit(runDiagnostics(os.Args[2:]))
	case "validate":
		os.Exit(runValidate(os.Args[2:]))
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bastion <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  status          Composite health summary")
	fmt.Println("  report          Plain-text health report")
	fmt.Println("  capabilities    Operating mode and capability availability")
	fmt.Println("  restarts        Restart window status and history")
	fmt.Println("  watchdog        Watchdog heartbeat and counters")
	fmt.Println("  backups         Backup inventory and integrity checks")
	fmt.Println("  checkpoints     Checkpoint history")
	fmt.Println("  audit           Recent audit events")
	fmt.Println("  checkpoint-now  Force an immediate checkpoint")
	fmt.Println("  backup-now      Force an immediate full backup")
	fmt.Println("  restart         Request a supervised restart")
	fmt.Println("  diagnostics     Download a diagnostics bundle (zip)")
	fmt.Println("  validate        Validate a config file against the schema")
	fmt.Println()
	fmt.Println("All server commands accept --addr (default " + defaultAddr + ")")
}

func addrFlag(name string, args []string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "supervisor API address")
	return fs, addr
}

func client() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// runGet fetches a JSON endpoint and pretty-prints it.
func runGet(name, path string, args []string) int {
	fs, addr := addrFlag(name, args)
	fs.Parse(args)

	resp, err := client().Get(*addr + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	return printJSON(resp)
}

func runPost(name, path string, args []string) int {
	fs, addr := addrFlag(name, args)
	fs.Parse(args)

	resp, err := client().Post(*addr+path, "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	code := printJSON(resp)
	if resp.StatusCode >= 400 {
		return 1
	}
	return code
}

func runReport(args []string) int {
	fs, addr := addrFlag("report", args)
	fs.Parse(args)

	resp, err := client().Get(*addr + "/v1/health/report")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	io.Copy(os.Stdout, resp.Body)
	return 0
}

func runAudit(args []string) int {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "supervisor API address")
	since := fs.String("since", "", "only events after this RFC3339 time")
	limit := fs.Int("limit", 50, "maximum events")
	fs.Parse(args)

	url := fmt.Sprintf("%s/v1/audit?limit=%d", *addr, *limit)
	if *since != "" {
		url += "&since=" + *since
	}

	resp, err := client().Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	return printJSON(resp)
}

func runDiagnostics(args []string) int {
	fs := flag.NewFlagSet("diagnostics", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "supervisor API address")
	out := fs.String("out", "", "output file (default bastion-diagnostics-<ts>.zip)")
	fs.Parse(args)

	resp, err := client().Get(*addr + "/v1/diagnostics")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Error: server returned %s: %s\n", resp.Status, strings.TrimSpace(string(body)))
		return 1
	}

	path := *out
	if path == "" {
		path = fmt.Sprintf("bastion-diagnostics-%s.zip", time.Now().UTC().Format("20060102-150405"))
	}
	f, err := os.Create(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("wrote %s\n", path)
	return 0
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	file := fs.String("file", "", "config YAML file to validate")
	schema := fs.String("schema", "", "schema file (default: search common locations)")
	fs.Parse(args)

	if *file == "" {
		fmt.Fprintln(os.Stderr, "Error: --file flag is required")
		fs.Usage()
		return 1
	}

	schemaPath := *schema
	if schemaPath == "" {
		schemaPath = findSchemaFile()
	}
	if schemaPath == "" {
		fmt.Fprintln(os.Stderr, "Error: could not find schemas/supervisor_v1.json")
		return 1
	}

	validator, err := config.NewValidator(schemaPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize validator: %v\n", err)
		return 1
	}

	if errs := validator.ValidateFile(*file); len(errs) > 0 {
		fmt.Fprintf(os.Stderr, "✗ Validation failed with %d error(s):\n\n", len(errs))
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, e.Error())
		}
		return 1
	}

	if _, err := config.Load(*file); err != nil {
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		return 1
	}

	fmt.Println("✓ Config is valid")
	return 0
}

// findSchemaFile looks for the schema file in common locations.
func findSchemaFile() string {
	candidates := []string{
		"schemas/supervisor_v1.json",
		"../schemas/supervisor_v1.json",
		"../../schemas/supervisor_v1.json",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func printJSON(resp *http.Response) int {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var pretty map[string]any
	if json.Unmarshal(body, &pretty) == nil {
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err == nil {
			fmt.Println(string(out))
			if resp.StatusCode >= 400 {
				return 1
			}
			return 0
		}
	}
	// Not a JSON object (may be an array or plain text).
	fmt.Println(strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 {
		return 1
	}
	return 0
}
