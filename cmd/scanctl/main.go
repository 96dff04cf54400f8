package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("SCAND_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}
	apiKey := os.Getenv("SCAND_API_KEY")

	switch os.Args[1] {
	case "submit":
		cmdSubmit(gateway, apiKey)
	case "status":
		cmdStatus(gateway, apiKey)
	case "cancel":
		cmdCancel(gateway, apiKey)
	case "list":
		cmdList(gateway, apiKey)
	case "stream":
		cmdStream(gateway, apiKey)
	case "version":
		fmt.Printf("scanctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`scanctl v` + version + `

Usage: scanctl <command> [flags]

Commands:
  submit    Submit an async scan task
  status    Get task status
  cancel    Cancel a running task
  list      List recent tasks
  stream    Stream a scan live over SSE
  version   Print version
  help      Show this help

Environment:
  SCAND_URL       Server URL (default: http://localhost:8080)
  SCAND_API_KEY   API key for authentication

Examples:
  scanctl submit --target scanme.example.io --ports 1-1024
  scanctl status <task-id>
  scanctl stream --target scanme.example.io --ports 22,80,443`)
}

// ----------------------------------------------------------------
// submit command
// ----------------------------------------------------------------

func cmdSubmit(gateway, apiKey string) {
	target, ports, allowPrivate := scanFlags(os.Args[2:])
	if target == "" || ports == "" {
		fmt.Fprintln(os.Stderr, "Usage: scanctl submit --target <host> --ports <spec> [--allow-private]")
		os.Exit(1)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"target":        target,
		"ports":         ports,
		"allow_private": allowPrivate,
	})
	resp, err := doRequest("POST", gateway+"/scan", body, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]interface{}
	json.Unmarshal(resp, &result)
	if e, ok := result["error"]; ok {
		fmt.Fprintf(os.Stderr, "Rejected: %v\n", e)
		os.Exit(1)
	}
	fmt.Printf("Task:   %s\nState:  %s\n", result["task_id"], result["state"])
}

// ----------------------------------------------------------------
// status / cancel commands
// ----------------------------------------------------------------

func cmdStatus(gateway, apiKey string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: scanctl status <task-id>")
		os.Exit(1)
	}
	resp, err := doRequest("GET", gateway+"/scan/"+os.Args[2], nil, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}

	var task map[string]interface{}
	json.Unmarshal(resp, &task)
	if _, ok := task["task_id"]; !ok {
		fmt.Fprintf(os.Stderr, "%v\n", task["error"])
		os.Exit(1)
	}

	fmt.Printf("Task:    %s\nTarget:  %s\nState:   %s\n", task["task_id"], task["target"], task["state"])
	if errMsg, ok := task["error"].(string); ok && errMsg != "" {
		fmt.Printf("Error:   %s\n", errMsg)
	}
	if result, ok := task["result"].(map[string]interface{}); ok {
		open, _ := result["open_ports"].([]interface{})
		fmt.Printf("Open:    %d port(s)\n", len(open))
		for _, p := range open {
			port := p.(map[string]interface{})
			fmt.Printf("  %5.0f/tcp  %-12s %s\n",
				toFloat(port["port"]), str(port["service"]), str(port["version"]))
		}
	}
}

func cmdCancel(gateway, apiKey string) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: scanctl cancel <task-id>")
		os.Exit(1)
	}
	resp, err := doRequest("DELETE", gateway+"/scan/"+os.Args[2], nil, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	var result map[string]interface{}
	json.Unmarshal(resp, &result)
	if e, ok := result["error"]; ok {
		fmt.Fprintf(os.Stderr, "%v\n", e)
		os.Exit(1)
	}
	fmt.Printf("Task %s: %s\n", result["task_id"], result["state"])
}

// ----------------------------------------------------------------
// list command
// ----------------------------------------------------------------

func cmdList(gateway, apiKey string) {
	resp, err := doRequest("GET", gateway+"/scans", nil, apiKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]interface{}
	json.Unmarshal(resp, &result)
	tasks, ok := result["tasks"].([]interface{})
	if !ok || len(tasks) == 0 {
		fmt.Println("No tasks.")
		return
	}

	fmt.Printf("%-36s %-24s %-10s %s\n", "TASK", "TARGET", "STATE", "UPDATED")
	fmt.Println(strings.Repeat("-", 88))
	for _, t := range tasks {
		task := t.(map[string]interface{})
		fmt.Printf("%-36s %-24s %-10s %s\n",
			task["task_id"], task["target"], task["state"], str(task["updated_at"]))
	}
}

// ----------------------------------------------------------------
// stream command
// ----------------------------------------------------------------

func cmdStream(gateway, apiKey string) {
	target, ports, allowPrivate := scanFlags(os.Args[2:])
	if target == "" || ports == "" {
		fmt.Fprintln(os.Stderr, "Usage: scanctl stream --target <host> --ports <spec> [--allow-private]")
		os.Exit(1)
	}

	q := url.Values{"target": {target}, "ports": {ports}}
	if allowPrivate {
		q.Set("allow_private", "true")
	}

	req, err := http.NewRequest("GET", gateway+"/scan/stream?"+q.Encode(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	// No client timeout: the stream lives as long as the scan.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Rejected (%d): %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
		os.Exit(1)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]interface{}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		printEvent(ev)
		if ev["type"] == "scan_complete" || ev["type"] == "error" {
			return
		}
	}
}

func printEvent(ev map[string]interface{}) {
	switch ev["type"] {
	case "scan_start":
		fmt.Printf("scanning %s (%v ports)\n", ev["target"], toFloat(ev["total_ports"]))
	case "tier_start":
		fmt.Printf("-- tier %s (%v ports)\n", ev["tier"], toFloat(ev["count"]))
	case "open_port":
		port, _ := ev["port"].(map[string]interface{})
		if port == nil {
			return
		}
		line := fmt.Sprintf("%5.0f/tcp open  %-12s %s", toFloat(port["port"]), str(port["service"]), str(port["version"]))
		if sev := str(port["severity"]); sev != "" && sev != "LOW" {
			line += fmt.Sprintf("  [%s]", sev)
		}
		fmt.Println(strings.TrimRight(line, " "))
	case "tier_complete":
		fmt.Printf("-- tier %s done, %v open (%.0f%%)\n",
			ev["tier"], toFloat(ev["open_count"]), toFloat(ev["progress"]))
	case "scan_complete":
		fmt.Println("scan complete")
	case "error":
		fmt.Printf("scan failed: %s\n", str(ev["message"]))
	}
}

// ----------------------------------------------------------------
// helpers
// ----------------------------------------------------------------

func scanFlags(args []string) (target, ports string, allowPrivate bool) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--target", "-t":
			i++
			if i < len(args) {
				target = args[i]
			}
		case "--ports", "-p":
			i++
			if i < len(args) {
				ports = args[i]
			}
		case "--allow-private":
			allowPrivate = true
		}
	}
	return target, ports, allowPrivate
}

func doRequest(method, url string, body []byte, apiKey string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func toFloat(v interface{}) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	default:
		return 0
	}
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
