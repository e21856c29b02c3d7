// Manual smoke test for task cancellation against a running control plane.
// Submits a deliberately slow task through the generic webhook channel, lets
// it stream for a moment, cancels it, and verifies the task settles in the
// canceled status without losing its log history.
//
// Point it at a control plane whose static driver talks to the mock worker:
//
//	DRIVER=static STATIC_WORKER_URL=http://localhost:8001 WEBHOOK_SECRET=dev anywork &
//	mock-worker &
//	go run ./scripts/cancel-smoke -api=http://localhost:8080 -token=dev
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

var (
	apiURL    = flag.String("api", "http://localhost:8080", "Control plane base URL")
	token     = flag.String("token", "", "Webhook channel shared secret")
	slowFor   = flag.Duration("slow", 30*time.Second, "How long the mock worker should stream")
	cancelIn  = flag.Duration("cancel-after", 3*time.Second, "Delay before the cancel is sent")
	settleFor = flag.Duration("settle", 10*time.Second, "How long to wait for the terminal status")
)

func main() {
	flag.Parse()
	if *token == "" {
		fail("missing -token (the webhook channel shared secret)")
	}

	taskID := submitSlowTask()
	fmt.Printf("submitted task %s, cancelling in %s...\n", taskID, *cancelIn)
	time.Sleep(*cancelIn)

	logsBefore := countLogs(taskID)
	fmt.Printf("task streamed %d log entries so far\n", logsBefore)
	if logsBefore == 0 {
		fmt.Println("warning: no log entries yet, cancel may race the first frame")
	}

	cancelTask(taskID)
	fmt.Println("cancel accepted, waiting for the task to settle...")

	status := waitForTerminal(taskID)
	if status != "canceled" {
		fail("task finished as %q, want canceled", status)
	}

	logsAfter := countLogs(taskID)
	if logsAfter < logsBefore {
		fail("log history shrank after cancel: %d -> %d", logsBefore, logsAfter)
	}
	fmt.Printf("ok: task canceled with %d log entries retained\n", logsAfter)
}

func submitSlowTask() string {
	body, _ := json.Marshal(map[string]string{
		"message": fmt.Sprintf("/slow %s", *slowFor),
	})
	req, err := http.NewRequest(http.MethodPost, *apiURL+"/api/channel/webhook/webhook", bytes.NewReader(body))
	if err != nil {
		fail("build submit request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Token", *token)

	var parsed struct {
		TaskID string `json:"taskId"`
	}
	resp := doJSON(req, &parsed)
	if resp.StatusCode != http.StatusAccepted {
		fail("submit returned HTTP %d", resp.StatusCode)
	}
	if parsed.TaskID == "" {
		fail("submit response carried no taskId")
	}
	return parsed.TaskID
}

func cancelTask(taskID string) {
	req, err := http.NewRequest(http.MethodPost, *apiURL+"/api/tasks/"+taskID+"/cancel", nil)
	if err != nil {
		fail("build cancel request: %v", err)
	}
	resp := doJSON(req, nil)
	if resp.StatusCode != http.StatusOK {
		fail("cancel returned HTTP %d", resp.StatusCode)
	}
}

func countLogs(taskID string) int {
	req, err := http.NewRequest(http.MethodGet, *apiURL+"/api/tasks/"+taskID+"/logs?limit=500", nil)
	if err != nil {
		fail("build logs request: %v", err)
	}
	var parsed struct {
		Logs []json.RawMessage `json:"logs"`
	}
	resp := doJSON(req, &parsed)
	if resp.StatusCode != http.StatusOK {
		fail("logs returned HTTP %d", resp.StatusCode)
	}
	return len(parsed.Logs)
}

func waitForTerminal(taskID string) string {
	deadline := time.Now().Add(*settleFor)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, *apiURL+"/api/tasks/"+taskID, nil)
		if err != nil {
			fail("build status request: %v", err)
		}
		var parsed struct {
			Status string `json:"status"`
		}
		resp := doJSON(req, &parsed)
		if resp.StatusCode != http.StatusOK {
			fail("get task returned HTTP %d", resp.StatusCode)
		}
		switch parsed.Status {
		case "completed", "failed", "canceled":
			return parsed.Status
		}
		time.Sleep(250 * time.Millisecond)
	}
	fail("task did not settle within %s", *settleFor)
	return ""
}

func doJSON(req *http.Request, out interface{}) *http.Response {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fail("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fail("decode %s response: %v", req.URL.Path, err)
		}
	}
	return resp
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "cancel-smoke: "+format+"\n", args...)
	os.Exit(1)
}
