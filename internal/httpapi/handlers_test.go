package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/torosent/aca-dts/internal/codeexec"
	"github.com/torosent/aca-dts/internal/engine"
	"github.com/torosent/aca-dts/pkg/api"
	"github.com/torosent/aca-dts/pkg/worker"
)

type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, code string) (string, error) {
	return "ran: " + code, nil
}

func newTestServer(t *testing.T) (*httptest.Server, api.Engine) {
	t.Helper()

	eng, q := engine.NewInMemoryEngine()
	if err := codeexec.Register(eng, echoExecutor{}, codeexec.Options{ApprovalTimeout: time.Hour}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go worker.New(eng, q, worker.Config{Concurrency: 2}).Run(ctx)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewRouter(NewHandler(eng, logger)))
	t.Cleanup(srv.Close)
	return srv, eng
}

func postJSON(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return resp, data
}

func getStatus(t *testing.T, srvURL, requestID string) (int, statusResponse) {
	t.Helper()
	resp, err := http.Get(srvURL + "/code/status/" + requestID)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()
	var out statusResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decoding status: %v", err)
		}
	}
	return resp.StatusCode, out
}

func waitForCustomStatus(t *testing.T, srvURL, requestID string) statusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		code, st := getStatus(t, srvURL, requestID)
		if code == http.StatusOK && st.CustomStatus != "" {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("request %s never published a custom status", requestID)
	return statusResponse{}
}

func TestExecuteReviewRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/code/execute", `"print(6*7)"`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute returned %d: %s", resp.StatusCode, body)
	}
	var started executeResponse
	if err := json.Unmarshal(body, &started); err != nil {
		t.Fatalf("decoding execute response: %v", err)
	}
	if started.RequestID == "" {
		t.Fatalf("expected a request id")
	}

	st := waitForCustomStatus(t, srv.URL, started.RequestID)
	if st.CustomStatus != "ran: print(6*7)" {
		t.Fatalf("expected sandbox result as custom status, got %q", st.CustomStatus)
	}
	if st.Status != api.StatusRunning {
		t.Fatalf("expected RUNNING while pending review, got %s", st.Status)
	}

	resp, body = postJSON(t, srv.URL+"/code/review?approve=true&requestId="+started.RequestID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("review returned %d: %s", resp.StatusCode, body)
	}
	var review reviewResponse
	if err := json.Unmarshal(body, &review); err != nil {
		t.Fatalf("decoding review response: %v", err)
	}
	if review.Message != "Code execution approved." {
		t.Fatalf("unexpected review message %q", review.Message)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, st = getStatus(t, srv.URL, started.RequestID)
		if st.Status == api.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("request never completed, last status %s", st.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st.Approved == nil || !*st.Approved {
		t.Fatalf("expected approved=true, got %+v", st.Approved)
	}
}

func TestExecuteRejectsBlankCode(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, body := range []string{`""`, `"   "`, `{"not":"a string"}`} {
		resp, _ := postJSON(t, srv.URL+"/code/execute", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestReviewValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := postJSON(t, srv.URL+"/code/review?approve=true", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing requestId: expected 400, got %d", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL+"/code/review?approve=maybe&requestId=x", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad approve flag: expected 400, got %d", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.URL+"/code/review?approve=true&requestId=missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown request: expected 404, got %d", resp.StatusCode)
	}
}

func TestStatusUnknownRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	code, _ := getStatus(t, srv.URL, "missing")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestListRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/code/execute", `"print(1)"`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute returned %d: %s", resp.StatusCode, body)
	}

	listResp, err := http.Get(srv.URL + "/code/requests?status=running")
	if err != nil {
		t.Fatalf("GET requests: %v", err)
	}
	defer listResp.Body.Close()
	var out []statusResponse
	if err := json.NewDecoder(listResp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 running request, got %d", len(out))
	}

	badResp, err := http.Get(srv.URL + "/code/requests?status=bogus")
	if err != nil {
		t.Fatalf("GET requests: %v", err)
	}
	badResp.Body.Close()
	if badResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bogus filter, got %d", badResp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
