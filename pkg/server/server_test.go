package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gutshub/guts/pkg/object"
	"github.com/gutshub/guts/pkg/pack"
	"github.com/gutshub/guts/pkg/protocol"
	"github.com/gutshub/guts/pkg/repo"
)

func newTestServer(t *testing.T, manager *repo.Manager) *httptest.Server {
	t.Helper()
	srv := New(Config{Repos: manager, JournalPacks: true})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// seedSource fills a client-side store with a single-commit history.
func seedSource(t *testing.T) (object.Store, object.ID) {
	t.Helper()
	store := object.NewMemoryStore()

	who := object.Identity{Name: "Dev", Email: "dev@example.com", When: 1700000000, TZ: "+0000"}
	blob, err := object.PutBlob(store, &object.Blob{Data: []byte("served content\n")})
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	tree, err := object.PutTree(store, &object.Tree{Entries: []object.TreeEntry{
		{Mode: object.ModeFile, Name: "readme.md", ID: blob},
	}})
	if err != nil {
		t.Fatalf("PutTree: %v", err)
	}
	commit, err := object.PutCommit(store, &object.Commit{
		Tree: tree, Author: who, Committer: who, Message: "serve me\n",
	})
	if err != nil {
		t.Fatalf("PutCommit: %v", err)
	}
	return store, commit
}

func pushBody(t *testing.T, src object.Store, tip object.ID, refName string) *bytes.Buffer {
	t.Helper()
	var body bytes.Buffer
	pw := protocol.NewPktWriter(&body)
	line := fmt.Sprintf("%s %s %s\x00report-status", object.ZeroID, tip, refName)
	if err := pw.WriteLine(line); err != nil {
		t.Fatalf("write command: %v", err)
	}
	if err := pw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := pack.EncodeClosure(&body, src, []object.ID{tip}, nil, pack.EncodeOptions{}); err != nil {
		t.Fatalf("EncodeClosure: %v", err)
	}
	return &body
}

func TestInfoRefsAdvertisement(t *testing.T) {
	manager := repo.NewMemoryManager()
	repository, err := manager.Create("alice", "widgets", repo.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, tip := seedServerSide(t, repository)

	ts := newTestServer(t, manager)

	resp, err := http.Get(ts.URL + "/alice/widgets/info/refs?service=git-upload-pack")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/x-git-upload-pack-advertisement" {
		t.Fatalf("content type = %q", got)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "# service=git-upload-pack") {
		t.Fatalf("missing service prelude in %q", text)
	}
	if !strings.Contains(text, tip.String()+" refs/heads/main") {
		t.Fatalf("missing ref line in %q", text)
	}
	if !strings.Contains(text, tip.String()+" HEAD") {
		t.Fatalf("missing HEAD line in %q", text)
	}
}

func TestInfoRefsEmptyRepository(t *testing.T) {
	manager := repo.NewMemoryManager()
	if _, err := manager.Create("alice", "empty", repo.CreateOptions{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ts := newTestServer(t, manager)

	resp, err := http.Get(ts.URL + "/alice/empty/info/refs?service=git-receive-pack")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "capabilities^{}") {
		t.Fatalf("empty repository advertisement = %q", body)
	}
}

func TestInfoRefsRejectsDumbProtocol(t *testing.T) {
	manager := repo.NewMemoryManager()
	if _, err := manager.Create("alice", "widgets", repo.CreateOptions{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ts := newTestServer(t, manager)

	resp, err := http.Get(ts.URL + "/alice/widgets/info/refs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestUnknownRepositoryIs404(t *testing.T) {
	ts := newTestServer(t, repo.NewMemoryManager())

	resp, err := http.Get(ts.URL + "/nobody/nothing/info/refs?service=git-upload-pack")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

// seedServerSide pushes a one-commit history directly into a repository.
func seedServerSide(t *testing.T, repository *repo.Repository) (object.Store, object.ID) {
	t.Helper()
	src, tip := seedSource(t)
	ids, err := object.Closure(src, []object.ID{tip}, nil)
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	for _, id := range ids {
		typ, data, err := src.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if _, err := repository.Objects.Put(typ, data); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := repository.Refs.CompareAndSwap("refs/heads/main", object.ZeroID, tip); err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	return src, tip
}

func TestPushThenFetchRoundTrip(t *testing.T) {
	manager := repo.NewMemoryManager()
	if _, err := manager.Create("alice", "widgets", repo.CreateOptions{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ts := newTestServer(t, manager)

	src, tip := seedSource(t)

	// Push.
	pushResp, err := http.Post(
		ts.URL+"/alice/widgets/git-receive-pack",
		"application/x-git-receive-pack-request",
		pushBody(t, src, tip, "refs/heads/main"),
	)
	if err != nil {
		t.Fatalf("POST receive-pack: %v", err)
	}
	defer pushResp.Body.Close()
	if got := pushResp.Header.Get("Content-Type"); got != "application/x-git-receive-pack-result" {
		t.Fatalf("push content type = %q", got)
	}
	pushReport, _ := io.ReadAll(pushResp.Body)
	if !bytes.Contains(pushReport, []byte("unpack ok")) || !bytes.Contains(pushReport, []byte("ok refs/heads/main")) {
		t.Fatalf("push report = %q", pushReport)
	}

	// Fetch the same tip back.
	var fetchReq bytes.Buffer
	pw := protocol.NewPktWriter(&fetchReq)
	if err := pw.WriteLine(fmt.Sprintf("want %s multi_ack", tip)); err != nil {
		t.Fatalf("write want: %v", err)
	}
	if err := pw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := pw.WriteLine("done"); err != nil {
		t.Fatalf("write done: %v", err)
	}

	fetchResp, err := http.Post(
		ts.URL+"/alice/widgets/git-upload-pack",
		"application/x-git-upload-pack-request",
		&fetchReq,
	)
	if err != nil {
		t.Fatalf("POST upload-pack: %v", err)
	}
	defer fetchResp.Body.Close()
	if got := fetchResp.Header.Get("Content-Type"); got != "application/x-git-upload-pack-result" {
		t.Fatalf("fetch content type = %q", got)
	}

	respBytes, err := io.ReadAll(fetchResp.Body)
	if err != nil {
		t.Fatalf("read fetch body: %v", err)
	}
	buf := bytes.NewBuffer(respBytes)
	pr := protocol.NewPktReader(buf)
	pkt, err := pr.NextLine()
	if err != nil || string(pkt.Data) != "NAK" {
		t.Fatalf("negotiation = %q, err %v", pkt.Data, err)
	}

	objects, err := pack.Decode(buf.Bytes(), nil)
	if err != nil {
		t.Fatalf("Decode fetched pack: %v", err)
	}
	if len(objects) != 3 {
		t.Fatalf("fetched %d objects, want 3", len(objects))
	}
	found := false
	for _, obj := range objects {
		if obj.ID == tip {
			found = true
		}
	}
	if !found {
		t.Fatal("fetched pack missing the pushed tip")
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	ts := newTestServer(t, repo.NewMemoryManager())

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	// Drive one instrumented request so the counters have samples.
	resp, err = http.Get(ts.URL + "/nobody/nothing/info/refs?service=git-upload-pack")
	if err != nil {
		t.Fatalf("GET info/refs: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("guts_http_requests_total")) {
		t.Fatalf("metrics output missing request counter: %q", body[:min(len(body), 200)])
	}
}
