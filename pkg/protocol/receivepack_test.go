package protocol

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/gutshub/guts/pkg/object"
	"github.com/gutshub/guts/pkg/pack"
	"github.com/gutshub/guts/pkg/refs"
)

// pushRequest frames a command list and appends an optional raw pack.
func pushRequest(t *testing.T, caps string, commands []Command, packData []byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	pw := NewPktWriter(&buf)
	for i, cmd := range commands {
		line := fmt.Sprintf("%s %s %s", cmd.Old, cmd.New, cmd.Name)
		if i == 0 && caps != "" {
			line += "\x00" + caps
		}
		if err := pw.WriteLine(line); err != nil {
			t.Fatalf("write command: %v", err)
		}
	}
	if err := pw.Flush(); err != nil {
		t.Fatalf("flush commands: %v", err)
	}
	buf.Write(packData)
	return &buf
}

// packFor encodes the full closure of tip from src into raw pack bytes.
func packFor(t *testing.T, src object.Store, tips ...object.ID) []byte {
	t.Helper()
	var buf bytes.Buffer
	if _, err := pack.EncodeClosure(&buf, src, tips, nil, pack.EncodeOptions{}); err != nil {
		t.Fatalf("EncodeClosure: %v", err)
	}
	return buf.Bytes()
}

func readReport(t *testing.T, resp *bytes.Buffer) []string {
	t.Helper()
	pr := NewPktReader(resp)
	var lines []string
	for {
		pkt, err := pr.NextLine()
		if err != nil {
			t.Fatalf("read report: %v", err)
		}
		if pkt.Kind == PacketFlush {
			return lines
		}
		lines = append(lines, string(pkt.Data))
	}
}

func TestReceivePackCreateBranch(t *testing.T) {
	src := object.NewMemoryStore()
	_, tip := history(t, src)

	dst := object.NewMemoryStore()
	refStore := refs.NewMemoryStore()
	rp := &ReceivePack{Objects: dst, Refs: refStore}

	cmd := Command{Old: object.ZeroID, New: tip, Name: "refs/heads/main"}
	req := pushRequest(t, "report-status", []Command{cmd}, packFor(t, src, tip))

	var resp bytes.Buffer
	if err := rp.Run(context.Background(), req, &resp); err != nil {
		t.Fatalf("Run: %v", err)
	}

	report := readReport(t, &resp)
	if len(report) != 2 || report[0] != "unpack ok" || report[1] != "ok refs/heads/main" {
		t.Fatalf("report = %q", report)
	}

	got, err := refStore.Read("refs/heads/main")
	if err != nil {
		t.Fatalf("Read ref: %v", err)
	}
	if got != tip {
		t.Fatalf("ref target = %s, want %s", got, tip)
	}
	if !dst.Has(tip) {
		t.Fatal("pushed tip not persisted")
	}
	if dst.Len() != 6 {
		t.Fatalf("persisted %d objects, want 6", dst.Len())
	}
}

func TestReceivePackStalePushRejected(t *testing.T) {
	src := object.NewMemoryStore()
	base, tip := history(t, src)

	dst := object.NewMemoryStore()
	refStore := refs.NewMemoryStore()
	rp := &ReceivePack{Objects: dst, Refs: refStore}

	// Seed the branch at base, then push claiming an old value of tip.
	seed := pushRequest(t, "report-status",
		[]Command{{Old: object.ZeroID, New: base, Name: "refs/heads/main"}},
		packFor(t, src, base))
	var seedResp bytes.Buffer
	if err := rp.Run(context.Background(), seed, &seedResp); err != nil {
		t.Fatalf("seed push: %v", err)
	}

	stale := pushRequest(t, "report-status",
		[]Command{{Old: tip, New: tip, Name: "refs/heads/main"}},
		packFor(t, src, tip))
	var resp bytes.Buffer
	if err := rp.Run(context.Background(), stale, &resp); err != nil {
		t.Fatalf("stale push: %v", err)
	}

	report := readReport(t, &resp)
	if report[0] != "unpack ok" {
		t.Fatalf("report = %q", report)
	}
	if want := "ng refs/heads/main stale info"; report[1] != want {
		t.Fatalf("report[1] = %q, want %q", report[1], want)
	}

	// The ref must be untouched; the objects stay (write-once dedup).
	got, err := refStore.Read("refs/heads/main")
	if err != nil {
		t.Fatalf("Read ref: %v", err)
	}
	if got != base {
		t.Fatalf("ref moved to %s by rejected push", got)
	}
	if !dst.Has(tip) {
		t.Fatal("decoded objects should remain committed after a rejected command")
	}
}

func TestReceivePackDeleteBranch(t *testing.T) {
	src := object.NewMemoryStore()
	base, _ := history(t, src)

	dst := object.NewMemoryStore()
	refStore := refs.NewMemoryStore()
	rp := &ReceivePack{Objects: dst, Refs: refStore}

	seed := pushRequest(t, "report-status",
		[]Command{{Old: object.ZeroID, New: base, Name: "refs/heads/gone"}},
		packFor(t, src, base))
	var seedResp bytes.Buffer
	if err := rp.Run(context.Background(), seed, &seedResp); err != nil {
		t.Fatalf("seed push: %v", err)
	}

	// Deletion pushes carry no pack at all.
	del := pushRequest(t, "report-status delete-refs",
		[]Command{{Old: base, New: object.ZeroID, Name: "refs/heads/gone"}}, nil)
	var resp bytes.Buffer
	if err := rp.Run(context.Background(), del, &resp); err != nil {
		t.Fatalf("delete push: %v", err)
	}

	report := readReport(t, &resp)
	if len(report) != 2 || report[0] != "unpack ok" || report[1] != "ok refs/heads/gone" {
		t.Fatalf("report = %q", report)
	}
	if _, err := refStore.Read("refs/heads/gone"); err == nil {
		t.Fatal("ref still present after deletion push")
	}
}

func TestReceivePackCorruptPackAbortsEverything(t *testing.T) {
	src := object.NewMemoryStore()
	_, tip := history(t, src)

	dst := object.NewMemoryStore()
	refStore := refs.NewMemoryStore()
	rp := &ReceivePack{Objects: dst, Refs: refStore}

	raw := packFor(t, src, tip)
	raw[len(raw)-1] ^= 0xff

	req := pushRequest(t, "report-status",
		[]Command{{Old: object.ZeroID, New: tip, Name: "refs/heads/main"}}, raw)
	var resp bytes.Buffer
	if err := rp.Run(context.Background(), req, &resp); err != nil {
		t.Fatalf("Run: %v", err)
	}

	report := readReport(t, &resp)
	if len(report) != 1 || !strings.HasPrefix(report[0], "unpack error") {
		t.Fatalf("report = %q, want a single unpack error line", report)
	}
	if dst.Len() != 0 {
		t.Fatalf("corrupt pack persisted %d objects, want 0", dst.Len())
	}
	if _, err := refStore.Read("refs/heads/main"); err == nil {
		t.Fatal("ref created despite failed unpack")
	}
}

func TestReceivePackMalformedObjectPersistsNothing(t *testing.T) {
	// A pack that decodes cleanly on the wire but whose second record is a
	// structurally invalid tree. No object from it may become visible.
	badTree := []byte("garbage")
	var raw bytes.Buffer
	pw, err := pack.NewWriter(&raw, 2)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := pw.WriteFull(pack.EntryBlob, []byte("well formed blob\n")); err != nil {
		t.Fatalf("WriteFull blob: %v", err)
	}
	if err := pw.WriteFull(pack.EntryTree, badTree); err != nil {
		t.Fatalf("WriteFull tree: %v", err)
	}
	if _, err := pw.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	dst := object.NewMemoryStore()
	refStore := refs.NewMemoryStore()
	rp := &ReceivePack{Objects: dst, Refs: refStore}

	target := object.ComputeID(object.TypeTree, badTree)
	req := pushRequest(t, "report-status",
		[]Command{{Old: object.ZeroID, New: target, Name: "refs/heads/main"}}, raw.Bytes())
	var resp bytes.Buffer
	if err := rp.Run(context.Background(), req, &resp); err != nil {
		t.Fatalf("Run: %v", err)
	}

	report := readReport(t, &resp)
	if len(report) != 1 || !strings.HasPrefix(report[0], "unpack error") {
		t.Fatalf("report = %q, want a single unpack error line", report)
	}
	if dst.Len() != 0 {
		t.Fatalf("malformed record persisted %d objects, want 0", dst.Len())
	}
	if _, err := refStore.Read("refs/heads/main"); err == nil {
		t.Fatal("ref created despite failed unpack")
	}
}

func TestReceivePackIndependentCommands(t *testing.T) {
	src := object.NewMemoryStore()
	base, tip := history(t, src)

	dst := object.NewMemoryStore()
	refStore := refs.NewMemoryStore()
	if err := refStore.CompareAndSwap("refs/heads/locked", object.ZeroID, tip); err != nil {
		t.Fatalf("seed ref: %v", err)
	}

	rp := &ReceivePack{Objects: dst, Refs: refStore}
	commands := []Command{
		{Old: object.ZeroID, New: tip, Name: "refs/heads/ok-branch"},
		{Old: base, New: tip, Name: "refs/heads/locked"}, // stale old value
		{Old: object.ZeroID, New: base, Name: "refs/heads/another"},
	}
	req := pushRequest(t, "report-status", commands, packFor(t, src, tip))

	var resp bytes.Buffer
	if err := rp.Run(context.Background(), req, &resp); err != nil {
		t.Fatalf("Run: %v", err)
	}

	report := readReport(t, &resp)
	want := []string{
		"unpack ok",
		"ok refs/heads/ok-branch",
		"ng refs/heads/locked stale info",
		"ok refs/heads/another",
	}
	if len(report) != len(want) {
		t.Fatalf("report = %q", report)
	}
	for i := range want {
		if report[i] != want[i] {
			t.Fatalf("report[%d] = %q, want %q", i, report[i], want[i])
		}
	}
}

func TestReceivePackSidebandReport(t *testing.T) {
	src := object.NewMemoryStore()
	base, _ := history(t, src)

	rp := &ReceivePack{Objects: object.NewMemoryStore(), Refs: refs.NewMemoryStore()}
	req := pushRequest(t, "report-status side-band-64k",
		[]Command{{Old: object.ZeroID, New: base, Name: "refs/heads/main"}},
		packFor(t, src, base))

	var resp bytes.Buffer
	if err := rp.Run(context.Background(), req, &resp); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Demux channel 1, then parse the inner report.
	pr := NewPktReader(&resp)
	var inner bytes.Buffer
	for {
		pkt, err := pr.Next()
		if err != nil {
			t.Fatalf("read sideband frame: %v", err)
		}
		if pkt.Kind == PacketFlush {
			break
		}
		if len(pkt.Data) == 0 || pkt.Data[0] != sidebandData {
			t.Fatalf("unexpected frame %+v", pkt)
		}
		inner.Write(pkt.Data[1:])
	}

	report := readReport(t, &inner)
	if len(report) != 2 || report[0] != "unpack ok" || report[1] != "ok refs/heads/main" {
		t.Fatalf("sideband report = %q", report)
	}
}

func TestReceivePackConcurrentBranchPushes(t *testing.T) {
	src := object.NewMemoryStore()
	base, tip := history(t, src)

	dst := object.NewMemoryStore()
	refStore := refs.NewMemoryStore()

	pushes := []struct {
		name string
		tip  object.ID
	}{
		{"refs/heads/one", base},
		{"refs/heads/two", tip},
		{"refs/heads/three", base},
		{"refs/heads/four", tip},
	}

	// Requests are framed up front; goroutines only run the exchanges.
	requests := make([]*bytes.Buffer, len(pushes))
	for i, p := range pushes {
		requests[i] = pushRequest(t, "report-status",
			[]Command{{Old: object.ZeroID, New: p.tip, Name: p.name}},
			packFor(t, src, p.tip))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(pushes))
	responses := make([]bytes.Buffer, len(pushes))
	for i := range pushes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rp := &ReceivePack{Objects: dst, Refs: refStore}
			if err := rp.Run(context.Background(), requests[i], &responses[i]); err != nil {
				errs <- fmt.Errorf("%s: %w", pushes[i].name, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	for i, p := range pushes {
		report := readReport(t, &responses[i])
		if report[0] != "unpack ok" || report[1] != "ok "+p.name {
			t.Fatalf("%s: report %q", p.name, report)
		}
	}

	for _, p := range pushes {
		got, err := refStore.Read(p.name)
		if err != nil {
			t.Fatalf("Read %s: %v", p.name, err)
		}
		if got != p.tip {
			t.Fatalf("%s = %s, want %s", p.name, got, p.tip)
		}
	}
}

func TestReceivePackThinPack(t *testing.T) {
	src := object.NewMemoryStore()
	base, tip := history(t, src)

	dst := object.NewMemoryStore()
	refStore := refs.NewMemoryStore()
	rp := &ReceivePack{Objects: dst, Refs: refStore}

	// First push establishes base history on the server.
	first := pushRequest(t, "report-status",
		[]Command{{Old: object.ZeroID, New: base, Name: "refs/heads/main"}},
		packFor(t, src, base))
	var firstResp bytes.Buffer
	if err := rp.Run(context.Background(), first, &firstResp); err != nil {
		t.Fatalf("first push: %v", err)
	}

	// Second pack deltas against base objects it omits (thin pack).
	ids, err := object.Closure(src, []object.ID{tip}, []object.ID{base})
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	var thin bytes.Buffer
	baseIDs := make([]object.ID, 0, 4)
	baseClosure, err := object.Closure(src, []object.ID{base}, nil)
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	baseIDs = append(baseIDs, baseClosure...)
	if _, err := pack.Encode(&thin, src, ids, pack.EncodeOptions{ThinBases: baseIDs}); err != nil {
		t.Fatalf("Encode thin: %v", err)
	}

	second := pushRequest(t, "report-status",
		[]Command{{Old: base, New: tip, Name: "refs/heads/main"}}, thin.Bytes())
	var resp bytes.Buffer
	if err := rp.Run(context.Background(), second, &resp); err != nil {
		t.Fatalf("thin push: %v", err)
	}

	report := readReport(t, &resp)
	if len(report) != 2 || report[0] != "unpack ok" || report[1] != "ok refs/heads/main" {
		t.Fatalf("report = %q", report)
	}
	if !dst.Has(tip) {
		t.Fatal("thin push did not persist the new tip")
	}
}

func signedCommit(t *testing.T, store object.Store, signer ssh.Signer) object.ID {
	t.Helper()

	who := object.Identity{Name: "Dev", Email: "dev@example.com", When: 1700000000, TZ: "+0000"}
	blob, err := object.PutBlob(store, &object.Blob{Data: []byte("signed contents\n")})
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	tree, err := object.PutTree(store, &object.Tree{Entries: []object.TreeEntry{
		{Mode: object.ModeFile, Name: "s.txt", ID: blob},
	}})
	if err != nil {
		t.Fatalf("PutTree: %v", err)
	}

	commit := &object.Commit{Tree: tree, Author: who, Committer: who, Message: "signed\n"}
	sig, err := signer.Sign(rand.Reader, object.SigningPayload(commit))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pubB64 := base64.StdEncoding.EncodeToString(signer.PublicKey().Marshal())
	sigB64 := base64.StdEncoding.EncodeToString(sig.Blob)
	commit.Signature = fmt.Sprintf("%s:%s:%s:%s", commitSignaturePrefix, sig.Format, pubB64, sigB64)

	id, err := object.PutCommit(store, commit)
	if err != nil {
		t.Fatalf("PutCommit: %v", err)
	}
	return id
}

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey: %v", err)
	}
	return signer
}

func TestVerifyCommitSignature(t *testing.T) {
	store := object.NewMemoryStore()
	signer := newTestSigner(t)
	id := signedCommit(t, store, signer)

	commit, err := object.GetCommit(store, id)
	if err != nil {
		t.Fatalf("GetCommit: %v", err)
	}
	pub, err := VerifyCommitSignature(commit)
	if err != nil {
		t.Fatalf("VerifyCommitSignature: %v", err)
	}
	if !bytes.Equal(pub.Marshal(), signer.PublicKey().Marshal()) {
		t.Fatal("verification returned the wrong public key")
	}

	// Tampering with the message must break verification.
	commit.Message = "tampered\n"
	if _, err := VerifyCommitSignature(commit); err == nil {
		t.Fatal("expected verification failure after tampering")
	}
}

func TestReceivePackSignaturePolicy(t *testing.T) {
	signer := newTestSigner(t)

	src := object.NewMemoryStore()
	signedTip := signedCommit(t, src, signer)
	_, unsignedTip := history(t, src)

	policy := PushPolicy{
		RequireSignedCommits: true,
		AllowedSigners:       []ssh.PublicKey{signer.PublicKey()},
	}

	t.Run("signed commit accepted", func(t *testing.T) {
		rp := &ReceivePack{Objects: object.NewMemoryStore(), Refs: refs.NewMemoryStore(), Policy: policy}
		req := pushRequest(t, "report-status",
			[]Command{{Old: object.ZeroID, New: signedTip, Name: "refs/heads/main"}},
			packFor(t, src, signedTip))
		var resp bytes.Buffer
		if err := rp.Run(context.Background(), req, &resp); err != nil {
			t.Fatalf("Run: %v", err)
		}
		report := readReport(t, &resp)
		if report[0] != "unpack ok" {
			t.Fatalf("report = %q", report)
		}
	})

	t.Run("unsigned commit rejected", func(t *testing.T) {
		dst := object.NewMemoryStore()
		rp := &ReceivePack{Objects: dst, Refs: refs.NewMemoryStore(), Policy: policy}
		req := pushRequest(t, "report-status",
			[]Command{{Old: object.ZeroID, New: unsignedTip, Name: "refs/heads/main"}},
			packFor(t, src, unsignedTip))
		var resp bytes.Buffer
		if err := rp.Run(context.Background(), req, &resp); err != nil {
			t.Fatalf("Run: %v", err)
		}
		report := readReport(t, &resp)
		if len(report) != 1 || !strings.HasPrefix(report[0], "unpack error") {
			t.Fatalf("report = %q", report)
		}
		if dst.Len() != 0 {
			t.Fatal("objects persisted despite policy rejection")
		}
	})

	t.Run("unauthorized signer rejected", func(t *testing.T) {
		other := newTestSigner(t)
		otherSrc := object.NewMemoryStore()
		otherTip := signedCommit(t, otherSrc, other)

		rp := &ReceivePack{Objects: object.NewMemoryStore(), Refs: refs.NewMemoryStore(), Policy: policy}
		req := pushRequest(t, "report-status",
			[]Command{{Old: object.ZeroID, New: otherTip, Name: "refs/heads/main"}},
			packFor(t, otherSrc, otherTip))
		var resp bytes.Buffer
		if err := rp.Run(context.Background(), req, &resp); err != nil {
			t.Fatalf("Run: %v", err)
		}
		report := readReport(t, &resp)
		if len(report) != 1 || !strings.HasPrefix(report[0], "unpack error") {
			t.Fatalf("report = %q", report)
		}
	})
}
