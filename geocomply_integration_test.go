//go:build cgo

package geocomply

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brunobiangulo/geocomply/agent"
	"github.com/brunobiangulo/geocomply/chunker"
	"github.com/brunobiangulo/geocomply/extract"
	"github.com/brunobiangulo/geocomply/feedback"
	"github.com/brunobiangulo/geocomply/llm"
	"github.com/brunobiangulo/geocomply/orchestrator"
	"github.com/brunobiangulo/geocomply/overlay"
	"github.com/brunobiangulo/geocomply/store"
)

const testDim = 4

// keywordEmbedder produces deterministic embeddings from keyword
// presence, so a query sharing keywords with a chunk ranks it first.
type keywordEmbedder struct{}

func (keywordEmbedder) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("embedder does not chat")
}

func (keywordEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		v := make([]float32, testDim)
		if strings.Contains(lower, "curfew") {
			v[0] = 1
		}
		if strings.Contains(lower, "utah") {
			v[1] = 1
		}
		if strings.Contains(lower, "dark") {
			v[2] = 1
		}
		v[3] = 0.1
		out[i] = v
	}
	return out, nil
}

// scriptedChat answers screening/research/validation prompts by matching
// the system prompt, with one canned response per stage.
type scriptedChat struct {
	screening  string
	research   string
	validation string
	learning   string
}

func (s *scriptedChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	sys := req.Messages[0].Content
	var content string
	switch {
	case strings.Contains(sys, "screening analyst"):
		content = s.screening
	case strings.Contains(sys, "research analyst"):
		content = s.research
	case strings.Contains(sys, "validation reviewer"):
		content = s.validation
	case strings.Contains(sys, "terminology glossary"):
		content = s.learning
	default:
		return nil, errors.New("unrecognized prompt")
	}
	return &llm.ChatResponse{Content: content}, nil
}

func (s *scriptedChat) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return keywordEmbedder{}.Embed(ctx, texts)
}

// newTestEngine wires a full engine over a temp store with fake
// providers, mirroring New without network dependencies.
func newTestEngine(t *testing.T, chat llm.Provider) *engine {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	cfg.EmbeddingDim = testDim
	cfg.ChunkSize = 120
	cfg.ChunkOverlap = 20

	s, err := store.New(cfg.DBPath, testDim)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	chunkr, err := chunker.New(chunker.Config{Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap})
	if err != nil {
		t.Fatalf("creating chunker: %v", err)
	}

	embedLLM := keywordEmbedder{}
	overlays := overlay.NewStore(overlay.DefaultTerms())
	retriever := &indexRetriever{store: s, embedLLM: embedLLM}

	orch := orchestrator.New(
		agent.NewScreening(chat, "test"),
		agent.NewResearch(chat, retriever, "test", cfg.ResearchTopK),
		agent.NewValidation(chat, "test"),
		overlays,
		orchestrator.Config{
			ResearchThreshold: cfg.ResearchThreshold,
			StageRetries:      1,
			RetryBackoff:      time.Millisecond,
			StageTimeout:      time.Second,
			ScreeningWeight:   cfg.ScreeningWeight,
			ResearchWeight:    cfg.ResearchWeight,
		},
	)

	return &engine{
		cfg:        cfg,
		store:      s,
		chatLLM:    chat,
		embedLLM:   embedLLM,
		extractors: extract.NewRegistry(),
		chunkr:     chunkr,
		overlays:   overlays,
		orch:       orch,
		fb:         feedback.New(overlays, agent.NewLearning(chat, "test"), s),
	}
}

// ---------------------------------------------------------------------------
// Ingestion
// ---------------------------------------------------------------------------

func TestIngestDocument(t *testing.T) {
	e := newTestEngine(t, &scriptedChat{})
	ctx := context.Background()

	text := strings.Repeat("The Utah Social Media Regulation Act curfew provision applies to minors. ", 10)
	res, err := e.IngestDocument(ctx, "utah-act.txt", "text/plain", []byte(text))
	if err != nil {
		t.Fatalf("IngestDocument: %v", err)
	}
	if res.Status != "ready" || res.ChunksCreated == 0 {
		t.Errorf("result = %+v", res)
	}

	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Documents != 1 || stats.Chunks != res.ChunksCreated {
		t.Errorf("stats = %+v", stats)
	}
}

func TestIngestUnsupportedFormat(t *testing.T) {
	e := newTestEngine(t, &scriptedChat{})
	_, err := e.IngestDocument(context.Background(), "a.docx", "application/msword", []byte("x"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("error = %v, want ErrUnsupportedFormat", err)
	}
	// Abort before any index state.
	stats, _ := e.Stats(context.Background())
	if stats.Documents != 0 {
		t.Errorf("documents = %d after aborted ingest", stats.Documents)
	}
}

func TestIngestValidation(t *testing.T) {
	e := newTestEngine(t, &scriptedChat{})
	if _, err := e.IngestDocument(context.Background(), "", "text/plain", []byte("x")); !errors.Is(err, ErrValidation) {
		t.Errorf("empty filename error = %v", err)
	}
	if _, err := e.IngestDocument(context.Background(), "a.txt", "text/plain", nil); !errors.Is(err, ErrValidation) {
		t.Errorf("empty data error = %v", err)
	}
}

func TestIngestIdempotent(t *testing.T) {
	e := newTestEngine(t, &scriptedChat{})
	ctx := context.Background()

	long := strings.Repeat("Utah curfew rules for minors in social media apps. ", 20)
	first, err := e.IngestDocument(ctx, "doc.txt", "text/plain", []byte(long))
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	second, err := e.IngestDocument(ctx, "doc.txt", "text/plain", []byte("short replacement text"))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if first.DocumentID != second.DocumentID {
		t.Errorf("document ids differ: %d vs %d", first.DocumentID, second.DocumentID)
	}

	stats, _ := e.Stats(ctx)
	if stats.Chunks != second.ChunksCreated {
		t.Errorf("chunks = %d, want %d from the second ingestion only", stats.Chunks, second.ChunksCreated)
	}
}

func TestDocumentLookupMissingKey(t *testing.T) {
	e := newTestEngine(t, &scriptedChat{})
	_, err := e.Store().GetDocumentByKey(context.Background(), "ghost.pdf")
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("error = %v, want ErrDocumentNotFound", err)
	}
}

func TestIngestBatchIsolatesFailures(t *testing.T) {
	e := newTestEngine(t, &scriptedChat{})
	ctx := context.Background()

	batch, err := e.IngestBatch(ctx, []BatchFile{
		{Filename: "good.txt", ContentType: "text/plain", Data: []byte("Utah curfew provisions for minors.")},
		{Filename: "bad.bin", ContentType: "application/octet-stream", Data: []byte("x")},
		{Filename: "also-good.txt", ContentType: "text/plain", Data: []byte("Dark mode has no compliance impact.")},
	})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if batch.Total != 3 || batch.Successful != 2 || batch.Failed != 1 {
		t.Errorf("aggregate = %+v", batch)
	}
	if batch.Results[1].Error == "" {
		t.Error("failed file carries no error")
	}
	if batch.Results[0].Status != "ready" || batch.Results[2].Status != "ready" {
		t.Errorf("sibling files affected: %+v", batch.Results)
	}
}

// Round-trip: a phrase ingested into the index is found in the top-3 for
// a query derived from the same phrase.
func TestSearchRoundTrip(t *testing.T) {
	e := newTestEngine(t, &scriptedChat{})
	ctx := context.Background()

	docs := []BatchFile{
		{Filename: "utah.txt", ContentType: "text/plain", Data: []byte("Utah Social Media Regulation Act curfew provision restricts minor logins overnight.")},
		{Filename: "ui.txt", ContentType: "text/plain", Data: []byte("Dark mode theme settings and color palettes for the interface.")},
		{Filename: "misc.txt", ContentType: "text/plain", Data: []byte("General release notes for the quarterly update.")},
	}
	if _, err := e.IngestBatch(ctx, docs); err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}

	retriever := &indexRetriever{store: e.store, embedLLM: e.embedLLM}
	evidence, err := retriever.Retrieve(ctx, "Utah Social Media Regulation Act curfew provision", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	found := false
	for _, ev := range evidence {
		if strings.Contains(ev.Content, "curfew provision") {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("phrase not in top-3: %+v", evidence)
	}
}

func TestClearIndex(t *testing.T) {
	e := newTestEngine(t, &scriptedChat{})
	ctx := context.Background()

	if _, err := e.IngestDocument(ctx, "a.txt", "text/plain", []byte("Utah curfew text for clearing.")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	deleted, err := e.ClearIndex(ctx)
	if err != nil {
		t.Fatalf("ClearIndex: %v", err)
	}
	if deleted == 0 {
		t.Error("nothing deleted")
	}

	// Idempotent on the now-empty index.
	deleted, err = e.ClearIndex(ctx)
	if err != nil {
		t.Fatalf("ClearIndex on empty: %v", err)
	}
	if deleted != 0 {
		t.Errorf("deleted = %d on empty index", deleted)
	}
}

// ---------------------------------------------------------------------------
// Analysis scenarios
// ---------------------------------------------------------------------------

func TestAnalyzeUtahCurfewScenario(t *testing.T) {
	chat := &scriptedChat{
		screening: `{"flag": "yes", "confidence": 0.85, "risk_level": "LOW",
			"reasoning": "Geo-based curfew for minors falls under the Utah Social Media Regulation Act.",
			"age_sensitivity": true}`,
		validation: `{"verdict": "YES", "confidence": 0.9, "risk_level": "HIGH",
			"reasoning": "Confirmed: curfew logic is mandated for Utah minors.",
			"related_regulations": [{"name": "Utah Social Media Regulation Act", "excerpt": "curfew provision", "relevance": 0.95}]}`,
	}
	e := newTestEngine(t, chat)

	res, err := e.Analyze(context.Background(), AnalyzeRequest{
		Title:       "Curfew login blocker for Utah minors",
		Description: "Blocks logins for minors during curfew hours using geolocation-based age restriction.",
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if res.Flag != agent.FlagYes {
		t.Errorf("flag = %s, want yes", res.Flag)
	}
	if res.ConfidenceScore < 0.7 {
		t.Errorf("confidence = %v, want >= 0.7", res.ConfidenceScore)
	}
	// High-confidence screening skips research.
	if len(res.Stages) != 2 {
		t.Errorf("stages = %+v, want screening+validation only", res.Stages)
	}
	if len(res.RelatedRegulations) == 0 {
		t.Error("no related regulations cited")
	}
	if res.AnalysisID == "" {
		t.Error("missing analysis id")
	}

	// The analysis lands in the audit log.
	ok, err := e.store.HasAnalysis(context.Background(), res.AnalysisID)
	if err != nil || !ok {
		t.Errorf("audit record missing: ok=%v err=%v", ok, err)
	}
}

func TestAnalyzeDarkModeScenario(t *testing.T) {
	chat := &scriptedChat{
		screening: `{"flag": "no", "confidence": 0.75, "risk_level": "LOW",
			"reasoning": "Cosmetic theme change with no regulatory hooks."}`,
		validation: `{"verdict": "NO", "confidence": 0.8, "risk_level": "LOW",
			"reasoning": "No compliance logic required for a color theme."}`,
	}
	e := newTestEngine(t, chat)

	res, err := e.Analyze(context.Background(), AnalyzeRequest{
		Title:       "Dark mode toggle",
		Description: "Lets users switch to a darker color theme globally",
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Flag != agent.FlagNo {
		t.Errorf("flag = %s, want no", res.Flag)
	}
	if res.ConfidenceScore <= 0 || res.ConfidenceScore > 1 {
		t.Errorf("confidence = %v", res.ConfidenceScore)
	}
}

func TestAnalyzeUncertainScreeningRunsResearch(t *testing.T) {
	chat := &scriptedChat{
		screening: `{"flag": "uncertain", "confidence": 0.4, "risk_level": "MEDIUM",
			"reasoning": "Unclear whether the feature touches minors."}`,
		research: `{"flag": "yes", "confidence": 0.8, "risk_level": "HIGH",
			"reasoning": "Retrieved excerpts mandate curfew controls."}`,
		validation: `{"verdict": "YES", "confidence": 0.85, "risk_level": "HIGH",
			"reasoning": "Research evidence is decisive."}`,
	}
	e := newTestEngine(t, chat)

	if _, err := e.IngestDocument(context.Background(), "utah.txt", "text/plain",
		[]byte("Utah Social Media Regulation Act curfew provision for minors.")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	res, err := e.Analyze(context.Background(), AnalyzeRequest{
		Title:       "Utah curfew notifications",
		Description: "Notify minors in Utah before curfew login cutoffs take effect.",
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(res.Stages) != 3 {
		t.Errorf("stages = %+v, want screening+research+validation", res.Stages)
	}
	if res.Flag != agent.FlagYes {
		t.Errorf("flag = %s", res.Flag)
	}
}

func TestAnalyzeValidationRequest(t *testing.T) {
	e := newTestEngine(t, &scriptedChat{})
	ctx := context.Background()

	tests := []AnalyzeRequest{
		{Title: "", Description: "valid description"},
		{Title: strings.Repeat("x", 201), Description: "valid"},
		{Title: "valid", Description: ""},
		{Title: "valid", Description: strings.Repeat("x", 5001)},
	}
	for _, req := range tests {
		if _, err := e.Analyze(ctx, req); !errors.Is(err, ErrValidation) {
			t.Errorf("Analyze(%.20q, len(desc)=%d) error = %v, want ErrValidation",
				req.Title, len(req.Description), err)
		}
	}

	// No analysis record is created for a rejected request.
	stats, _ := e.Stats(ctx)
	if stats.Analyses != 0 {
		t.Errorf("analyses = %d after rejected requests", stats.Analyses)
	}
}

func TestAnalyzeLimitsCountCharactersNotBytes(t *testing.T) {
	chat := &scriptedChat{
		screening:  `{"flag": "no", "confidence": 0.95, "risk_level": "LOW", "reasoning": "cosmetic"}`,
		validation: `{"verdict": "NO", "confidence": 0.95, "reasoning": "agreed"}`,
	}
	e := newTestEngine(t, chat)
	ctx := context.Background()

	// 200 characters of a two-byte rune is 400 bytes; still within limits.
	okTitle := strings.Repeat("ü", 200)
	if _, err := e.Analyze(ctx, AnalyzeRequest{Title: okTitle, Description: "Umlaut feature rollout"}); err != nil {
		t.Errorf("200-character multibyte title rejected: %v", err)
	}

	if _, err := e.Analyze(ctx, AnalyzeRequest{Title: strings.Repeat("ü", 201), Description: "valid"}); !errors.Is(err, ErrValidation) {
		t.Errorf("201-character title error = %v, want ErrValidation", err)
	}
	if _, err := e.Analyze(ctx, AnalyzeRequest{Title: "valid", Description: strings.Repeat("é", 5001)}); !errors.Is(err, ErrValidation) {
		t.Errorf("5001-character description error = %v, want ErrValidation", err)
	}
}

// ---------------------------------------------------------------------------
// Feedback
// ---------------------------------------------------------------------------

func TestFeedbackUpdatesOverlay(t *testing.T) {
	chat := &scriptedChat{
		screening:  `{"flag": "yes", "confidence": 0.9, "risk_level": "LOW", "reasoning": "r"}`,
		validation: `{"verdict": "YES", "confidence": 0.9, "reasoning": "r"}`,
		learning:   `{"terms": {"NSP": "new session policy for minors"}}`,
	}
	e := newTestEngine(t, chat)
	ctx := context.Background()

	res, err := e.Analyze(ctx, AnalyzeRequest{Title: "NSP rollout", Description: "Apply NSP to new accounts"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	before := e.Overlay().Version
	fbRes, err := e.SubmitFeedback(ctx, feedback.Record{
		AnalysisID: res.AnalysisID,
		Kind:       feedback.KindNegative,
		Correction: "NSP means new session policy for minors, not a network protocol",
	})
	if err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}
	if !fbRes.Accepted || fbRes.Orphaned {
		t.Errorf("result = %+v", fbRes)
	}
	if e.Overlay().Version != before+1 {
		t.Errorf("overlay version = %d, want %d", e.Overlay().Version, before+1)
	}
	if e.Overlay().Terms["NSP"] == "" {
		t.Error("learned term missing from overlay")
	}
}

func TestFeedbackOrphaned(t *testing.T) {
	e := newTestEngine(t, &scriptedChat{learning: `{"terms": {}}`})

	res, err := e.SubmitFeedback(context.Background(), feedback.Record{
		AnalysisID: "no-such-analysis",
		Kind:       feedback.KindPositive,
	})
	if err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}
	if !res.Accepted || !res.Orphaned {
		t.Errorf("result = %+v, want accepted and orphaned", res)
	}
}
