package hsg

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/bennettaur/OpenMemory/pkg/memerr"
)

func newTestRouter() *Router {
	return NewRouter(
		NewLexicalSector(nil),
		&SemanticSector{embedder: NewChargramEmbedder()},
		&CodeSector{embedder: NewTokenHashEmbedder()},
	)
}

func TestClassifyShortKeywordContent(t *testing.T) {
	router := newTestRouter()
	features, primary, err := router.Classify("redis password")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if primary != SectorLexical {
		t.Fatalf("primary = %q, want %q", primary, SectorLexical)
	}
	if _, ok := features[SectorSemantic]; !ok {
		t.Fatalf("short content should still route to the semantic sector, got %v", sectorTags(features))
	}
	if _, ok := features[SectorCode]; ok {
		t.Fatalf("plain keywords should not route to the code sector")
	}
}

func TestClassifyLongProse(t *testing.T) {
	router := newTestRouter()
	prose := strings.Repeat("the deployment pipeline promotes builds through staging before production ", 5)
	_, primary, err := router.Classify(prose)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if primary != SectorSemantic {
		t.Fatalf("primary = %q, want %q", primary, SectorSemantic)
	}
}

func TestClassifyCodeSnippet(t *testing.T) {
	router := newTestRouter()
	snippet := "func connect(addr string) (*Conn, error) {\n\tc := dial(addr)\n\treturn c, nil\n}"
	features, primary, err := router.Classify(snippet)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if primary != SectorCode {
		t.Fatalf("primary = %q, want %q", primary, SectorCode)
	}
	if _, ok := features[SectorCode]; !ok {
		t.Fatalf("code snippet should route to the code sector, got %v", sectorTags(features))
	}
}

func TestClassifyEmptyContent(t *testing.T) {
	router := newTestRouter()
	if _, _, err := router.Classify("   \n\t "); !errors.Is(err, memerr.ErrValidation) {
		t.Fatalf("classify empty err = %v, want ErrValidation", err)
	}
}

func TestBuildMatchQuery(t *testing.T) {
	got := buildMatchQuery(`Redis "prod" password redis`)
	want := `"redis" OR "prod" OR "password"`
	if got != want {
		t.Fatalf("buildMatchQuery = %q, want %q", got, want)
	}
	if buildMatchQuery("") != "" {
		t.Fatalf("empty input should produce an empty match expression")
	}
}

func TestCodeLikeness(t *testing.T) {
	if score := codeLikeness("I prefer tea over coffee in the morning"); score >= 0.25 {
		t.Fatalf("prose scored %v, want below the code threshold", score)
	}
	if score := codeLikeness("if err != nil { return fmt.Errorf(\"dial: %w\", err) }"); score < 0.25 {
		t.Fatalf("code scored %v, want at or above the code threshold", score)
	}
}

func TestEmbeddersAreDeterministicAndNormalized(t *testing.T) {
	for _, e := range []Embedder{NewChargramEmbedder(), NewTokenHashEmbedder()} {
		a := e.Embed("select * from users where id = 7")
		b := e.Embed("select * from users where id = 7")
		var norm float64
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("%s: embedding not deterministic at dim %d", e.ModelID(), i)
			}
			norm += float64(a[i]) * float64(a[i])
		}
		if math.Abs(math.Sqrt(norm)-1) > 1e-4 {
			t.Fatalf("%s: embedding norm = %v, want 1", e.ModelID(), math.Sqrt(norm))
		}
	}
}

func TestSalienceHalfLifeDecay(t *testing.T) {
	scorer := SalienceScorer{HalfLife: 72 * time.Hour, Saturation: 8}

	fresh := scorer.Score(0, 0, 0)
	if math.Abs(fresh-1) > 1e-9 {
		t.Fatalf("fresh salience = %v, want 1", fresh)
	}

	halfLifeMS := (72 * time.Hour).Milliseconds()
	aged := scorer.Score(halfLifeMS, 0, 0)
	if math.Abs(aged-0.5) > 1e-9 {
		t.Fatalf("salience after one half-life = %v, want 0.5", aged)
	}

	// Future last-access timestamps clamp to no decay.
	if got := scorer.Score(0, 1000, 0); math.Abs(got-1) > 1e-9 {
		t.Fatalf("future access salience = %v, want 1", got)
	}
}

func TestSalienceFrequencySaturates(t *testing.T) {
	scorer := SalienceScorer{HalfLife: 72 * time.Hour, Saturation: 8}

	once := scorer.Score(0, 0, 1)
	often := scorer.Score(0, 0, 100)
	if once <= 1 {
		t.Fatalf("accessed memory salience = %v, want above 1", once)
	}
	if often <= once {
		t.Fatalf("salience should grow with access count: %v vs %v", often, once)
	}
	if often >= 2 {
		t.Fatalf("frequency lift = %v, want below the saturation bound 2", often)
	}
}

func TestNormalizeCandidates(t *testing.T) {
	out := normalizeCandidates([]Candidate{
		{ID: "a", RawScore: -2},
		{ID: "b", RawScore: 0},
		{ID: "c", RawScore: 2},
	})
	if out[0].RawScore != 0 || out[1].RawScore != 0.5 || out[2].RawScore != 1 {
		t.Fatalf("normalized scores = %v, want [0 0.5 1]", out)
	}

	flat := normalizeCandidates([]Candidate{{ID: "a", RawScore: 3}, {ID: "b", RawScore: 3}})
	for _, c := range flat {
		if c.RawScore != 1 {
			t.Fatalf("flat sector candidate %s normalized to %v, want 1", c.ID, c.RawScore)
		}
	}
}

func sectorTags(features map[string]Features) []string {
	tags := make([]string, 0, len(features))
	for tag := range features {
		tags = append(tags, tag)
	}
	return tags
}
