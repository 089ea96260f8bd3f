package planner

import (
	"path/filepath"
	"testing"

	"github.com/clearmedia/clearmedia/internal/llm"
)

func intp(n int) *int { return &n }

func TestPlanMovie(t *testing.T) {
	got, err := Plan(Input{
		ProcessedData: []byte(`{"id":27205,"title":"Inception","release_date":"2010-07-15"}`),
		SourcePath:    "/downloads/Inception.2010.1080p.BluRay.mkv",
		TargetRoot:    "/media",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join("/media", "Movies", "Inception (2010).mkv")
	if got != want {
		t.Fatalf("Plan = %q, want %q", got, want)
	}
}

func TestPlanMovieWithoutYear(t *testing.T) {
	got, err := Plan(Input{
		ProcessedData: []byte(`{"id":1,"title":"Obscure Film"}`),
		SourcePath:    "/downloads/obscure.mp4",
		TargetRoot:    "/media",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join("/media", "Movies", "Obscure Film.mp4")
	if got != want {
		t.Fatalf("Plan = %q, want %q", got, want)
	}
}

func TestPlanEpisode(t *testing.T) {
	got, err := Plan(Input{
		ProcessedData: []byte(`{"id":1396,"name":"Breaking Bad","first_air_date":"2008-01-20"}`),
		Guess:         &llm.Guess{Title: "Breaking Bad", Type: llm.TypeTV, Season: intp(1), Episode: intp(2)},
		SourcePath:    "/downloads/Breaking.Bad.S01E02.720p.mkv",
		TargetRoot:    "/media",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join("/media", "TV Shows", "Breaking Bad (2008)", "Breaking Bad S01E02.mkv")
	if got != want {
		t.Fatalf("Plan = %q, want %q", got, want)
	}
}

func TestPlanEpisodeSeasonDefaultsToOne(t *testing.T) {
	got, err := Plan(Input{
		ProcessedData: []byte(`{"id":1396,"name":"Breaking Bad","first_air_date":"2008-01-20"}`),
		Guess:         &llm.Guess{Title: "Breaking Bad", Type: llm.TypeTV, Episode: intp(7)},
		SourcePath:    "/downloads/bb.07.mkv",
		TargetRoot:    "/media",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join("/media", "TV Shows", "Breaking Bad (2008)", "Breaking Bad S01E07.mkv")
	if got != want {
		t.Fatalf("Plan = %q, want %q", got, want)
	}
}

func TestPlanShowWithoutEpisodeFallsBackToFolderName(t *testing.T) {
	got, err := Plan(Input{
		ProcessedData: []byte(`{"id":1396,"name":"Breaking Bad","first_air_date":"2008-01-20"}`),
		Guess:         &llm.Guess{Title: "Breaking Bad", Type: llm.TypeTV},
		SourcePath:    "/downloads/breaking-bad-special.mkv",
		TargetRoot:    "/media",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join("/media", "TV Shows", "Breaking Bad (2008)", "Breaking Bad (2008).mkv")
	if got != want {
		t.Fatalf("Plan = %q, want %q", got, want)
	}
}

func TestPlanPreservesExtensionCase(t *testing.T) {
	got, err := Plan(Input{
		ProcessedData: []byte(`{"id":1,"title":"Movie","release_date":"2020-01-01"}`),
		SourcePath:    "/downloads/movie.MKV",
		TargetRoot:    "/media",
	})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Ext(got) != ".MKV" {
		t.Fatalf("extension not preserved: %q", got)
	}
}

func TestPlanNoRecord(t *testing.T) {
	if _, err := Plan(Input{SourcePath: "/x.mkv", TargetRoot: "/media"}); err == nil {
		t.Fatal("expected error for empty record")
	}
}

func TestPlanDeterministic(t *testing.T) {
	in := Input{
		ProcessedData: []byte(`{"id":1396,"name":"Breaking Bad","first_air_date":"2008-01-20"}`),
		Guess:         &llm.Guess{Title: "Breaking Bad", Type: llm.TypeTV, Season: intp(2), Episode: intp(5)},
		SourcePath:    "/downloads/bb.mkv",
		TargetRoot:    "/media",
	}
	first, err := Plan(in)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := Plan(in)
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("plan not deterministic: %q vs %q", again, first)
		}
	}
}

func TestSanitizeTitle(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Mission: Impossible", "Mission Impossible"},
		{"WALL·E", "WALLE"},
		{"Spider-Man", "Spider-Man"},
		{"What If...?", "What If"},
		{"三体", "三体"},
		{"  padded  ", "padded"},
		{"snake_case", "snake_case"},
	}
	for _, c := range cases {
		if got := SanitizeTitle(c.in); got != c.want {
			t.Errorf("SanitizeTitle(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
