package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCleanComponent(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"gsm8k", "gsm8k"},
		{"openai/gsm8k", "openai__gsm8k"},
		{"a/b/c", "a__b__c"},
	}
	for _, tt := range tests {
		if got := CleanComponent(tt.in); got != tt.want {
			t.Errorf("CleanComponent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResultsDir(t *testing.T) {
	t.Setenv("INTERP_RESULTS_DIR", "")
	if got := ResultsDir(""); got != DefaultResultsDir {
		t.Errorf("expected default, got %q", got)
	}

	t.Setenv("INTERP_RESULTS_DIR", "/env/results")
	if got := ResultsDir(""); got != "/env/results" {
		t.Errorf("expected env value, got %q", got)
	}
	if got := ResultsDir("/explicit"); got != "/explicit" {
		t.Errorf("explicit value should win, got %q", got)
	}
}

func TestBuildDatasetPath(t *testing.T) {
	root := t.TempDir()

	got, err := BuildDatasetPath(root, "gsm8k", "train", "answer", "local__gpt2-small-res-jb_blocks.8.hook_resid_pre", "")
	if err != nil {
		t.Fatalf("BuildDatasetPath failed: %v", err)
	}

	want := filepath.Join(root, "datasets", "gsm8k", "train", "answer", "local__gpt2-small-res-jb_blocks.8.hook_resid_pre.arrow")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if info, err := os.Stat(filepath.Dir(got)); err != nil || !info.IsDir() {
		t.Errorf("parent directory not created: %v", err)
	}
}

func TestBuildDatasetPathCleansHubNames(t *testing.T) {
	root := t.TempDir()

	got, err := BuildDatasetPath(root, "openai/gsm8k", "test", "answer", "text-embedding-3-large", ".arrow")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, "datasets", "openai__gsm8k", "test", "answer", "text-embedding-3-large.arrow")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBuildExperimentPath(t *testing.T) {
	root := t.TempDir()

	got, err := BuildExperimentPath(root, "clustering", "gsm8k", "test", "answer", "goodfire__Llama-3.3-70B-Instruct-SAE-l50", "json")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, "clustering", "gsm8k", "test", "answer", "goodfire__Llama-3.3-70B-Instruct-SAE-l50.json")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if _, err := os.Stat(filepath.Dir(got)); err != nil {
		t.Errorf("parent not created: %v", err)
	}
}
