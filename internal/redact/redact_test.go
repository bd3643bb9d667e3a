package redact

import (
	"reflect"
	"strings"
	"sync"
	"testing"
)

func TestRedactReplacesValues(t *testing.T) {
	r := New(map[string]string{
		"github_token": "ghp_abcdef123456",
		"npm":          "npm_XYZ987",
	})
	in := "pushed with ghp_abcdef123456 and published using npm_XYZ987"
	out := r.Redact(in)

	if strings.Contains(out, "ghp_abcdef123456") || strings.Contains(out, "npm_XYZ987") {
		t.Fatalf("values not redacted: %s", out)
	}
	want := "pushed with <<SECRET:github_token>> and published using <<SECRET:npm>>"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestRedactGreedyOrder(t *testing.T) {
	r := New(map[string]string{
		"short": "abcd",
		"long":  "abcd-efgh",
	})
	out := r.Redact("token abcd-efgh then abcd")
	if out != "token <<SECRET:long>> then <<SECRET:short>>" {
		t.Errorf("longer value should be replaced whole, got %q", out)
	}
}

func TestShortAndEmptyValuesSkipped(t *testing.T) {
	r := New(map[string]string{"empty": "", "tiny": "abc", "ok": "abcd"})
	if r.Len() != 1 {
		t.Fatalf("expected 1 value, got %d", r.Len())
	}
	if got := r.Redact("abc abcd"); got != "abc <<SECRET:ok>>" {
		t.Errorf("unexpected %q", got)
	}
}

func TestLeaks(t *testing.T) {
	r := New(map[string]string{"b": "value-bbbb", "a": "value-aaaa", "c": "value-cccc"})
	got := r.Leaks("found value-cccc and value-aaaa")
	if !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("unexpected leaks %v", got)
	}
	if leaks := r.Leaks("clean"); leaks != nil {
		t.Errorf("expected no leaks, got %v", leaks)
	}
}

func TestNilMap(t *testing.T) {
	r := New(nil)
	if r.Len() != 0 || r.Redact("text") != "text" {
		t.Error("empty redactor should pass text through")
	}
}

func TestConcurrentRedact(t *testing.T) {
	r := New(map[string]string{"k": "secret-value"})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := r.Redact("x secret-value y"); got != "x <<SECRET:k>> y" {
				t.Errorf("unexpected %q", got)
			}
		}()
	}
	wg.Wait()
}
