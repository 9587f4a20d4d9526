package core

import "testing"

func TestNormalizeAlias(t *testing.T) {
	t.Parallel()

	tests := []struct {
		token  string
		want   string
		wantOK bool
	}{
		{"{sales}", "sales", true},
		{"{{sales}}", "sales", true},
		{"${sales}", "sales", true},
		{"@sales", "sales", true},
		{"{ Sales }", "sales", true},
		{"{Previous Result}", "previous_result", true},
		{"{{previous-result}}", "previous_result", true},
		{"{merged.data}", "merged_data", true},
		{"{A  -  B}", "a_b", true},
		{"sales.csv", "", false},
		{"{}", "", false},
		{"{1abc}", "", false},
		{"prefix {sales}", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.token, func(t *testing.T) {
			t.Parallel()
			got, ok := NormalizeAlias(tt.token)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("NormalizeAlias(%q) = (%q, %v), want (%q, %v)", tt.token, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestNormalizeAlias_CaseInsensitiveEquivalence(t *testing.T) {
	forms := []string{"{MergedSales}", "{{mergedsales}}", "${MERGEDSALES}", "@mergedSales"}
	want, _ := NormalizeAlias(forms[0])
	for _, f := range forms[1:] {
		got, ok := NormalizeAlias(f)
		if !ok || got != want {
			t.Errorf("NormalizeAlias(%q) = %q, want %q", f, got, want)
		}
	}
}

func TestFindAliasTokens(t *testing.T) {
	got := FindAliasTokens("plot {previous result} against {{ baseline }} and ${other}")
	want := []string{"{previous result}", "{{ baseline }}", "${other}"}
	if len(got) != len(want) {
		t.Fatalf("FindAliasTokens() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFindAliasTokens_IgnoresAtInText(t *testing.T) {
	if got := FindAliasTokens("mail me at ops@example.com"); len(got) != 0 {
		t.Errorf("FindAliasTokens() = %v, want none", got)
	}
}

func TestReplaceAliasTokens(t *testing.T) {
	paths := map[string]string{"previous_result": "acme/app/proj/merged.arrow"}
	got := ReplaceAliasTokens("plot a chart of {Previous Result} and {missing}", func(name string) (string, bool) {
		p, ok := paths[name]
		return p, ok
	})
	want := "plot a chart of acme/app/proj/merged.arrow and {missing}"
	if got != want {
		t.Errorf("ReplaceAliasTokens() = %q, want %q", got, want)
	}
}
