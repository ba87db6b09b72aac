package runner

import "testing"

func TestExtractResultsURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output string
		want   string
		found  bool
	}{
		{
			name:   "saved line wins",
			output: "see https://a.example/first.json\nJSON saved at https://cdn.example/result.json\nhttps://b.example/last.json",
			want:   "https://cdn.example/result.json",
			found:  true,
		},
		{
			name:   "falls back to last json url",
			output: "csv at https://a.example/x.csv\nhttps://a.example/one.json and https://a.example/two.json",
			want:   "https://a.example/two.json",
			found:  true,
		},
		{name: "no url", output: "Process finished with exit code 0", found: false},
		{name: "plain http ignored", output: "JSON saved at http://insecure.example/r.json", found: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ExtractResultsURL(tt.output)
			if ok != tt.found || got != tt.want {
				t.Fatalf("ExtractResultsURL() = %q, %v; want %q, %v", got, ok, tt.want, tt.found)
			}
		})
	}
}
