package runner

import "regexp"

var (
	savedJSONPattern = regexp.MustCompile(`JSON saved at (https://\S+\.json)`)
	anyJSONPattern   = regexp.MustCompile(`https://\S*\.json`)
)

// ExtractResultsURL finds the result-set location announced in a session's
// console output. The "JSON saved at" line wins; otherwise the last JSON URL
// in the output is used.
func ExtractResultsURL(output string) (string, bool) {
	if m := savedJSONPattern.FindStringSubmatch(output); m != nil {
		return m[1], true
	}
	all := anyJSONPattern.FindAllString(output, -1)
	if len(all) == 0 {
		return "", false
	}
	return all[len(all)-1], true
}
