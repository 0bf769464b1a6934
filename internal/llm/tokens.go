package llm

import "unicode"

// EstimateTokens approximates token usage for providers that do not report
// it: about four characters per token, two per Han character.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var han, other int
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			han++
			continue
		}
		other++
	}
	return (han+1)/2 + (other+3)/4
}

func fillUsage(res *Result, prompt string) {
	if res.InputTokens == 0 {
		res.InputTokens = EstimateTokens(prompt)
	}
	if res.OutputTokens == 0 {
		res.OutputTokens = EstimateTokens(res.Text)
	}
}
