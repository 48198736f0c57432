package provider

import "strings"

// modelPrice is USD per 1M tokens.
type modelPrice struct {
	prefix string
	input  float64
	output float64
}

// priceTable resolves by longest-prefix match over model_id. Ordering in the
// slice does not matter; the longest matching prefix wins. Vendor-prefixed
// IDs (Bedrock style) carry their own rows so both namings resolve.
var priceTable = []modelPrice{
	// OpenAI
	{"gpt-4o-mini", 0.15, 0.60},
	{"gpt-4o", 2.50, 10.00},
	{"gpt-4-turbo", 10.00, 30.00},
	{"gpt-4", 30.00, 60.00},
	{"gpt-3.5-turbo", 0.50, 1.50},
	{"o1-mini", 3.00, 12.00},
	{"o1", 15.00, 60.00},
	{"text-embedding-3-small", 0.02, 0},
	{"text-embedding-3-large", 0.13, 0},
	{"text-embedding-ada-002", 0.10, 0},

	// Anthropic
	{"claude-3-5-sonnet", 3.00, 15.00},
	{"claude-3-5-haiku", 0.80, 4.00},
	{"claude-3-opus", 15.00, 75.00},
	{"claude-3-sonnet", 3.00, 15.00},
	{"claude-3-haiku", 0.25, 1.25},

	// Bedrock vendor-native IDs
	{"anthropic.claude-3-5-sonnet", 3.00, 15.00},
	{"anthropic.claude-3-5-haiku", 0.80, 4.00},
	{"anthropic.claude-3-opus", 15.00, 75.00},
	{"anthropic.claude-3-haiku", 0.25, 1.25},
	{"meta.llama3-70b", 2.65, 3.50},
	{"meta.llama3-8b", 0.30, 0.60},
	{"mistral.mistral-large", 4.00, 12.00},
	{"mistral.mixtral-8x7b", 0.45, 0.70},
	{"amazon.titan-text-express", 0.20, 0.60},
	{"amazon.titan-embed-text", 0.10, 0},
	{"cohere.command-r-plus", 3.00, 15.00},
	{"cohere.command-r", 0.50, 1.50},
}

// LookupPrice resolves per-1M prices for a model by longest-prefix match.
func LookupPrice(modelID string) (inputPer1M, outputPer1M float64, ok bool) {
	id := strings.ToLower(modelID)
	bestLen := -1
	for _, p := range priceTable {
		if strings.HasPrefix(id, p.prefix) && len(p.prefix) > bestLen {
			bestLen = len(p.prefix)
			inputPer1M, outputPer1M = p.input, p.output
		}
	}
	return inputPer1M, outputPer1M, bestLen >= 0
}

// EstimateCost prices a completed call. Unknown model prefixes cost 0 and
// report ok=false so the row can be billed but flagged.
func EstimateCost(modelID string, inputTokens, outputTokens int64) (cost float64, ok bool) {
	in, out, ok := LookupPrice(modelID)
	if !ok {
		return 0, false
	}
	return float64(inputTokens)*in/1e6 + float64(outputTokens)*out/1e6, true
}
