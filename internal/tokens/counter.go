// Package tokens estimates prompt token counts locally. The vendor has no
// counting endpoint, so counts come from a cl100k tokenization of the
// textual content plus a per-family correction factor.
package tokens

import (
	"encoding/json"
	"math"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/relayforge/copilot-relay/internal/api/anthropic"
)

// Per-message framing overhead, matching the OpenAI chat format's
// <|start|>role ... <|end|> wrapping.
const perMessageOverhead = 4

// Correction factors for families whose tokenizers differ from cl100k.
// Unknown families get no estimate at all.
var fudgeFactors = map[string]float64{
	"claude": 1.15,
	"grok":   1.03,
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// Supported reports whether the model's family has a correction factor.
func Supported(model string) bool {
	return factorFor(model) > 0
}

func factorFor(model string) float64 {
	lower := strings.ToLower(model)
	for family, factor := range fudgeFactors {
		if strings.Contains(lower, family) {
			return factor
		}
	}
	return 0
}

// EstimateMessages estimates the prompt tokens for a count_tokens request.
// Returns 1 for models without a known correction factor; callers treat
// that as "no estimate".
func EstimateMessages(req *anthropic.CountTokensRequest) int {
	factor := factorFor(req.Model)
	if factor == 0 {
		return 1
	}

	enc, err := getCodec()
	if err != nil {
		return 1
	}

	total := 0
	for _, sys := range req.System {
		total += countText(enc, sys.Text) + perMessageOverhead
	}
	for _, msg := range req.Messages {
		total += perMessageOverhead
		for _, part := range msg.Content {
			switch part.Type {
			case "text":
				total += countText(enc, part.Text)
			case "tool_use":
				total += countText(enc, part.Name)
				total += countText(enc, marshalCompact(part.Input))
			case "tool_result":
				total += countText(enc, part.Content.Flatten())
			}
		}
	}
	for _, tool := range req.Tools {
		total += countText(enc, tool.Name) + countText(enc, tool.Description)
		total += countText(enc, marshalCompact(tool.InputSchema))
	}

	return scale(total, factor)
}

// scale applies a family correction factor to a raw cl100k count,
// rounding to the nearest whole token and never reporting below 1.
func scale(total int, factor float64) int {
	scaled := int(math.Round(float64(total) * factor))
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

func marshalCompact(v any) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func countText(enc tokenizer.Codec, text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := enc.Encode(text)
	if err != nil {
		// Fall back to a bytes/4 heuristic on encoder failure.
		return len(text) / 4
	}
	return len(ids)
}
