package processor

import (
	"encoding/json"
	"strings"
)

// Answer is one element of the JSON array prompts usually ask LeMUR to
// produce, e.g. [{"question": "...", "answer": "yes"}].
type Answer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// ParseAnswers extracts the outermost JSON array from a LeMUR response.
// Free text around the array is ignored. Anything that does not decode gives
// an empty list, and array elements that are not objects are skipped.
func ParseAnswers(response string) []Answer {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start < 0 || end < start {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(response[start:end+1]), &items); err != nil {
		return nil
	}

	answers := make([]Answer, 0, len(items))
	for _, item := range items {
		var fields map[string]any
		if err := json.Unmarshal(item, &fields); err != nil {
			continue
		}
		answers = append(answers, Answer{
			Question: stringField(fields, "question"),
			Answer:   stringField(fields, "answer"),
		})
	}
	return answers
}

func stringField(fields map[string]any, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}

// CountAffirmative counts answers equal to "yes", ignoring case and
// surrounding space.
func CountAffirmative(answers []Answer) int {
	n := 0
	for _, a := range answers {
		if strings.EqualFold(strings.TrimSpace(a.Answer), "yes") {
			n++
		}
	}
	return n
}
