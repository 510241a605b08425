package prediction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// LegacyProbabilitiesKey is the older response key for the per-class breakdown.
const LegacyProbabilitiesKey = "probabilities"

const malformedMessage = "Invalid response from server"

// ClassProbability is one entry of the per-class breakdown.
type ClassProbability struct {
	Class       string  `json:"class"`
	Probability float64 `json:"probability"`
}

// Details carries the domain-specific sub-attributes of a result.
// Only blood type predictions populate it today.
type Details struct {
	RhFactor         string   `json:"Rh_factor,omitempty"`
	AntigensDetected []string `json:"antigens_detected"`
}

// Result is the canonical response of either classification endpoint.
type Result struct {
	PredictedClass string
	Confidence     float64
	// Probabilities keeps the order of the response object. Nil when the
	// service sent no breakdown.
	Probabilities []ClassProbability
	Details       *Details
	// LegacyKeys lists deprecated keys found in the response.
	LegacyKeys []string
}

// MissingPredictedProbability reports a breakdown that has no entry for the
// predicted class. Such results are still rendered.
func (r *Result) MissingPredictedProbability() bool {
	if r == nil || r.Probabilities == nil {
		return false
	}
	for _, p := range r.Probabilities {
		if p.Class == r.PredictedClass {
			return false
		}
	}
	return true
}

// MarshalJSON emits the canonical wire shape, keeping breakdown order.
func (r Result) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	class, err := json.Marshal(r.PredictedClass)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(&buf, `"predicted_class":%s,"confidence":%s`, class, formatFloat(r.Confidence))
	if r.Probabilities != nil {
		buf.WriteString(`,"all_probabilities":{`)
		for i, p := range r.Probabilities {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(p.Class)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&buf, "%s:%s", key, formatFloat(p.Probability))
		}
		buf.WriteByte('}')
	}
	if r.Details != nil {
		details, err := json.Marshal(r.Details)
		if err != nil {
			return nil, err
		}
		buf.WriteString(`,"details":`)
		buf.Write(details)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON applies the same contract as ParseResult.
func (r *Result) UnmarshalJSON(data []byte) error {
	parsed, err := ParseResult(data)
	if err != nil {
		return err
	}
	*r = *parsed
	return nil
}

type wireResult struct {
	PredictedClass   json.RawMessage `json:"predicted_class"`
	Confidence       json.RawMessage `json:"confidence"`
	AllProbabilities json.RawMessage `json:"all_probabilities"`
	Probabilities    json.RawMessage `json:"probabilities"`
	Details          json.RawMessage `json:"details"`
}

// ParseResult validates a response body against the result contract.
// predicted_class (non-empty string) and confidence (number in [0,1]) are
// required; everything else is optional and unknown keys are ignored.
func ParseResult(body []byte) (*Result, error) {
	var wire wireResult
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, NewMalformedResponseError(malformedMessage, err)
	}

	result := &Result{}

	if !present(wire.PredictedClass) {
		return nil, NewMalformedResponseError(malformedMessage, errors.New("predicted_class is missing"))
	}
	if err := json.Unmarshal(wire.PredictedClass, &result.PredictedClass); err != nil {
		return nil, NewMalformedResponseError(malformedMessage, fmt.Errorf("predicted_class: %w", err))
	}
	if result.PredictedClass == "" {
		return nil, NewMalformedResponseError(malformedMessage, errors.New("predicted_class is empty"))
	}

	if !present(wire.Confidence) {
		return nil, NewMalformedResponseError(malformedMessage, errors.New("confidence is missing"))
	}
	if err := json.Unmarshal(wire.Confidence, &result.Confidence); err != nil {
		return nil, NewMalformedResponseError(malformedMessage, fmt.Errorf("confidence: %w", err))
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return nil, NewMalformedResponseError(malformedMessage, fmt.Errorf("confidence %v outside [0,1]", result.Confidence))
	}

	probabilities := wire.AllProbabilities
	if present(wire.Probabilities) {
		result.LegacyKeys = append(result.LegacyKeys, LegacyProbabilitiesKey)
		if !present(probabilities) {
			probabilities = wire.Probabilities
		}
	}
	if present(probabilities) {
		ordered, err := decodeOrderedProbabilities(probabilities)
		if err != nil {
			return nil, NewMalformedResponseError(malformedMessage, fmt.Errorf("all_probabilities: %w", err))
		}
		result.Probabilities = ordered
	}

	if present(wire.Details) {
		var details Details
		if err := json.Unmarshal(wire.Details, &details); err != nil {
			return nil, NewMalformedResponseError(malformedMessage, fmt.Errorf("details: %w", err))
		}
		result.Details = &details
	}

	return result, nil
}

// decodeOrderedProbabilities walks the object token by token so the
// breakdown keeps the order the service produced. A repeated key keeps its
// first position and takes the last value.
func decodeOrderedProbabilities(raw json.RawMessage) ([]ClassProbability, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("expected an object")
	}

	out := make([]ClassProbability, 0)
	index := make(map[string]int)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, errors.New("expected a class name")
		}
		var value *float64
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		probability := 0.0
		if value != nil {
			probability = *value
		}
		if i, seen := index[key]; seen {
			out[i].Probability = probability
			continue
		}
		index[key] = len(out)
		out = append(out, ClassProbability{Class: key, Probability: probability})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func formatFloat(v float64) string {
	out, err := json.Marshal(v)
	if err != nil {
		return "0"
	}
	return string(out)
}
