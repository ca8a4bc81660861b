package quiz

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"quizcast/internal/models"
)

// parseOutput tries a strict decode first and then one sanitized decode of
// the span between the first '{' and the last '}'.
func parseOutput(raw string) (any, error) {
	v, err := decodeStrict(strings.TrimSpace(raw))
	if err == nil {
		return v, nil
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, &ParseError{Raw: raw, Err: err}
	}
	v, err = decodeStrict(raw[start : end+1])
	if err != nil {
		return nil, &ParseError{Raw: raw, Err: err}
	}
	return v, nil
}

func decodeStrict(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON value")
	}
	return v, nil
}

// validate converts the decoded reply into quiz items. Any violation rejects the whole reply.
func validate(v any) (items []*models.QuizItem, total int, err error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, 0, &SchemaError{Path: "$", Reason: "expected object"}
	}
	success, ok := obj["success"].(bool)
	if !ok {
		return nil, 0, &SchemaError{Path: "success", Reason: "expected boolean"}
	}
	if !success {
		return nil, 0, ErrRejected
	}
	total, err = intField(obj, "total", "total")
	if err != nil {
		return nil, 0, err
	}
	list, ok := obj["quizzes"].([]any)
	if !ok {
		return nil, 0, &SchemaError{Path: "quizzes", Reason: "expected array"}
	}
	if len(list) == 0 {
		return nil, total, ErrRejected
	}

	items = make([]*models.QuizItem, 0, len(list))
	for i, raw := range list {
		item, err := validateItem(raw, fmt.Sprintf("quizzes[%d]", i))
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	return items, total, nil
}

func validateItem(raw any, path string) (*models.QuizItem, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, &SchemaError{Path: path, Reason: "expected object"}
	}
	question, err := stringField(obj, "question", path+".question")
	if err != nil {
		return nil, err
	}
	rawOptions, ok := obj["options"].([]any)
	if !ok {
		return nil, &SchemaError{Path: path + ".options", Reason: "expected array"}
	}
	if len(rawOptions) != models.QuizOptionCount {
		return nil, &SchemaError{Path: path + ".options", Reason: fmt.Sprintf("expected %d options, got %d", models.QuizOptionCount, len(rawOptions))}
	}
	options := make([]string, 0, len(rawOptions))
	for j, o := range rawOptions {
		s, ok := o.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, &SchemaError{Path: fmt.Sprintf("%s.options[%d]", path, j), Reason: "expected non-empty string"}
		}
		options = append(options, strings.TrimSpace(s))
	}
	answer, err := intField(obj, "answer", path+".answer")
	if err != nil {
		return nil, err
	}
	if answer < 0 || answer >= models.QuizOptionCount {
		return nil, &SchemaError{Path: path + ".answer", Reason: fmt.Sprintf("out of range: %d", answer)}
	}
	explanation, err := stringField(obj, "explanation", path+".explanation")
	if err != nil {
		return nil, err
	}
	return &models.QuizItem{
		Question:     question,
		Options:      options,
		CorrectIndex: answer,
		Explanation:  &explanation,
	}, nil
}

func stringField(obj map[string]any, key, path string) (string, error) {
	s, ok := obj[key].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", &SchemaError{Path: path, Reason: "expected non-empty string"}
	}
	return strings.TrimSpace(s), nil
}

func intField(obj map[string]any, key, path string) (int, error) {
	n, ok := obj[key].(json.Number)
	if !ok {
		return 0, &SchemaError{Path: path, Reason: "expected integer"}
	}
	i, err := n.Int64()
	if err != nil {
		return 0, &SchemaError{Path: path, Reason: "expected integer"}
	}
	return int(i), nil
}
