package memo

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"conclave/internal/order"
	"conclave/internal/pkg/jsonutil"
)

// Parse extracts the memo JSON from raw deliberation text, validates its
// shape and decodes it. A memo with zero recommendations is valid: the
// deliberation is allowed to conclude "do nothing".
func Parse(raw string) (*RecommendationMemo, error) {
	doc, ok := jsonutil.ExtractJSON(raw)
	if !ok {
		return nil, fmt.Errorf("no JSON found in deliberation output")
	}
	doc, err := coerceMemoJSON(doc)
	if err != nil {
		return nil, err
	}
	if err := ValidateMemo(doc); err != nil {
		return nil, err
	}

	var m RecommendationMemo
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		return nil, fmt.Errorf("decode memo: %w", err)
	}
	if m.GeneratedAt.IsZero() {
		m.GeneratedAt = time.Now().UTC()
	}
	return &m, nil
}

// coerceMemoJSON normalizes the extracted document to a memo object. A
// bare array is treated as the recommendations list; a bare object with
// an action field is treated as a single recommendation.
func coerceMemoJSON(doc string) (string, error) {
	doc = strings.TrimSpace(doc)
	if doc == "" {
		return "", fmt.Errorf("empty memo document")
	}
	if !gjson.Valid(doc) {
		return "", fmt.Errorf("memo is not valid JSON")
	}
	parsed := gjson.Parse(doc)
	if parsed.IsArray() {
		return `{"recommendations":` + doc + `}`, nil
	}
	if !parsed.IsObject() {
		return "", fmt.Errorf("memo root must be an object or array")
	}
	if parsed.Get("recommendations").Exists() {
		return doc, nil
	}
	if strings.TrimSpace(parsed.Get("action").String()) != "" {
		return `{"recommendations":[` + doc + `]}`, nil
	}
	return "", fmt.Errorf("memo object has neither recommendations nor an action field")
}

// ValidateMemo walks the memo document and rejects structural problems:
// a missing recommendations array, or any recommendation without a usable
// asset, action, asset class or sizing. Range and policy checks are not
// done here; the guard stack owns those.
func ValidateMemo(doc string) error {
	parsed := gjson.Parse(doc)
	recs := parsed.Get("recommendations")
	if !recs.Exists() || !recs.IsArray() {
		return fmt.Errorf("memo needs a recommendations array")
	}

	var schemaErr error
	idx := 0
	recs.ForEach(func(_, rec gjson.Result) bool {
		idx++
		if !rec.IsObject() {
			schemaErr = fmt.Errorf("recommendation #%d must be an object", idx)
			return false
		}
		if strings.TrimSpace(rec.Get("asset").String()) == "" {
			schemaErr = fmt.Errorf("recommendation #%d missing asset", idx)
			return false
		}
		if _, err := order.ParseAction(rec.Get("action").String()); err != nil {
			schemaErr = fmt.Errorf("recommendation #%d: %v", idx, err)
			return false
		}
		if _, err := order.ParseAssetClass(rec.Get("asset_class").String()); err != nil {
			schemaErr = fmt.Errorf("recommendation #%d: %v", idx, err)
			return false
		}
		if rec.Get("sizing_pct").Float() <= 0 {
			schemaErr = fmt.Errorf("recommendation #%d needs a positive sizing_pct", idx)
			return false
		}
		if ot := strings.TrimSpace(rec.Get("order_type").String()); ot != "" {
			parsed, err := order.ParseOrderType(ot)
			if err != nil {
				schemaErr = fmt.Errorf("recommendation #%d: %v", idx, err)
				return false
			}
			if parsed == order.TypeLimit && rec.Get("entry_price_limit").Float() <= 0 {
				schemaErr = fmt.Errorf("recommendation #%d: limit order without entry_price_limit", idx)
				return false
			}
		}
		if lvl := strings.TrimSpace(rec.Get("consensus_level").String()); lvl != "" {
			if _, err := order.ParseConsensus(lvl); err != nil {
				schemaErr = fmt.Errorf("recommendation #%d: %v", idx, err)
				return false
			}
		}
		return true
	})
	return schemaErr
}
