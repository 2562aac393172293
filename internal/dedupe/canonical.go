// Package dedupe turns caller input into canonical, hashable parameters and
// keeps the registry that maps a reproducible hash to the generation that owns it.
package dedupe

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"generation-orchestrator/internal/models"
)

// ErrInvalidInput is returned when raw inputs cannot be normalized.
var ErrInvalidInput = errors.New("invalid input")

// Canonical is the normalized form of a request.
type Canonical struct {
	Params        map[string]any
	InputAssetIDs []string
}

var keyAliases = map[string]string{
	"text":           "prompt",
	"prompt_text":    "prompt",
	"negative":       "negative_prompt",
	"duration":       "duration_seconds",
	"length":         "duration_seconds",
	"ratio":          "aspect_ratio",
	"aspect":         "aspect_ratio",
	"model_version":  "model",
	"res":            "resolution",
	"random_seed":    "seed",
	"camera":         "camera_motion",
	"motion":         "camera_motion",
	"style_preset":   "style",
	"frames_per_sec": "fps",
}

// inputKeys are read in this order so that mixed legacy shapes yield one
// stable ordering of input asset ids. Repeats are kept: a transition may
// start and end on the same asset.
var inputKeys = []string{
	"input_asset_ids",
	"input_asset_id",
	"asset_ids",
	"asset_id",
	"image_ids",
	"image_id",
	"source_asset_id",
	"start_asset_id",
	"end_asset_id",
	"video_id",
}

// minInputs is the number of input assets each operation needs.
var minInputs = map[models.OperationType]int{
	models.OpTextToVideo:  0,
	models.OpTextToImage:  0,
	models.OpImageToVideo: 1,
	models.OpExtend:       1,
	models.OpTransition:   2,
	models.OpFusion:       2,
}

// Normalize builds the canonical form of raw. Explicit canonical params given
// by the caller are normalized the same way and win over derived values.
func Normalize(op models.OperationType, raw, explicit map[string]any) (Canonical, error) {
	if !models.KnownOperation(op) {
		return Canonical{}, fmt.Errorf("operation %q: %w", op, ErrInvalidInput)
	}

	params := make(map[string]any)
	var inputs []string
	collect := func(src map[string]any) error {
		flat := flatten(src)
		for _, k := range inputKeys {
			v, ok := flat[k]
			if !ok {
				continue
			}
			ids, err := assetIDs(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			inputs = append(inputs, ids...)
			delete(flat, k)
		}
		for k, v := range flat {
			nv, keep, err := normalizeValue(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			if !keep {
				delete(params, k)
				continue
			}
			params[k] = nv
		}
		return nil
	}

	if err := collect(raw); err != nil {
		return Canonical{}, err
	}
	if len(explicit) > 0 {
		// explicit input lists replace derived ones
		derived := inputs
		inputs = nil
		if err := collect(explicit); err != nil {
			return Canonical{}, err
		}
		if len(inputs) == 0 {
			inputs = derived
		}
	}

	if len(inputs) < minInputs[op] {
		return Canonical{}, fmt.Errorf("%s needs %d input assets, got %d: %w", op, minInputs[op], len(inputs), ErrInvalidInput)
	}
	if minInputs[op] == 0 {
		if p, _ := params["prompt"].(string); p == "" {
			return Canonical{}, fmt.Errorf("%s needs a prompt: %w", op, ErrInvalidInput)
		}
	}
	if inputs == nil {
		inputs = []string{}
	}
	return Canonical{Params: params, InputAssetIDs: inputs}, nil
}

var keyReplacer = strings.NewReplacer("-", "_", " ", "_")

func normalizeKey(k string) string {
	key, _ := canonicalKey(k)
	return key
}

func canonicalKey(k string) (string, bool) {
	k = keyReplacer.Replace(strings.ToLower(strings.TrimSpace(k)))
	if alias, ok := keyAliases[k]; ok {
		return alias, true
	}
	return k, false
}

// flatten renames keys to their canonical spelling. A canonical key beats any
// alias of it; among aliases the lexically first original key wins.
func flatten(src map[string]any) map[string]any {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	flat := make(map[string]any, len(src))
	var aliased []string
	for _, k := range keys {
		key, isAlias := canonicalKey(k)
		if key == "" {
			continue
		}
		if isAlias {
			aliased = append(aliased, k)
			continue
		}
		flat[key] = src[k]
	}
	for _, k := range aliased {
		key, _ := canonicalKey(k)
		if _, ok := flat[key]; !ok {
			flat[key] = src[k]
		}
	}
	return flat
}

// normalizeValue reports keep=false for values that carry no information.
func normalizeValue(v any) (any, bool, error) {
	switch t := v.(type) {
	case nil:
		return nil, false, nil
	case string:
		s := strings.Join(strings.Fields(t), " ")
		return s, s != "", nil
	case bool:
		return t, true, nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, true, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, false, fmt.Errorf("bad number %q: %w", t, ErrInvalidInput)
		}
		return normalizeFloat(f)
	case float64:
		return normalizeFloat(t)
	case float32:
		return normalizeFloat(float64(t))
	case int:
		return int64(t), true, nil
	case int64:
		return t, true, nil
	case int32:
		return int64(t), true, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			nv, keep, err := normalizeValue(inner)
			if err != nil {
				return nil, false, err
			}
			if keep {
				out[normalizeKey(k)] = nv
			}
		}
		return out, len(out) > 0, nil
	case []any:
		out := make([]any, 0, len(t))
		for _, inner := range t {
			nv, keep, err := normalizeValue(inner)
			if err != nil {
				return nil, false, err
			}
			if keep {
				out = append(out, nv)
			}
		}
		return out, len(out) > 0, nil
	case []string:
		out := make([]any, 0, len(t))
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, len(out) > 0, nil
	default:
		return nil, false, fmt.Errorf("unsupported value of type %T: %w", v, ErrInvalidInput)
	}
}

// normalizeFloat folds integral floats into int64 so 5 and 5.0 hash the same.
func normalizeFloat(f float64) (any, bool, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false, fmt.Errorf("non-finite number: %w", ErrInvalidInput)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), true, nil
	}
	return f, true, nil
}

func assetIDs(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}, nil
		}
		return nil, nil
	case []string:
		var out []string
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	case []any:
		var out []string
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("asset id of type %T: %w", item, ErrInvalidInput)
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("asset ids of type %T: %w", v, ErrInvalidInput)
	}
}
