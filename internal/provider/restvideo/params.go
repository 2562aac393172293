package restvideo

import (
	"errors"
	"fmt"
	"sort"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/provider"
)

const (
	defaultDuration = 5
	maxDuration     = 20
)

// wireNames maps canonical keys onto this service's field names. Keys missing
// here are dropped and reported in WireParams.Dropped.
var wireNames = map[string]string{
	"prompt":           "prompt",
	"negative_prompt":  "negative_prompt",
	"duration_seconds": "duration",
	"aspect_ratio":     "ratio",
	"resolution":       "resolution",
	"seed":             "seed",
	"fps":              "fps",
	"camera_motion":    "camera",
	"style":            "style",
	"model":            "model",
}

var ratios = map[string]bool{"16:9": true, "9:16": true, "1:1": true, "4:3": true, "3:4": true, "21:9": true}

var modes = map[models.OperationType]string{
	models.OpTextToVideo:  "t2v",
	models.OpImageToVideo: "i2v",
	models.OpTextToImage:  "t2i",
	models.OpExtend:       "extend",
	models.OpTransition:   "transition",
	models.OpFusion:       "fusion",
}

// MapParameters builds the request body. Values the service would reject are
// reported as ProviderRejected here rather than spending a network call.
func (a *Adapter) MapParameters(op models.OperationType, canonical map[string]any, inputs []string) (provider.WireParams, error) {
	mode, ok := modes[op]
	if !ok {
		return provider.WireParams{}, provider.Rejected(fmt.Errorf("operation %s not supported", op))
	}
	body := map[string]any{"mode": mode}
	var dropped []string
	for k, v := range canonical {
		name, ok := wireNames[k]
		if !ok {
			dropped = append(dropped, k)
			continue
		}
		body[name] = v
	}
	sort.Strings(dropped)

	if d, ok := body["duration"]; ok {
		secs, isNum := number(d)
		if !isNum || secs <= 0 || secs > maxDuration {
			return provider.WireParams{}, provider.Rejected(fmt.Errorf("duration %v outside 1..%d seconds", d, maxDuration))
		}
	} else if op != models.OpTextToImage {
		body["duration"] = defaultDuration
	}
	if r, ok := body["ratio"]; ok {
		s, _ := r.(string)
		if !ratios[s] {
			return provider.WireParams{}, provider.Rejected(fmt.Errorf("aspect ratio %v not supported", r))
		}
	}

	if len(inputs) < minInputs(op) {
		return provider.WireParams{}, provider.Rejected(errors.New("missing input assets"))
	}
	switch op {
	case models.OpImageToVideo:
		body["image_id"] = inputs[0]
		if len(inputs) > 1 {
			body["end_image_id"] = inputs[1]
		}
	case models.OpExtend:
		body["video_id"] = inputs[0]
	case models.OpTransition:
		body["start_id"] = inputs[0]
		body["end_id"] = inputs[1]
	case models.OpFusion:
		refs := make([]string, len(inputs))
		copy(refs, inputs)
		body["reference_ids"] = refs
	}
	return provider.WireParams{Body: body, Dropped: dropped}, nil
}

func minInputs(op models.OperationType) int {
	switch op {
	case models.OpImageToVideo, models.OpExtend:
		return 1
	case models.OpTransition, models.OpFusion:
		return 2
	}
	return 0
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
