package dedupe

import (
	"encoding/json"
	"errors"
	"testing"

	"generation-orchestrator/internal/models"
)

func TestNormalizeFoldsLegacyShapes(t *testing.T) {
	legacy := map[string]any{
		"Text":     "  a cat   on a boat ",
		"Duration": float64(5),
		"ratio":    "16:9",
		"image_id": "asset-1",
		"seed":     nil,
		"style":    "",
	}
	modern := map[string]any{
		"prompt":           "a cat on a boat",
		"duration_seconds": json.Number("5"),
		"aspect_ratio":     "16:9",
		"input_asset_ids":  []any{"asset-1"},
	}

	a, err := Normalize(models.OpImageToVideo, legacy, nil)
	if err != nil {
		t.Fatalf("legacy: %v", err)
	}
	b, err := Normalize(models.OpImageToVideo, modern, nil)
	if err != nil {
		t.Fatalf("modern: %v", err)
	}

	ha, _ := Hash(models.OpImageToVideo, "vidgen", a)
	hb, _ := Hash(models.OpImageToVideo, "vidgen", b)
	if ha != hb {
		t.Fatalf("expected equal hashes for equivalent inputs:\n%v\n%v", a.Params, b.Params)
	}
	if _, ok := a.Params["seed"]; ok {
		t.Fatalf("nil values must be dropped")
	}
	if len(a.InputAssetIDs) != 1 || a.InputAssetIDs[0] != "asset-1" {
		t.Fatalf("unexpected inputs %v", a.InputAssetIDs)
	}
}

func TestCanonicalKeyBeatsAlias(t *testing.T) {
	c, err := Normalize(models.OpTextToVideo, map[string]any{"text": "old", "prompt": "new"}, nil)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if c.Params["prompt"] != "new" {
		t.Fatalf("expected canonical key to win, got %v", c.Params["prompt"])
	}
}

func TestExplicitParamsOverrideRaw(t *testing.T) {
	c, err := Normalize(models.OpTextToVideo,
		map[string]any{"prompt": "a dog", "fps": 24},
		map[string]any{"fps": 30.0},
	)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if c.Params["fps"] != int64(30) || c.Params["prompt"] != "a dog" {
		t.Fatalf("unexpected params %v", c.Params)
	}
}

func TestInputOrderMatters(t *testing.T) {
	a, _ := Normalize(models.OpTransition, map[string]any{"asset_ids": []string{"x", "y"}}, nil)
	b, _ := Normalize(models.OpTransition, map[string]any{"asset_ids": []string{"y", "x"}}, nil)
	ha, _ := Hash(models.OpTransition, "vidgen", a)
	hb, _ := Hash(models.OpTransition, "vidgen", b)
	if ha == hb {
		t.Fatalf("input order is part of the fingerprint")
	}
}

func TestRepeatedInputsAreKept(t *testing.T) {
	loop, err := Normalize(models.OpTransition, map[string]any{"asset_ids": []any{"x", "x"}}, nil)
	if err != nil {
		t.Fatalf("a transition back to the same asset must be accepted: %v", err)
	}
	if len(loop.InputAssetIDs) != 2 || loop.InputAssetIDs[0] != "x" || loop.InputAssetIDs[1] != "x" {
		t.Fatalf("unexpected inputs %v", loop.InputAssetIDs)
	}

	ends, err := Normalize(models.OpTransition, map[string]any{"start_asset_id": "x", "end_asset_id": "x"}, nil)
	if err != nil {
		t.Fatalf("start and end on one asset: %v", err)
	}
	if len(ends.InputAssetIDs) != 2 {
		t.Fatalf("unexpected inputs %v", ends.InputAssetIDs)
	}

	twice, _ := Normalize(models.OpFusion, map[string]any{"asset_ids": []string{"x", "x", "y"}}, nil)
	once, _ := Normalize(models.OpFusion, map[string]any{"asset_ids": []string{"x", "y"}}, nil)
	ht, _ := Hash(models.OpFusion, "vidgen", twice)
	ho, _ := Hash(models.OpFusion, "vidgen", once)
	if ht == ho {
		t.Fatalf("a repeated reference changes the request and its fingerprint")
	}
}

func TestHashDependsOnProviderAndOperation(t *testing.T) {
	c, _ := Normalize(models.OpTextToVideo, map[string]any{"prompt": "sunset"}, nil)
	base, _ := Hash(models.OpTextToVideo, "vidgen", c)
	other, _ := Hash(models.OpTextToVideo, "othergen", c)
	op, _ := Hash(models.OpTextToImage, "vidgen", c)
	if base == other || base == op {
		t.Fatalf("provider and operation must change the hash")
	}
	again, _ := Hash(models.OpTextToVideo, "vidgen", c)
	if again != base {
		t.Fatalf("hash is not deterministic")
	}
}

func TestNormalizeRejects(t *testing.T) {
	cases := []struct {
		name string
		op   models.OperationType
		raw  map[string]any
	}{
		{"unknown op", "make-coffee", map[string]any{"prompt": "x"}},
		{"missing prompt", models.OpTextToVideo, map[string]any{"fps": 24}},
		{"missing image", models.OpImageToVideo, map[string]any{"prompt": "x"}},
		{"one clip transition", models.OpTransition, map[string]any{"asset_ids": []string{"a"}}},
		{"bad asset id type", models.OpExtend, map[string]any{"asset_id": 42}},
		{"unsupported value", models.OpTextToVideo, map[string]any{"prompt": "x", "cb": func() {}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Normalize(tc.op, tc.raw, nil); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}
