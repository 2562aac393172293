package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"generation-orchestrator/internal/models"
)

type hashInput struct {
	Operation models.OperationType `json:"op"`
	Provider  string               `json:"provider"`
	Params    map[string]any       `json:"params"`
	Inputs    []string             `json:"inputs"`
}

// Hash is the reproducible fingerprint of a request. encoding/json writes map
// keys in sorted order, which makes the digest independent of insertion order.
func Hash(op models.OperationType, providerID string, c Canonical) (string, error) {
	inputs := c.InputAssetIDs
	if inputs == nil {
		inputs = []string{}
	}
	params := c.Params
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(hashInput{Operation: op, Provider: providerID, Params: params, Inputs: inputs})
	if err != nil {
		return "", fmt.Errorf("hash params: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
