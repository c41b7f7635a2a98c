package wire

import (
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/relaywoot/internal/woot"
)

// Envelope is the frame exchanged between sites: a patch and the site that
// sent it.
type Envelope struct {
	Origin string     `json:"origin"`
	Patch  woot.Patch `json:"patch"`
}

func EncodeEnvelope(origin string, patch woot.Patch) ([]byte, error) {
	if patch.Operations == nil {
		patch.Operations = []woot.Operation{}
	}
	return json.Marshal(Envelope{Origin: origin, Patch: patch})
}

// DecodeEnvelope decodes a frame and validates its patch.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var raw struct {
		Origin string          `json:"origin"`
		Patch  json.RawMessage `json:"patch"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: envelope: %v", woot.ErrStructural, err)
	}
	if raw.Origin == "" {
		return Envelope{}, fmt.Errorf("%w: envelope has no origin", woot.ErrStructural)
	}
	patch, err := DecodePatch(raw.Patch)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Origin: raw.Origin, Patch: patch}, nil
}
