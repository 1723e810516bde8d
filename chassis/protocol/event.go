package protocol

import (
	"encoding/json"
	"fmt"
)

// Version of the event payload.
const Version = "1"

// Event kinds.
const (
	DayProcessed = "day_processed"
	RunFinished  = "run_finished"
)

// Event - notification published after a worker finishes a day or a run.
type Event struct {
	Version   string   `json:"version"`
	Kind      string   `json:"kind"`
	Dataset   string   `json:"dataset"`
	AOI       string   `json:"aoi"`
	Day       string   `json:"day,omitempty"`
	FeatureID string   `json:"featureId,omitempty"`
	Assets    []string `json:"assets,omitempty"`
	Attempt   int      `json:"attempt,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// JSON - convert struct to json
func (e *Event) JSON() (string, error) {
	e.Version = Version
	bin, err := json.Marshal(e)
	return string(bin), err
}

// FromJSON - convert json to struct
func (e *Event) FromJSON(jsonString string) error {
	return json.Unmarshal([]byte(jsonString), e)
}

// String representation
func (e *Event) String() string {
	return fmt.Sprintf("kind=%s dataset=%s aoi=%s day=%s featureId=%s assets=%d", e.Kind, e.Dataset, e.AOI, e.Day, e.FeatureID, len(e.Assets))
}
