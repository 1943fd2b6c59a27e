package domain

import "fmt"

// StageID identifies one step of the content pipeline. The set is closed and ordered.
type StageID int

const (
	StageScript StageID = iota + 1
	StageImages
	StageAudio
	StageAssembly
	StagePublish
)

var stageNames = map[StageID]string{
	StageScript:   "script",
	StageImages:   "images",
	StageAudio:    "audio",
	StageAssembly: "assembly",
	StagePublish:  "publish",
}

var stageStatuses = map[StageID]JobStatus{
	StageScript:   JobStatusScripting,
	StageImages:   JobStatusGeneratingImages,
	StageAudio:    JobStatusGeneratingAudio,
	StageAssembly: JobStatusAssembling,
	StagePublish:  JobStatusPublishing,
}

// AllStages returns every stage in pipeline order.
func AllStages() []StageID {
	return []StageID{StageScript, StageImages, StageAudio, StageAssembly, StagePublish}
}

// Valid reports whether s is one of the declared stages.
func (s StageID) Valid() bool {
	_, ok := stageNames[s]
	return ok
}

func (s StageID) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Status returns the job status that is current while s runs.
func (s StageID) Status() JobStatus {
	return stageStatuses[s]
}

// MarshalText encodes the stage by name.
func (s StageID) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: unknown stage %d", ErrInvalidInput, int(s))
	}
	return []byte(stageNames[s]), nil
}

// UnmarshalText decodes a stage name.
func (s *StageID) UnmarshalText(text []byte) error {
	id, err := ParseStageID(string(text))
	if err != nil {
		return err
	}
	*s = id
	return nil
}

// ParseStageID maps a stage name back to its identifier.
func ParseStageID(name string) (StageID, error) {
	for id, n := range stageNames {
		if n == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown stage %q", ErrInvalidInput, name)
}
