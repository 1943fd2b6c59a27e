package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JobStatus represents the status of a content-production job.
// Stage statuses are derived from StageID.Status; Completed, Failed and Cancelled are terminal.
type JobStatus string

const (
	JobStatusPending          JobStatus = "pending"
	JobStatusScripting        JobStatus = "scripting"
	JobStatusGeneratingImages JobStatus = "generating_images"
	JobStatusGeneratingAudio  JobStatus = "generating_audio"
	JobStatusAssembling       JobStatus = "assembling"
	JobStatusPublishing       JobStatus = "publishing"
	JobStatusCompleted        JobStatus = "completed"
	JobStatusFailed           JobStatus = "failed"
	JobStatusCancelled        JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition can happen.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// PublishTarget is one platform the finished content should be published to.
type PublishTarget struct {
	Platform string `json:"platform"`
	Strategy string `json:"strategy,omitempty"`
}

// JobSpec describes what a job should produce.
type JobSpec struct {
	Title           string          `json:"title"`
	Topic           string          `json:"topic"`
	Language        string          `json:"language,omitempty"`
	DurationSeconds int             `json:"duration_seconds"`
	SceneCount      int             `json:"scene_count"`
	Voice           string          `json:"voice,omitempty"`
	Targets         []PublishTarget `json:"targets,omitempty"`
}

// Duration returns the requested content duration.
func (s JobSpec) Duration() time.Duration {
	return time.Duration(s.DurationSeconds) * time.Second
}

// Value implements the driver.Valuer interface for database serialization.
func (s JobSpec) Value() (driver.Value, error) {
	return jsonValue(s)
}

// Scan implements the sql.Scanner interface for database deserialization.
func (s *JobSpec) Scan(value interface{}) error {
	return jsonScan(value, s)
}

// StageProgress is the per-stage progress record of a job.
type StageProgress struct {
	Stage     StageID  `json:"stage"`
	Percent   int      `json:"percent"`
	Message   string   `json:"message,omitempty"`
	Completed bool     `json:"completed"`
	Logs      []string `json:"logs,omitempty"`
}

// StageProgressList is stored as a JSON column.
type StageProgressList []StageProgress

// Value implements the driver.Valuer interface for database serialization.
func (l StageProgressList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return jsonValue(l)
}

// Scan implements the sql.Scanner interface for database deserialization.
func (l *StageProgressList) Scan(value interface{}) error {
	if value == nil {
		*l = StageProgressList{}
		return nil
	}
	return jsonScan(value, l)
}

// Artifact is one output produced by a stage, such as an image, an audio clip or a publish receipt.
type Artifact struct {
	Stage StageID           `json:"stage"`
	Kind  string            `json:"kind"`
	Item  int               `json:"item"`
	Key   string            `json:"key,omitempty"`
	URL   string            `json:"url,omitempty"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// Artifact kinds produced by the standard stages.
const (
	ArtifactScript   = "script"
	ArtifactScene    = "scene"
	ArtifactImage    = "image"
	ArtifactAudio    = "audio"
	ArtifactManifest = "manifest"
	ArtifactPost     = "post"
)

// ArtifactList is stored as a JSON column.
type ArtifactList []Artifact

// Value implements the driver.Valuer interface for database serialization.
func (l ArtifactList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return jsonValue(l)
}

// Scan implements the sql.Scanner interface for database deserialization.
func (l *ArtifactList) Scan(value interface{}) error {
	if value == nil {
		*l = ArtifactList{}
		return nil
	}
	return jsonScan(value, l)
}

// OfKind returns the artifacts with the given kind in production order.
func (l ArtifactList) OfKind(kind string) []Artifact {
	var out []Artifact
	for _, a := range l {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// Job is one instance of the content pipeline, tracked from admission to a terminal status.
type Job struct {
	ID          string            `gorm:"type:text;primaryKey" json:"id"`
	Owner       string            `gorm:"type:text;not null;index:idx_jobs_owner" json:"owner"`
	Spec        JobSpec           `gorm:"type:text" json:"spec"`
	Status      JobStatus         `gorm:"type:text;index:idx_jobs_status;default:pending" json:"status"`
	Progress    int               `json:"progress"`
	Stages      StageProgressList `gorm:"type:text" json:"stages"`
	Artifacts   ArtifactList      `gorm:"type:text" json:"artifacts"`
	Error       string            `json:"error,omitempty"`
	ResumedFrom string            `gorm:"type:text" json:"resumed_from,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string {
	return "jobs"
}

// Clone returns a deep copy that shares no slices or maps with j.
func (j Job) Clone() Job {
	out := j
	out.Spec.Targets = append([]PublishTarget(nil), j.Spec.Targets...)
	out.Stages = make(StageProgressList, len(j.Stages))
	for i, sp := range j.Stages {
		sp.Logs = append([]string(nil), sp.Logs...)
		out.Stages[i] = sp
	}
	out.Artifacts = make(ArtifactList, len(j.Artifacts))
	for i, a := range j.Artifacts {
		if a.Meta != nil {
			meta := make(map[string]string, len(a.Meta))
			for k, v := range a.Meta {
				meta[k] = v
			}
			a.Meta = meta
		}
		out.Artifacts[i] = a
	}
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	return out
}

// Stage returns the progress record for id, if the job has one.
func (j *Job) Stage(id StageID) (*StageProgress, bool) {
	for i := range j.Stages {
		if j.Stages[i].Stage == id {
			return &j.Stages[i], true
		}
	}
	return nil, false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func jsonValue(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonScan(value interface{}, dst interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan JSON column")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, dst)
}
