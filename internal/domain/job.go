package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type JobState string

const (
	Pending      JobState = "pending"
	Claimed      JobState = "claimed"
	Applied      JobState = "applied"
	Retried      JobState = "retried"
	DeadLettered JobState = "dead_lettered"
)

type JobKind string

const (
	KindDelete JobKind = "delete"
	KindUpdate JobKind = "update"
)

// MutationJob is the only message between the admission path and the
// worker. Once encoded it is never rewritten; retries re-push the same bytes.
type MutationJob struct {
	ID         string         `json:"id"`
	Kind       JobKind        `json:"kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	ActorRole  Role           `json:"actor_role"`
	Payload    map[string]any `json:"payload,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

func NewDeleteJob(actor Actor, entityID string) MutationJob {
	return newJob(KindDelete, actor, entityID, nil)
}

func NewUpdateJob(actor Actor, entityID string, p WorkPatch) MutationJob {
	return newJob(KindUpdate, actor, entityID, p.Fields())
}

func newJob(kind JobKind, actor Actor, entityID string, payload map[string]any) MutationJob {
	return MutationJob{
		ID:         uuid.NewString(),
		Kind:       kind,
		EntityID:   entityID,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

func (j MutationJob) Actor() Actor { return Actor{ID: j.ActorID, Role: j.ActorRole} }

func (j MutationJob) Encode() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", errors.Wrap(err, "encode job")
	}
	return string(b), nil
}

// DecodeJob parses a queued job. Any structural problem is reported as
// ErrMalformedJob so the worker never retries it.
func DecodeJob(raw string) (MutationJob, error) {
	var j MutationJob
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return j, errors.Wrapf(ErrMalformedJob, "decode: %v", err)
	}
	switch {
	case j.ID == "":
		return j, errors.Wrap(ErrMalformedJob, "missing id")
	case j.EntityID == "":
		return j, errors.Wrap(ErrMalformedJob, "missing entity_id")
	case !j.Actor().Valid():
		return j, errors.Wrapf(ErrMalformedJob, "invalid actor %q/%q", j.ActorID, j.ActorRole)
	case j.Kind != KindDelete && j.Kind != KindUpdate:
		return j, errors.Wrapf(ErrMalformedJob, "unknown kind %q", j.Kind)
	}
	return j, nil
}
