package call

import (
	"fmt"
	"time"

	"github.com/samber/lo"
)

// Patch is a partial update to a call record, applied atomically by the relay.
// Only the fields that are set take part.
type Patch struct {
	Actor string `json:"actor"`

	// Creation only.
	CallerID   string      `json:"caller_id,omitempty"`
	ReceiverID string      `json:"receiver_id,omitempty"`
	Kinds      []MediaKind `json:"kinds,omitempty"`

	Status    Status      `json:"status,omitempty"`
	Offer     *Descriptor `json:"offer_descriptor,omitempty"`
	Answer    *Descriptor `json:"answer_descriptor,omitempty"`
	Candidate *Candidate  `json:"candidate,omitempty"`
}

// Creates reports whether the patch carries the identity fields of a new record.
func (p Patch) Creates() bool {
	return p.CallerID != "" || p.ReceiverID != ""
}

// ApplyPatch is the single authority for durable record changes. cur is nil
// when the record does not exist yet. The returned record is a fresh copy; cur
// is never modified, so a rejected patch leaves the stored record untouched.
func ApplyPatch(cur *Record, callID string, p Patch, now time.Time) (Record, error) {
	if callID == "" {
		return Record{}, fmt.Errorf("%w: empty call id", ErrInvalidPatch)
	}
	if p.Actor == "" {
		return Record{}, fmt.Errorf("%w: missing actor", ErrInvalidPatch)
	}
	if p.Status != "" && !p.Status.Valid() {
		return Record{}, fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, p.Status)
	}

	if cur == nil {
		return create(callID, p, now)
	}
	if p.Creates() {
		return Record{}, fmt.Errorf("%w: call %s already exists", ErrPublishConflict, callID)
	}
	if p.Actor != cur.CallerID && p.Actor != cur.ReceiverID {
		return Record{}, fmt.Errorf("%w: %s is not a participant", ErrIllegalTransition, p.Actor)
	}

	rec := cur.Clone()
	changed := false

	if p.Offer != nil {
		if rec.Offer != nil {
			return Record{}, fmt.Errorf("%w: offer already set", ErrPublishConflict)
		}
		if p.Actor != rec.CallerID {
			return Record{}, fmt.Errorf("%w: only the caller may offer", ErrIllegalTransition)
		}
		if err := Transition(rec.Status, StatusCalling); err != nil {
			return Record{}, err
		}
		rec.Offer = lo.ToPtr(*p.Offer)
		rec.Status = StatusCalling
		changed = true
	}

	if p.Answer != nil {
		if rec.Answer != nil {
			return Record{}, fmt.Errorf("%w: answer already set", ErrPublishConflict)
		}
		if p.Actor != rec.ReceiverID {
			return Record{}, fmt.Errorf("%w: only the receiver may answer", ErrIllegalTransition)
		}
		if p.Status != "" && p.Status != StatusConnected {
			return Record{}, fmt.Errorf("%w: answer must connect, not %s", ErrIllegalTransition, p.Status)
		}
		if rec.Status.Terminal() {
			return Record{}, fmt.Errorf("%w: call already %s", ErrPublishConflict, rec.Status)
		}
		if err := Transition(rec.Status, StatusConnected); err != nil {
			return Record{}, err
		}
		rec.Answer = lo.ToPtr(*p.Answer)
		rec.Status = StatusConnected
		rec.StartedAt = lo.ToPtr(now)
		changed = true
	}

	if p.Status != "" && p.Status != rec.Status {
		if rec.Status.Terminal() {
			return Record{}, fmt.Errorf("%w: call already %s", ErrPublishConflict, rec.Status)
		}
		if p.Status == StatusRejected && p.Actor != rec.ReceiverID {
			return Record{}, fmt.Errorf("%w: only the receiver may reject", ErrIllegalTransition)
		}
		if p.Status == StatusConnected && rec.Answer == nil {
			return Record{}, fmt.Errorf("%w: connected without answer", ErrIllegalTransition)
		}
		if p.Status == StatusCalling && rec.Offer == nil {
			return Record{}, fmt.Errorf("%w: calling without offer", ErrIllegalTransition)
		}
		if err := Transition(rec.Status, p.Status); err != nil {
			return Record{}, err
		}
		rec.Status = p.Status
		changed = true
	} else if p.Status != "" && p.Status.Terminal() && !changed {
		// Same terminal status written twice: the second writer lost the race.
		return Record{}, fmt.Errorf("%w: call already %s", ErrPublishConflict, rec.Status)
	}

	if p.Candidate != nil {
		if rec.Status.Terminal() {
			return Record{}, fmt.Errorf("%w: call already %s", ErrPublishConflict, rec.Status)
		}
		rec.Candidates = append(rec.Candidates, CandidateEntry{From: p.Actor, Candidate: *p.Candidate})
		changed = true
	}

	if !changed {
		return Record{}, fmt.Errorf("%w: empty patch", ErrInvalidPatch)
	}

	if rec.Status.Terminal() && rec.EndedAt == nil {
		rec.EndedAt = lo.ToPtr(now)
	}
	rec.Revision++
	rec.UpdatedAt = now
	return rec, nil
}

func create(callID string, p Patch, now time.Time) (Record, error) {
	switch {
	case p.CallerID == "" || p.ReceiverID == "":
		return Record{}, fmt.Errorf("%w: call %s", ErrNotFound, callID)
	case p.CallerID == p.ReceiverID:
		return Record{}, fmt.Errorf("%w: caller and receiver are the same", ErrInvalidPatch)
	case p.Actor != p.CallerID:
		return Record{}, fmt.Errorf("%w: only the caller may create a call", ErrIllegalTransition)
	case p.Status != "" && p.Status != StatusPending:
		return Record{}, fmt.Errorf("%w: new call must start pending, not %s", ErrIllegalTransition, p.Status)
	case p.Answer != nil:
		return Record{}, fmt.Errorf("%w: new call cannot carry an answer", ErrIllegalTransition)
	}

	rec := Record{
		CallID:     callID,
		CallerID:   p.CallerID,
		ReceiverID: p.ReceiverID,
		Status:     StatusPending,
		Kinds:      NormalizeKinds(p.Kinds),
		Revision:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p.Offer != nil {
		rec.Offer = lo.ToPtr(*p.Offer)
		rec.Status = StatusCalling
	}
	if p.Candidate != nil {
		rec.Candidates = []CandidateEntry{{From: p.Actor, Candidate: *p.Candidate}}
	}
	return rec, nil
}
