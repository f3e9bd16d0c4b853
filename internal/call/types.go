package call

import (
	"strconv"
	"time"

	"github.com/samber/lo"
)

// MediaKind is one kind of local or remote media.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == KindAudio || k == KindVideo }

// NormalizeKinds drops unknown and repeated kinds. An empty list means a full
// audio+video call.
func NormalizeKinds(kinds []MediaKind) []MediaKind {
	out := lo.Uniq(lo.Filter(kinds, func(k MediaKind, _ int) bool { return k.Valid() }))
	if len(out) == 0 {
		return []MediaKind{KindAudio, KindVideo}
	}
	return out
}

// Role tells which side of the exchange a descriptor belongs to.
type Role string

const (
	RoleOffer  Role = "offer"
	RoleAnswer Role = "answer"
)

// Descriptor is a session description exchanged once by each side.
type Descriptor struct {
	Type Role   `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one connectivity candidate, shaped like an ICE candidate init.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Key identifies a candidate for de-duplication. Candidates carry no ordering,
// so identity is the candidate line plus the media section it belongs to.
func (c Candidate) Key() string {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	idx := -1
	if c.SDPMLineIndex != nil {
		idx = int(*c.SDPMLineIndex)
	}
	return mid + "|" + strconv.Itoa(idx) + "|" + c.Candidate
}

// CandidateEntry is a candidate as stored on the record, tagged with the party
// that discovered it.
type CandidateEntry struct {
	From      string    `json:"from"`
	Candidate Candidate `json:"candidate"`
}

// Record is the durable call record shared by both parties through the relay.
type Record struct {
	CallID     string           `json:"call_id"`
	CallerID   string           `json:"caller_id"`
	ReceiverID string           `json:"receiver_id"`
	Status     Status           `json:"status"`
	Kinds      []MediaKind      `json:"kinds,omitempty"`
	Offer      *Descriptor      `json:"offer_descriptor,omitempty"`
	Answer     *Descriptor      `json:"answer_descriptor,omitempty"`
	Candidates []CandidateEntry `json:"pending_candidates,omitempty"`
	Revision   int64            `json:"revision"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	EndedAt    *time.Time       `json:"ended_at,omitempty"`
}

// Clone returns a deep copy so stores can hand records out without sharing
// slices or pointers.
func (r Record) Clone() Record {
	out := r
	out.Kinds = append([]MediaKind(nil), r.Kinds...)
	out.Candidates = append([]CandidateEntry(nil), r.Candidates...)
	if r.Offer != nil {
		out.Offer = lo.ToPtr(*r.Offer)
	}
	if r.Answer != nil {
		out.Answer = lo.ToPtr(*r.Answer)
	}
	if r.StartedAt != nil {
		out.StartedAt = lo.ToPtr(*r.StartedAt)
	}
	if r.EndedAt != nil {
		out.EndedAt = lo.ToPtr(*r.EndedAt)
	}
	return out
}

// Peer returns the other party from self's point of view.
func (r Record) Peer(self string) string {
	if self == r.CallerID {
		return r.ReceiverID
	}
	return r.CallerID
}

// Filter selects call records for a subscription or listing.
type Filter struct {
	CallID     string `json:"call_id,omitempty"`
	ReceiverID string `json:"receiver_id,omitempty"`
	CallerID   string `json:"caller_id,omitempty"`
}

func (f Filter) Empty() bool {
	return f.CallID == "" && f.ReceiverID == "" && f.CallerID == ""
}

// Match reports whether r passes every set field of f.
func (f Filter) Match(r Record) bool {
	if f.CallID != "" && f.CallID != r.CallID {
		return false
	}
	if f.ReceiverID != "" && f.ReceiverID != r.ReceiverID {
		return false
	}
	if f.CallerID != "" && f.CallerID != r.CallerID {
		return false
	}
	return true
}
