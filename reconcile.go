package matchkit

import (
	"fmt"
	"time"
)

// Reconciler merges inbound messages from either transport and locally
// created optimistic messages into a MessageStore, enforcing dedup and the
// status state machine. It carries no locking of its own; callers serialize
// through the session loop and the store guards its internals.
type Reconciler struct {
	store  *MessageStore
	selfID string
}

// NewReconciler creates a reconciler writing into store on behalf of selfID.
func NewReconciler(store *MessageStore, selfID string) *Reconciler {
	return &Reconciler{store: store, selfID: selfID}
}

func tempID() string {
	return fmt.Sprintf("temp-%d", time.Now().UnixNano())
}

// ApplyLocal appends the optimistic entry for an outgoing message and
// returns it. The entry carries a temporary id and status sending until the
// server assigns an identity via echo or REST acknowledgment.
func (r *Reconciler) ApplyLocal(matchID string, kind MessageKind, content, mediaURL string) Message {
	msg := Message{
		ID:        tempID(),
		MatchID:   matchID,
		SenderID:  r.selfID,
		Kind:      kind,
		Content:   content,
		MediaURL:  mediaURL,
		CreatedAt: time.Now().UTC(),
		Status:    StatusSending,
	}
	r.store.Append(msg)
	return msg
}

// ApplyRemote merges a server-delivered message. It reports whether the
// message was a previously unseen entry authored by the peer, in which case
// the caller owes the server a read receipt.
//
// Merge rules, in order:
//   - id already known: patch status forward only (idempotent duplicate or
//     a later delivery state for a message we hold).
//   - unknown id but authored by us and content-matching the oldest pending
//     optimistic entry: adopt the server identity in place. This is the race
//     where the echo outruns the REST acknowledgment; the match is by
//     content because the server id does not exist locally yet. Two
//     identical texts sent in quick succession can mis-pair here; the
//     heuristic is kept as-is rather than inventing a correlation id the
//     wire protocol does not carry.
//   - anything else: append as a new entry.
func (r *Reconciler) ApplyRemote(msg Message) bool {
	if msg.Status == "" {
		if msg.Own(r.selfID) {
			msg.Status = StatusSent
		} else {
			msg.Status = StatusDelivered
		}
	}

	if _, ok := r.store.Get(msg.ID); ok {
		r.store.PatchStatus(msg.ID, msg.Status)
		return false
	}

	var match func(Message) bool
	if msg.Own(r.selfID) {
		match = func(m Message) bool {
			return m.Pending() &&
				m.SenderID == msg.SenderID &&
				m.Kind == msg.Kind &&
				m.Content == msg.Content
		}
	}

	_, appended := r.store.UpsertByIDOrMatch(msg, match)
	return appended && !msg.Own(r.selfID)
}

// ApplyAck resolves a REST send acknowledgment for the optimistic entry
// with the given temporary id. If the push echo already claimed the server
// id, the placeholder is dropped so exactly one entry survives.
func (r *Reconciler) ApplyAck(pendingID, serverID string, createdAt time.Time) {
	if _, ok := r.store.Get(serverID); ok {
		r.store.Remove(pendingID)
		return
	}

	entry, ok := r.store.Get(pendingID)
	if !ok {
		return
	}
	entry.ID = serverID
	entry.Status = StatusSent
	if !createdAt.IsZero() {
		entry.CreatedAt = createdAt
	}
	r.store.UpsertByIDOrMatch(entry, func(m Message) bool { return m.ID == pendingID })
}

// ApplyFailed marks a pending send as failed.
func (r *Reconciler) ApplyFailed(id string) {
	r.store.PatchStatus(id, StatusFailed)
}

// ApplyRead patches own messages to read. An explicit id list patches
// exactly those entries; an empty list patches every own sent or delivered
// entry (bulk fallback for peers that cannot enumerate).
func (r *Reconciler) ApplyRead(ids []string) bool {
	changed := false
	if len(ids) > 0 {
		for _, id := range ids {
			msg, ok := r.store.Get(id)
			if !ok || !msg.Own(r.selfID) {
				continue
			}
			if r.store.PatchStatus(id, StatusRead) {
				changed = true
			}
		}
		return changed
	}

	for _, msg := range r.store.All() {
		if !msg.Own(r.selfID) {
			continue
		}
		if msg.Status != StatusSent && msg.Status != StatusDelivered {
			continue
		}
		if r.store.PatchStatus(msg.ID, StatusRead) {
			changed = true
		}
	}
	return changed
}

// Resend moves a failed message back into sending and returns the refreshed
// copy for retransmission.
func (r *Reconciler) Resend(id string) (Message, bool) {
	msg, ok := r.store.Get(id)
	if !ok || msg.Status != StatusFailed {
		return Message{}, false
	}
	r.store.PatchStatus(id, StatusSending)
	msg.Status = StatusSending
	return msg, true
}
