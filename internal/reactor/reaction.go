package reactor

import "reflect"

// Handler is invoked by the dispatcher, and only the dispatcher, for
// one message. It is the only code allowed to call Reply, SpawnChild,
// Stop and friends on the Context it's given — those calls mutate
// state that is otherwise only safe to touch from the owning worker.
// A returned error is logged with the reactor id and message type
// (§7.3) and does not stop the reactor or requeue the message.
type Handler func(ctx *Context, msg Message) error

// ReactionTable maps a payload's concrete type to the Handler that
// processes it, with an optional Wildcard fallback for unregistered
// types. The table is keyed by reflect.Type, the same idiom the
// teacher's OpRights table uses for capability rights; the payload's
// type is computed with reflect.TypeOf on every lookup, at dispatch
// time, and no type tag is precomputed at send time.
type ReactionTable struct {
	On       map[reflect.Type]Handler
	Wildcard Handler
}

func NewReactionTable() ReactionTable {
	return ReactionTable{On: make(map[reflect.Type]Handler)}
}

// Add registers handler for the concrete type of sample. sample is
// only used for its type; its value is discarded.
func (t ReactionTable) Add(sample any, handler Handler) ReactionTable {
	t.On[reflect.TypeOf(sample)] = handler
	return t
}

func (t ReactionTable) lookup(payload any) (Handler, bool) {
	h, ok := t.On[reflect.TypeOf(payload)]
	if ok {
		return h, true
	}
	if t.Wildcard != nil {
		return t.Wildcard, true
	}
	return nil, false
}
