package sink

import "github.com/you/chatrelay/internal/core"

type broadcaster interface {
	PublishComments(mode core.Mode, msgs []core.Message)
	PublishRemovals(ids []string)
}

type persister interface {
	WriteAll(msgs []core.Message) error
}

// WithBroadcast fans a pipeline batch out to live clients first and then to
// durable storage. Either side may be nil.
type WithBroadcast struct {
	store persister
	api   broadcaster
}

func WithAPI(store persister, api broadcaster) *WithBroadcast {
	return &WithBroadcast{store: store, api: api}
}

// Deliver returns only the persistence error; broadcasting cannot fail.
func (w *WithBroadcast) Deliver(mode core.Mode, msgs []core.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if w.api != nil {
		w.api.PublishComments(mode, msgs)
	}
	if w.store != nil {
		return w.store.WriteAll(msgs)
	}
	return nil
}

func (w *WithBroadcast) Remove(ids []string) {
	if len(ids) == 0 || w.api == nil {
		return
	}
	w.api.PublishRemovals(ids)
}
